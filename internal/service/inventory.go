package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
)

// InventoryService содержит бизнес-логику складских операций над одним товаром
// Это единственный код, которому разрешено менять stock/reserved_stock:
// каждая мутация делегируется в repository, где она выполняется в одной
// транзакции под блокировкой строки товара вместе с записью движения
type InventoryService struct {
	logger  *zap.Logger
	repo    repository.StockRepository
	alerter *LowStockAlerter
}

// NewInventoryService создаёт новый экземпляр InventoryService
// Принимает repository как зависимость - это позволяет легко подменять его в тестах
func NewInventoryService(logger *zap.Logger, repo repository.StockRepository, alerter *LowStockAlerter) *InventoryService {
	return &InventoryService{
		logger:  logger,
		repo:    repo,
		alerter: alerter,
	}
}

// CreateItem создаёт товар с начальным остатком и порогом low-stock
func (s *InventoryService) CreateItem(ctx context.Context, item repository.Item) error {
	if item.ID == "" {
		return fmt.Errorf("%w: item id is required", ErrValidation)
	}
	if item.Stock < 0 || item.ReservedStock < 0 {
		return fmt.Errorf("%w: stock and reserved_stock must be non-negative", ErrValidation)
	}

	if err := s.repo.CreateItem(ctx, item); err != nil {
		return err
	}

	s.logger.Info("item created",
		zap.String("item_id", item.ID),
		zap.Int32("initial_stock", item.Stock),
		zap.Int32("low_stock_threshold", item.LowStockThreshold),
	)
	return nil
}

// GetItem возвращает товар по ID
func (s *InventoryService) GetItem(ctx context.Context, itemID string) (repository.Item, error) {
	return s.repo.GetItem(ctx, itemID)
}

// CheckAvailability проверяет, хватает ли остатка для quantity единиц
// Read-only и без блокировки: результат может устареть к моменту Reserve,
// поэтому успешная проверка не гарантирует успешного резервирования.
// Авторитетна только повторная проверка внутри Reserve под блокировкой.
// Возвращает (false, 0) для несуществующего товара
func (s *InventoryService) CheckAvailability(ctx context.Context, itemID string, quantity int32) (bool, int32, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		if err == repository.ErrItemNotFound {
			return false, 0, nil
		}
		return false, 0, err
	}
	return item.Stock >= quantity, item.Stock, nil
}

// Reserve резервирует quantity единиц под заказ
// Возвращает остаток после операции
// При нехватке остатка возвращает ErrInsufficientStock без каких-либо изменений
func (s *InventoryService) Reserve(ctx context.Context, itemID string, quantity int32, orderID string) (int32, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	level, err := s.repo.Reserve(ctx, itemID, quantity, orderID)
	if err != nil {
		if err == repository.ErrInsufficientStock {
			s.logger.Info("reserve rejected: insufficient stock",
				zap.String("item_id", itemID),
				zap.Int32("quantity", quantity),
				zap.String("order_id", orderID),
			)
		}
		return 0, err
	}

	s.logger.Info("stock reserved",
		zap.String("item_id", itemID),
		zap.Int32("quantity", quantity),
		zap.String("order_id", orderID),
		zap.Int32("stock", level.Stock),
		zap.Int32("reserved", level.Reserved),
	)

	// Оценка low-stock после успешной мутации
	// Сбой алерта не влияет на результат резервирования
	s.alerter.Evaluate(ctx, itemID, level)

	return level.Stock, nil
}

// Release возвращает quantity зарезервированных единиц в доступный остаток
// Используется для отмены резервирования: заказ отклонён, checkout брошен
// или откат после частичного сбоя мульти-товарного резервирования
func (s *InventoryService) Release(ctx context.Context, itemID string, quantity int32, orderID string) (int32, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	level, err := s.repo.Release(ctx, itemID, quantity, orderID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("stock released",
		zap.String("item_id", itemID),
		zap.Int32("quantity", quantity),
		zap.String("order_id", orderID),
		zap.Int32("stock", level.Stock),
		zap.Int32("reserved", level.Reserved),
	)

	return level.Stock, nil
}

// Confirm финализирует продажу quantity зарезервированных единиц
// Доступный остаток не меняется (он был уменьшен при резервировании),
// только reserved_stock -= quantity
func (s *InventoryService) Confirm(ctx context.Context, itemID string, quantity int32, orderID string) (int32, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	level, err := s.repo.Confirm(ctx, itemID, quantity, orderID)
	if err != nil {
		return 0, err
	}

	s.logger.Info("stock confirmed",
		zap.String("item_id", itemID),
		zap.Int32("quantity", quantity),
		zap.String("order_id", orderID),
		zap.Int32("stock", level.Stock),
		zap.Int32("reserved", level.Reserved),
	)

	// Остаток не менялся, но условие перепроверяется для полноты
	s.alerter.Evaluate(ctx, itemID, level)

	return level.Stock, nil
}

// Add пополняет остаток вручную (ресток)
// Без ссылки на заказ
func (s *InventoryService) Add(ctx context.Context, itemID string, quantity int32, reason string) (int32, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	level, err := s.repo.Add(ctx, itemID, quantity, "", reason)
	if err != nil {
		return 0, err
	}

	s.logger.Info("stock added",
		zap.String("item_id", itemID),
		zap.Int32("quantity", quantity),
		zap.String("reason", reason),
		zap.Int32("stock", level.Stock),
	)

	s.alerter.Evaluate(ctx, itemID, level)

	return level.Stock, nil
}

// Restore возвращает проданные единицы на склад после отклонения
// уже подтверждённого заказа. Подтверждённые единицы сняты и с stock,
// и с reserved_stock, поэтому восстановление - это ADD движение со
// ссылкой на заказ, а не Release
func (s *InventoryService) Restore(ctx context.Context, itemID string, quantity int32, orderID, reason string) (int32, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}

	level, err := s.repo.Add(ctx, itemID, quantity, orderID, reason)
	if err != nil {
		return 0, err
	}

	s.logger.Info("stock restored",
		zap.String("item_id", itemID),
		zap.Int32("quantity", quantity),
		zap.String("order_id", orderID),
		zap.Int32("stock", level.Stock),
	)

	return level.Stock, nil
}

// Movements возвращает журнал движений товара, новые первыми
func (s *InventoryService) Movements(ctx context.Context, itemID string, limit int) ([]repository.Movement, error) {
	return s.repo.MovementsByItem(ctx, itemID, limit)
}

// MovementsByOrder возвращает движения, связанные с заказом
func (s *InventoryService) MovementsByOrder(ctx context.Context, orderID string) ([]repository.Movement, error) {
	return s.repo.MovementsByOrder(ctx, orderID)
}
