package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
)

// OrderInventoryService распространяет гарантии InventoryService на
// "все позиции одного заказа": резервирование всё-или-ничего,
// подтверждение при оплате, освобождение при отмене
//
// Резервирование по нескольким товарам не атомарно на уровне хранилища:
// атомарность здесь в смысле компенсации - при сбое на любой позиции
// все уже сделанные резервации этого заказа снимаются до возврата ошибки
type OrderInventoryService struct {
	logger    *zap.Logger
	inventory *InventoryService
}

// NewOrderInventoryService создаёт новый экземпляр OrderInventoryService
func NewOrderInventoryService(logger *zap.Logger, inventory *InventoryService) *OrderInventoryService {
	return &OrderInventoryService{
		logger:    logger,
		inventory: inventory,
	}
}

// ReserveForOrder резервирует остатки под все позиции заказа
// При сбое на любой позиции снимает все уже сделанные резервации
// (компенсирующие Release) и возвращает одну ошибку уровня заказа:
// частично неудовлетворимый заказ никогда не оставляет остатки
// зарезервированными
func (s *OrderInventoryService) ReserveForOrder(ctx context.Context, order repository.Order) error {
	reserved := make([]repository.OrderItem, 0, len(order.Items))

	for _, item := range order.Items {
		_, err := s.inventory.Reserve(ctx, item.ItemID, item.Quantity, order.ID)
		if err != nil {
			// Откатываем резервации предыдущих позиций этого заказа
			s.rollbackReservations(ctx, order.ID, reserved)

			if errors.Is(err, repository.ErrInsufficientStock) {
				return fmt.Errorf("item %s: %w", item.ItemID, repository.ErrInsufficientStock)
			}
			return fmt.Errorf("reserve item %s for order %s: %w", item.ItemID, order.ID, err)
		}
		reserved = append(reserved, item)
	}

	s.logger.Info("all order items reserved",
		zap.String("order_id", order.ID),
		zap.Int("items", len(order.Items)),
	)
	return nil
}

// rollbackReservations снимает уже сделанные резервации заказа
// Ошибка отдельного Release логируется, но не прерывает откат остальных:
// цель - не оставить ни одной висящей резервации
func (s *OrderInventoryService) rollbackReservations(ctx context.Context, orderID string, reserved []repository.OrderItem) {
	for _, item := range reserved {
		if _, err := s.inventory.Release(ctx, item.ItemID, item.Quantity, orderID); err != nil {
			s.logger.Error("failed to roll back reservation",
				zap.Error(err),
				zap.String("order_id", orderID),
				zap.String("item_id", item.ItemID),
				zap.Int32("quantity", item.Quantity),
			)
		}
	}
}

// ConfirmForOrder финализирует продажу по всем позициям заказа
// Вызывается ровно один раз, в момент признания оплаты успешной
// (идемпотентность обеспечивает вызывающий код, не этот слой)
func (s *OrderInventoryService) ConfirmForOrder(ctx context.Context, order repository.Order) error {
	for _, item := range order.Items {
		if _, err := s.inventory.Confirm(ctx, item.ItemID, item.Quantity, order.ID); err != nil {
			return fmt.Errorf("confirm item %s for order %s: %w", item.ItemID, order.ID, err)
		}
	}

	s.logger.Info("all order items confirmed",
		zap.String("order_id", order.ID),
		zap.Int("items", len(order.Items)),
	)
	return nil
}

// ReleaseForOrder возвращает резервации всех позиций заказа в доступный остаток
// Вызывается при отмене/отклонении заказа с активной резервацией
// Ошибка по одной позиции не прерывает освобождение остальных;
// возвращается первая встреченная ошибка
func (s *OrderInventoryService) ReleaseForOrder(ctx context.Context, order repository.Order) error {
	var firstErr error
	for _, item := range order.Items {
		if _, err := s.inventory.Release(ctx, item.ItemID, item.Quantity, order.ID); err != nil {
			s.logger.Error("failed to release order item",
				zap.Error(err),
				zap.String("order_id", order.ID),
				zap.String("item_id", item.ItemID),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("release item %s for order %s: %w", item.ItemID, order.ID, err)
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}

	s.logger.Info("all order items released",
		zap.String("order_id", order.ID),
		zap.Int("items", len(order.Items)),
	)
	return nil
}

// RestoreForOrder возвращает на склад позиции заказа, отклонённого
// после подтверждения (chargeback, отказ продавца). Остатки были
// финализированы при Confirm, поэтому восстановление идёт ADD
// движениями со ссылкой на заказ
func (s *OrderInventoryService) RestoreForOrder(ctx context.Context, order repository.Order, reason string) error {
	var firstErr error
	for _, item := range order.Items {
		if _, err := s.inventory.Restore(ctx, item.ItemID, item.Quantity, order.ID, reason); err != nil {
			s.logger.Error("failed to restore order item",
				zap.Error(err),
				zap.String("order_id", order.ID),
				zap.String("item_id", item.ItemID),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("restore item %s for order %s: %w", item.ItemID, order.ID, err)
			}
		}
	}
	return firstErr
}

// CheckOrderAvailability проверяет доступность всех позиций заказа без блокировок
// Используется как pre-flight перед резервированием, чтобы отказать
// с понятным сообщением до начала прохода по резервациям.
// Проверка не атомарна с последующим Reserve: успешный результат
// не гарантирует, что резервирование пройдёт
func (s *OrderInventoryService) CheckOrderAvailability(ctx context.Context, items []repository.OrderItem) (bool, string, error) {
	for _, item := range items {
		available, stock, err := s.inventory.CheckAvailability(ctx, item.ItemID, item.Quantity)
		if err != nil {
			return false, "", err
		}
		if !available {
			return false, fmt.Sprintf("item %s: requested %d, available %d", item.ItemID, item.Quantity, stock), nil
		}
	}
	return true, "", nil
}
