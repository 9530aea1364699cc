package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
)

// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrValidation помечает отказ проверки входных данных
// Обёрнутые им ошибки транспортный слой отдаёт клиенту как 400
var ErrValidation = errors.New("validation failed")

// OrderService владеет жизненным циклом заказа и решает, когда
// выполняются складские операции OrderInventoryService
//
// Канонический путь расчёта остатков один: резервирование на checkout,
// подтверждение при успешной оплате. Прямого списания остатков на
// переходе в confirmed нет
type OrderService struct {
	logger         *zap.Logger
	orders         repository.OrderRepository
	inventory      *OrderInventoryService
	reservationTTL time.Duration
}

// NewOrderService создаёт новый экземпляр OrderService
// reservationTTL - срок жизни резервации после checkout; по истечении
// неподтверждённую резервацию снимает sweep
func NewOrderService(logger *zap.Logger, orders repository.OrderRepository, inventory *OrderInventoryService, reservationTTL time.Duration) *OrderService {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Minute
	}
	return &OrderService{
		logger:         logger,
		orders:         orders,
		inventory:      inventory,
		reservationTTL: reservationTTL,
	}
}

// CreateOrderInput содержит входные данные для создания заказа
type CreateOrderInput struct {
	UserID        string
	PaymentMethod string
	Items         []repository.OrderItem
}

// CreateOrder создаёт заказ в статусе draft
// Остатки на этом шаге не трогаются
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (repository.Order, error) {
	if len(input.Items) == 0 {
		return repository.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for i, item := range input.Items {
		if item.ItemID == "" {
			return repository.Order{}, fmt.Errorf("%w: item id is required in items[%d]", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return repository.Order{}, fmt.Errorf("%w: quantity must be positive in items[%d]", ErrValidation, i)
		}
	}

	order := repository.Order{
		ID:            "order-" + uuid.New().String(),
		UserID:        input.UserID,
		Status:        repository.OrderStatusDraft,
		PaymentMethod: input.PaymentMethod,
		Items:         input.Items,
	}

	if err := s.orders.Save(ctx, order); err != nil {
		return repository.Order{}, fmt.Errorf("failed to save order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int("items", len(order.Items)),
	)
	return order, nil
}

// GetOrder возвращает заказ по ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (repository.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// Checkout переводит заказ draft -> pending, резервируя остатки
// под все позиции (всё-или-ничего). При сбое резервирования заказ
// остаётся в draft и ни одна резервация не остаётся висеть
func (s *OrderService) Checkout(ctx context.Context, orderID string) (repository.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return repository.Order{}, err
	}

	if order.Status != repository.OrderStatusDraft {
		return repository.Order{}, fmt.Errorf("%w: checkout requires draft order, got %s", ErrInvalidTransition, order.Status)
	}
	if err := s.validateOrder(order, repository.OrderStatusPending); err != nil {
		return repository.Order{}, err
	}

	// Pre-flight без блокировок: отказ с понятным сообщением до
	// начала прохода по резервациям
	ok, message, err := s.inventory.CheckOrderAvailability(ctx, order.Items)
	if err != nil {
		return repository.Order{}, err
	}
	if !ok {
		return repository.Order{}, fmt.Errorf("%w: %s", repository.ErrInsufficientStock, message)
	}

	if err := s.inventory.ReserveForOrder(ctx, order); err != nil {
		return repository.Order{}, err
	}

	expiresAt := time.Now().Add(s.reservationTTL)
	order.Status = repository.OrderStatusPending
	order.ReservationExpiresAt = &expiresAt

	// Условный переход draft -> pending. Конкурентный checkout того же
	// заказа тоже успел зарезервировать остатки, но переход выигрывает
	// только один: проигравший обязан снять свою резервацию, иначе
	// reserved_stock утечёт навсегда
	if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusDraft); err != nil {
		if relErr := s.inventory.ReleaseForOrder(ctx, order); relErr != nil {
			s.logger.Error("failed to release reservation after lost transition",
				zap.Error(relErr),
				zap.String("order_id", order.ID),
			)
		}
		if errors.Is(err, repository.ErrStatusConflict) {
			return repository.Order{}, fmt.Errorf("%w: order %s is no longer draft", ErrInvalidTransition, order.ID)
		}
		return repository.Order{}, fmt.Errorf("failed to save order: %w", err)
	}

	s.logger.Info("order checked out",
		zap.String("order_id", order.ID),
		zap.Time("reservation_expires_at", expiresAt),
	)
	return order, nil
}

// HandlePaymentCompleted обрабатывает сигнал успешной оплаты:
// pending -> confirmed, резервации финализируются
// Повторный вызов для уже подтверждённого заказа - no-op
// (событийную идемпотентность обеспечивает consumer по event_id)
func (s *OrderService) HandlePaymentCompleted(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status == repository.OrderStatusConfirmed || order.Status == repository.OrderStatusCompleted {
		s.logger.Info("payment completed for already settled order, skipping",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
		)
		return nil
	}
	if order.Status != repository.OrderStatusPending {
		return fmt.Errorf("%w: payment completed for order in status %s", ErrInvalidTransition, order.Status)
	}

	order.Status = repository.OrderStatusConfirmed
	order.IsPaid = true
	order.ReservationExpiresAt = nil

	// Переход pending -> confirmed сначала: победитель условного перехода
	// владеет резервацией, и только он её финализирует. Sweep, проигравший
	// этот переход, резервацию не тронет
	if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusPending); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			current, getErr := s.orders.GetByID(ctx, orderID)
			if getErr != nil {
				return getErr
			}
			if current.Status == repository.OrderStatusConfirmed || current.Status == repository.OrderStatusCompleted {
				return nil
			}
			return fmt.Errorf("%w: payment completed for order in status %s", ErrInvalidTransition, current.Status)
		}
		return fmt.Errorf("failed to save order: %w", err)
	}

	if err := s.inventory.ConfirmForOrder(ctx, order); err != nil {
		return err
	}

	s.logger.Info("order confirmed",
		zap.String("order_id", order.ID),
	)
	return nil
}

// HandlePaymentFailed обрабатывает сигнал неуспешной оплаты:
// pending -> rejected, резервация снимается
func (s *OrderService) HandlePaymentFailed(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status == repository.OrderStatusRejected {
		return nil
	}
	if order.Status != repository.OrderStatusPending {
		return fmt.Errorf("%w: payment failed for order in status %s", ErrInvalidTransition, order.Status)
	}

	err = s.rejectPending(ctx, order, "payment failed")
	if errors.Is(err, ErrInvalidTransition) {
		// Sweep успел отклонить заказ первым - итог тот же
		current, getErr := s.orders.GetByID(ctx, orderID)
		if getErr == nil && current.Status == repository.OrderStatusRejected {
			return nil
		}
	}
	return err
}

// CancelOrder отменяет заказ
// draft: остатки не трогались - только смена статуса
// pending: снимается резервация
// confirmed: проданные единицы возвращаются на склад ADD движениями
// Терминальные статусы отменить нельзя
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case repository.OrderStatusDraft:
		// Резервации не было - release не вызывается
		order.Status = repository.OrderStatusRejected
		if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusDraft); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return fmt.Errorf("%w: order %s is no longer draft", ErrInvalidTransition, order.ID)
			}
			return fmt.Errorf("failed to save order: %w", err)
		}
		s.logger.Info("draft order rejected", zap.String("order_id", order.ID))
		return nil

	case repository.OrderStatusPending:
		return s.rejectPending(ctx, order, reason)

	case repository.OrderStatusConfirmed:
		// Заказ уже списал остатки при подтверждении - восстанавливаем
		if reason == "" {
			reason = "order rejected after confirmation"
		}
		order.Status = repository.OrderStatusRejected
		order.IsPaid = false
		if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusConfirmed); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return fmt.Errorf("%w: order %s is no longer confirmed", ErrInvalidTransition, order.ID)
			}
			return fmt.Errorf("failed to save order: %w", err)
		}
		if err := s.inventory.RestoreForOrder(ctx, order, reason); err != nil {
			return err
		}
		s.logger.Info("confirmed order rejected, stock restored",
			zap.String("order_id", order.ID),
		)
		return nil

	default:
		return fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, order.Status)
	}
}

// CompleteOrder переводит подтверждённый заказ в терминальный completed
// Остатки не меняются: они были рассчитаны при подтверждении
func (s *OrderService) CompleteOrder(ctx context.Context, orderID string) error {
	return s.finishOrder(ctx, orderID, repository.OrderStatusCompleted)
}

// FailOrder переводит подтверждённый заказ в терминальный failed
// (сбой выполнения после оплаты). Остатки не меняются
func (s *OrderService) FailOrder(ctx context.Context, orderID string) error {
	return s.finishOrder(ctx, orderID, repository.OrderStatusFailed)
}

func (s *OrderService) finishOrder(ctx context.Context, orderID string, status repository.OrderStatus) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status != repository.OrderStatusConfirmed {
		return fmt.Errorf("%w: %s requires confirmed order, got %s", ErrInvalidTransition, status, order.Status)
	}

	order.Status = status
	if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusConfirmed); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return fmt.Errorf("%w: %s requires confirmed order", ErrInvalidTransition, status)
		}
		return fmt.Errorf("failed to save order: %w", err)
	}

	s.logger.Info("order finished",
		zap.String("order_id", order.ID),
		zap.String("status", string(status)),
	)
	return nil
}

// ReleaseExpiredReservation снимает истёкшую резервацию pending заказа
// Вызывается sweep'ом вне request path
func (s *OrderService) ReleaseExpiredReservation(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status != repository.OrderStatusPending {
		// Заказ успели подтвердить или отменить между выборкой sweep'а
		// и этим вызовом - ничего не делаем
		return nil
	}
	if order.ReservationExpiresAt == nil || order.ReservationExpiresAt.After(time.Now()) {
		return nil
	}

	if err := s.rejectPending(ctx, order, "reservation expired"); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Заказ подтвердили или отменили, пока sweep шёл к нему
			return nil
		}
		return err
	}

	s.logger.Info("expired reservation released",
		zap.String("order_id", order.ID),
	)
	return nil
}

// rejectPending переводит pending заказ в rejected и снимает резервацию
// Сначала условный переход: резервацию освобождает только его победитель,
// проигравший получает ErrInvalidTransition и остатки не трогает
func (s *OrderService) rejectPending(ctx context.Context, order repository.Order, reason string) error {
	order.Status = repository.OrderStatusRejected
	order.ReservationExpiresAt = nil
	if err := s.orders.UpdateStatus(ctx, order, repository.OrderStatusPending); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return fmt.Errorf("%w: order %s is no longer pending", ErrInvalidTransition, order.ID)
		}
		return fmt.Errorf("failed to save order: %w", err)
	}

	if err := s.inventory.ReleaseForOrder(ctx, order); err != nil {
		return err
	}

	s.logger.Info("pending order rejected",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
	)
	return nil
}

// validateOrder проверяет инварианты заказа перед сменой статуса:
// минимум одна позиция, для не-draft обязателен способ оплаты,
// оплаченный заказ может быть только confirmed или completed
func (s *OrderService) validateOrder(order repository.Order, next repository.OrderStatus) error {
	if len(order.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if next != repository.OrderStatusDraft && order.PaymentMethod == "" {
		return fmt.Errorf("%w: payment method is required for non-draft order", ErrValidation)
	}
	if order.IsPaid && next != repository.OrderStatusConfirmed && next != repository.OrderStatusCompleted {
		return fmt.Errorf("%w: paid order must be confirmed or completed, got %s", ErrValidation, next)
	}
	return nil
}
