package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shestoi/GoMarket/internal/repository"
)

// StockRepository реализует repository.StockRepository используя in-memory хранилище
// Используется для разработки и unit-тестов
// В production используется реализация с PostgreSQL
//
// Мьютекс играет роль блокировки строки: все мутирующие операции
// по товару линеаризованы, как и в postgres реализации
type StockRepository struct {
	mu        sync.Mutex
	items     map[string]repository.Item
	movements []repository.Movement
}

// NewStockRepository создаёт новый in-memory репозиторий остатков
func NewStockRepository() *StockRepository {
	return &StockRepository{
		items:     make(map[string]repository.Item),
		movements: make([]repository.Movement, 0),
	}
}

// CreateItem создаёт товар в памяти
// Если начальный остаток > 0, записывает ADD движение
func (r *StockRepository) CreateItem(ctx context.Context, item repository.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[item.ID]; exists {
		return fmt.Errorf("%w: %s", repository.ErrItemAlreadyExists, item.ID)
	}

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	r.items[item.ID] = item

	if item.Stock > 0 {
		r.appendMovement(item.ID, repository.ActionAdd, item.Stock, item.Stock, "", "initial stock")
	}

	return nil
}

// GetItem получает товар из памяти
func (r *StockRepository) GetItem(ctx context.Context, itemID string) (repository.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return repository.Item{}, repository.ErrItemNotFound
	}
	return item, nil
}

// Reserve резервирует товар: stock -= q, reserved += q
// Проверка и изменение выполняются под мьютексом, поэтому два
// конкурентных Reserve не могут оба увидеть один и тот же остаток
func (r *StockRepository) Reserve(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return repository.StockLevel{}, repository.ErrItemNotFound
	}

	// Повторная проверка под блокировкой - авторитетная
	if item.Stock < quantity {
		return repository.StockLevel{}, repository.ErrInsufficientStock
	}

	item.Stock -= quantity
	item.ReservedStock += quantity
	item.UpdatedAt = time.Now()
	r.items[itemID] = item

	r.appendMovement(itemID, repository.ActionReserve, quantity, item.Stock, orderID, "")

	return level(item), nil
}

// Release возвращает зарезервированные единицы в доступный остаток
func (r *StockRepository) Release(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return repository.StockLevel{}, repository.ErrItemNotFound
	}

	if item.ReservedStock < quantity {
		return repository.StockLevel{}, fmt.Errorf("release %d exceeds reserved stock %d for item %s", quantity, item.ReservedStock, itemID)
	}

	item.Stock += quantity
	item.ReservedStock -= quantity
	item.UpdatedAt = time.Now()
	r.items[itemID] = item

	r.appendMovement(itemID, repository.ActionRelease, quantity, item.Stock, orderID, "")

	return level(item), nil
}

// Confirm финализирует продажу: reserved -= q
// Доступный остаток был уменьшен ещё при резервировании
func (r *StockRepository) Confirm(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return repository.StockLevel{}, repository.ErrItemNotFound
	}

	if item.ReservedStock < quantity {
		return repository.StockLevel{}, fmt.Errorf("confirm %d exceeds reserved stock %d for item %s", quantity, item.ReservedStock, itemID)
	}

	item.ReservedStock -= quantity
	item.UpdatedAt = time.Now()
	r.items[itemID] = item

	r.appendMovement(itemID, repository.ActionConfirm, quantity, item.Stock, orderID, "")

	return level(item), nil
}

// Add пополняет доступный остаток
func (r *StockRepository) Add(ctx context.Context, itemID string, quantity int32, orderID, reason string) (repository.StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return repository.StockLevel{}, repository.ErrItemNotFound
	}

	item.Stock += quantity
	item.UpdatedAt = time.Now()
	r.items[itemID] = item

	r.appendMovement(itemID, repository.ActionAdd, quantity, item.Stock, orderID, reason)

	return level(item), nil
}

// MovementsByItem возвращает движения товара, новые первыми
func (r *StockRepository) MovementsByItem(ctx context.Context, itemID string, limit int) ([]repository.Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]repository.Movement, 0)
	for i := len(r.movements) - 1; i >= 0; i-- {
		if r.movements[i].ItemID == itemID {
			result = append(result, r.movements[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// MovementsByOrder возвращает движения, связанные с заказом, в порядке создания
func (r *StockRepository) MovementsByOrder(ctx context.Context, orderID string) ([]repository.Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]repository.Movement, 0)
	for _, m := range r.movements {
		if m.OrderID == orderID {
			result = append(result, m)
		}
	}
	return result, nil
}

// appendMovement добавляет запись журнала
// Вызывается только внутри заблокированного мьютекса
func (r *StockRepository) appendMovement(itemID string, action repository.MovementAction, quantity, remaining int32, orderID, reason string) {
	r.movements = append(r.movements, repository.Movement{
		ID:             uuid.New().String(),
		ItemID:         itemID,
		Action:         action,
		Quantity:       quantity,
		RemainingStock: remaining,
		OrderID:        orderID,
		Reason:         reason,
		CreatedAt:      time.Now(),
	})
}

func level(item repository.Item) repository.StockLevel {
	return repository.StockLevel{
		Stock:     item.Stock,
		Reserved:  item.ReservedStock,
		Threshold: item.LowStockThreshold,
	}
}

// OrderRepository реализует repository.OrderRepository используя in-memory хранилище
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]repository.Order
}

// NewOrderRepository создаёт новый in-memory репозиторий заказов
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[string]repository.Order),
	}
}

// Save сохраняет заказ в памяти (upsert)
func (r *OrderRepository) Save(ctx context.Context, order repository.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}

	// Копируем items, чтобы вызывающий код не мог изменить сохранённый заказ
	items := make([]repository.OrderItem, len(order.Items))
	copy(items, order.Items)
	order.Items = items

	r.orders[order.ID] = order
	return nil
}

// UpdateStatus атомарно переводит заказ из статуса expected в order.Status
// Проверка и запись выполняются под мьютексом, как условный UPDATE
// в postgres реализации: из двух конкурентных переходов проходит один
func (r *OrderRepository) UpdateStatus(ctx context.Context, order repository.Order, expected repository.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.orders[order.ID]
	if !exists {
		return repository.ErrOrderNotFound
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: order %s is %s, not %s", repository.ErrStatusConflict, order.ID, stored.Status, expected)
	}

	stored.Status = order.Status
	stored.IsPaid = order.IsPaid
	stored.ReservationExpiresAt = order.ReservationExpiresAt
	r.orders[order.ID] = stored
	return nil
}

// GetByID получает заказ из памяти
func (r *OrderRepository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[id]
	if !exists {
		return repository.Order{}, repository.ErrOrderNotFound
	}

	items := make([]repository.OrderItem, len(order.Items))
	copy(items, order.Items)
	order.Items = items
	return order, nil
}

// ListExpiredReservations возвращает pending заказы с истёкшей резервацией
func (r *OrderRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]repository.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]repository.Order, 0)
	for _, order := range r.orders {
		if order.Status != repository.OrderStatusPending {
			continue
		}
		if order.ReservationExpiresAt == nil || !order.ReservationExpiresAt.Before(now) {
			continue
		}
		result = append(result, order)
	}

	// Стабильный порядок: сначала самые старые резервации
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReservationExpiresAt.Before(*result[j].ReservationExpiresAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
