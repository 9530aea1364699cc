package repository

import (
	"context"
	"errors"
	"time"
)

// Item представляет доменную модель товара со складским учётом
// Это бизнес-сущность, не привязанная к HTTP или БД
//
// Инвариант: Stock >= 0 и ReservedStock >= 0 в любой момент времени.
// ReservedStock уже исключён из Stock: зарезервированные единицы
// недоступны для новых резервирований.
type Item struct {
	ID                string
	Name              string
	Stock             int32
	ReservedStock     int32
	LowStockThreshold int32
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StockLevel представляет состояние остатков товара после операции
// Возвращается из мутирующих операций репозитория, чтобы service слой
// мог принять решение о low-stock алерте без повторного чтения
type StockLevel struct {
	Stock     int32
	Reserved  int32
	Threshold int32
}

// MovementAction определяет тип движения остатков
type MovementAction string

const (
	ActionReserve    MovementAction = "RESERVE"
	ActionRelease    MovementAction = "RELEASE"
	ActionConfirm    MovementAction = "CONFIRM"
	ActionAdd        MovementAction = "ADD"
	ActionSubtract   MovementAction = "SUBTRACT"
	ActionAdjustment MovementAction = "ADJUSTMENT"
)

// Movement представляет одну запись журнала движений остатков
// Записи append-only: создаются один раз и никогда не изменяются.
// По журналу можно восстановить историю остатков товара, проигрывая
// движения в порядке created_at
type Movement struct {
	ID             string
	ItemID         string
	Action         MovementAction
	Quantity       int32
	RemainingStock int32
	OrderID        string // пустой для ручных корректировок без заказа
	Reason         string
	CreatedAt      time.Time
}

// OrderStatus определяет статус заказа
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order представляет доменную модель заказа
// ReservationExpiresAt != nil означает, что у заказа есть активная
// резервация, которую sweep снимет после истечения срока
type Order struct {
	ID                   string
	UserID               string
	Status               OrderStatus
	PaymentMethod        string
	IsPaid               bool
	Items                []OrderItem
	ReservationExpiresAt *time.Time
	CreatedAt            time.Time
}

// OrderItem представляет позицию заказа
type OrderItem struct {
	ItemID   string
	Quantity int32
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=StockRepository --dir=. --output=./mocks --outpkg=mocks

// StockRepository определяет интерфейс для работы с остатками товаров
// Service слой зависит от этого интерфейса, а не от конкретной реализации
//
// Каждая мутирующая операция атомарна: проверка, изменение остатков и
// запись движения выполняются в одной транзакции под блокировкой строки
// товара. Это единственный способ изменить stock/reserved_stock.
type StockRepository interface {
	// CreateItem создаёт товар. Если initial stock > 0, записывает ADD движение
	CreateItem(ctx context.Context, item Item) error

	// GetItem получает товар по ID
	// Возвращает ErrItemNotFound, если товар не найден
	GetItem(ctx context.Context, itemID string) (Item, error)

	// Reserve резервирует quantity единиц: stock -= q, reserved += q
	// Возвращает ErrInsufficientStock, если stock < quantity (без частичного применения)
	Reserve(ctx context.Context, itemID string, quantity int32, orderID string) (StockLevel, error)

	// Release возвращает quantity зарезервированных единиц: stock += q, reserved -= q
	Release(ctx context.Context, itemID string, quantity int32, orderID string) (StockLevel, error)

	// Confirm финализирует продажу: reserved -= q (stock был уменьшен при резервировании)
	Confirm(ctx context.Context, itemID string, quantity int32, orderID string) (StockLevel, error)

	// Add пополняет остаток: stock += q
	// orderID пустой для ручного пополнения, непустой для восстановления
	// остатков отклонённого после подтверждения заказа
	Add(ctx context.Context, itemID string, quantity int32, orderID, reason string) (StockLevel, error)

	// MovementsByItem возвращает движения товара, новые первыми
	MovementsByItem(ctx context.Context, itemID string, limit int) ([]Movement, error)

	// MovementsByOrder возвращает движения, связанные с заказом
	MovementsByOrder(ctx context.Context, orderID string) ([]Movement, error)
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=OrderRepository --dir=. --output=./mocks --outpkg=mocks

// OrderRepository определяет интерфейс для работы с хранилищем заказов
type OrderRepository interface {
	// Save сохраняет заказ в хранилище (upsert: повторный Save обновляет заказ)
	// Статус не проверяется, поэтому Save используется для создания заказа;
	// смена статуса живого заказа идёт через UpdateStatus
	Save(ctx context.Context, order Order) error

	// UpdateStatus атомарно переводит заказ из статуса expected в order.Status,
	// перезаписывая is_paid и reservation_expires_at. Позиции заказа не меняются.
	// Если текущий статус заказа не expected, возвращает ErrStatusConflict:
	// конкурентный переход выполнился первым, и заказ ему принадлежит.
	// Это единственный способ сменить статус существующего заказа - слепой
	// upsert позволил бы двум конкурентным переходам обоим пройти
	UpdateStatus(ctx context.Context, order Order, expected OrderStatus) error

	// GetByID получает заказ по ID
	// Возвращает ErrOrderNotFound, если заказ не найден
	GetByID(ctx context.Context, id string) (Order, error)

	// ListExpiredReservations возвращает заказы со статусом pending,
	// у которых срок резервации истёк (reservation_expires_at < now)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

// ErrItemNotFound возвращается, когда товар не найден в хранилище
var ErrItemNotFound = errors.New("item not found")

// ErrItemAlreadyExists возвращается при попытке создать товар с занятым ID
var ErrItemAlreadyExists = errors.New("item already exists")

// ErrOrderNotFound возвращается, когда заказ не найден в хранилище
var ErrOrderNotFound = errors.New("order not found")

// ErrStatusConflict возвращается из UpdateStatus, когда текущий статус
// заказа не совпадает с ожидаемым: конкурентный переход успел первым
var ErrStatusConflict = errors.New("order status conflict")

// ErrInsufficientStock возвращается, когда доступного остатка
// недостаточно для резервирования. Это ожидаемое бизнес-условие,
// а не сбой: операция не применяется даже частично
var ErrInsufficientStock = errors.New("insufficient stock")
