package service

import "time"

// PaymentResultEvent представляет событие результата оплаты заказа
// Приходит из payment сервиса через Kafka
// EventID обязателен: по нему consumer обеспечивает идемпотентность,
// чтобы ConfirmForOrder сработал ровно один раз на заказ
type PaymentResultEvent struct {
	EventID      string
	EventType    string
	EventVersion int
	OccurredAt   time.Time
	OrderID      string
	UserID       string
}

// Типы событий результата оплаты
const (
	EventTypePaymentCompleted = "order.payment.completed"
	EventTypePaymentFailed    = "order.payment.failed"
)
