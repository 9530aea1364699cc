package service

import (
	"context"
	"time"
)

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=AlertNotifier --dir=. --output=./mocks --outpkg=mocks

// AlertNotifier определяет интерфейс внешнего получателя low-stock алертов
// Доставка - внешняя ответственность (Kafka, telegram, email);
// core только принимает решение поднять алерт
type AlertNotifier interface {
	// NotifyLowStock отправляет уведомление о низком остатке
	// Ошибка доставки логируется вызывающим кодом, но не откатывает
	// мутацию остатков, которая вызвала алерт
	NotifyLowStock(ctx context.Context, alert LowStockAlert) error
}

// LowStockAlert содержит данные уведомления о низком остатке
type LowStockAlert struct {
	ItemID     string
	Stock      int32
	Threshold  int32
	OccurredAt time.Time
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=ProcessedKeysStore --dir=. --output=./mocks --outpkg=mocks

// ProcessedKeysStore хранит обработанные ключи с ttl
// Используется в двух местах: идемпотентность событий оплаты
// (ключ - event_id) и подавление повторных low-stock алертов
// (ключ - item id, ttl - минимальный интервал между алертами)
type ProcessedKeysStore interface {
	// MarkProcessed сохраняет key как обработанный. Должен быть idempotent сам по себе.
	// ttl определяет время жизни записи
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error

	// IsProcessed возвращает true если key уже был обработан и ещё не истёк ttl
	IsProcessed(ctx context.Context, key string) (bool, error)
}
