package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/service"
)

// PaymentResultConsumer обрабатывает события результата оплаты из Kafka
// и двигает заказ по state machine: completed -> подтверждение остатков,
// failed -> снятие резервации
//
// Идемпотентность по event_id: при редоставке Kafka side-effect не
// выполняется повторно, поэтому ConfirmForOrder срабатывает ровно один
// раз на заказ
type PaymentResultConsumer struct {
	logger         *zap.Logger
	reader         *kafka.Reader
	service        *service.OrderService
	processed      service.ProcessedKeysStore
	idempotencyTTL time.Duration
	maxAttempts    int
	backoffBase    time.Duration
}

// NewPaymentResultConsumer создаёт новый consumer событий результата оплаты
func NewPaymentResultConsumer(
	logger *zap.Logger,
	brokers []string,
	groupID, topic string,
	svc *service.OrderService,
	processed service.ProcessedKeysStore,
	idempotencyTTL time.Duration,
	maxAttempts int,
	backoffBase time.Duration,
) *PaymentResultConsumer {

	// Safety defaults на случай кривого env/config
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 1 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &PaymentResultConsumer{
		logger:         logger,
		reader:         reader,
		service:        svc,
		processed:      processed,
		idempotencyTTL: idempotencyTTL,
		maxAttempts:    maxAttempts,
		backoffBase:    backoffBase,
	}
}

// Start запускает consumer и начинает обработку сообщений
// Использует at-least-once семантику: FetchMessage + CommitMessages после успешной обработки
func (c *PaymentResultConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting payment result consumer",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID),
		zap.Int("max_retry_attempts", c.maxAttempts),
	)

	for {
		// FetchMessage вместо ReadMessage для ручного контроля commit
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer context cancelled, stopping")
				return nil
			}
			c.logger.Error("failed to fetch message from kafka", zap.Error(err))
			continue
		}

		shouldCommit := c.processMessage(ctx, m)

		// Коммитим offset только после успешной обработки
		if shouldCommit {
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				c.logger.Error("failed to commit message offset",
					zap.Error(err),
					zap.String("topic", m.Topic),
					zap.Int("partition", m.Partition),
					zap.Int64("offset", m.Offset),
				)
				continue
			}
		}
	}
}

// processMessage обрабатывает одно сообщение из Kafka
// Возвращает true, если нужно закоммитить offset
func (c *PaymentResultConsumer) processMessage(ctx context.Context, m kafka.Message) bool {
	var payload map[string]interface{}
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		c.logger.Error("failed to unmarshal kafka message",
			zap.Error(err),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
		)
		// Коммитим poison pill, чтобы не зациклиться
		return true
	}

	event, err := parsePaymentResultEvent(payload)
	if err != nil {
		c.logger.Error("failed to parse payment result event",
			zap.Error(err),
			zap.String("topic", m.Topic),
			zap.Int64("offset", m.Offset),
		)
		// Коммитим poison pill
		return true
	}

	c.logger.Info("received payment result event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
	)

	// Проверяем идемпотентность до side-effect
	alreadyProcessed, err := c.processed.IsProcessed(ctx, event.EventID)
	if err != nil {
		c.logger.Error("failed to check processed events store",
			zap.Error(err),
			zap.String("event_id", event.EventID),
		)
		return false
	}
	if alreadyProcessed {
		c.logger.Info("event already processed, skipping",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
		)
		return true
	}

	if !c.handleWithRetry(ctx, event) {
		// После исчерпания retry не коммитим (Kafka повторит)
		return false
	}

	if err := c.processed.MarkProcessed(ctx, event.EventID, c.idempotencyTTL); err != nil {
		c.logger.Error("failed to mark event as processed",
			zap.Error(err),
			zap.String("event_id", event.EventID),
		)
		// Side-effect выполнен; при редоставке повторный вызов
		// сервиса безопасен (подтверждение уже settled заказа - no-op)
	}

	return true
}

// handleWithRetry обрабатывает событие с retry логикой
func (c *PaymentResultConsumer) handleWithRetry(ctx context.Context, event service.PaymentResultEvent) bool {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		// Backoff: 1s, 2s, 4s (экспоненциально)
		if attempt > 1 {
			backoff := c.backoffBase * time.Duration(1<<uint(attempt-2))
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		err := c.handle(ctx, event)
		if err == nil {
			return true
		}

		lastErr = err
		c.logger.Warn("failed to handle payment result event",
			zap.Error(err),
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
		)
	}

	c.logger.Error("exhausted all retry attempts",
		zap.Error(lastErr),
		zap.String("order_id", event.OrderID),
		zap.Int("max_attempts", c.maxAttempts),
	)
	return false
}

// handle диспетчеризует событие по типу
func (c *PaymentResultConsumer) handle(ctx context.Context, event service.PaymentResultEvent) error {
	switch event.EventType {
	case service.EventTypePaymentCompleted:
		return c.service.HandlePaymentCompleted(ctx, event.OrderID)
	case service.EventTypePaymentFailed:
		return c.service.HandlePaymentFailed(ctx, event.OrderID)
	default:
		c.logger.Warn("unknown payment event type, ignoring",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.EventID),
		)
		return nil
	}
}

// parsePaymentResultEvent преобразует payload в PaymentResultEvent
func parsePaymentResultEvent(payload map[string]interface{}) (service.PaymentResultEvent, error) {
	event := service.PaymentResultEvent{}

	if v, ok := payload["event_id"].(string); ok {
		event.EventID = v
	} else {
		return event, &ParseError{Field: "event_id", Message: "event_id is required"}
	}
	if v, ok := payload["event_type"].(string); ok {
		event.EventType = v
	} else {
		return event, &ParseError{Field: "event_type", Message: "event_type is required"}
	}
	if v, ok := payload["event_version"].(float64); ok {
		event.EventVersion = int(v)
	}
	if v, ok := payload["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			event.OccurredAt = t
		}
	}
	if v, ok := payload["order_id"].(string); ok {
		event.OrderID = v
	} else {
		return event, &ParseError{Field: "order_id", Message: "order_id is required"}
	}
	if v, ok := payload["user_id"].(string); ok {
		event.UserID = v
	}

	return event, nil
}

// ParseError представляет ошибку парсинга события
type ParseError struct {
	Field   string
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// Close закрывает Kafka reader
func (c *PaymentResultConsumer) Close() error {
	c.logger.Info("closing payment result consumer")
	return c.reader.Close()
}
