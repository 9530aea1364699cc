package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/service"
)

// LowStockAlertPublisher реализует service.AlertNotifier используя Kafka
// Решение поднять алерт принимает LowStockAlerter; publisher - только
// транспорт до внешнего notification сервиса
type LowStockAlertPublisher struct {
	logger *zap.Logger
	writer *kafka.Writer
	topic  string
}

// NewLowStockAlertPublisher создаёт новый Kafka publisher для low-stock алертов
func NewLowStockAlertPublisher(logger *zap.Logger, brokers []string, topic string) *LowStockAlertPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &LowStockAlertPublisher{
		logger: logger,
		writer: writer,
		topic:  topic,
	}
}

// Close закрывает Kafka writer
func (p *LowStockAlertPublisher) Close() error {
	return p.writer.Close()
}

// NotifyLowStock публикует событие низкого остатка в Kafka
func (p *LowStockAlertPublisher) NotifyLowStock(ctx context.Context, alert service.LowStockAlert) error {
	payload := map[string]interface{}{
		"event_id":      uuid.New().String(),
		"event_type":    "inventory.stock.low",
		"event_version": 1,
		"occurred_at":   alert.OccurredAt.Format(time.RFC3339),
		"item_id":       alert.ItemID,
		"stock":         alert.Stock,
		"threshold":     alert.Threshold,
	}

	valueBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal low stock alert",
			zap.Error(err),
			zap.String("item_id", alert.ItemID),
		)
		return err
	}

	message := kafka.Message{
		Key:   []byte(alert.ItemID), // ключ - item id, алерты одного товара в одной партиции
		Value: valueBytes,
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error("failed to publish low stock alert",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.String("item_id", alert.ItemID),
		)
		return err
	}

	p.logger.Info("low stock alert published",
		zap.String("topic", p.topic),
		zap.String("item_id", alert.ItemID),
		zap.Int32("stock", alert.Stock),
		zap.Int32("threshold", alert.Threshold),
	)

	return nil
}
