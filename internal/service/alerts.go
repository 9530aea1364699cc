package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
)

// LowStockAlerter принимает решение о low-stock алерте и передаёт его notifier
// Повторные алерты по одному товару подавляются в течение frequency:
// без этого каждый Reserve ниже порога заново дёргал бы notifier
type LowStockAlerter struct {
	logger    *zap.Logger
	notifier  AlertNotifier
	gate      ProcessedKeysStore
	frequency time.Duration
}

// NewLowStockAlerter создаёт новый alerter
// frequency - минимальный интервал между повторными алертами по одному товару
func NewLowStockAlerter(logger *zap.Logger, notifier AlertNotifier, gate ProcessedKeysStore, frequency time.Duration) *LowStockAlerter {
	if frequency <= 0 {
		frequency = 1 * time.Hour
	}
	return &LowStockAlerter{
		logger:    logger,
		notifier:  notifier,
		gate:      gate,
		frequency: frequency,
	}
}

// Evaluate проверяет условие низкого остатка и при необходимости поднимает алерт
// Вызывается синхронно после Reserve/Confirm/Add, уже после коммита мутации.
// Любая ошибка здесь логируется и не возвращается: сбой доставки алерта
// не должен влиять на мутацию остатков, которая его вызвала
func (a *LowStockAlerter) Evaluate(ctx context.Context, itemID string, level repository.StockLevel) {
	if level.Stock > level.Threshold {
		return
	}

	gateKey := "low-stock:" + itemID

	suppressed, err := a.gate.IsProcessed(ctx, gateKey)
	if err != nil {
		a.logger.Error("failed to check alert gate",
			zap.Error(err),
			zap.String("item_id", itemID),
		)
		return
	}
	if suppressed {
		a.logger.Debug("low stock alert suppressed by frequency gate",
			zap.String("item_id", itemID),
			zap.Int32("stock", level.Stock),
		)
		return
	}

	alert := LowStockAlert{
		ItemID:     itemID,
		Stock:      level.Stock,
		Threshold:  level.Threshold,
		OccurredAt: time.Now().UTC(),
	}

	if err := a.notifier.NotifyLowStock(ctx, alert); err != nil {
		a.logger.Error("failed to send low stock alert",
			zap.Error(err),
			zap.String("item_id", itemID),
			zap.Int32("stock", level.Stock),
			zap.Int32("threshold", level.Threshold),
		)
		return
	}

	if err := a.gate.MarkProcessed(ctx, gateKey, a.frequency); err != nil {
		a.logger.Error("failed to mark alert as sent",
			zap.Error(err),
			zap.String("item_id", itemID),
		)
		return
	}

	a.logger.Info("low stock alert sent",
		zap.String("item_id", itemID),
		zap.Int32("stock", level.Stock),
		zap.Int32("threshold", level.Threshold),
	)
}
