package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shestoi/GoMarket/internal/repository"
)

// ReservationSweeper периодически снимает истёкшие резервации
// Резервация без подтверждения или отмены иначе висела бы вечно,
// удерживая остатки. Sweep работает вне request path: фоновый цикл
// выбирает просроченные pending заказы батчами и освобождает их
type ReservationSweeper struct {
	logger    *zap.Logger
	orders    repository.OrderRepository
	service   *OrderService
	interval  time.Duration
	batchSize int
}

// NewReservationSweeper создаёт новый sweeper
func NewReservationSweeper(
	logger *zap.Logger,
	orders repository.OrderRepository,
	service *OrderService,
	interval time.Duration,
	batchSize int,
) *ReservationSweeper {
	// Safety defaults на случай кривого env/config
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	return &ReservationSweeper{
		logger:    logger,
		orders:    orders,
		service:   service,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start запускает sweeper в фоновом режиме до отмены контекста
func (s *ReservationSweeper) Start(ctx context.Context) error {
	s.logger.Info("starting reservation sweeper",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Обрабатываем сразу при старте
	if err := s.processBatch(ctx); err != nil {
		s.logger.Error("failed to process initial sweep batch", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper context cancelled, stopping")
			return nil
		case <-ticker.C:
			if err := s.processBatch(ctx); err != nil {
				s.logger.Error("failed to process sweep batch", zap.Error(err))
			}
		}
	}
}

// processBatch освобождает один батч истёкших резерваций
func (s *ReservationSweeper) processBatch(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	expired, err := s.orders.ListExpiredReservations(ctx, time.Now(), s.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to list expired reservations: %w", err)
	}

	if len(expired) == 0 {
		return nil
	}

	s.logger.Info("releasing expired reservations",
		zap.Int("count", len(expired)),
	)

	for _, order := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.service.ReleaseExpiredReservation(ctx, order.ID); err != nil {
			s.logger.Error("failed to release expired reservation",
				zap.Error(err),
				zap.String("order_id", order.ID),
			)
			// Продолжаем обработку следующих заказов
		}
	}

	return nil
}
