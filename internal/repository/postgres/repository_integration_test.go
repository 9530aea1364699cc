//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver для goose миграций

	"github.com/shestoi/GoMarket/internal/repository"
	"github.com/shestoi/GoMarket/migrations"
)

func TestRepositories_Integration(t *testing.T) {
	ctx := context.Background()

	// Поднимаем PostgreSQL контейнер через testcontainers
	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("stock"),
		postgres.WithUsername("stock_user"),
		postgres.WithPassword("stock_password"),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, postgresContainer.Terminate(ctx))
	}()

	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Открываем *sql.DB через pgx stdlib для goose миграций
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	// Ждём готовности БД через ping с retry
	var pingErr error
	for i := 0; i < 10; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, pingErr, "Failed to ping database after retries")

	// Накатываем миграции из встроенной FS - те же, что применяет сервис на старте
	goose.SetBaseFS(migrations.FS)
	err = goose.UpContext(ctx, db, ".")
	require.NoError(t, err, "Failed to run migrations")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	stockRepo := NewStockRepository(pool)
	orderRepo := NewOrderRepository(pool)

	t.Run("CreateItem and GetItem", func(t *testing.T) {
		item := repository.Item{
			ID:                "item-1",
			Name:              "Widget",
			Stock:             10,
			LowStockThreshold: 5,
		}

		require.NoError(t, stockRepo.CreateItem(ctx, item))

		got, err := stockRepo.GetItem(ctx, "item-1")
		require.NoError(t, err)
		require.Equal(t, item.ID, got.ID)
		require.Equal(t, item.Name, got.Name)
		require.Equal(t, item.Stock, got.Stock)
		require.Equal(t, int32(0), got.ReservedStock)
		require.Equal(t, item.LowStockThreshold, got.LowStockThreshold)
		require.False(t, got.CreatedAt.IsZero())

		// Начальный остаток отражён ADD движением
		movements, err := stockRepo.MovementsByItem(ctx, "item-1", 0)
		require.NoError(t, err)
		require.Len(t, movements, 1)
		require.Equal(t, repository.ActionAdd, movements[0].Action)
		require.Equal(t, "initial stock", movements[0].Reason)
	})

	t.Run("CreateItem duplicate", func(t *testing.T) {
		err := stockRepo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget"})
		require.Error(t, err)
		require.True(t, errors.Is(err, repository.ErrItemAlreadyExists))
	})

	t.Run("GetItem not found", func(t *testing.T) {
		_, err := stockRepo.GetItem(ctx, "missing")
		require.True(t, errors.Is(err, repository.ErrItemNotFound))
	})

	t.Run("Reserve Release Confirm lifecycle", func(t *testing.T) {
		require.NoError(t, stockRepo.CreateItem(ctx, repository.Item{
			ID:    "item-2",
			Name:  "Gadget",
			Stock: 10,
		}))

		level, err := stockRepo.Reserve(ctx, "item-2", 6, "order-1")
		require.NoError(t, err)
		require.Equal(t, int32(4), level.Stock)
		require.Equal(t, int32(6), level.Reserved)

		// Нехватка остатка: отказ без каких-либо изменений
		_, err = stockRepo.Reserve(ctx, "item-2", 5, "order-2")
		require.True(t, errors.Is(err, repository.ErrInsufficientStock))

		got, err := stockRepo.GetItem(ctx, "item-2")
		require.NoError(t, err)
		require.Equal(t, int32(4), got.Stock)
		require.Equal(t, int32(6), got.ReservedStock)

		level, err = stockRepo.Release(ctx, "item-2", 2, "order-1")
		require.NoError(t, err)
		require.Equal(t, int32(6), level.Stock)
		require.Equal(t, int32(4), level.Reserved)

		level, err = stockRepo.Confirm(ctx, "item-2", 4, "order-1")
		require.NoError(t, err)
		require.Equal(t, int32(6), level.Stock)
		require.Equal(t, int32(0), level.Reserved)

		// Журнал заказа в порядке создания: RESERVE, RELEASE, CONFIRM
		movements, err := stockRepo.MovementsByOrder(ctx, "order-1")
		require.NoError(t, err)
		require.Len(t, movements, 3)
		require.Equal(t, repository.ActionReserve, movements[0].Action)
		require.Equal(t, repository.ActionRelease, movements[1].Action)
		require.Equal(t, repository.ActionConfirm, movements[2].Action)
	})

	t.Run("Concurrent Reserve does not oversell", func(t *testing.T) {
		const initialStock = 5
		const workers = 20

		require.NoError(t, stockRepo.CreateItem(ctx, repository.Item{
			ID:    "item-3",
			Name:  "Gizmo",
			Stock: initialStock,
		}))

		var wg sync.WaitGroup
		results := make(chan error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := stockRepo.Reserve(ctx, "item-3", 1, "order-swarm")
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
			} else {
				require.True(t, errors.Is(err, repository.ErrInsufficientStock), "unexpected error: %v", err)
			}
		}
		require.Equal(t, initialStock, succeeded)

		got, err := stockRepo.GetItem(ctx, "item-3")
		require.NoError(t, err)
		require.Equal(t, int32(0), got.Stock)
		require.Equal(t, int32(initialStock), got.ReservedStock)

		// Ровно по движению на каждый успешный резерв
		movements, err := stockRepo.MovementsByOrder(ctx, "order-swarm")
		require.NoError(t, err)
		require.Len(t, movements, initialStock)
	})

	t.Run("Order Save and GetByID", func(t *testing.T) {
		expiresAt := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Millisecond)
		order := repository.Order{
			ID:            "order-10",
			UserID:        "user-1",
			Status:        repository.OrderStatusPending,
			PaymentMethod: "card",
			Items: []repository.OrderItem{
				{ItemID: "item-1", Quantity: 2},
				{ItemID: "item-2", Quantity: 1},
			},
			ReservationExpiresAt: &expiresAt,
		}

		require.NoError(t, orderRepo.Save(ctx, order))

		got, err := orderRepo.GetByID(ctx, "order-10")
		require.NoError(t, err)
		require.Equal(t, order.ID, got.ID)
		require.Equal(t, order.Status, got.Status)
		require.Len(t, got.Items, 2)
		require.NotNil(t, got.ReservationExpiresAt)

		// Upsert: повторный Save обновляет статус и снимает срок резервации
		order.Status = repository.OrderStatusConfirmed
		order.IsPaid = true
		order.ReservationExpiresAt = nil
		require.NoError(t, orderRepo.Save(ctx, order))

		got, err = orderRepo.GetByID(ctx, "order-10")
		require.NoError(t, err)
		require.Equal(t, repository.OrderStatusConfirmed, got.Status)
		require.True(t, got.IsPaid)
		require.Nil(t, got.ReservationExpiresAt)
	})

	t.Run("Order UpdateStatus conditional transition", func(t *testing.T) {
		expiresAt := time.Now().Add(30 * time.Minute).UTC()
		order := repository.Order{
			ID:                   "order-11",
			UserID:               "user-1",
			Status:               repository.OrderStatusPending,
			PaymentMethod:        "card",
			Items:                []repository.OrderItem{{ItemID: "item-1", Quantity: 1}},
			ReservationExpiresAt: &expiresAt,
		}
		require.NoError(t, orderRepo.Save(ctx, order))

		order.Status = repository.OrderStatusConfirmed
		order.IsPaid = true
		order.ReservationExpiresAt = nil
		require.NoError(t, orderRepo.UpdateStatus(ctx, order, repository.OrderStatusPending))

		got, err := orderRepo.GetByID(ctx, "order-11")
		require.NoError(t, err)
		require.Equal(t, repository.OrderStatusConfirmed, got.Status)
		require.True(t, got.IsPaid)
		require.Nil(t, got.ReservationExpiresAt)

		// Проигранный переход: статус уже не pending, ни одна строка не затронута
		order.Status = repository.OrderStatusRejected
		err = orderRepo.UpdateStatus(ctx, order, repository.OrderStatusPending)
		require.True(t, errors.Is(err, repository.ErrStatusConflict))

		got, err = orderRepo.GetByID(ctx, "order-11")
		require.NoError(t, err)
		require.Equal(t, repository.OrderStatusConfirmed, got.Status)

		// Несуществующий заказ
		err = orderRepo.UpdateStatus(ctx, repository.Order{ID: "missing", Status: repository.OrderStatusPending}, repository.OrderStatusDraft)
		require.True(t, errors.Is(err, repository.ErrOrderNotFound))
	})

	t.Run("Order GetByID not found", func(t *testing.T) {
		_, err := orderRepo.GetByID(ctx, "missing")
		require.True(t, errors.Is(err, repository.ErrOrderNotFound))
	})

	t.Run("ListExpiredReservations", func(t *testing.T) {
		now := time.Now().UTC()
		older := now.Add(-2 * time.Hour)
		newer := now.Add(-1 * time.Hour)
		future := now.Add(time.Hour)

		orders := []repository.Order{
			{ID: "order-exp-1", UserID: "user-1", Status: repository.OrderStatusPending, PaymentMethod: "card", ReservationExpiresAt: &older, Items: []repository.OrderItem{{ItemID: "item-1", Quantity: 1}}},
			{ID: "order-exp-2", UserID: "user-1", Status: repository.OrderStatusPending, PaymentMethod: "card", ReservationExpiresAt: &newer, Items: []repository.OrderItem{{ItemID: "item-1", Quantity: 1}}},
			{ID: "order-active", UserID: "user-1", Status: repository.OrderStatusPending, PaymentMethod: "card", ReservationExpiresAt: &future, Items: []repository.OrderItem{{ItemID: "item-1", Quantity: 1}}},
			{ID: "order-done", UserID: "user-1", Status: repository.OrderStatusConfirmed, PaymentMethod: "card", ReservationExpiresAt: &older, Items: []repository.OrderItem{{ItemID: "item-1", Quantity: 1}}},
		}
		for _, o := range orders {
			require.NoError(t, orderRepo.Save(ctx, o))
		}

		expired, err := orderRepo.ListExpiredReservations(ctx, now, 100)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		require.Equal(t, "order-exp-1", expired[0].ID)
		require.Equal(t, "order-exp-2", expired[1].ID)
		require.Len(t, expired[0].Items, 1)
	})
}
