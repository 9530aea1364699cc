package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shestoi/GoMarket/internal/repository"
)

func TestStockRepository_CreateItem(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	item := repository.Item{ID: "item-1", Name: "Widget", Stock: 10, LowStockThreshold: 5}
	require.NoError(t, repo.CreateItem(ctx, item))

	// Начальный остаток отражён в журнале
	movements, err := repo.MovementsByItem(ctx, "item-1", 0)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, repository.ActionAdd, movements[0].Action)
	require.Equal(t, int32(10), movements[0].Quantity)
	require.Equal(t, "initial stock", movements[0].Reason)

	// Дубликат
	err = repo.CreateItem(ctx, item)
	require.Error(t, err)
	require.True(t, errors.Is(err, repository.ErrItemAlreadyExists))
}

func TestStockRepository_CreateItem_ZeroStock(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget"}))

	// Нулевой начальный остаток - без ADD движения
	movements, err := repo.MovementsByItem(ctx, "item-1", 0)
	require.NoError(t, err)
	require.Empty(t, movements)
}

func TestStockRepository_GetItem_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	_, err := repo.GetItem(ctx, "missing")
	require.True(t, errors.Is(err, repository.ErrItemNotFound))
}

func TestStockRepository_Reserve(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10, LowStockThreshold: 3}))

	level, err := repo.Reserve(ctx, "item-1", 4, "order-1")
	require.NoError(t, err)
	require.Equal(t, int32(6), level.Stock)
	require.Equal(t, int32(4), level.Reserved)
	require.Equal(t, int32(3), level.Threshold)

	// Нехватка остатка: ничего не применяется
	_, err = repo.Reserve(ctx, "item-1", 7, "order-2")
	require.True(t, errors.Is(err, repository.ErrInsufficientStock))

	item, err := repo.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, int32(6), item.Stock)
	require.Equal(t, int32(4), item.ReservedStock)

	_, err = repo.Reserve(ctx, "missing", 1, "order-1")
	require.True(t, errors.Is(err, repository.ErrItemNotFound))
}

func TestStockRepository_Release_ExceedsReserved(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10}))

	_, err := repo.Reserve(ctx, "item-1", 2, "order-1")
	require.NoError(t, err)

	// Возврат больше зарезервированного - ошибка без изменений
	_, err = repo.Release(ctx, "item-1", 3, "order-1")
	require.Error(t, err)

	item, err := repo.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, int32(8), item.Stock)
	require.Equal(t, int32(2), item.ReservedStock)
}

func TestStockRepository_Confirm_ExceedsReserved(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10}))

	_, err := repo.Confirm(ctx, "item-1", 1, "order-1")
	require.Error(t, err)
}

func TestStockRepository_MovementsByItem_Ordering(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10}))

	_, err := repo.Reserve(ctx, "item-1", 2, "order-1")
	require.NoError(t, err)
	_, err = repo.Release(ctx, "item-1", 2, "order-1")
	require.NoError(t, err)

	// Новые первыми
	movements, err := repo.MovementsByItem(ctx, "item-1", 0)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	require.Equal(t, repository.ActionRelease, movements[0].Action)
	require.Equal(t, repository.ActionReserve, movements[1].Action)
	require.Equal(t, repository.ActionAdd, movements[2].Action)

	// Limit обрезает хвост
	movements, err = repo.MovementsByItem(ctx, "item-1", 2)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.Equal(t, repository.ActionRelease, movements[0].Action)
}

func TestStockRepository_MovementsByOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10}))
	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-2", Name: "Gadget", Stock: 10}))

	_, err := repo.Reserve(ctx, "item-1", 2, "order-1")
	require.NoError(t, err)
	_, err = repo.Reserve(ctx, "item-2", 1, "order-1")
	require.NoError(t, err)
	_, err = repo.Reserve(ctx, "item-1", 1, "order-2")
	require.NoError(t, err)

	// Движения заказа в порядке создания, чужие заказы не попадают
	movements, err := repo.MovementsByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.Equal(t, "item-1", movements[0].ItemID)
	require.Equal(t, "item-2", movements[1].ItemID)
}

// Журнал полон: проигрывание движений в порядке создания воспроизводит
// текущие stock и reserved_stock
func TestStockRepository_MovementReplay(t *testing.T) {
	ctx := context.Background()
	repo := NewStockRepository()

	require.NoError(t, repo.CreateItem(ctx, repository.Item{ID: "item-1", Name: "Widget", Stock: 10}))

	_, err := repo.Reserve(ctx, "item-1", 6, "order-1")
	require.NoError(t, err)
	_, err = repo.Release(ctx, "item-1", 2, "order-1")
	require.NoError(t, err)
	_, err = repo.Confirm(ctx, "item-1", 4, "order-1")
	require.NoError(t, err)
	_, err = repo.Add(ctx, "item-1", 3, "", "restock")
	require.NoError(t, err)

	movements, err := repo.MovementsByItem(ctx, "item-1", 0)
	require.NoError(t, err)

	var stock, reserved int32
	for i := len(movements) - 1; i >= 0; i-- { // от старых к новым
		m := movements[i]
		switch m.Action {
		case repository.ActionAdd:
			stock += m.Quantity
		case repository.ActionReserve:
			stock -= m.Quantity
			reserved += m.Quantity
		case repository.ActionRelease:
			stock += m.Quantity
			reserved -= m.Quantity
		case repository.ActionConfirm:
			reserved -= m.Quantity
		}
		require.Equal(t, m.RemainingStock, stock, "movement %s snapshot mismatch", m.Action)
	}

	item, err := repo.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, item.Stock, stock)
	require.Equal(t, item.ReservedStock, reserved)
}

func TestOrderRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()

	expiresAt := time.Now().Add(30 * time.Minute)
	order := repository.Order{
		ID:            "order-1",
		UserID:        "user-1",
		Status:        repository.OrderStatusPending,
		PaymentMethod: "card",
		Items: []repository.OrderItem{
			{ItemID: "item-1", Quantity: 2},
		},
		ReservationExpiresAt: &expiresAt,
	}

	require.NoError(t, repo.Save(ctx, order))

	got, err := repo.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
	require.Equal(t, order.Status, got.Status)
	require.Len(t, got.Items, 1)
	require.Equal(t, int32(2), got.Items[0].Quantity)

	// Upsert: повторный Save обновляет заказ
	order.Status = repository.OrderStatusConfirmed
	order.ReservationExpiresAt = nil
	require.NoError(t, repo.Save(ctx, order))

	got, err = repo.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, repository.OrderStatusConfirmed, got.Status)
	require.Nil(t, got.ReservationExpiresAt)
}

func TestOrderRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()

	expiresAt := time.Now().Add(30 * time.Minute)
	order := repository.Order{
		ID:                   "order-1",
		UserID:               "user-1",
		Status:               repository.OrderStatusPending,
		PaymentMethod:        "card",
		Items:                []repository.OrderItem{{ItemID: "item-1", Quantity: 2}},
		ReservationExpiresAt: &expiresAt,
	}
	require.NoError(t, repo.Save(ctx, order))

	// Переход из ожидаемого статуса проходит и перезаписывает поля
	order.Status = repository.OrderStatusConfirmed
	order.IsPaid = true
	order.ReservationExpiresAt = nil
	require.NoError(t, repo.UpdateStatus(ctx, order, repository.OrderStatusPending))

	got, err := repo.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, repository.OrderStatusConfirmed, got.Status)
	require.True(t, got.IsPaid)
	require.Nil(t, got.ReservationExpiresAt)
	require.Len(t, got.Items, 1)

	// Повторный переход из pending проигрывает: статус уже confirmed
	order.Status = repository.OrderStatusRejected
	err = repo.UpdateStatus(ctx, order, repository.OrderStatusPending)
	require.True(t, errors.Is(err, repository.ErrStatusConflict))

	got, err = repo.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, repository.OrderStatusConfirmed, got.Status)

	// Несуществующий заказ
	missing := repository.Order{ID: "missing", Status: repository.OrderStatusPending}
	err = repo.UpdateStatus(ctx, missing, repository.OrderStatusDraft)
	require.True(t, errors.Is(err, repository.ErrOrderNotFound))
}

func TestOrderRepository_GetByID_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()

	_, err := repo.GetByID(ctx, "missing")
	require.True(t, errors.Is(err, repository.ErrOrderNotFound))
}

func TestOrderRepository_ListExpiredReservations(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()

	now := time.Now()
	older := now.Add(-2 * time.Hour)
	newer := now.Add(-1 * time.Hour)
	future := now.Add(time.Hour)

	orders := []repository.Order{
		{ID: "order-expired-old", Status: repository.OrderStatusPending, ReservationExpiresAt: &older},
		{ID: "order-expired-new", Status: repository.OrderStatusPending, ReservationExpiresAt: &newer},
		{ID: "order-active", Status: repository.OrderStatusPending, ReservationExpiresAt: &future},
		{ID: "order-confirmed", Status: repository.OrderStatusConfirmed, ReservationExpiresAt: &older},
		{ID: "order-no-expiry", Status: repository.OrderStatusPending},
	}
	for _, o := range orders {
		require.NoError(t, repo.Save(ctx, o))
	}

	// Только pending с истёкшей резервацией, самые старые первыми
	expired, err := repo.ListExpiredReservations(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	require.Equal(t, "order-expired-old", expired[0].ID)
	require.Equal(t, "order-expired-new", expired[1].ID)

	// Limit
	expired, err = repo.ListExpiredReservations(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "order-expired-old", expired[0].ID)
}
