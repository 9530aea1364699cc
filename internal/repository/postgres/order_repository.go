package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/GoMarket/internal/repository"
)

// OrderRepository реализует repository.OrderRepository используя PostgreSQL
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository создаёт новый PostgreSQL репозиторий заказов
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{
		pool: pool,
	}
}

// Save сохраняет заказ в PostgreSQL
// Использует транзакцию для атомарного сохранения orders и order_items
// Save идемпотентный/обновляющий: повторный Save того же заказа обновляет поля
func (r *OrderRepository) Save(ctx context.Context, order repository.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	// Гарантируем откат транзакции в случае ошибки
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, status, payment_method, is_paid, reservation_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   payment_method = EXCLUDED.payment_method,
		   is_paid = EXCLUDED.is_paid,
		   reservation_expires_at = EXCLUDED.reservation_expires_at`,
		order.ID, order.UserID, string(order.Status), order.PaymentMethod, order.IsPaid, order.ReservationExpiresAt)
	if err != nil {
		return err
	}

	// Удаляем старые items перед вставкой новых
	_, err = tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, order.ID)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, item_id, quantity)
			 VALUES ($1, $2, $3)`,
			order.ID, item.ItemID, item.Quantity)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// UpdateStatus атомарно переводит заказ из статуса expected в order.Status
// Условный UPDATE: оба конкурентных перехода одного заказа не могут пройти,
// проигравший получает ErrStatusConflict по нулю затронутых строк
func (r *OrderRepository) UpdateStatus(ctx context.Context, order repository.Order, expected repository.OrderStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $1, is_paid = $2, reservation_expires_at = $3
		 WHERE id = $4 AND status = $5`,
		string(order.Status), order.IsPaid, order.ReservationExpiresAt, order.ID, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Различаем отсутствующий заказ и проигранный переход
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrOrderNotFound
		}
		return fmt.Errorf("%w: order %s is not %s", repository.ErrStatusConflict, order.ID, expected)
	}
	return nil
}

// GetByID получает заказ по ID из PostgreSQL
// Собирает orders и order_items в доменную модель
func (r *OrderRepository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	var order repository.Order
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status, payment_method, is_paid, reservation_expires_at, created_at
		 FROM orders
		 WHERE id = $1`,
		id).Scan(&order.ID, &order.UserID, &status, &order.PaymentMethod,
		&order.IsPaid, &order.ReservationExpiresAt, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Order{}, repository.ErrOrderNotFound
		}
		return repository.Order{}, err
	}
	order.Status = repository.OrderStatus(status)

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return repository.Order{}, err
	}
	order.Items = items

	return order, nil
}

// ListExpiredReservations возвращает pending заказы с истёкшей резервацией
// Сначала самые старые резервации, чтобы sweep обрабатывал их в порядке истечения
func (r *OrderRepository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]repository.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, status, payment_method, is_paid, reservation_expires_at, created_at
		 FROM orders
		 WHERE status = $1 AND reservation_expires_at IS NOT NULL AND reservation_expires_at < $2
		 ORDER BY reservation_expires_at
		 LIMIT $3`,
		string(repository.OrderStatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]repository.Order, 0)
	for rows.Next() {
		var order repository.Order
		var status string
		if err := rows.Scan(&order.ID, &order.UserID, &status, &order.PaymentMethod,
			&order.IsPaid, &order.ReservationExpiresAt, &order.CreatedAt); err != nil {
			return nil, err
		}
		order.Status = repository.OrderStatus(status)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// loadItems загружает позиции заказа
func (r *OrderRepository) loadItems(ctx context.Context, orderID string) ([]repository.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT item_id, quantity
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY item_id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]repository.OrderItem, 0)
	for rows.Next() {
		var item repository.OrderItem
		if err := rows.Scan(&item.ItemID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
