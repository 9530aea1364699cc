package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shestoi/GoMarket/internal/repository"
)

// StockRepository реализует repository.StockRepository используя PostgreSQL
//
// Каждая мутирующая операция выполняется в одной транзакции:
// SELECT ... FOR UPDATE блокирует строку товара, повторная проверка
// остатка выполняется уже под блокировкой, затем обновление остатков
// и запись движения коммитятся вместе. Конкурентный Reserve на тот же
// товар блокируется до коммита и перечитывает обновлённое значение -
// это и предотвращает overselling. Блокировка на уровне строки:
// операции по разным товарам не конкурируют
type StockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository создаёт новый PostgreSQL репозиторий остатков
func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{
		pool: pool,
	}
}

// CreateItem создаёт товар
// Если начальный остаток > 0, записывает ADD движение в той же транзакции
func (r *StockRepository) CreateItem(ctx context.Context, item repository.Item) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	// Гарантируем откат транзакции в случае ошибки
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO items (id, name, stock, reserved_stock, low_stock_threshold)
		 VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.Name, item.Stock, item.ReservedStock, item.LowStockThreshold)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", repository.ErrItemAlreadyExists, item.ID)
		}
		return err
	}

	if item.Stock > 0 {
		if err := insertMovement(ctx, tx, item.ID, repository.ActionAdd, item.Stock, item.Stock, "", "initial stock"); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetItem получает товар по ID
func (r *StockRepository) GetItem(ctx context.Context, itemID string) (repository.Item, error) {
	var item repository.Item
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, stock, reserved_stock, low_stock_threshold, created_at, updated_at
		 FROM items
		 WHERE id = $1`,
		itemID).Scan(&item.ID, &item.Name, &item.Stock, &item.ReservedStock,
		&item.LowStockThreshold, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Item{}, repository.ErrItemNotFound
		}
		return repository.Item{}, err
	}
	return item, nil
}

// Reserve резервирует товар: stock -= q, reserved += q
// Возвращает ErrInsufficientStock без каких-либо изменений, если
// остатка под блокировкой оказалось меньше запрошенного
func (r *StockRepository) Reserve(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	return r.mutate(ctx, itemID, orderID, "", func(stock, reserved int32) (int32, int32, repository.MovementAction, error) {
		if stock < quantity {
			return 0, 0, "", repository.ErrInsufficientStock
		}
		return stock - quantity, reserved + quantity, repository.ActionReserve, nil
	}, quantity)
}

// Release возвращает зарезервированные единицы в доступный остаток
func (r *StockRepository) Release(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	return r.mutate(ctx, itemID, orderID, "", func(stock, reserved int32) (int32, int32, repository.MovementAction, error) {
		if reserved < quantity {
			return 0, 0, "", fmt.Errorf("release %d exceeds reserved stock %d for item %s", quantity, reserved, itemID)
		}
		return stock + quantity, reserved - quantity, repository.ActionRelease, nil
	}, quantity)
}

// Confirm финализирует продажу: reserved -= q
func (r *StockRepository) Confirm(ctx context.Context, itemID string, quantity int32, orderID string) (repository.StockLevel, error) {
	return r.mutate(ctx, itemID, orderID, "", func(stock, reserved int32) (int32, int32, repository.MovementAction, error) {
		if reserved < quantity {
			return 0, 0, "", fmt.Errorf("confirm %d exceeds reserved stock %d for item %s", quantity, reserved, itemID)
		}
		return stock, reserved - quantity, repository.ActionConfirm, nil
	}, quantity)
}

// Add пополняет доступный остаток
func (r *StockRepository) Add(ctx context.Context, itemID string, quantity int32, orderID, reason string) (repository.StockLevel, error) {
	return r.mutate(ctx, itemID, orderID, reason, func(stock, reserved int32) (int32, int32, repository.MovementAction, error) {
		return stock + quantity, reserved, repository.ActionAdd, nil
	}, quantity)
}

// mutate выполняет одну мутацию остатков под блокировкой строки товара
// Изменение остатков и запись движения коммитятся в одной транзакции,
// поэтому журнал и остатки не могут разойтись: сбой посередине
// откатывает и то и другое
func (r *StockRepository) mutate(
	ctx context.Context,
	itemID, orderID, reason string,
	apply func(stock, reserved int32) (int32, int32, repository.MovementAction, error),
	quantity int32,
) (repository.StockLevel, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return repository.StockLevel{}, err
	}
	defer tx.Rollback(ctx)

	// Эксклюзивная блокировка строки товара
	// Конкурентная транзакция по тому же товару будет ждать коммита
	var stock, reserved, threshold int32
	err = tx.QueryRow(ctx,
		`SELECT stock, reserved_stock, low_stock_threshold
		 FROM items
		 WHERE id = $1
		 FOR UPDATE`,
		itemID).Scan(&stock, &reserved, &threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.StockLevel{}, repository.ErrItemNotFound
		}
		return repository.StockLevel{}, err
	}

	newStock, newReserved, action, err := apply(stock, reserved)
	if err != nil {
		// Транзакция откатывается целиком, никакого частичного применения
		return repository.StockLevel{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE items
		 SET stock = $2, reserved_stock = $3, updated_at = now()
		 WHERE id = $1`,
		itemID, newStock, newReserved)
	if err != nil {
		return repository.StockLevel{}, err
	}

	if err := insertMovement(ctx, tx, itemID, action, quantity, newStock, orderID, reason); err != nil {
		return repository.StockLevel{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return repository.StockLevel{}, err
	}

	return repository.StockLevel{
		Stock:     newStock,
		Reserved:  newReserved,
		Threshold: threshold,
	}, nil
}

// insertMovement записывает одну запись журнала движений внутри транзакции
func insertMovement(ctx context.Context, tx pgx.Tx, itemID string, action repository.MovementAction, quantity, remaining int32, orderID, reason string) error {
	var orderRef *string
	if orderID != "" {
		orderRef = &orderID
	}
	var reasonRef *string
	if reason != "" {
		reasonRef = &reason
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO stock_movements (id, item_id, action, quantity, remaining_stock, order_id, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), itemID, string(action), quantity, remaining, orderRef, reasonRef)
	return err
}

// MovementsByItem возвращает движения товара, новые первыми
func (r *StockRepository) MovementsByItem(ctx context.Context, itemID string, limit int) ([]repository.Movement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, item_id, action, quantity, remaining_stock, order_id, reason, created_at
		 FROM stock_movements
		 WHERE item_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMovements(rows)
}

// MovementsByOrder возвращает движения заказа в порядке создания
func (r *StockRepository) MovementsByOrder(ctx context.Context, orderID string) ([]repository.Movement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, item_id, action, quantity, remaining_stock, order_id, reason, created_at
		 FROM stock_movements
		 WHERE order_id = $1
		 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMovements(rows)
}

func scanMovements(rows pgx.Rows) ([]repository.Movement, error) {
	movements := make([]repository.Movement, 0)
	for rows.Next() {
		var m repository.Movement
		var action string
		var orderID, reason *string
		if err := rows.Scan(&m.ID, &m.ItemID, &action, &m.Quantity, &m.RemainingStock, &orderID, &reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Action = repository.MovementAction(action)
		if orderID != nil {
			m.OrderID = *orderID
		}
		if reason != nil {
			m.Reason = *reason
		}
		movements = append(movements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}
