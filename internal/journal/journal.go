// Package journal persists order lifecycle history to Postgres. The journal
// consumes ledger updates asynchronously so persistence latency never touches
// the order hot path. An empty DSN disables it entirely.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations
	"github.com/shopspring/decimal"

	"github.com/deepterminal/deepterminal/internal/journal/migrations"
	"github.com/deepterminal/deepterminal/internal/schema"
)

// Journal records every order transition into Postgres.
type Journal struct {
	pool   *pgxpool.Pool
	logger *log.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

const (
	orderUpsertSQL = `
INSERT INTO journal_orders (
    id,
    broker_order_id,
    instrument,
    side,
    order_type,
    quantity,
    limit_price,
    trigger_price,
    status,
    reason,
    filled_qty,
    avg_fill_price,
    created_at,
    updated_at
)
VALUES (
    @id,
    @broker_order_id,
    @instrument,
    @side,
    @order_type,
    @quantity,
    @limit_price,
    @trigger_price,
    @status,
    @reason,
    @filled_qty,
    @avg_fill_price,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    broker_order_id = COALESCE(EXCLUDED.broker_order_id, journal_orders.broker_order_id),
    status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    filled_qty = EXCLUDED.filled_qty,
    avg_fill_price = EXCLUDED.avg_fill_price,
    updated_at = EXCLUDED.updated_at;
`

	transitionInsertSQL = `
INSERT INTO journal_transitions (
    order_id,
    status,
    filled_qty,
    avg_fill_price,
    reason,
    recorded_at
)
VALUES (
    @order_id,
    @status,
    @filled_qty,
    @avg_fill_price,
    @reason,
    @recorded_at
);
`
)

// Open connects to Postgres, applies the journal migrations, and returns a
// ready Journal. An empty DSN returns a nil Journal with no error; callers
// treat nil as journaling disabled.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}

	if err := applyMigrations(ctx, dsn, logger); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	return &Journal{pool: pool, logger: logger}, nil
}

func applyMigrations(ctx context.Context, dsn string, logger *log.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("journal migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("journal migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("journal migrations db close: %v", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("apply journal migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("journal migrations applied")
	}
	return nil
}

// Record writes a single order transition. The order row is upserted so the
// journal always reflects the latest known state alongside the append-only
// transition history.
func (j *Journal) Record(ctx context.Context, update schema.OrderUpdated) error {
	if j == nil {
		return nil
	}
	order := update.Order

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	orderArgs := pgx.NamedArgs{
		"id":              order.ID,
		"broker_order_id": nullableString(order.BrokerOrderID),
		"instrument":      order.Instrument.Key(),
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"quantity":        order.Quantity,
		"limit_price":     nullableDecimal(order.LimitPrice),
		"trigger_price":   nullableDecimal(order.TriggerPrice),
		"status":          string(order.Status),
		"reason":          nullableString(order.Reason),
		"filled_qty":      order.FilledQty,
		"avg_fill_price":  nullableString(avgFill(order)),
		"created_at":      order.CreatedAt,
		"updated_at":      order.UpdatedAt,
	}
	if _, err := tx.Exec(ctx, orderUpsertSQL, orderArgs); err != nil {
		return fmt.Errorf("upsert journal order %s: %w", order.ID, err)
	}

	transitionArgs := pgx.NamedArgs{
		"order_id":       order.ID,
		"status":         string(order.Status),
		"filled_qty":     order.FilledQty,
		"avg_fill_price": nullableString(avgFill(order)),
		"reason":         nullableString(order.Reason),
		"recorded_at":    update.At,
	}
	if _, err := tx.Exec(ctx, transitionInsertSQL, transitionArgs); err != nil {
		return fmt.Errorf("insert journal transition for %s: %w", order.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

// Run consumes order updates until the channel closes or the context ends.
// Persistence failures are logged and skipped; the journal never blocks or
// fails the trading path.
func (j *Journal) Run(ctx context.Context, updates <-chan schema.OrderUpdated) {
	if j == nil {
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if err := j.Record(ctx, update); err != nil && j.logger != nil {
					j.logger.Printf("journal record order=%s status=%s: %v", update.Order.ID, update.Order.Status, err)
				}
			}
		}
	}()
}

// Close waits for the consumer to drain and releases the pool.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.closeOnce.Do(func() {
		j.wg.Wait()
		j.pool.Close()
	})
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func avgFill(order schema.Order) string {
	if order.FilledQty == 0 {
		return ""
	}
	return order.AvgFillPrice.String()
}
