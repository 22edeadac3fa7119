package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"market-watch/internal/config"
	"market-watch/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// OpenPostgres connects to PostgreSQL and applies pool settings.
func OpenPostgres(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// PostgresTradeStore keeps one table per platform, named by Platform.TableName.
type PostgresTradeStore struct {
	db     *sqlx.DB
	logger *logrus.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

type tradeRow struct {
	ID     int64   `db:"id"`
	Time   int64   `db:"time"`
	Price  float64 `db:"price"`
	Volume float64 `db:"volume"`
	Type   int     `db:"type"`
}

func NewPostgresTradeStore(db *sqlx.DB, logger *logrus.Logger) *PostgresTradeStore {
	return &PostgresTradeStore{
		db:      db,
		logger:  logger,
		ensured: make(map[string]bool),
	}
}

// EnsureTable creates the platform's trade table if it does not exist.
// DDL always runs on the pool, never inside a reconcile transaction.
func (s *PostgresTradeStore) EnsureTable(ctx context.Context, platform models.Platform) error {
	table := platform.TableName()

	s.mu.Lock()
	done := s.ensured[table]
	s.mu.Unlock()
	if done {
		return nil
	}

	ident := pq.QuoteIdentifier(table)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id BIGINT NOT NULL,
			time BIGINT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			type SMALLINT NOT NULL
		)`, ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (time, seq)`, pq.QuoteIdentifier(table+"_time_idx"), ident),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}

	s.mu.Lock()
	s.ensured[table] = true
	s.mu.Unlock()

	s.logger.WithField("table", table).Debug("Trade table ready")
	return nil
}

func (s *PostgresTradeStore) InTx(ctx context.Context, fn func(log TradeLog) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{store: s, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresTradeStore) CountInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64) (int64, error) {
	if err := s.EnsureTable(ctx, platform); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE time > $1 AND time < $2`, pq.QuoteIdentifier(platform.TableName()))

	var count int64
	if err := s.db.GetContext(ctx, &count, query, minTime, maxTime); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

func (s *PostgresTradeStore) StreamInRange(ctx context.Context, platform models.Platform, minTime, maxTime int64, fn func(models.Trade) error) error {
	if err := s.EnsureTable(ctx, platform); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		SELECT id, time, price, volume, type
		FROM %s
		WHERE time > $1 AND time < $2
		ORDER BY time ASC, seq ASC`, pq.QuoteIdentifier(platform.TableName()))

	rows, err := s.db.QueryxContext(ctx, query, minTime, maxTime)
	if err != nil {
		return fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row tradeRow
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("failed to scan trade: %w", err)
		}
		if err := fn(row.toTrade(platform)); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (r tradeRow) toTrade(platform models.Platform) models.Trade {
	return models.Trade{
		ID:       r.ID,
		Time:     r.Time,
		Price:    r.Price,
		Volume:   r.Volume,
		Side:     models.Side(r.Type),
		Platform: platform,
	}
}

type postgresTx struct {
	store *PostgresTradeStore
	tx    *sqlx.Tx
}

func (p *postgresTx) MaxTime(ctx context.Context, platform models.Platform) (int64, bool, error) {
	if err := p.store.EnsureTable(ctx, platform); err != nil {
		return 0, false, err
	}

	var max sql.NullInt64
	query := fmt.Sprintf(`SELECT MAX(time) FROM %s`, pq.QuoteIdentifier(platform.TableName()))
	if err := p.tx.GetContext(ctx, &max, query); err != nil {
		return 0, false, fmt.Errorf("failed to read max time: %w", err)
	}
	return max.Int64, max.Valid, nil
}

func (p *postgresTx) DeleteWhereTimeAtLeast(ctx context.Context, platform models.Platform, t int64) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE time >= $1`, pq.QuoteIdentifier(platform.TableName()))

	res, err := p.tx.ExecContext(ctx, query, t)
	if err != nil {
		return 0, fmt.Errorf("failed to delete trades: %w", err)
	}
	return res.RowsAffected()
}

func (p *postgresTx) BulkInsert(ctx context.Context, platform models.Platform, trades []models.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, time, price, volume, type) VALUES ($1, $2, $3, $4, $5)`,
		pq.QuoteIdentifier(platform.TableName()))

	stmt, err := p.tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range trades {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Time, t.Price, t.Volume, int(t.Side)); err != nil {
			return i, fmt.Errorf("failed to insert trade: %w", err)
		}
	}

	return len(trades), nil
}
