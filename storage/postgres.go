package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jinmel/polybot/models"
)

const (
	redisCursorKey     = "polybot:feed_cursor"
	redisTokenKeyFmt   = "polybot:token:%s:%s"
	redisTokenCacheTTL = 24 * time.Hour
)

// PostgresStore wraps PostgreSQL persistence with Redis caching.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a PostgreSQL store with connection pooling and a Redis
// cache, using the same environment surface as the rest of the deployment.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "polybot")
	password := getEnv("POSTGRES_PASSWORD", "polybot")
	dbname := getEnv("POSTGRES_DB", "polybot")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		Password:   getEnv("REDIS_PASSWORD", ""),
		DB:         0,
		MaxRetries: 3,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, redis: rdb}
	if err := store.initSchema(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS copy_positions (
			market_id       TEXT PRIMARY KEY,
			token_id        TEXT NOT NULL DEFAULT '',
			outcome         TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			side            TEXT NOT NULL DEFAULT '',
			size            DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'NONE',
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id       TEXT PRIMARY KEY,
			applied_action TEXT NOT NULL,
			applied_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pending_orders (
			client_order_id   TEXT PRIMARY KEY,
			event_id          TEXT NOT NULL,
			market_id         TEXT NOT NULL,
			token_id          TEXT NOT NULL DEFAULT '',
			outcome           TEXT NOT NULL DEFAULT '',
			title             TEXT NOT NULL DEFAULT '',
			side              TEXT NOT NULL,
			requested_size    DOUBLE PRECISION NOT NULL,
			filled_size       DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
			attempts          INT NOT NULL DEFAULT 0,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS copy_trades (
			id            SERIAL PRIMARY KEY,
			event_id      TEXT NOT NULL,
			target_wallet TEXT NOT NULL DEFAULT '',
			market_id     TEXT NOT NULL,
			token_id      TEXT NOT NULL DEFAULT '',
			outcome       TEXT NOT NULL DEFAULT '',
			title         TEXT NOT NULL DEFAULT '',
			side          TEXT NOT NULL,
			intended_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			filled_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			order_id      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS feed_cursor (
			id     INT PRIMARY KEY CHECK (id = 1),
			cursor TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_cache (
			condition_id TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			token_id     TEXT NOT NULL,
			neg_risk     BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (condition_id, outcome)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// GetCursor loads the feed cursor, preferring the Redis copy.
func (s *PostgresStore) GetCursor(ctx context.Context) (models.Cursor, error) {
	if raw, err := s.redis.Get(ctx, redisCursorKey).Result(); err == nil && raw != "" {
		if cursor, err := models.ParseCursor(raw); err == nil {
			return cursor, nil
		}
	}

	var raw string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM feed_cursor WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cursor{}, nil
	}
	if err != nil {
		return models.Cursor{}, fmt.Errorf("postgres: get cursor: %w", err)
	}
	return models.ParseCursor(raw)
}

// SaveCursor persists the feed cursor and refreshes the Redis copy.
func (s *PostgresStore) SaveCursor(ctx context.Context, cursor models.Cursor) error {
	raw := cursor.String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feed_cursor (id, cursor) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET cursor = EXCLUDED.cursor`, raw)
	if err != nil {
		return fmt.Errorf("postgres: save cursor: %w", err)
	}
	s.redis.Set(ctx, redisCursorKey, raw, 0)
	return nil
}

// GetPosition returns the copy position for a market, or nil when the market
// has no position (status NONE rows count as no position).
func (s *PostgresStore) GetPosition(ctx context.Context, marketID string) (*models.CopyPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT market_id, token_id, outcome, title, side, size, avg_entry_price, status, updated_at
		 FROM copy_positions WHERE market_id = $1`, marketID)

	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get position: %w", err)
	}
	if pos.Status == models.PositionNone {
		return nil, nil
	}
	return &pos, nil
}

// ListOpenPositions returns all positions with live exposure.
func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]models.CopyPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, token_id, outcome, title, side, size, avg_entry_price, status, updated_at
		 FROM copy_positions WHERE status != 'NONE' ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []models.CopyPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SetPositionStatus updates only the lifecycle status of a position.
func (s *PostgresStore) SetPositionStatus(ctx context.Context, marketID string, status models.PositionStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE copy_positions SET status = $2, updated_at = now() WHERE market_id = $1`,
		marketID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set position status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (models.CopyPosition, error) {
	var pos models.CopyPosition
	var side, status string
	err := row.Scan(&pos.MarketID, &pos.TokenID, &pos.Outcome, &pos.Title,
		&side, &pos.Size, &pos.AvgEntryPrice, &status, &pos.UpdatedAt)
	if err != nil {
		return pos, err
	}
	pos.Side = models.Side(side)
	pos.Status = models.PositionStatus(status)
	return pos, nil
}

// IsEventProcessed checks the idempotence gate.
func (s *PostgresStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: is event processed: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed records an event marker without touching the ledger.
// Used for no-op decisions and terminal failures.
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, action string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, applied_action) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`, eventID, action)
	if err != nil {
		return fmt.Errorf("postgres: mark event processed: %w", err)
	}
	return nil
}

// DeleteProcessedEvent removes a marker so the event replays on the next
// cycle. Operator tooling only.
func (s *PostgresStore) DeleteProcessedEvent(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("postgres: delete processed event: %w", err)
	}
	return nil
}

// ApplyFill commits the processed marker and the confirmed fill in a single
// transaction. A crash before commit leaves the event unprocessed and it is
// retried on the next poll.
func (s *PostgresStore) ApplyFill(ctx context.Context, eventID, action string, fill models.Fill) (*models.CopyPosition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, applied_action) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`, eventID, action)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyProcessed
	}

	row := tx.QueryRow(ctx,
		`SELECT market_id, token_id, outcome, title, side, size, avg_entry_price, status, updated_at
		 FROM copy_positions WHERE market_id = $1 FOR UPDATE`, fill.MarketID)

	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		pos = models.CopyPosition{MarketID: fill.MarketID, Status: models.PositionNone}
	} else if err != nil {
		return nil, fmt.Errorf("postgres: lock position: %w", err)
	}

	updated := advancePosition(pos, fill)

	_, err = tx.Exec(ctx,
		`INSERT INTO copy_positions (market_id, token_id, outcome, title, side, size, avg_entry_price, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (market_id) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			outcome = EXCLUDED.outcome,
			title = EXCLUDED.title,
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			avg_entry_price = EXCLUDED.avg_entry_price,
			status = EXCLUDED.status,
			updated_at = now()`,
		updated.MarketID, updated.TokenID, updated.Outcome, updated.Title,
		string(updated.Side), updated.Size, updated.AvgEntryPrice, string(updated.Status))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return &updated, nil
}

// SavePendingOrder upserts a pending order record.
func (s *PostgresStore) SavePendingOrder(ctx context.Context, order models.PendingOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_orders (client_order_id, event_id, market_id, token_id, outcome, title,
			side, requested_size, filled_size, avg_price, attempts, exchange_order_id, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		 ON CONFLICT (client_order_id) DO UPDATE SET
			filled_size = EXCLUDED.filled_size,
			avg_price = EXCLUDED.avg_price,
			attempts = EXCLUDED.attempts,
			exchange_order_id = EXCLUDED.exchange_order_id,
			status = EXCLUDED.status,
			updated_at = now()`,
		order.ClientOrderID, order.EventID, order.MarketID, order.TokenID, order.Outcome, order.Title,
		string(order.Side), order.RequestedSize, order.FilledSize, order.AvgPrice,
		order.Attempts, order.ExchangeOrderID, string(order.Status))
	if err != nil {
		return fmt.Errorf("postgres: save pending order: %w", err)
	}
	return nil
}

// ListUnresolvedOrders returns pending orders left in a non-terminal state,
// e.g. after a crash mid-execution.
func (s *PostgresStore) ListUnresolvedOrders(ctx context.Context) ([]models.PendingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_order_id, event_id, market_id, token_id, outcome, title, side,
			requested_size, filled_size, avg_price, attempts, exchange_order_id, status, updated_at
		 FROM pending_orders
		 WHERE status IN ('SUBMITTING', 'PARTIALLY_FILLED')
		 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unresolved orders: %w", err)
	}
	defer rows.Close()

	var orders []models.PendingOrder
	for rows.Next() {
		var o models.PendingOrder
		var side, status string
		if err := rows.Scan(&o.ClientOrderID, &o.EventID, &o.MarketID, &o.TokenID, &o.Outcome, &o.Title,
			&side, &o.RequestedSize, &o.FilledSize, &o.AvgPrice, &o.Attempts,
			&o.ExchangeOrderID, &status, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan pending order: %w", err)
		}
		o.Side = models.Side(side)
		o.Status = models.OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeletePendingOrder removes a pending order once its outcome is persisted.
func (s *PostgresStore) DeletePendingOrder(ctx context.Context, clientOrderID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_orders WHERE client_order_id = $1`, clientOrderID)
	if err != nil {
		return fmt.Errorf("postgres: delete pending order: %w", err)
	}
	return nil
}

// SaveCopyTrade appends one audit record.
func (s *PostgresStore) SaveCopyTrade(ctx context.Context, trade models.CopyTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO copy_trades (event_id, target_wallet, market_id, token_id, outcome, title,
			side, intended_size, filled_size, avg_price, status, reason, order_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		trade.EventID, trade.TargetWallet, trade.MarketID, trade.TokenID, trade.Outcome, trade.Title,
		string(trade.Side), trade.IntendedSize, trade.FilledSize, trade.AvgPrice,
		trade.Status, trade.Reason, trade.OrderID)
	if err != nil {
		return fmt.Errorf("postgres: save copy trade: %w", err)
	}
	return nil
}

// ListCopyTrades returns the most recent audit records.
func (s *PostgresStore) ListCopyTrades(ctx context.Context, limit int) ([]models.CopyTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, target_wallet, market_id, token_id, outcome, title, side,
			intended_size, filled_size, avg_price, status, reason, order_id, created_at
		 FROM copy_trades ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copy trades: %w", err)
	}
	defer rows.Close()

	var trades []models.CopyTrade
	for rows.Next() {
		var t models.CopyTrade
		var side string
		if err := rows.Scan(&t.ID, &t.EventID, &t.TargetWallet, &t.MarketID, &t.TokenID, &t.Outcome,
			&t.Title, &side, &t.IntendedSize, &t.FilledSize, &t.AvgPrice,
			&t.Status, &t.Reason, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan copy trade: %w", err)
		}
		t.Side = models.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetCopyTradeStats aggregates the audit log by status.
func (s *PostgresStore) GetCopyTradeStats(ctx context.Context) (map[string]interface{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(filled_size * avg_price), 0)
		 FROM copy_trades GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: copy trade stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]interface{}{}
	total := 0
	for rows.Next() {
		var status string
		var count int
		var usdc float64
		if err := rows.Scan(&status, &count, &usdc); err != nil {
			return nil, fmt.Errorf("postgres: scan stats: %w", err)
		}
		stats[status] = map[string]interface{}{"count": count, "usdc": usdc}
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}

// GetCachedToken looks up a condition+outcome token mapping, Redis first.
func (s *PostgresStore) GetCachedToken(ctx context.Context, conditionID, outcome string) (string, bool, error) {
	key := fmt.Sprintf(redisTokenKeyFmt, conditionID, outcome)
	if raw, err := s.redis.Get(ctx, key).Result(); err == nil && raw != "" {
		tokenID := raw
		negRisk := false
		if len(raw) > 2 && raw[len(raw)-2] == '|' {
			tokenID = raw[:len(raw)-2]
			negRisk = raw[len(raw)-1] == '1'
		}
		return tokenID, negRisk, nil
	}

	var tokenID string
	var negRisk bool
	err := s.pool.QueryRow(ctx,
		`SELECT token_id, neg_risk FROM token_cache WHERE condition_id = $1 AND outcome = $2`,
		conditionID, outcome).Scan(&tokenID, &negRisk)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: get cached token: %w", err)
	}

	s.redis.Set(ctx, key, encodeTokenCacheValue(tokenID, negRisk), redisTokenCacheTTL)
	return tokenID, negRisk, nil
}

// CacheToken stores a condition+outcome token mapping in both tiers.
func (s *PostgresStore) CacheToken(ctx context.Context, conditionID, outcome, tokenID string, negRisk bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_cache (condition_id, outcome, token_id, neg_risk)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (condition_id, outcome) DO UPDATE SET
			token_id = EXCLUDED.token_id, neg_risk = EXCLUDED.neg_risk`,
		conditionID, outcome, tokenID, negRisk)
	if err != nil {
		return fmt.Errorf("postgres: cache token: %w", err)
	}

	key := fmt.Sprintf(redisTokenKeyFmt, conditionID, outcome)
	s.redis.Set(ctx, key, encodeTokenCacheValue(tokenID, negRisk), redisTokenCacheTTL)
	return nil
}

func encodeTokenCacheValue(tokenID string, negRisk bool) string {
	if negRisk {
		return tokenID + "|1"
	}
	return tokenID + "|0"
}
