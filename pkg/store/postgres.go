package store

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/errors"
)

// PostgresGateway is the production Gateway backed by a pgx connection
// pool. Connections are acquired per logical operation and released
// promptly; nothing holds a connection across an external wait.
type PostgresGateway struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresGateway connects to the database and verifies the
// connection.
func NewPostgresGateway(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresGateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "database unreachable")
	}

	return &PostgresGateway{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres_store")),
	}, nil
}

// Migrate creates the gateway's tables when they do not exist.
func (p *PostgresGateway) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS feedline_rows (
			connector_id  TEXT        NOT NULL,
			record_key    TEXT        NOT NULL,
			data          JSONB       NOT NULL,
			checksum      TEXT        NOT NULL,
			delta_type    TEXT        NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (connector_id, record_key)
		)`,
		`CREATE TABLE IF NOT EXISTS feedline_counters (
			connector_id    TEXT PRIMARY KEY,
			extract_count   BIGINT NOT NULL DEFAULT 0,
			transform_count BIGINT NOT NULL DEFAULT 0,
			load_count      BIGINT NOT NULL DEFAULT 0,
			status          TEXT   NOT NULL DEFAULT 'active',
			last_run_at     TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS feedline_failed_calls (
			id          UUID PRIMARY KEY,
			api_id      TEXT        NOT NULL,
			url         TEXT        NOT NULL,
			method      TEXT        NOT NULL,
			error       TEXT        NOT NULL,
			status_code INT         NOT NULL,
			latency_ms  BIGINT      NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "migration failed")
		}
	}
	return nil
}

// UpsertRows implements Gateway. The batch runs in one transaction so a
// partial write never leaves mixed state.
func (p *PostgresGateway) UpsertRows(ctx context.Context, connectorID string, rows []Row) (UpsertResult, error) {
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return UpsertResult{}, errors.Wrap(err, errors.ErrorTypePersistence, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var result UpsertResult
	now := time.Now().UTC()
	for _, row := range rows {
		data, err := json.Marshal(row.Data)
		if err != nil {
			return UpsertResult{}, errors.Wrap(err, errors.ErrorTypePersistence, "failed to encode row data")
		}

		var inserted bool
		err = tx.QueryRow(ctx, `
			INSERT INTO feedline_rows (connector_id, record_key, data, checksum, delta_type, first_seen_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (connector_id, record_key) DO UPDATE SET
				data       = EXCLUDED.data,
				checksum   = EXCLUDED.checksum,
				delta_type = EXCLUDED.delta_type,
				updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`,
			connectorID, row.RecordKey, data, row.Checksum, row.DeltaType, now,
		).Scan(&inserted)
		if err != nil {
			return UpsertResult{}, errors.Wrap(err, errors.ErrorTypePersistence, "upsert failed")
		}

		if inserted {
			result.InsertedKeys = append(result.InsertedKeys, row.RecordKey)
		}
		result.SavedCount++
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, errors.Wrap(err, errors.ErrorTypePersistence, "commit failed")
	}
	return result, nil
}

// FetchChecksums implements Gateway with a single round trip for the
// whole key set.
func (p *PostgresGateway) FetchChecksums(ctx context.Context, connectorID string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT record_key, checksum
		FROM feedline_rows
		WHERE connector_id = $1 AND record_key = ANY($2)`,
		connectorID, keys)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "checksum query failed")
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var key, checksum string
		if err := rows.Scan(&key, &checksum); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "checksum scan failed")
		}
		out[key] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "checksum iteration failed")
	}
	return out, nil
}

// IncrementCounters implements Gateway.
func (p *PostgresGateway) IncrementCounters(ctx context.Context, connectorID string, extract, transform, load int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO feedline_counters (connector_id, extract_count, transform_count, load_count, status, last_run_at)
		VALUES ($1, $2, $3, $4, 'active', NOW())
		ON CONFLICT (connector_id) DO UPDATE SET
			extract_count   = feedline_counters.extract_count + EXCLUDED.extract_count,
			transform_count = feedline_counters.transform_count + EXCLUDED.transform_count,
			load_count      = feedline_counters.load_count + EXCLUDED.load_count,
			status          = 'active',
			last_run_at     = NOW()`,
		connectorID, extract, transform, load)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "counter increment failed")
	}
	return nil
}

// ReconcileCounters implements Gateway. The row count overwrites the
// incremental values in a single statement, so the pass is idempotent.
func (p *PostgresGateway) ReconcileCounters(ctx context.Context, connectorID string) (Counters, error) {
	c := Counters{ConnectorID: connectorID}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO feedline_counters (connector_id, extract_count, transform_count, load_count, status)
		SELECT $1, live.n, live.n, live.n, 'active'
		FROM (SELECT COUNT(*) AS n FROM feedline_rows WHERE connector_id = $1) AS live
		ON CONFLICT (connector_id) DO UPDATE SET
			extract_count   = EXCLUDED.extract_count,
			transform_count = EXCLUDED.transform_count,
			load_count      = EXCLUDED.load_count
		RETURNING extract_count, transform_count, load_count, status, last_run_at`,
		connectorID,
	).Scan(&c.ExtractCount, &c.TransformCount, &c.LoadCount, &c.Status, &c.LastRunAt)
	if err != nil {
		return Counters{}, errors.Wrap(err, errors.ErrorTypePersistence, "counter reconciliation failed")
	}
	return c, nil
}

// GetCounters implements Gateway.
func (p *PostgresGateway) GetCounters(ctx context.Context, connectorID string) (Counters, error) {
	c := Counters{ConnectorID: connectorID}
	err := p.pool.QueryRow(ctx, `
		SELECT extract_count, transform_count, load_count, status, last_run_at
		FROM feedline_counters WHERE connector_id = $1`,
		connectorID,
	).Scan(&c.ExtractCount, &c.TransformCount, &c.LoadCount, &c.Status, &c.LastRunAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Counters{ConnectorID: connectorID, Status: "unknown"}, nil
		}
		return Counters{}, errors.Wrap(err, errors.ErrorTypePersistence, "counter query failed")
	}
	return c, nil
}

// ConnectorIDs implements Gateway.
func (p *PostgresGateway) ConnectorIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT connector_id FROM feedline_rows
		UNION
		SELECT connector_id FROM feedline_counters
		ORDER BY connector_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "connector id query failed")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "connector id scan failed")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordFailedCall implements Gateway. The sink is best-effort: a write
// failure is logged and swallowed so recording can never take down the
// caller.
func (p *PostgresGateway) RecordFailedCall(apiID, url, method string, callErr error, statusCode int, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO feedline_failed_calls (id, api_id, url, method, error, status_code, latency_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New(), apiID, url, method, msg, statusCode, latency.Milliseconds())
	if err != nil {
		p.logger.Warn("failed to record failed call",
			zap.String("api_id", apiID), zap.Error(err))
	}
}

// Close implements Gateway.
func (p *PostgresGateway) Close() {
	p.pool.Close()
}
