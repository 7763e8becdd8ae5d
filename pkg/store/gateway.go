// Package store implements the persistence gateway: upsert-based row
// storage keyed on (connector_id, record_key), checksum lookups for
// delta classification, pipeline counters and the failed-call sink.
//
// Two gateways are provided: a Postgres implementation backed by pgx
// and an in-memory implementation for tests and local runs. A Redis
// read-through cache can wrap either to absorb checksum lookups.
package store

import (
	"context"
	"time"
)

// Row is one persisted canonical record. Exactly one live row exists
// per (ConnectorID, RecordKey).
type Row struct {
	ConnectorID string                 `json:"connector_id"`
	RecordKey   string                 `json:"record_key"`
	Data        map[string]interface{} `json:"data"`
	Checksum    string                 `json:"checksum"`
	DeltaType   string                 `json:"delta_type"`
	FirstSeenAt time.Time              `json:"first_seen_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// UpsertResult reports the outcome of an upsert batch.
type UpsertResult struct {
	// InsertedKeys are the record keys that did not exist before.
	InsertedKeys []string `json:"inserted_keys"`
	// SavedCount is the total number of rows written.
	SavedCount int `json:"saved_count"`
}

// Counters are the per-connector pipeline counters. All counts are
// non-decreasing between reconciliation passes.
type Counters struct {
	ConnectorID    string     `json:"connector_id"`
	ExtractCount   int64      `json:"extract_count"`
	TransformCount int64      `json:"transform_count"`
	LoadCount      int64      `json:"load_count"`
	Status         string     `json:"status"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// Gateway is the persistence interface the ingestion core writes
// through. Implementations must be safe for concurrent use.
type Gateway interface {
	// UpsertRows writes a batch of rows, inserting new keys and
	// overwriting existing ones.
	UpsertRows(ctx context.Context, connectorID string, rows []Row) (UpsertResult, error)

	// FetchChecksums returns the stored checksum for each requested key
	// that exists. Absent keys are simply missing from the result.
	FetchChecksums(ctx context.Context, connectorID string, keys []string) (map[string]string, error)

	// IncrementCounters bumps the incrementally maintained pipeline
	// counters and stamps the run.
	IncrementCounters(ctx context.Context, connectorID string, extract, transform, load int64) error

	// ReconcileCounters recomputes the connector's counters from the
	// live row count, overwriting the incremental values, and returns
	// the result.
	ReconcileCounters(ctx context.Context, connectorID string) (Counters, error)

	// GetCounters returns the connector's current counters.
	GetCounters(ctx context.Context, connectorID string) (Counters, error)

	// ConnectorIDs lists every connector with persisted rows or
	// counters.
	ConnectorIDs(ctx context.Context) ([]string, error)

	// RecordFailedCall records a failed upstream call. Sink failures are
	// logged, never propagated.
	RecordFailedCall(apiID, url, method string, callErr error, statusCode int, latency time.Duration)

	// Close releases the gateway's resources.
	Close()
}
