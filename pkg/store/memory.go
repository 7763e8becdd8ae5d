package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// rowKey identifies a persisted row.
type rowKey struct {
	connectorID string
	recordKey   string
}

// FailedCall is one recorded upstream failure.
type FailedCall struct {
	APIID      string        `json:"api_id"`
	URL        string        `json:"url"`
	Method     string        `json:"method"`
	Error      string        `json:"error"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// MemoryGateway is the in-memory Gateway used by tests and local runs.
type MemoryGateway struct {
	mu       sync.RWMutex
	rows     map[rowKey]Row
	counters map[string]Counters
	failures []FailedCall
	logger   *zap.Logger
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway(logger *zap.Logger) *MemoryGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGateway{
		rows:     make(map[rowKey]Row),
		counters: make(map[string]Counters),
		logger:   logger.With(zap.String("component", "memory_store")),
	}
}

// UpsertRows implements Gateway.
func (m *MemoryGateway) UpsertRows(_ context.Context, connectorID string, rows []Row) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result UpsertResult
	now := time.Now().UTC()
	for _, row := range rows {
		key := rowKey{connectorID: connectorID, recordKey: row.RecordKey}
		existing, exists := m.rows[key]

		row.ConnectorID = connectorID
		row.UpdatedAt = now
		if exists {
			row.FirstSeenAt = existing.FirstSeenAt
		} else {
			row.FirstSeenAt = now
			result.InsertedKeys = append(result.InsertedKeys, row.RecordKey)
		}

		m.rows[key] = row
		result.SavedCount++
	}
	return result, nil
}

// FetchChecksums implements Gateway.
func (m *MemoryGateway) FetchChecksums(_ context.Context, connectorID string, keys []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if row, ok := m.rows[rowKey{connectorID: connectorID, recordKey: k}]; ok {
			out[k] = row.Checksum
		}
	}
	return out, nil
}

// IncrementCounters implements Gateway.
func (m *MemoryGateway) IncrementCounters(_ context.Context, connectorID string, extract, transform, load int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[connectorID]
	c.ConnectorID = connectorID
	c.ExtractCount += extract
	c.TransformCount += transform
	c.LoadCount += load
	c.Status = "active"
	now := time.Now().UTC()
	c.LastRunAt = &now
	m.counters[connectorID] = c
	return nil
}

// ReconcileCounters implements Gateway. The live row count is the
// authoritative value; incremental drift is overwritten.
func (m *MemoryGateway) ReconcileCounters(_ context.Context, connectorID string) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var live int64
	for key := range m.rows {
		if key.connectorID == connectorID {
			live++
		}
	}

	c := m.counters[connectorID]
	c.ConnectorID = connectorID
	c.ExtractCount = live
	c.TransformCount = live
	c.LoadCount = live
	if c.Status == "" {
		c.Status = "active"
	}
	m.counters[connectorID] = c
	return c, nil
}

// GetCounters implements Gateway.
func (m *MemoryGateway) GetCounters(_ context.Context, connectorID string) (Counters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[connectorID]
	if !ok {
		return Counters{ConnectorID: connectorID, Status: "unknown"}, nil
	}
	return c, nil
}

// ConnectorIDs implements Gateway.
func (m *MemoryGateway) ConnectorIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range m.rows {
		seen[key.connectorID] = struct{}{}
	}
	for id := range m.counters {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecordFailedCall implements Gateway.
func (m *MemoryGateway) RecordFailedCall(apiID, url, method string, callErr error, statusCode int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := ""
	if callErr != nil {
		msg = callErr.Error()
	}
	m.failures = append(m.failures, FailedCall{
		APIID:      apiID,
		URL:        url,
		Method:     method,
		Error:      msg,
		StatusCode: statusCode,
		Latency:    latency,
		OccurredAt: time.Now().UTC(),
	})
}

// FailedCalls returns a copy of the recorded failures.
func (m *MemoryGateway) FailedCalls() []FailedCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FailedCall(nil), m.failures...)
}

// Rows returns a copy of the live rows for a connector, for tests and
// inspection.
func (m *MemoryGateway) Rows(connectorID string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Row
	for key, row := range m.rows {
		if key.connectorID == connectorID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordKey < out[j].RecordKey })
	return out
}

// Close implements Gateway.
func (m *MemoryGateway) Close() {}
