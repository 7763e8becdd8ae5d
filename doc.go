// Package feedline provides a market-data ingestion core: long-lived
// connectors that pull or stream records from external APIs, a scheduled
// batch pipeline, and a schema-driven delta engine that classifies every
// record as new, updated, or unchanged before it reaches storage.
//
// # Architecture
//
// Feedline is organized around four cooperating subsystems:
//
// 1. Connectors (pkg/connector): REST polling and WebSocket streaming
// sources with a shared lifecycle (stopped, starting, running, error),
// exponential reconnect backoff, and pluggable request authentication.
//
// 2. Scheduler (pkg/scheduler): a self-clocked batch runner that fans
// endpoint fetches out to a bounded worker pool and hands results to a
// single persistence consumer through a bounded, deadline-guarded channel.
//
// 3. Delta engine (pkg/delta): schema-driven extraction (pkg/schema),
// checksum-based change classification in a single storage round trip, and
// upserts that keep one live row per (connector, primary key).
//
// 4. Storage (pkg/store): a persistence gateway with Postgres and
// in-memory implementations, an optional Redis checksum cache, and a
// failed-call sink shared by every outbound surface.
//
// # Quick Start
//
// Run the daemon against a config file:
//
//	feedline run --config feedline.yaml --schemas schemas.yaml
//
// Or embed the pieces directly:
//
//	import (
//	    "github.com/feedlinehq/feedline/pkg/config"
//	    "github.com/feedlinehq/feedline/pkg/connector"
//	    "github.com/feedlinehq/feedline/pkg/delta"
//	)
//
// See cmd/feedline for the full wiring.
package feedline
