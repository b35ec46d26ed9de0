// Package stores provides durable persistence for plans, jobs, the
// per-plan job lease, and audit events. The SQLite implementation keeps
// the engine's state machine crash-safe: conditional status transitions
// and lease acquisition happen in single statements so concurrent engine
// instances cannot disagree about who is running.
package stores
