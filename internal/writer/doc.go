// Package writer persists diagnostic events to PostgreSQL.
//
// DiagnosticWriter consumes a diagnostics subscription, accumulates rows and flushes
// them with pgx.Batch either when the batch is full or on the flush interval.
// Rows are append-only; the table is never updated.
package writer
