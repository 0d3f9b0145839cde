// Package database provides the PostgreSQL connection pool for the diagnostics store.
//
// The store is optional. When database.enabled is false the client never opens a pool
// and diagnostic events are only logged.
package database
