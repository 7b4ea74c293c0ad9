// Package storage persists per-tenant watcher state and the channel message log.
//
// It currently supports:
//   - One State record per tenant (last announced URL + timestamp)
//   - A bounded per-channel message history used for "posted today?" checks
//
// Backends: file (default), memory, sqlite, postgres.
package storage
