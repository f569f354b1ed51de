// Package storage persists per-app speaking preferences.
//
// It holds, keyed by package identifier:
//   - The tri-state enabled flag (NULL means "follow the global default")
//   - The priority flag (speak with interruption)
//   - Per-app condition overrides and text substitutions
//
// In-memory state in internal/apps is authoritative for decisions; this layer
// is written through asynchronously and only read back at startup.
package storage
