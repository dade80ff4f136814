// Package memkv is a thread-safe in-memory key/value store with a small
// Redis-like surface: Set/SetNX/Get, Update under lock, TTL/Expire, prefix
// Scan and counters.
//
//   - Sharded map guarded by RW mutexes
//   - TTL with lazy eviction on access plus a background expirer
//   - Values are copied in and out; callers never share backing arrays
//   - Optional cap on the total size of values (Options.MaxBytes)
//
// The job ledger keeps its documents here and the local relay stores events
// here with a retention TTL.
package memkv
