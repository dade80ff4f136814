// Package transport defines the relay interface and the shared relay pool.
//
// Key concepts:
//   - Relay: one relay endpoint speaking EVENT/REQ/CLOSE, implemented over
//     websockets (transport/ws) or in-process (transport/mem)
//   - Pool: keeps one canonical Relay per normalized URL, fans publishes out
//     to a relay set and merges subscriptions across it
//   - Subscription: a pool-wide subscription id registered on several relays,
//     tracking which of them are currently live
//
// The pool is shared by every outstanding job. Subscriptions are opened and
// closed per job; relays are closed only when the pool closes.
package transport
