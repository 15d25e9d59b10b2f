// Package storage defines the mutable state of the engine: authorization
// sessions (codes), refresh tokens, reference tokens and remembered consent.
//
// The interfaces are the only mutators of that state. Redemption operations
// (ConsumeSession, RedeemRefreshToken) are single critical sections per key:
// two concurrent redemptions of the same code cannot both succeed.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage with per-key locking
//   - storage/redis: Redis storage using optimistic WATCH/MULTI transactions
package storage
