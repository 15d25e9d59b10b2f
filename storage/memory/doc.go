// Package memory provides an in-memory implementation of storage.Store.
//
// Authorization sessions and refresh tokens live in maps guarded by a
// sync.RWMutex. ConsumeSession and RedeemRefreshToken additionally hold a
// striped per-key lock for the whole check-and-invalidate sequence, so
// concurrent redemptions of one code or handle are serialised while
// unrelated keys proceed in parallel. Reference tokens and remembered
// consent are kept in a go-cache with per-item expiry.
//
// State is lost on restart and not shared between processes; use
// storage/redis for that.
//
//	store := memory.New()
//	defer store.Stop()
//
//	issuer := token.NewIssuer("https://idp.example.com", keys, store)
//	srv, err := server.New(reg, validator, assembler, issuer, store, cfg, logger)
package memory
