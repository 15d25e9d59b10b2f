// Package security provides the security primitives shared by the engine:
// secret hashing, a clock abstraction with exclusive expiry checks, audit
// logging with hashed subject identifiers, AES-256-GCM encryption for data at
// rest, per-client rate limiting, response hardening headers and client IP
// extraction.
//
// # Secret hashing
//
// Secrets are stored hashed. SecretHasher is the injectable verification
// interface; MultiHasher dispatches on the stored hash format so a registry
// can mix legacy SHA-256 digests with bcrypt or argon2id hashes:
//
//	hasher := security.NewMultiHasher()
//	hash, _ := security.Argon2idHasher{}.Hash("s3cret")
//	ok := hasher.Verify(hash, "s3cret")
//
// # Expiry
//
// Codes and tokens expire at their expiry instant: a value is expired when
// now is not strictly before expiresAt. There is no grace period.
package security
