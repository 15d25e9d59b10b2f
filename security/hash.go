package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrEmptySecret is returned when hashing an empty secret.
var ErrEmptySecret = errors.New("secret must not be empty")

// SecretHasher hashes secrets for storage and verifies presented secrets
// against stored hashes. Verify must run in time independent of where the
// presented secret first differs.
type SecretHasher interface {
	Hash(plain string) (string, error)
	Verify(hashed, plain string) bool
}

// SHA256Hasher stores base64(SHA-256(secret)), the digest format used by
// IdentityServer-style configuration files.
type SHA256Hasher struct{}

// Hash returns the base64 SHA-256 digest of plain.
func (SHA256Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(plain))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Verify compares digests in constant time.
func (SHA256Hasher) Verify(hashed, plain string) bool {
	stored, err := base64.StdEncoding.DecodeString(hashed)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	sum := sha256.Sum256([]byte(plain))
	return subtle.ConstantTimeCompare(stored, sum[:]) == 1
}

// BcryptHasher stores bcrypt hashes.
type BcryptHasher struct {
	// Cost defaults to bcrypt.DefaultCost.
	Cost int
}

// Hash returns a bcrypt hash of plain.
func (h BcryptHasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(out), nil
}

// Verify checks plain against a bcrypt hash.
func (BcryptHasher) Verify(hashed, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

// Argon2idHasher stores argon2id hashes in PHC string format:
// $argon2id$v=19$m=<KiB>,t=<iterations>,p=<threads>$<salt>$<key>
type Argon2idHasher struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2id holds the parameters used when fields are zero.
var DefaultArgon2id = Argon2idHasher{Memory: 64 * 1024, Time: 3, Threads: 1, KeyLen: 32}

func (h Argon2idHasher) withDefaults() Argon2idHasher {
	if h.Memory == 0 {
		h.Memory = DefaultArgon2id.Memory
	}
	if h.Time == 0 {
		h.Time = DefaultArgon2id.Time
	}
	if h.Threads == 0 {
		h.Threads = DefaultArgon2id.Threads
	}
	if h.KeyLen == 0 {
		h.KeyLen = DefaultArgon2id.KeyLen
	}
	return h
}

// Hash returns a PHC-formatted argon2id hash of plain.
func (h Argon2idHasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptySecret
	}
	h = h.withDefaults()
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify parses the PHC string and compares derived keys in constant time.
func (Argon2idHasher) Verify(hashed, plain string) bool {
	p, salt, stored, ok := parseArgon2id(hashed)
	if !ok {
		return false
	}
	key := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Threads, uint32(len(stored))) //nolint:gosec // key length bounded by stored hash
	return subtle.ConstantTimeCompare(key, stored) == 1
}

func parseArgon2id(phc string) (Argon2idHasher, []byte, []byte, bool) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return Argon2idHasher{}, nil, nil, false
	}
	var p Argon2idHasher
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return Argon2idHasher{}, nil, nil, false
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Argon2idHasher{}, nil, nil, false
		}
		switch k {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Time = uint32(n)
		case "p":
			if n == 0 || n > 255 {
				return Argon2idHasher{}, nil, nil, false
			}
			p.Threads = uint8(n)
		}
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return Argon2idHasher{}, nil, nil, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2idHasher{}, nil, nil, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2idHasher{}, nil, nil, false
	}
	return p, salt, key, true
}

// MultiHasher verifies against whichever format the stored hash uses and
// hashes new secrets with Primary.
type MultiHasher struct {
	Primary SecretHasher
}

// NewMultiHasher returns a MultiHasher that hashes new secrets with argon2id.
func NewMultiHasher() *MultiHasher {
	return &MultiHasher{Primary: DefaultArgon2id}
}

// Hash hashes plain with the primary hasher.
func (m *MultiHasher) Hash(plain string) (string, error) {
	if m.Primary == nil {
		return DefaultArgon2id.Hash(plain)
	}
	return m.Primary.Hash(plain)
}

// Verify detects the hash format and delegates.
func (m *MultiHasher) Verify(hashed, plain string) bool {
	switch {
	case strings.HasPrefix(hashed, "$argon2id$"):
		return Argon2idHasher{}.Verify(hashed, plain)
	case strings.HasPrefix(hashed, "$2a$"), strings.HasPrefix(hashed, "$2b$"), strings.HasPrefix(hashed, "$2y$"):
		return BcryptHasher{}.Verify(hashed, plain)
	default:
		return SHA256Hasher{}.Verify(hashed, plain)
	}
}

// HasherByName returns the hasher for a configuration name.
func HasherByName(name string) (SecretHasher, error) {
	switch name {
	case "", "auto":
		return NewMultiHasher(), nil
	case "sha256":
		return SHA256Hasher{}, nil
	case "bcrypt":
		return BcryptHasher{}, nil
	case "argon2id":
		return DefaultArgon2id, nil
	}
	return nil, fmt.Errorf("unknown secret hasher %q", name)
}
