package token

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultKeyBits is the RSA modulus size of generated signing keys.
	DefaultKeyBits = 2048

	// SigningAlgorithm is the JWS algorithm of every token the engine signs.
	SigningAlgorithm = "RS256"

	// maxRetiredKeys bounds how many rotated-out keys still verify tokens.
	maxRetiredKeys = 2
)

// ErrUnknownKey is returned by Keyfunc for a kid the set does not hold.
var ErrUnknownKey = errors.New("unknown signing key")

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

// KeySet holds the active signing key and recently retired keys, which keep
// verifying tokens issued before a rotation. It is safe for concurrent use.
type KeySet struct {
	mu      sync.RWMutex
	active  *signingKey
	retired []*signingKey
}

// NewKeySet wraps an existing RSA key. An empty kid is derived from the
// RFC 7638 thumbprint of the public key.
func NewKeySet(priv *rsa.PrivateKey, kid string) (*KeySet, error) {
	if priv == nil {
		return nil, errors.New("signing key is required")
	}
	if priv.N.BitLen() < DefaultKeyBits {
		return nil, fmt.Errorf("signing key must be at least %d bits, got %d", DefaultKeyBits, priv.N.BitLen())
	}
	if kid == "" {
		var err error
		if kid, err = thumbprint(priv); err != nil {
			return nil, err
		}
	}
	return &KeySet{active: &signingKey{kid: kid, priv: priv}}, nil
}

// GenerateKeySet creates a key set with a fresh RSA key and a random kid.
func GenerateKeySet() (*KeySet, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	return &KeySet{active: key}, nil
}

func generateKey() (*signingKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, DefaultKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &signingKey{kid: uuid.NewString(), priv: priv}, nil
}

// LoadKeySet reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func LoadKeySet(path string) (*KeySet, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return NewKeySet(priv, "")
}

// ParsePrivateKeyPEM decodes an RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from signing key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key must be RSA, got %T", key)
	}
	return rsaKey, nil
}

// EncodePrivateKeyPEM renders an RSA key as PKCS#8 PEM.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func thumbprint(priv *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: &priv.PublicKey}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// Rotate replaces the active key with a freshly generated one. The previous
// key keeps verifying until it falls out of the retired window.
func (k *KeySet) Rotate() error {
	next, err := generateKey()
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.retired = append([]*signingKey{k.active}, k.retired...)
	if len(k.retired) > maxRetiredKeys {
		k.retired = k.retired[:maxRetiredKeys]
	}
	k.active = next
	return nil
}

// KeyID returns the kid of the active key.
func (k *KeySet) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active.kid
}

// JWKS returns the public keys for the discovery jwks_uri, active key first.
func (k *KeySet) JWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, 1+len(k.retired))}
	for _, key := range append([]*signingKey{k.active}, k.retired...) {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.priv.PublicKey,
			KeyID:     key.kid,
			Algorithm: SigningAlgorithm,
			Use:       "sig",
		})
	}
	return set
}

// Keyfunc resolves the verification key of a parsed token by its kid.
func (k *KeySet) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, key := range append([]*signingKey{k.active}, k.retired...) {
		if key.kid == kid {
			return &key.priv.PublicKey, nil
		}
	}
	return nil, ErrUnknownKey
}

// sign signs claims with the active key and sets the kid and typ headers.
func (k *KeySet) sign(claims jwt.MapClaims, typ string) (string, error) {
	k.mu.RLock()
	key := k.active
	k.mu.RUnlock()

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = key.kid
	t.Header["typ"] = typ
	signed, err := t.SignedString(key.priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
