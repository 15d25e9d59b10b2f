package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/idp-engine/security"
)

// User is a resource owner known to a StaticUserStore.
type User struct {
	SubjectID string `yaml:"subject_id"`
	Username  string `yaml:"username"`
	// PasswordHash is verified with the store's hasher.
	PasswordHash string         `yaml:"password_hash"`
	Claims       map[string]any `yaml:"claims,omitempty"`
}

// StaticUserStore is a fixed, in-memory set of users for development and
// tests. It also serves profile claims for the users it knows.
type StaticUserStore struct {
	hasher     security.SecretHasher
	byUsername map[string]*User
	bySubject  map[string]*User
	// dummyHash is verified for unknown usernames so lookups of missing and
	// existing users cost the same.
	dummyHash string
}

var _ UserStore = (*StaticUserStore)(nil)

// NewStaticUserStore builds a store from users. Usernames are matched
// case-insensitively. A nil hasher detects the format of each hash.
func NewStaticUserStore(hasher security.SecretHasher, users ...User) (*StaticUserStore, error) {
	if hasher == nil {
		hasher = security.NewMultiHasher()
	}
	dummy, err := hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare user store: %w", err)
	}

	s := &StaticUserStore{
		hasher:     hasher,
		byUsername: make(map[string]*User, len(users)),
		bySubject:  make(map[string]*User, len(users)),
		dummyHash:  dummy,
	}
	for i := range users {
		u := users[i]
		if u.SubjectID == "" || u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("user #%d: subject_id, username and password_hash are required", i)
		}
		name := strings.ToLower(u.Username)
		if _, dup := s.byUsername[name]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		if _, dup := s.bySubject[u.SubjectID]; dup {
			return nil, fmt.Errorf("duplicate subject_id %q", u.SubjectID)
		}
		s.byUsername[name] = &u
		s.bySubject[u.SubjectID] = &u
	}
	return s, nil
}

// usersFile is the YAML layout read by LoadUsers.
type usersFile struct {
	Users []User `yaml:"users"`
}

// LoadUsers reads users from a YAML file.
func LoadUsers(path string, hasher security.SecretHasher) (*StaticUserStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	return NewStaticUserStore(hasher, f.Users...)
}

// ValidateCredentials implements UserStore.
func (s *StaticUserStore) ValidateCredentials(ctx context.Context, username, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, ok := s.byUsername[strings.ToLower(username)]
	if !ok {
		s.hasher.Verify(s.dummyHash, password)
		return "", ErrInvalidCredentials
	}
	if !s.hasher.Verify(u.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return u.SubjectID, nil
}

// GetProfileClaims returns the requested claims the user has. Unknown
// subjects and missing claims yield no entries.
func (s *StaticUserStore) GetProfileClaims(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(claimTypes))
	u, ok := s.bySubject[subjectID]
	if !ok {
		return out, nil
	}
	for _, ct := range claimTypes {
		if v, ok := u.Claims[ct]; ok {
			out[ct] = v
		}
	}
	return out, nil
}
