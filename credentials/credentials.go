// Package credentials authenticates clients, API resources and resource
// owners.
//
// Secret checks never reveal which part of a credential was wrong: every
// non-expired secret of a client is verified, without exiting early on a
// match, and resource-owner failures collapse to ErrInvalidCredentials.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
)

// DefaultTimeout bounds a single user store call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrInvalidCredentials means the username or password was wrong. It
	// deliberately does not say which.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTransient wraps user store failures and timeouts. The request may
	// be retried.
	ErrTransient = errors.New("credential store unavailable")
)

// UserStore authenticates resource owners. Implementations return
// ErrInvalidCredentials for unknown users and wrong passwords alike; any other
// error is treated as a store failure.
type UserStore interface {
	ValidateCredentials(ctx context.Context, username, password string) (subjectID string, err error)
}

// Validator checks client secrets, API secrets and resource-owner passwords.
type Validator struct {
	Hasher  security.SecretHasher
	Users   UserStore
	Timeout time.Duration
	Clock   security.Clock
	Logger  *slog.Logger

	metrics *instrumentation.Metrics

	// dummyHash is verified for unknown clients so they cost as much as a
	// wrong secret.
	dummyOnce sync.Once
	dummyHash string
}

// NewValidator creates a validator. A nil hasher detects the hash format of
// each stored secret.
func NewValidator(hasher security.SecretHasher, users UserStore) *Validator {
	if hasher == nil {
		hasher = security.NewMultiHasher()
	}
	return &Validator{
		Hasher:  hasher,
		Users:   users,
		Timeout: DefaultTimeout,
		Clock:   security.SystemClock{},
		Logger:  slog.Default(),
	}
}

// SetInstrumentation records user store latency.
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		v.metrics = inst.Metrics()
	}
}

func (v *Validator) now() time.Time {
	return security.ClockOrSystem(v.Clock).Now()
}

// matchAny verifies presented against every usable secret. The loop always
// runs to the end so the time taken does not depend on which secret matched.
func (v *Validator) matchAny(secrets []registry.Secret, presented string) bool {
	if presented == "" {
		return false
	}
	now := v.now()
	matched := false
	for _, s := range secrets {
		if s.Expired(now) {
			continue
		}
		if v.Hasher.Verify(s.Value, presented) {
			matched = true
		}
	}
	return matched
}

// ValidateClientSecret reports whether presented authenticates client.
// Clients that do not require a secret authenticate with an empty one.
func (v *Validator) ValidateClientSecret(client *registry.Client, presented string) bool {
	if client == nil {
		return false
	}
	if !client.SecretRequired() && presented == "" {
		return true
	}
	return v.matchAny(client.ClientSecrets, presented)
}

// RejectUnknownClient verifies presented against a throwaway hash and
// returns false. Callers use it for client IDs that are not registered, so
// the response time does not tell unknown clients from wrong secrets.
func (v *Validator) RejectUnknownClient(presented string) bool {
	if presented == "" {
		return false
	}
	v.dummyOnce.Do(func() {
		hash, err := v.Hasher.Hash("unknown-client")
		if err != nil {
			v.Logger.Warn("Failed to prepare unknown client hash", "error", err)
			return
		}
		v.dummyHash = hash
	})
	if v.dummyHash != "" {
		v.Hasher.Verify(v.dummyHash, presented)
	}
	return false
}

// ValidateAPISecret reports whether presented authenticates an API resource
// at the introspection endpoint.
func (v *Validator) ValidateAPISecret(resource *registry.ApiResource, presented string) bool {
	if resource == nil {
		return false
	}
	return v.matchAny(resource.ApiSecrets, presented)
}

type ownerResult struct {
	subject string
	err     error
}

// ValidateResourceOwnerCredentials authenticates an end user through the user
// store. It returns the subject ID, ErrInvalidCredentials, or an error
// wrapping ErrTransient when the store failed or did not answer in time.
func (v *Validator) ValidateResourceOwnerCredentials(ctx context.Context, username, password string) (string, error) {
	if v.Users == nil {
		return "", fmt.Errorf("%w: no user store configured", ErrTransient)
	}
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan ownerResult, 1)
	go func() {
		subject, err := v.Users.ValidateCredentials(ctx, username, password)
		done <- ownerResult{subject: subject, err: err}
	}()

	var res ownerResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ownerResult{err: ctx.Err()}
	}

	result := "success"
	defer func() {
		if v.metrics != nil {
			v.metrics.RecordCollaboratorCall(ctx, "user_store", result,
				float64(time.Since(start).Microseconds())/1000)
		}
	}()

	switch {
	case res.err == nil && res.subject != "":
		return res.subject, nil
	case res.err == nil, errors.Is(res.err, ErrInvalidCredentials):
		result = "invalid"
		return "", ErrInvalidCredentials
	case errors.Is(res.err, context.DeadlineExceeded):
		result = "timeout"
		v.logger().Warn("User store timed out", "timeout", timeout)
		return "", fmt.Errorf("%w: %w", ErrTransient, res.err)
	default:
		result = "error"
		v.logger().Error("User store failed", "error", res.err)
		return "", fmt.Errorf("%w: %w", ErrTransient, res.err)
	}
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default()
	}
	return v.Logger
}
