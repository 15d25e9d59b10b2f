// Package claims maps a subject and its granted scopes to the user claims
// embedded in identity and access tokens.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/registry"
)

// DefaultTimeout bounds a single profile source call.
const DefaultTimeout = 5 * time.Second

// ClaimSubject is always set from the subject and never taken from the
// profile source.
const ClaimSubject = "sub"

// ErrTransient wraps profile source failures and timeouts.
var ErrTransient = errors.New("profile source unavailable")

// ProfileSource returns claim values for a subject. Claims the subject does
// not have are simply absent from the result.
type ProfileSource interface {
	GetProfileClaims(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error)
}

// Assembler builds claim sets from identity resource definitions.
type Assembler struct {
	registry *registry.Registry
	source   ProfileSource
	group    singleflight.Group

	Timeout time.Duration
	Logger  *slog.Logger

	metrics *instrumentation.Metrics
}

// NewAssembler creates an assembler. A nil source yields claim sets holding
// only the subject.
func NewAssembler(reg *registry.Registry, source ProfileSource) *Assembler {
	return &Assembler{
		registry: reg,
		source:   source,
		Timeout:  DefaultTimeout,
		Logger:   slog.Default(),
	}
}

// SetInstrumentation records profile source latency.
func (a *Assembler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// IdentityClaimTypes returns the union of claim types granted by the
// identity scopes, in scope order.
func (a *Assembler) IdentityClaimTypes(identityScopes []string) []string {
	var out []string
	for _, scope := range identityScopes {
		for _, ct := range a.registry.IdentityResourceClaims(scope) {
			if !slices.Contains(out, ct) {
				out = append(out, ct)
			}
		}
	}
	return out
}

// AssembleClaims returns the identity claims for subject under the granted
// identity scopes. sub is always present; unknown and empty claims are
// omitted.
func (a *Assembler) AssembleClaims(ctx context.Context, subjectID string, identityScopes []string) (map[string]any, error) {
	claimTypes := a.IdentityClaimTypes(identityScopes)
	out, err := a.collect(ctx, subjectID, claimTypes)
	if err != nil {
		return nil, err
	}
	out[ClaimSubject] = subjectID
	return out, nil
}

// ResourceClaims returns API resource user claims for the access token.
func (a *Assembler) ResourceClaims(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error) {
	if subjectID == "" || len(claimTypes) == 0 {
		return map[string]any{}, nil
	}
	return a.collect(ctx, subjectID, claimTypes)
}

func (a *Assembler) collect(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error) {
	claimTypes = slices.DeleteFunc(slices.Clone(claimTypes), func(ct string) bool {
		return ct == "" || ct == ClaimSubject
	})
	out := make(map[string]any, len(claimTypes)+1)
	if a.source == nil || len(claimTypes) == 0 {
		return out, nil
	}

	values, err := a.fetch(ctx, subjectID, claimTypes)
	if err != nil {
		return nil, err
	}
	for _, ct := range claimTypes {
		v, ok := values[ct]
		if !ok || isEmpty(v) {
			continue
		}
		out[ct] = v
	}
	return out, nil
}

// fetch calls the profile source once per concurrent identical lookup. The
// shared call runs detached from any single caller's cancellation; each
// caller stops waiting on its own deadline.
func (a *Assembler) fetch(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	key := subjectID + "\x00" + strings.Join(claimTypes, " ")

	start := time.Now()
	ch := a.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return a.source.GetProfileClaims(callCtx, subjectID, claimTypes)
	})

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			a.record(ctx, "error", start)
			a.logger().Error("Profile source failed", "error", res.Err)
			return nil, fmt.Errorf("%w: %w", ErrTransient, res.Err)
		}
		a.record(ctx, "success", start)
		values, _ := res.Val.(map[string]any)
		return values, nil
	case <-waitCtx.Done():
		a.record(ctx, "timeout", start)
		a.logger().Warn("Profile source timed out", "timeout", timeout)
		return nil, fmt.Errorf("%w: %w", ErrTransient, waitCtx.Err())
	}
}

func (a *Assembler) record(ctx context.Context, result string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordCollaboratorCall(ctx, "profile_source", result,
			float64(time.Since(start).Microseconds())/1000)
	}
}

func (a *Assembler) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}
