package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/idp-engine/claims"
	"github.com/giantswarm/idp-engine/credentials"
	"github.com/giantswarm/idp-engine/instrumentation"
	"github.com/giantswarm/idp-engine/registry"
	"github.com/giantswarm/idp-engine/security"
	"github.com/giantswarm/idp-engine/storage"
	"github.com/giantswarm/idp-engine/token"
)

// handleLogLength is how much of a code or token may appear in logs.
const handleLogLength = 8

// Server evaluates protocol requests. It is safe for concurrent use once
// configured.
type Server struct {
	registry  *registry.Registry
	validator *credentials.Validator
	claims    *claims.Assembler
	issuer    *token.Issuer
	store     storage.Store

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	clock   security.Clock
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New creates a server. All collaborators are required.
func New(
	reg *registry.Registry,
	validator *credentials.Validator,
	assembler *claims.Assembler,
	issuer *token.Issuer,
	store storage.Store,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("credential validator is required")
	}
	if assembler == nil {
		return nil, fmt.Errorf("claims assembler is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		config.Issuer = issuer.IssuerURL()
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		registry:  reg,
		validator: validator,
		claims:    assembler,
		issuer:    issuer,
		store:     store,
		Config:    config,
		Logger:    logger,
		clock:     security.SystemClock{},
		tracer:    noop.NewTracerProvider().Tracer("server"),
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	type retentionSetter interface {
		SetRevokedFamilyRetention(d time.Duration)
	}
	if setter, ok := store.(retentionSetter); ok {
		setter.SetRevokedFamilyRetention(time.Duration(config.RevokedFamilyRetentionDays) * 24 * time.Hour)
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetClock replaces the time source for sessions, refresh tokens and consent.
func (s *Server) SetClock(c security.Clock) {
	s.clock = security.ClockOrSystem(c)
}

// SetInstrumentation enables metrics and tracing.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// Registry returns the registry the server evaluates requests against.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Issuer returns the token issuer.
func (s *Server) Issuer() *token.Issuer { return s.issuer }

// now is the time basis for sessions, refresh tokens and consent. The stores
// compare expiry against the same clock, so it is not truncated.
func (s *Server) now() time.Time {
	return s.clock.Now()
}

// transient maps collaborator and storage failures to temporarily_unavailable
// and logs the cause.
func (s *Server) transient(ctx context.Context, op string, err error) *Error {
	if oe, ok := AsError(err); ok {
		return oe
	}
	switch {
	case errors.Is(err, context.Canceled):
		s.Logger.DebugContext(ctx, "Request cancelled", "operation", op)
	case isTransient(err):
		s.Logger.WarnContext(ctx, "Collaborator unavailable", "operation", op, "error", err)
	default:
		s.Logger.ErrorContext(ctx, "Operation failed", "operation", op, "error", err)
	}
	return errTransient(err)
}

// isTransient reports whether err came from an unavailable collaborator.
func isTransient(err error) bool {
	return errors.Is(err, credentials.ErrTransient) || errors.Is(err, claims.ErrTransient)
}
