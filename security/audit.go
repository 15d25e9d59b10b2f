package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Auditor writes security events to a structured log. Subject identifiers are
// hashed before logging; secrets and token values are never accepted.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   Clock
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   SystemClock{},
	}
}

// SetClock replaces the time source used for event timestamps.
func (a *Auditor) SetClock(c Clock) {
	a.clock = ClockOrSystem(c)
}

// Event is a single audit record.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs the event with the subject identifier hashed.
// A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful grant.
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      strings.Join(scopes, " "),
		},
	})
}

// LogTokenRefreshed records a refresh token redemption.
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked records a revocation.
func (a *Auditor) LogTokenRevoked(subjectID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure records a failed authentication with an internal reason.
// The reason is for operators only and never reaches the client.
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse records presentation of an already redeemed code.
func (a *Auditor) LogCodeReuse(subjectID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "critical",
			"action":   "all_tokens_revoked",
		},
	})
}

// LogRefreshTokenReuse records presentation of a rotated refresh token.
func (a *Auditor) LogRefreshTokenReuse(subjectID, clientID, ipAddress, familyID string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity":  "critical",
			"family_id": familyID,
			"action":    "family_revoked",
		},
	})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a short SHA-256 prefix of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
