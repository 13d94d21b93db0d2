// Package terminal implements the secure remote terminal service: session
// token issuance and refresh, HMAC message envelopes with replay defense, and
// per-session rate limiting.
package terminal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

var (
	ErrAccessDenied   = errors.New("user has no access to machine")
	ErrTokenInvalid   = errors.New("session token invalid")
	ErrTokenExpired   = errors.New("session token expired")
	ErrSessionUnknown = errors.New("session not active")
)

// DefaultCapabilities are granted when a spawn request names none.
var DefaultCapabilities = []string{"spawn", "input", "resize"}

// SessionToken is an active terminal session credential. The signature covers
// the canonical JSON of every other field.
type SessionToken struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	MachineID    string   `json:"machineId"`
	IssuedAt     int64    `json:"issuedAt"`  // unix seconds
	ExpiresAt    int64    `json:"expiresAt"` // unix seconds, ≤ issuedAt+300
	Capabilities []string `json:"capabilities"`
	Signature    string   `json:"signature"`
}

// tokenCanonical is the signed portion of a session token. Field order here
// fixes the canonical JSON encoding; do not reorder.
type tokenCanonical struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	MachineID    string   `json:"machineId"`
	IssuedAt     int64    `json:"issuedAt"`
	ExpiresAt    int64    `json:"expiresAt"`
	Capabilities []string `json:"capabilities"`
}

// Service owns terminal session state. All methods are safe for concurrent
// use.
type Service struct {
	store  store.Store
	logger *slog.Logger
	bus    *events.Bus

	masterSecret []byte
	tokenTTL     time.Duration
	refreshWin   time.Duration
	tsWindow     time.Duration

	mu       sync.Mutex
	sessions map[string]*SessionToken
	buckets  map[string]*bucket
	nonces   map[string]*nonceHistory // keyed by machineID

	now func() time.Time // injectable for tests
}

// NewService creates a terminal service.
func NewService(s store.Store, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:        s,
		logger:       logger.With("component", "terminal"),
		masterSecret: []byte(cfg.Auth.MasterSecret),
		tokenTTL:     cfg.Terminal.TokenTTL.Duration,
		refreshWin:   cfg.Terminal.RefreshWindow.Duration,
		tsWindow:     cfg.Terminal.TimestampWindow.Duration,
		sessions:     make(map[string]*SessionToken),
		buckets:      make(map[string]*bucket),
		nonces:       make(map[string]*nonceHistory),
		now:          time.Now,
	}
}

// SetEventBus attaches the broadcast bus. Audit writes are then mirrored to
// subscribers as audit_log events.
func (s *Service) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Issue creates a session token for a user on a machine. Unless the user is
// "system" or an admin, they must hold machine access.
func (s *Service) Issue(ctx context.Context, userID, machineID string, capabilities []string, admin bool) (*SessionToken, error) {
	if userID != "system" && !admin {
		ok, err := s.store.HasMachineAccess(ctx, userID, machineID)
		if err != nil {
			return nil, fmt.Errorf("check machine access: %w", err)
		}
		if !ok {
			return nil, ErrAccessDenied
		}
	}

	if len(capabilities) == 0 {
		capabilities = append([]string(nil), DefaultCapabilities...)
	}

	now := s.now()
	token := &SessionToken{
		SessionID:    uuid.New().String(),
		UserID:       userID,
		MachineID:    machineID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(s.tokenTTL).Unix(),
		Capabilities: capabilities,
	}
	token.Signature = s.sign(token)

	s.mu.Lock()
	s.sessions[token.SessionID] = token
	s.buckets[token.SessionID] = newBucket(now)
	s.mu.Unlock()

	s.audit(ctx, "SHELL_OPEN", token, map[string]any{"capabilities": capabilities})
	s.logger.Info("terminal session opened",
		"sessionId", token.SessionID, "userId", userID, "machineId", machineID)
	return token, nil
}

// Validate checks a session token. A valid token within the refresh window of
// expiry is silently extended; callers keep using the same sessionId.
func (s *Service) Validate(sessionID string) (*SessionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}

	now := s.now()
	if now.Unix() >= token.ExpiresAt {
		s.endLocked(context.Background(), token, "expired")
		return nil, ErrTokenExpired
	}

	expected := s.sign(token)
	if !hmac.Equal([]byte(expected), []byte(token.Signature)) {
		return nil, ErrTokenInvalid
	}

	if now.Unix()+int64(s.refreshWin.Seconds()) >= token.ExpiresAt {
		token.ExpiresAt = now.Add(s.tokenTTL).Unix()
		token.Signature = s.sign(token)
	}

	return token, nil
}

// HasCapability reports whether the session grants the named capability.
func (t *SessionToken) HasCapability(name string) bool {
	for _, c := range t.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// End closes a session explicitly, dropping its bucket and auditing the
// close with the session duration.
func (s *Service) End(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.sessions[sessionID]; ok {
		s.endLocked(ctx, token, "explicit")
	}
}

// EndAllForUser closes every session owned by a user, used when the owning
// web client disconnects.
func (s *Service) EndAllForUser(ctx context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.sessions {
		if token.UserID == userID {
			s.endLocked(ctx, token, "client disconnect")
		}
	}
}

func (s *Service) endLocked(ctx context.Context, token *SessionToken, reason string) {
	delete(s.sessions, token.SessionID)
	delete(s.buckets, token.SessionID)

	duration := s.now().Unix() - token.IssuedAt
	s.audit(ctx, "SHELL_CLOSE", token, map[string]any{
		"durationSeconds": duration,
		"reason":          reason,
	})
	s.logger.Info("terminal session closed",
		"sessionId", token.SessionID, "reason", reason, "durationSeconds", duration)
}

// Admit consumes one rate-limit token for the session. It returns false when
// the action must be dropped.
func (s *Service) Admit(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[sessionID]
	if !ok {
		return false
	}
	if b.take(s.now()) {
		return true
	}
	b.exceeded++
	if b.exceeded%10 == 0 {
		s.logger.Warn("session rate limit exceeded",
			"sessionId", sessionID, "exceededCount", b.exceeded)
	}
	return false
}

// ActiveSessions returns the number of live sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) sign(t *SessionToken) string {
	canonical, _ := json.Marshal(tokenCanonical{
		SessionID:    t.SessionID,
		UserID:       t.UserID,
		MachineID:    t.MachineID,
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
		Capabilities: t.Capabilities,
	})
	mac := hmac.New(sha256.New, s.masterSecret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) audit(ctx context.Context, action string, token *SessionToken, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    token.UserID,
		MachineID: token.MachineID,
		SessionID: token.SessionID,
		Detail:    raw,
		CreatedAt: s.now(),
	}
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Error("write audit event", "action", action, "error", err)
	}
	if s.bus != nil {
		s.bus.PublishType(protocol.EventAuditLog, ev)
	}
}
