package terminal

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Config{}
	cfg.Auth.MasterSecret = "test-master-secret-at-least-32-chars"
	cfg.Terminal.TokenTTL = config.Duration{Duration: 300 * time.Second}
	cfg.Terminal.RefreshWindow = config.Duration{Duration: 60 * time.Second}
	cfg.Terminal.TimestampWindow = config.Duration{Duration: 60 * time.Second}

	svc := NewService(s, cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	return svc, s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestIssueAndValidate(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	if err := s.GrantMachineAccess(ctx, "u1", "m1"); err != nil {
		t.Fatalf("GrantMachineAccess: %v", err)
	}

	token, err := svc.Issue(ctx, "u1", "m1", nil, false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token.ExpiresAt-token.IssuedAt != 300 {
		t.Errorf("TTL = %d, want 300", token.ExpiresAt-token.IssuedAt)
	}
	if !token.HasCapability("input") || !token.HasCapability("spawn") || !token.HasCapability("resize") {
		t.Errorf("default capabilities missing: %v", token.Capabilities)
	}

	got, err := svc.Validate(token.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SessionID != token.SessionID {
		t.Errorf("validated wrong session")
	}
}

func TestAuditEventsBroadcast(t *testing.T) {
	svc, s := newTestService(t)
	bus := events.New()
	t.Cleanup(bus.Close)
	svc.SetEventBus(bus)
	auditCh := bus.Subscribe(protocol.EventAuditLog)
	ctx := context.Background()

	if err := s.GrantMachineAccess(ctx, "u1", "m1"); err != nil {
		t.Fatalf("GrantMachineAccess: %v", err)
	}
	token, err := svc.Issue(ctx, "u1", "m1", nil, false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	select {
	case ev := <-auditCh:
		rec := &store.AuditEvent{}
		if err := json.Unmarshal(ev.Data, rec); err != nil {
			t.Fatalf("event data = %s: %v", ev.Data, err)
		}
		if rec.Action != "SHELL_OPEN" || rec.SessionID != token.SessionID || rec.UserID != "u1" {
			t.Errorf("audit event = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("SHELL_OPEN never broadcast")
	}

	svc.End(ctx, token.SessionID)
	select {
	case ev := <-auditCh:
		rec := &store.AuditEvent{}
		if err := json.Unmarshal(ev.Data, rec); err != nil {
			t.Fatalf("event data = %s: %v", ev.Data, err)
		}
		if rec.Action != "SHELL_CLOSE" {
			t.Errorf("action = %q, want SHELL_CLOSE", rec.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("SHELL_CLOSE never broadcast")
	}
}

func TestIssueDeniedWithoutAccess(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), "u1", "m1", nil, false)
	if err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestIssueSystemAndAdminBypassACL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "system", "m1", []string{"execute_command"}, false); err != nil {
		t.Fatalf("system issue: %v", err)
	}
	if _, err := svc.Issue(ctx, "u-admin", "m1", nil, true); err != nil {
		t.Fatalf("admin issue: %v", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Validate("nope"); err != ErrSessionUnknown {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestSilentRefresh(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	token, err := svc.Issue(ctx, "system", "m1", nil, false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	origExpiry := token.ExpiresAt

	// 250s in: within 60s of expiry, validation must extend silently.
	svc.now = func() time.Time { return base.Add(250 * time.Second) }
	got, err := svc.Validate(token.SessionID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ExpiresAt <= origExpiry {
		t.Errorf("token not refreshed: expiresAt %d, was %d", got.ExpiresAt, origExpiry)
	}

	// The refreshed token must itself validate (signature recomputed).
	if _, err := svc.Validate(token.SessionID); err != nil {
		t.Fatalf("Validate after refresh: %v", err)
	}
}

func TestExpiredSessionIsRemoved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }
	token, _ := svc.Issue(ctx, "system", "m1", nil, false)

	svc.now = func() time.Time { return base.Add(301 * time.Second) }
	if _, err := svc.Validate(token.SessionID); err != ErrTokenExpired {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	// Session is gone entirely now.
	if _, err := svc.Validate(token.SessionID); err != ErrSessionUnknown {
		t.Fatalf("expected ErrSessionUnknown after expiry, got %v", err)
	}
}

func TestEndSessionAudits(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	token, _ := svc.Issue(ctx, "system", "m1", nil, false)
	svc.End(ctx, token.SessionID)

	if svc.ActiveSessions() != 0 {
		t.Fatalf("sessions remain after End")
	}

	events, err := s.ListAuditEvents(ctx, store.AuditFilter{SessionID: token.SessionID})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	if len(events) != 2 || actions[0] != "SHELL_CLOSE" || actions[1] != "SHELL_OPEN" {
		t.Fatalf("audit actions = %v, want [SHELL_CLOSE SHELL_OPEN]", actions)
	}
}

func TestEndAllForUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Issue(ctx, "system", "m1", nil, false)
	svc.Issue(ctx, "system", "m2", nil, false)
	svc.Issue(ctx, "u2", "m1", nil, true)

	svc.EndAllForUser(ctx, "system")
	if n := svc.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", n)
	}
}

func TestWrapVerifyRoundtrip(t *testing.T) {
	svc, _ := newTestService(t)
	secret := "agent-secret"

	payload := json.RawMessage(`{"data":"ls -la\n","junk":"dropped"}`)
	msg, err := svc.Wrap(protocol.TypeTerminalInput, "s1", "m1", secret, payload)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if msg.Payload != `{"data":"ls -la\n"}` {
		t.Errorf("payload not normalized: %q", msg.Payload)
	}
	if len(msg.Nonce) != 32 {
		t.Errorf("nonce = %q, want 32 hex chars", msg.Nonce)
	}

	if err := svc.Verify(msg, secret); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*protocol.SecureMessage)
		want   error
	}{
		{"payload", func(m *protocol.SecureMessage) { m.Payload = m.Payload[:len(m.Payload)-2] + `x"}` }, ErrBadSignature},
		{"nonce", func(m *protocol.SecureMessage) { m.Nonce = "00" + m.Nonce[2:] }, ErrBadSignature},
		{"hmac", func(m *protocol.SecureMessage) { m.HMAC = "00" + m.HMAC[2:] }, ErrBadSignature},
		{"secret", func(m *protocol.SecureMessage) {}, ErrBadSignature},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			msg, err := svc.Wrap(protocol.TypeTerminalResize, "s1", "m1", "agent-secret", json.RawMessage(`{"cols":80,"rows":24}`))
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}
			tc.mutate(msg)

			secret := "agent-secret"
			if tc.name == "secret" {
				secret = "wrong-secret"
			}
			if err := svc.Verify(msg, secret); err != tc.want {
				t.Fatalf("Verify = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	svc, _ := newTestService(t)
	msg, err := svc.Wrap(protocol.TypeTerminalInput, "s1", "m1", "agent-secret", json.RawMessage(`{"data":"x"}`))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if err := svc.Verify(msg, "agent-secret"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := svc.Verify(msg, "agent-secret"); err != ErrReplayedNonce {
		t.Fatalf("second Verify = %v, want ErrReplayedNonce", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	svc, _ := newTestService(t)
	base := time.Now()
	svc.now = func() time.Time { return base }

	msg, err := svc.Wrap(protocol.TypeTerminalInput, "s1", "m1", "agent-secret", json.RawMessage(`{"data":"x"}`))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	svc.now = func() time.Time { return base.Add(61 * time.Second) }
	if err := svc.Verify(msg, "agent-secret"); err != ErrStaleTimestamp {
		t.Fatalf("Verify = %v, want ErrStaleTimestamp", err)
	}
}

func TestNormalizeExecuteCommandDefaults(t *testing.T) {
	got, err := NormalizePayload(protocol.TypeExecuteCommand, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NormalizePayload: %v", err)
	}
	// Missing fields are empty strings, not absent keys.
	if got != `{"commandId":"","command":""}` {
		t.Fatalf("normalized = %q", got)
	}

	if _, err := NormalizePayload("mystery", nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
