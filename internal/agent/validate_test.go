package agent

import (
	"strings"
	"testing"

	"github.com/fleetd-io/fleetd/pkg/protocol"
)

func validRegister() *protocol.Register {
	return &protocol.Register{
		Type:      protocol.TypeRegister,
		SecretKey: strings.Repeat("ab", 32),
		Hostname:  "web-01",
		IP:        "10.0.0.1",
		OSInfo:    "Ubuntu 24.04",
	}
}

func TestValidateRegister(t *testing.T) {
	if err := validateRegister(validRegister()); err != nil {
		t.Fatalf("valid register rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*protocol.Register)
	}{
		{"short secret", func(r *protocol.Register) { r.SecretKey = "abc123" }},
		{"non-hex secret", func(r *protocol.Register) { r.SecretKey = strings.Repeat("zz", 32) }},
		{"empty hostname", func(r *protocol.Register) { r.Hostname = "" }},
		{"oversize hostname", func(r *protocol.Register) { r.Hostname = strings.Repeat("h", 256) }},
		{"ipv6 address", func(r *protocol.Register) { r.IP = "::1" }},
		{"garbage ip", func(r *protocol.Register) { r.IP = "not-an-ip" }},
		{"short ip", func(r *protocol.Register) { r.IP = "10.0.1" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := validRegister()
			tc.mutate(msg)
			if err := validateRegister(msg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestTruncateField(t *testing.T) {
	short, cut := truncateField("hello")
	if cut || short != "hello" {
		t.Fatalf("short field modified: %q cut=%v", short, cut)
	}

	long, cut := truncateField(strings.Repeat("x", maxFieldBytes+10))
	if !cut {
		t.Fatal("oversize field not flagged")
	}
	if len(long) != maxFieldBytes {
		t.Fatalf("truncated to %d bytes, want %d", len(long), maxFieldBytes)
	}
}
