package agent

import (
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/internal/config"
)

func TestThrottleGatesAreIndependent(t *testing.T) {
	cfg := config.HeartbeatConfig{
		StatusInterval:    config.Duration{Duration: 10 * time.Second},
		MetricsInterval:   config.Duration{Duration: 15 * time.Second},
		PortsInterval:     config.Duration{Duration: 60 * time.Second},
		BroadcastInterval: config.Duration{Duration: 5 * time.Second},
	}

	var g throttle
	base := time.Now()

	// First pass: every gate opens.
	if !g.allowStatus(cfg, base) || !g.allowMetrics(cfg, base) || !g.allowPorts(cfg, base) || !g.allowBroadcast(cfg, base) {
		t.Fatal("fresh gates did not open")
	}

	// 6s later only the broadcast gate has elapsed.
	at := base.Add(6 * time.Second)
	if g.allowStatus(cfg, at) {
		t.Error("status gate opened before 10s")
	}
	if g.allowMetrics(cfg, at) {
		t.Error("metrics gate opened before 15s")
	}
	if g.allowPorts(cfg, at) {
		t.Error("ports gate opened before 60s")
	}
	if !g.allowBroadcast(cfg, at) {
		t.Error("broadcast gate closed after 5s interval elapsed")
	}

	// 16s later status and metrics reopen; ports still closed.
	at = base.Add(16 * time.Second)
	if !g.allowStatus(cfg, at) {
		t.Error("status gate closed after interval elapsed")
	}
	if !g.allowMetrics(cfg, at) {
		t.Error("metrics gate closed after interval elapsed")
	}
	if g.allowPorts(cfg, at) {
		t.Error("ports gate opened before 60s")
	}

	// A gate that just opened stays shut immediately after.
	if g.allowStatus(cfg, at.Add(time.Second)) {
		t.Error("status gate reopened inside interval")
	}
}
