package agent

import (
	"time"

	"github.com/fleetd-io/fleetd/internal/config"
)

// throttle holds the per-machine heartbeat gates. Each gate bounds how often
// its slice of heartbeat work may run, capping write pressure on the store.
type throttle struct {
	statusAt    time.Time
	metricsAt   time.Time
	portsAt     time.Time
	broadcastAt time.Time
}

func allowGate(gate *time.Time, interval time.Duration, now time.Time) bool {
	if now.Sub(*gate) < interval {
		return false
	}
	*gate = now
	return true
}

func (t *throttle) allowStatus(cfg config.HeartbeatConfig, now time.Time) bool {
	return allowGate(&t.statusAt, cfg.StatusInterval.Duration, now)
}

func (t *throttle) allowMetrics(cfg config.HeartbeatConfig, now time.Time) bool {
	return allowGate(&t.metricsAt, cfg.MetricsInterval.Duration, now)
}

func (t *throttle) allowPorts(cfg config.HeartbeatConfig, now time.Time) bool {
	return allowGate(&t.portsAt, cfg.PortsInterval.Duration, now)
}

func (t *throttle) allowBroadcast(cfg config.HeartbeatConfig, now time.Time) bool {
	return allowGate(&t.broadcastAt, cfg.BroadcastInterval.Duration, now)
}
