// Package cache holds an in-memory projection of fleet state so dashboard
// reads never touch the database. Writers update the store first and then the
// cache, so the cache can always be rebuilt from the store.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/internal/store"
)

// MachineState is everything the dashboard needs about one machine.
type MachineState struct {
	Machine store.Machine      `json:"machine"`
	Metric  *store.Metric      `json:"metric,omitempty"`
	Ports   []store.PortRecord `json:"ports,omitempty"`
}

// Cache is the fleet state projection. All methods are safe for concurrent
// use.
type Cache struct {
	mu       sync.RWMutex
	machines map[string]*MachineState
}

// New returns an empty cache. Call Warm before serving reads.
func New() *Cache {
	return &Cache{machines: make(map[string]*MachineState)}
}

// Warm loads all machines, their latest metrics, and their ports from the
// store. Called once at startup.
func (c *Cache) Warm(ctx context.Context, s store.Store) error {
	machines, err := s.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	metrics, err := s.LatestMetrics(ctx)
	if err != nil {
		return fmt.Errorf("latest metrics: %w", err)
	}
	ports, err := s.ListAllPorts(ctx)
	if err != nil {
		return fmt.Errorf("list ports: %w", err)
	}

	fresh := make(map[string]*MachineState, len(machines))
	for i := range machines {
		fresh[machines[i].ID] = &MachineState{Machine: machines[i]}
	}
	for i := range metrics {
		if st, ok := fresh[metrics[i].MachineID]; ok {
			m := metrics[i]
			st.Metric = &m
		}
	}
	for i := range ports {
		if st, ok := fresh[ports[i].MachineID]; ok {
			st.Ports = append(st.Ports, ports[i])
		}
	}

	c.mu.Lock()
	c.machines = fresh
	c.mu.Unlock()
	return nil
}

// PutMachine inserts or replaces a machine record, preserving any cached
// metric and ports.
func (c *Cache) PutMachine(m store.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.machines[m.ID]; ok {
		st.Machine = m
		return
	}
	c.machines[m.ID] = &MachineState{Machine: m}
}

// SetStatus updates a machine's status and last-seen time. Returns false if
// the machine is unknown.
func (c *Cache) SetStatus(machineID, status string, lastSeen time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.machines[machineID]
	if !ok {
		return false
	}
	st.Machine.Status = status
	st.Machine.LastSeen = lastSeen
	return true
}

// Touch updates only the last-seen time.
func (c *Cache) Touch(machineID string, lastSeen time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.machines[machineID]; ok {
		st.Machine.LastSeen = lastSeen
	}
}

// SetMetric stores the latest metric sample for a machine.
func (c *Cache) SetMetric(m store.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.machines[m.MachineID]; ok {
		st.Metric = &m
	}
}

// SetPorts replaces the cached port list for a machine.
func (c *Cache) SetPorts(machineID string, ports []store.PortRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.machines[machineID]; ok {
		st.Ports = ports
	}
}

// Remove drops a machine from the cache.
func (c *Cache) Remove(machineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.machines, machineID)
}

// Get returns a copy of one machine's state, or nil if unknown.
func (c *Cache) Get(machineID string) *MachineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.machines[machineID]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// List returns a snapshot of all machine states.
func (c *Cache) List() []MachineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MachineState, 0, len(c.machines))
	for _, st := range c.machines {
		out = append(out, *st)
	}
	return out
}

// Len returns the number of cached machines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.machines)
}
