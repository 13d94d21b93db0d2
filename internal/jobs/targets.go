package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fleetd-io/fleetd/internal/store"
)

// TargetSpec names the machines a job runs on.
type TargetSpec struct {
	Type       string   `json:"type"` // "adhoc", "group", "dynamic"
	MachineIDs []string `json:"machineIds,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
	Query      *Query   `json:"query,omitempty"`
}

// Query is a dynamic machine selector: conditions joined by a combinator.
type Query struct {
	Combinator string      `json:"combinator,omitempty"` // "all" (default) or "any"
	Conditions []Condition `json:"conditions"`
}

// Condition matches one machine attribute. Field is one of os, status,
// hostname, ip, role, or tag:<key>. Op is eq or contains. Matching is
// case-insensitive.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// resolveTargets materializes a target spec into machine IDs. Dynamic queries
// (standalone or embedded in a group) are evaluated against the live machine
// projection at dispatch time.
func (o *Orchestrator) resolveTargets(ctx context.Context, spec TargetSpec) ([]string, error) {
	switch spec.Type {
	case "adhoc":
		if len(spec.MachineIDs) == 0 {
			return nil, fmt.Errorf("adhoc target requires machineIds")
		}
		return spec.MachineIDs, nil

	case "group":
		group, err := o.store.GetGroup(ctx, spec.GroupID)
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
		if group == nil {
			return nil, fmt.Errorf("group %q not found", spec.GroupID)
		}
		if group.Type == "dynamic" {
			var q Query
			if err := json.Unmarshal([]byte(group.Query), &q); err != nil {
				return nil, fmt.Errorf("parse group query: %w", err)
			}
			return o.evaluateQuery(&q), nil
		}
		var members []string
		if err := json.Unmarshal([]byte(group.Members), &members); err != nil {
			return nil, fmt.Errorf("parse group members: %w", err)
		}
		return members, nil

	case "dynamic":
		if spec.Query == nil {
			return nil, fmt.Errorf("dynamic target requires a query")
		}
		return o.evaluateQuery(spec.Query), nil

	default:
		return nil, fmt.Errorf("unknown target type %q", spec.Type)
	}
}

func (o *Orchestrator) evaluateQuery(q *Query) []string {
	var ids []string
	for _, state := range o.cache.List() {
		if q.Matches(&state.Machine) {
			ids = append(ids, state.Machine.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Matches evaluates the query against one machine.
func (q *Query) Matches(m *store.Machine) bool {
	if len(q.Conditions) == 0 {
		return false
	}
	any := strings.EqualFold(q.Combinator, "any")
	for _, c := range q.Conditions {
		ok := c.matches(m)
		if any && ok {
			return true
		}
		if !any && !ok {
			return false
		}
	}
	return !any
}

func (c *Condition) matches(m *store.Machine) bool {
	var actual string
	switch {
	case strings.EqualFold(c.Field, "os"):
		actual = m.OS
	case strings.EqualFold(c.Field, "status"):
		actual = m.Status
	case strings.EqualFold(c.Field, "hostname"):
		actual = m.Hostname
	case strings.EqualFold(c.Field, "ip"):
		actual = m.IP
	case strings.EqualFold(c.Field, "role"):
		actual = m.Role
	case strings.HasPrefix(strings.ToLower(c.Field), "tag:"):
		key := c.Field[len("tag:"):]
		var tags map[string]string
		if err := json.Unmarshal([]byte(m.Tags), &tags); err != nil {
			return false
		}
		found := false
		for k, v := range tags {
			if strings.EqualFold(k, key) {
				actual = v
				found = true
				break
			}
		}
		if !found {
			return false
		}
	default:
		return false
	}

	a, b := strings.ToLower(actual), strings.ToLower(c.Value)
	switch strings.ToLower(c.Op) {
	case "eq":
		return a == b
	case "contains":
		return strings.Contains(a, b)
	default:
		return false
	}
}
