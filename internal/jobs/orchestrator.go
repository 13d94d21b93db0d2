// Package jobs orchestrates bulk command execution across the fleet:
// target resolution, parallel and rolling dispatch strategies, per-target
// execution tracking, and disconnect grace handling.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/internal/cache"
	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/events"
	"github.com/fleetd-io/fleetd/internal/metrics"
	"github.com/fleetd-io/fleetd/internal/store"
	"github.com/fleetd-io/fleetd/pkg/protocol"
)

// errorTailBytes is how much trailing output is kept as the error hint on a
// failed execution.
const errorTailBytes = 512

// Dispatcher delivers commands to agents. The agent session manager
// implements it.
type Dispatcher interface {
	SendCommand(ctx context.Context, machineID, commandID, command string) error
	IsMachineOnline(machineID string) bool
}

// Strategy carries the per-job dispatch parameters.
type Strategy struct {
	Concurrency          int     `json:"concurrency,omitempty"`          // parallel: max in flight
	BatchSize            int     `json:"batchSize,omitempty"`            // rolling: fixed batch size
	BatchPercent         float64 `json:"batchPercent,omitempty"`         // rolling: batch as % of total
	StopOnFailurePercent float64 `json:"stopOnFailurePercent,omitempty"` // rolling: abort threshold
	WaitSeconds          int     `json:"waitSeconds,omitempty"`          // rolling: pause between batches
}

// CreateJobRequest is an operator job submission.
type CreateJobRequest struct {
	Command   string     `json:"command"`
	Mode      string     `json:"mode"` // "parallel" (default) or "rolling"
	Strategy  Strategy   `json:"strategy"`
	Target    TargetSpec `json:"target"`
	CreatedBy string     `json:"-"`
}

type execMeta struct {
	id        string
	machineID string
	status    string
}

type jobState struct {
	id       string
	command  string
	mode     string
	strategy Strategy

	execs map[string]*execMeta
	queue []string // pending execution IDs, dispatch order

	running      int
	anyFailed    bool
	aborted      bool
	finalized    bool
	batchPending map[string]bool
	batchSize    int
	batchFailed  int
	rollingTimer *time.Timer
}

type inflightEntry struct {
	jobID     string
	execID    string
	machineID string
	at        time.Time
}

// Orchestrator owns all in-memory job state. Terminal jobs are dropped from
// memory; their rows remain in the store.
type Orchestrator struct {
	store      store.Store
	cache      *cache.Cache
	bus        *events.Bus
	dispatcher Dispatcher
	logger     *slog.Logger

	maxConcurrency int
	grace          time.Duration
	completedTTL   time.Duration

	mu                sync.Mutex
	jobs              map[string]*jobState
	inflight          map[string]*inflightEntry // commandID → entry
	inflightByMachine map[string][]string       // machineID → commandIDs, oldest first
	completed         map[string]bool           // recently completed execution IDs
	graceTimers       map[string]*time.Timer    // commandID → pending grace timer
}

// NewOrchestrator creates a job orchestrator.
func NewOrchestrator(s store.Store, c *cache.Cache, bus *events.Bus, d Dispatcher, cfg config.JobsConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:             s,
		cache:             c,
		bus:               bus,
		dispatcher:        d,
		logger:            logger.With("component", "jobs"),
		maxConcurrency:    cfg.MaxConcurrency,
		grace:             cfg.DisconnectGrace.Duration,
		completedTTL:      60 * time.Second,
		jobs:              make(map[string]*jobState),
		inflight:          make(map[string]*inflightEntry),
		inflightByMachine: make(map[string][]string),
		completed:         make(map[string]bool),
		graceTimers:       make(map[string]*time.Timer),
	}
}

// CreateJob resolves targets, persists the job and one execution per target,
// and starts dispatch under the requested strategy.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*store.Job, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = "parallel"
	}
	if mode != "parallel" && mode != "rolling" {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	targets, err := o.resolveTargets(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("target resolved to zero machines")
	}

	now := time.Now()
	strategyJSON, _ := json.Marshal(req.Strategy)
	job := &store.Job{
		ID:           uuid.New().String(),
		Command:      req.Command,
		Mode:         mode,
		Status:       store.StatusPending,
		Strategy:     string(strategyJSON),
		TargetType:   req.Target.Type,
		TotalTargets: len(targets),
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	js := &jobState{
		id:       job.ID,
		command:  req.Command,
		mode:     mode,
		strategy: req.Strategy,
		execs:    make(map[string]*execMeta, len(targets)),
	}
	for _, machineID := range targets {
		exec := &store.JobExecution{
			ID:        uuid.New().String(), // doubles as the commandId on the wire
			JobID:     job.ID,
			MachineID: machineID,
			Status:    store.StatusPending,
			CreatedAt: now,
		}
		if err := o.store.CreateJobExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		js.execs[exec.ID] = &execMeta{id: exec.ID, machineID: machineID, status: store.StatusPending}
		js.queue = append(js.queue, exec.ID)
	}

	started := now
	if err := o.store.UpdateJobStatus(ctx, job.ID, store.StatusRunning, &started, nil); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	job.Status = store.StatusRunning
	job.StartedAt = &started

	metrics.JobsCreated.Inc()
	o.bus.PublishType(protocol.EventJobUpdated, job)

	o.mu.Lock()
	o.jobs[job.ID] = js
	if mode == "rolling" {
		o.launchBatch(ctx, js)
	} else {
		o.pump(ctx, js)
	}
	o.mu.Unlock()

	o.logger.Info("job created", "jobId", job.ID, "mode", mode, "targets", len(targets))
	return job, nil
}

// effectiveConcurrency caps the per-job concurrency at the global limit.
func (o *Orchestrator) effectiveConcurrency(js *jobState) int {
	c := js.strategy.Concurrency
	if c <= 0 || c > o.maxConcurrency {
		c = o.maxConcurrency
	}
	return c
}

// pump fills the parallel in-flight set from the queue. Caller holds o.mu.
func (o *Orchestrator) pump(ctx context.Context, js *jobState) {
	limit := o.effectiveConcurrency(js)
	for js.running < limit && len(js.queue) > 0 && !js.aborted {
		execID := js.queue[0]
		js.queue = js.queue[1:]
		if o.dispatchOne(ctx, js, execID) {
			js.running++
		}
	}
	o.maybeFinalize(ctx, js)
}

// batchCount returns the rolling batch size for a job. An unset strategy
// rolls one machine at a time.
func (js *jobState) batchCount(total int) int {
	if js.strategy.BatchSize > 0 {
		return js.strategy.BatchSize
	}
	if js.strategy.BatchPercent > 0 {
		n := int(float64(total) * js.strategy.BatchPercent / 100)
		if n < 1 {
			n = 1
		}
		return n
	}
	return 1
}

// launchBatch dispatches the next rolling batch. Caller holds o.mu.
func (o *Orchestrator) launchBatch(ctx context.Context, js *jobState) {
	if js.aborted || js.finalized {
		return
	}
	n := js.batchCount(len(js.execs))
	if n > len(js.queue) {
		n = len(js.queue)
	}
	batch := js.queue[:n]
	js.queue = js.queue[n:]

	js.batchPending = make(map[string]bool, n)
	js.batchSize = n
	js.batchFailed = 0

	for _, execID := range batch {
		if o.dispatchOne(ctx, js, execID) {
			js.running++
			js.batchPending[execID] = true
		} else {
			js.batchFailed++
		}
	}

	if len(js.batchPending) == 0 {
		o.evaluateBatch(ctx, js)
	}
}

// dispatchOne sends one execution to its agent. Returns true when the command
// is in flight; synchronous failures are recorded before returning false.
// Caller holds o.mu.
func (o *Orchestrator) dispatchOne(ctx context.Context, js *jobState, execID string) bool {
	meta := js.execs[execID]

	if !o.dispatcher.IsMachineOnline(meta.machineID) {
		o.markTerminal(ctx, js, meta, store.StatusFailed, nil, "Agent offline")
		return false
	}

	now := time.Now()
	if err := o.store.UpdateJobExecution(ctx, execID, store.StatusRunning, nil, "", &now, nil); err != nil {
		o.logger.Error("mark execution running", "executionId", execID, "error", err)
	}
	meta.status = store.StatusRunning
	o.inflight[execID] = &inflightEntry{jobID: js.id, execID: execID, machineID: meta.machineID, at: now}
	o.inflightByMachine[meta.machineID] = append(o.inflightByMachine[meta.machineID], execID)
	o.broadcastExecution(js.id, meta, nil, "")

	if err := o.dispatcher.SendCommand(ctx, meta.machineID, execID, js.command); err != nil {
		o.removeInflight(execID, meta.machineID)
		o.markTerminal(ctx, js, meta, store.StatusFailed, nil, fmt.Sprintf("dispatch refused: %v", err))
		return false
	}
	return true
}

// HandleCommandResponse implements the agent manager's command sink.
func (o *Orchestrator) HandleCommandResponse(ctx context.Context, resp *protocol.CommandResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := o.inflight[resp.CommandID]
	if entry == nil && resp.CommandID == "" {
		// Fallback 1: most recent inflight command for the machine.
		if ids := o.inflightByMachine[resp.MachineID]; len(ids) > 0 {
			entry = o.inflight[ids[len(ids)-1]]
		}
	}
	if entry == nil {
		// Fallback 2: the execution row directly, so late output is still
		// persisted after the inflight mapping is gone.
		o.persistOrphanOutput(ctx, resp)
		return
	}

	js := o.jobs[entry.jobID]
	if js == nil {
		o.persistOrphanOutput(ctx, resp)
		return
	}
	meta := js.execs[entry.execID]

	if resp.Output != "" {
		if err := o.store.AppendJobExecutionOutput(ctx, entry.execID, resp.Output); err != nil {
			o.logger.Error("append output", "executionId", entry.execID, "error", err)
		}
		o.bus.PublishType(protocol.EventJobExecutionOutput, map[string]any{
			"executionId": entry.execID,
			"jobId":       entry.jobID,
			"machineId":   entry.machineID,
			"output":      resp.Output,
		})
	}

	if !resp.Completed {
		return
	}

	status := store.StatusSuccess
	errMsg := ""
	if resp.ExitCode == nil {
		// Some agent builds omit the exit code entirely; treat as success but
		// leave a trace in the log.
		o.logger.Warn("command completed without exit code, assuming success",
			"executionId", entry.execID, "machineId", entry.machineID)
	} else if *resp.ExitCode != 0 {
		status = store.StatusFailed
		errMsg = outputTail(resp.Output)
		if errMsg == "" {
			errMsg = fmt.Sprintf("exit code %d", *resp.ExitCode)
		}
	}

	o.removeInflight(entry.execID, entry.machineID)
	if t, ok := o.graceTimers[entry.execID]; ok {
		t.Stop()
		delete(o.graceTimers, entry.execID)
	}
	o.completed[entry.execID] = true
	time.AfterFunc(o.completedTTL, func() {
		o.mu.Lock()
		delete(o.completed, entry.execID)
		o.mu.Unlock()
	})

	js.running--
	o.markTerminal(ctx, js, meta, status, resp.ExitCode, errMsg)
	o.advance(ctx, js, entry.execID)
}

func (o *Orchestrator) persistOrphanOutput(ctx context.Context, resp *protocol.CommandResponse) {
	if resp.CommandID == "" {
		return
	}
	exec, err := o.store.GetJobExecutionByCommandID(ctx, resp.CommandID)
	if err != nil || exec == nil {
		return
	}
	if resp.Output != "" {
		_ = o.store.AppendJobExecutionOutput(ctx, exec.ID, resp.Output)
	}
}

// AgentConnected implements the agent manager's command sink.
func (o *Orchestrator) AgentConnected(machineID string) {}

// AgentDisconnected arms the grace timer for each inflight command owned by
// the machine. Executions that complete before the timer fires are untouched;
// the rest are failed. This avoids false failures when completion and
// disconnect interleave.
func (o *Orchestrator) AgentDisconnected(machineID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, execID := range o.inflightByMachine[machineID] {
		id := execID
		if _, armed := o.graceTimers[id]; armed {
			continue
		}
		o.graceTimers[id] = time.AfterFunc(o.grace, func() {
			o.onGraceExpired(id)
		})
	}
}

func (o *Orchestrator) onGraceExpired(execID string) {
	ctx := context.Background()
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.graceTimers, execID)
	if o.completed[execID] {
		return
	}

	entry := o.inflight[execID]
	if entry == nil {
		return
	}

	// The response may have been handled by another path; trust the store.
	exec, err := o.store.GetJobExecution(ctx, execID)
	if err == nil && exec != nil && isTerminal(exec.Status) {
		o.removeInflight(execID, entry.machineID)
		return
	}

	js := o.jobs[entry.jobID]
	if js == nil {
		o.removeInflight(execID, entry.machineID)
		return
	}

	o.removeInflight(execID, entry.machineID)
	js.running--
	o.markTerminal(ctx, js, js.execs[execID], store.StatusFailed, nil, "Agent disconnected")
	o.advance(ctx, js, execID)
}

// AbortJob stops dispatch: queued executions are skipped, inflight ones are
// left to complete naturally, and the job goes terminal immediately.
func (o *Orchestrator) AbortJob(ctx context.Context, jobID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	js := o.jobs[jobID]
	if js == nil {
		return fmt.Errorf("job %q is not active", jobID)
	}
	if reason == "" {
		reason = "aborted by operator"
	}

	o.abortRemainder(ctx, js, reason)
	o.logger.Info("job aborted", "jobId", jobID, "reason", reason, "inflight", js.running)
	return nil
}

// advance moves the job forward after an execution goes terminal. Caller
// holds o.mu; js.running has already been decremented.
func (o *Orchestrator) advance(ctx context.Context, js *jobState, execID string) {
	if js.mode == "rolling" && js.batchPending[execID] {
		delete(js.batchPending, execID)
		if js.execs[execID].status == store.StatusFailed {
			js.batchFailed++
		}
		if len(js.batchPending) == 0 {
			o.evaluateBatch(ctx, js)
			return
		}
	}
	if js.mode == "parallel" {
		o.pump(ctx, js)
		return
	}
	o.maybeFinalize(ctx, js)
}

// evaluateBatch runs after every member of the current rolling batch is
// terminal. Caller holds o.mu.
func (o *Orchestrator) evaluateBatch(ctx context.Context, js *jobState) {
	if js.aborted || js.finalized {
		o.maybeFinalize(ctx, js)
		return
	}

	if js.strategy.StopOnFailurePercent > 0 && js.batchSize > 0 {
		rate := float64(js.batchFailed) / float64(js.batchSize) * 100
		if rate > js.strategy.StopOnFailurePercent {
			o.logger.Warn("rolling job aborted on failure rate",
				"jobId", js.id, "failureRate", rate)
			o.abortRemainder(ctx, js, "Batch failure threshold exceeded")
			return
		}
	}

	if len(js.queue) == 0 {
		o.maybeFinalize(ctx, js)
		return
	}

	wait := time.Duration(js.strategy.WaitSeconds) * time.Second
	if wait <= 0 {
		o.launchBatch(ctx, js)
		return
	}
	js.rollingTimer = time.AfterFunc(wait, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		js.rollingTimer = nil
		o.launchBatch(context.Background(), js)
	})
}

// abortRemainder skips everything still queued and puts the job into
// ABORTED. Inflight executions are left to complete naturally. Caller holds
// o.mu.
func (o *Orchestrator) abortRemainder(ctx context.Context, js *jobState, reason string) {
	js.aborted = true
	if js.rollingTimer != nil {
		js.rollingTimer.Stop()
		js.rollingTimer = nil
	}
	for _, execID := range js.queue {
		o.markTerminal(ctx, js, js.execs[execID], store.StatusSkipped, nil, reason)
	}
	js.queue = nil

	now := time.Now()
	if err := o.store.UpdateJobStatus(ctx, js.id, store.StatusAborted, nil, &now); err != nil {
		o.logger.Error("abort job", "jobId", js.id, "error", err)
	}
	js.finalized = true
	o.bus.PublishType(protocol.EventJobUpdated, map[string]any{
		"jobId":  js.id,
		"status": store.StatusAborted,
		"reason": reason,
	})
	if js.running == 0 {
		delete(o.jobs, js.id)
	}
}

// maybeFinalize closes out the job when nothing is queued or running.
// Caller holds o.mu.
func (o *Orchestrator) maybeFinalize(ctx context.Context, js *jobState) {
	if js.finalized {
		if js.running == 0 {
			delete(o.jobs, js.id)
		}
		return
	}
	if len(js.queue) > 0 || js.running > 0 {
		return
	}

	status := store.StatusSuccess
	if js.anyFailed {
		status = store.StatusFailed
	}
	now := time.Now()
	if err := o.store.UpdateJobStatus(ctx, js.id, status, nil, &now); err != nil {
		o.logger.Error("finalize job", "jobId", js.id, "error", err)
	}
	js.finalized = true
	delete(o.jobs, js.id)

	o.bus.PublishType(protocol.EventJobUpdated, map[string]any{
		"jobId":  js.id,
		"status": status,
	})
	o.logger.Info("job finished", "jobId", js.id, "status", status)
}

// markTerminal records a terminal status for one execution. Caller holds
// o.mu.
func (o *Orchestrator) markTerminal(ctx context.Context, js *jobState, meta *execMeta, status string, exitCode *int, errMsg string) {
	now := time.Now()
	if err := o.store.UpdateJobExecution(ctx, meta.id, status, exitCode, errMsg, nil, &now); err != nil {
		o.logger.Error("mark execution terminal", "executionId", meta.id, "error", err)
	}
	meta.status = status
	if status == store.StatusFailed || status == store.StatusSkipped || status == store.StatusAborted {
		js.anyFailed = true
	}
	metrics.ExecutionsFinished.WithLabelValues(status).Inc()
	o.broadcastExecution(js.id, meta, exitCode, errMsg)
}

func (o *Orchestrator) broadcastExecution(jobID string, meta *execMeta, exitCode *int, errMsg string) {
	o.bus.PublishType(protocol.EventJobExecutionUpdated, map[string]any{
		"executionId": meta.id,
		"jobId":       jobID,
		"machineId":   meta.machineID,
		"status":      meta.status,
		"exitCode":    exitCode,
		"error":       errMsg,
	})
}

func (o *Orchestrator) removeInflight(execID, machineID string) {
	delete(o.inflight, execID)
	ids := o.inflightByMachine[machineID]
	for i, id := range ids {
		if id == execID {
			o.inflightByMachine[machineID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(o.inflightByMachine[machineID]) == 0 {
		delete(o.inflightByMachine, machineID)
	}
}

// ActiveJobs returns the number of jobs still tracked in memory.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}

func isTerminal(status string) bool {
	switch status {
	case store.StatusSuccess, store.StatusFailed, store.StatusSkipped, store.StatusAborted:
		return true
	}
	return false
}

func outputTail(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= errorTailBytes {
		return s
	}
	return s[len(s)-errorTailBytes:]
}
