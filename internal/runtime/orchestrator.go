// Package runtime is the orchestrator: it owns the per-session caches and
// drives the tool-call lifecycle across the event store, evidence ledger,
// replay projections, file-change tracker, budget manager, skill registry,
// verification gate, and cost tracker.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"keel/internal/budget"
	"keel/internal/config"
	"keel/internal/cost"
	"keel/internal/event"
	"keel/internal/inject"
	"keel/internal/ledger"
	"keel/internal/logging"
	"keel/internal/patch"
	"keel/internal/replay"
	"keel/internal/skill"
	"keel/internal/verify"
)

// Lifecycle event types emitted by the orchestrator.
const (
	EventToolCall        = "tool_call"
	EventToolCallBlocked = "tool_call_blocked"
	EventToolResult      = "tool_result_recorded"
	EventSnapshotTaken   = "file_snapshot_captured"
	EventPatchRecorded   = "patch_recorded"
	EventPatchRolledBack = "patch_rolled_back"
	EventLedgerCompacted = "ledger_compacted"
	EventGateArmed       = "context_compaction_gate_armed"
	EventGateBlockedTool = "context_compaction_gate_blocked_tool"
	EventCompacted       = "context_compacted"
	EventVerification    = "verification_result"
	EventCostAlert       = "cost_alert"
	EventSessionShutdown = "session_shutdown"
)

// Orchestrator wires the core subsystems together for one workspace.
type Orchestrator struct {
	mu        sync.Mutex
	workspace string
	cfg       *config.Config

	events  *event.Store
	ledger  *ledger.Store
	engine  *replay.Engine
	tracker *patch.Tracker
	budget  *budget.Manager
	skills  *skill.Registry
	gate    *verify.Gate
	cost    *cost.Tracker
	planner *inject.Planner

	// calls holds the per-session tool-call state machines, keyed by
	// sessionId then toolCallId.
	calls map[string]map[string]*toolCall
	// turns tracks finished tool-call counts per session for periodic
	// ledger compaction.
	finished    map[string]int
	unsubscribe func()
}

// New builds the orchestrator and all the subsystems it owns.
func New(workspace string, cfg *config.Config) (*Orchestrator, error) {
	events, err := event.NewStore(workspace, cfg.Events.Enabled, cfg.Events.TailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	led, err := ledger.NewStore(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	engine := replay.NewEngine(events, replay.TapeThresholds{
		Low:    cfg.Tape.TapePressureThresholds.Low,
		Medium: cfg.Tape.TapePressureThresholds.Medium,
		High:   cfg.Tape.TapePressureThresholds.High,
	})
	tracker := patch.NewTracker(workspace, patch.Config{
		MutationTools: cfg.Patch.MutationTools,
		MaxDiffBytes:  cfg.Patch.MaxDiffBytes,
		HistoryLimit:  cfg.Patch.HistoryLimit,
	})
	bud := budget.NewManager(budget.Config{
		Enabled:                    cfg.Infrastructure.ContextBudget.Enabled,
		MaxInjectionTokens:         cfg.Infrastructure.ContextBudget.MaxInjectionTokens,
		CompactionThresholdPercent: cfg.Infrastructure.ContextBudget.CompactionThresholdPercent,
		HardLimitPercent:           cfg.Infrastructure.ContextBudget.HardLimitPercent,
		TruncationStrategy:         cfg.Infrastructure.ContextBudget.TruncationStrategy,
		CompactionInstructions:     cfg.Infrastructure.ContextBudget.CompactionInstructions,
		MinTurnsBetweenCompaction:  cfg.Infrastructure.ContextBudget.MinTurnsBetweenCompaction,
	})
	costTracker, err := cost.NewTracker(workspace, cfg.Cost)
	if err != nil {
		return nil, fmt.Errorf("failed to open cost tracker: %w", err)
	}
	contracts, err := skill.LoadContracts(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load skill contracts: %w", err)
	}
	skills := skill.NewRegistry(contracts, cfg.Security, cfg.Parallel, costTracker)
	gate := verify.NewGate(workspace, cfg.Verification, events)
	planner := inject.NewPlanner(workspace, inject.Config{
		Sanitize:     cfg.Security.SanitizeContext,
		TopKSkills:   3,
		DigestWindow: cfg.Ledger.DigestWindow,
	}, events, engine, led, skills, bud)

	o := &Orchestrator{
		workspace: workspace,
		cfg:       cfg,
		events:    events,
		ledger:    led,
		engine:    engine,
		tracker:   tracker,
		budget:    bud,
		skills:    skills,
		gate:      gate,
		cost:      costTracker,
		planner:   planner,
		calls:     make(map[string]map[string]*toolCall),
		finished:  make(map[string]int),
	}

	costTracker.SetAlertFunc(func(sessionID string, threshold, usd float64) {
		o.appendEvent(sessionID, EventCostAlert, 0, map[string]interface{}{
			"threshold": threshold,
			"usd":       usd,
		})
	})
	o.unsubscribe = events.Subscribe(func(rec event.Record) {
		if rec.Type == EventSessionShutdown {
			o.ClearSessionState(rec.SessionID)
		}
	})
	return o, nil
}

// Accessors for collaborators that drive the runtime from outside.

func (o *Orchestrator) Events() *event.Store     { return o.events }
func (o *Orchestrator) Ledger() *ledger.Store    { return o.ledger }
func (o *Orchestrator) Engine() *replay.Engine   { return o.engine }
func (o *Orchestrator) Budget() *budget.Manager  { return o.budget }
func (o *Orchestrator) Skills() *skill.Registry  { return o.skills }
func (o *Orchestrator) Gate() *verify.Gate       { return o.gate }
func (o *Orchestrator) Cost() *cost.Tracker      { return o.cost }
func (o *Orchestrator) Planner() *inject.Planner { return o.planner }
func (o *Orchestrator) Tracker() *patch.Tracker  { return o.tracker }

// Close flushes and releases everything the orchestrator owns.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	_ = o.cost.Save()
	o.ledger.Close()
	o.events.Close()
	logging.Runtime("Orchestrator closed for %s", o.workspace)
}

func (o *Orchestrator) appendEvent(sessionID, eventType string, turn int, payload map[string]interface{}) {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      eventType,
		Turn:      turn,
		Payload:   payload,
	}); err != nil && err != event.ErrStoreDisabled {
		logging.Runtime("Failed to append %s event: %v", eventType, err)
	}
}

// RecordEvent appends an arbitrary typed event to a session's log. Harness
// callers use it for event types the orchestrator has no dedicated
// operation for (message updates, channel markers).
func (o *Orchestrator) RecordEvent(sessionID, eventType string, turn int, payload map[string]interface{}) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      eventType,
		Turn:      turn,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

// BeginTurn starts a session turn: resets per-turn reservations and returns
// the turn index back for convenience.
func (o *Orchestrator) BeginTurn(sessionID string, turn int) int {
	o.budget.BeginTurn(sessionID, turn)
	return turn
}

// SetTaskSpec records the session's task spec on the event log.
func (o *Orchestrator) SetTaskSpec(sessionID string, spec replay.TaskSpec, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventSpecSet,
		Turn:      turn,
		Payload:   replay.EncodePayload(spec),
	}); err != nil {
		return fmt.Errorf("failed to set task spec: %w", err)
	}
	return nil
}

// AddTaskItem appends one ordered todo entry.
func (o *Orchestrator) AddTaskItem(sessionID string, item replay.TaskItem, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventItemAdded,
		Turn:      turn,
		Payload:   replay.EncodePayload(item),
	}); err != nil {
		return fmt.Errorf("failed to add task item: %w", err)
	}
	return nil
}

// UpdateTaskItem changes an item's state or text.
func (o *Orchestrator) UpdateTaskItem(sessionID string, item replay.TaskItem, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventItemUpdated,
		Turn:      turn,
		Payload:   replay.EncodePayload(item),
	}); err != nil {
		return fmt.Errorf("failed to update task item: %w", err)
	}
	return nil
}

// UpsertFact records or refreshes a truth fact.
func (o *Orchestrator) UpsertFact(sessionID string, fact replay.Fact, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventFactUpserted,
		Turn:      turn,
		Payload:   replay.EncodePayload(fact),
	}); err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

// ResolveFact marks a truth fact resolved.
func (o *Orchestrator) ResolveFact(sessionID, factID string, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventFactResolved,
		Turn:      turn,
		Payload:   map[string]interface{}{"id": factID},
	}); err != nil {
		return fmt.Errorf("failed to resolve fact: %w", err)
	}
	return nil
}

// WriteAnchor records a named handoff point on the session tape.
func (o *Orchestrator) WriteAnchor(sessionID string, anchor replay.Anchor, turn int) error {
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventTapeAnchor,
		Turn:      turn,
		Payload:   replay.EncodePayload(anchor),
	}); err != nil {
		return fmt.Errorf("failed to write anchor: %w", err)
	}
	logging.Runtime("Anchor %q written on session %s", anchor.Name, sessionID)
	return nil
}

// MaybeCheckpointTape emits a tape_checkpoint event carrying the full
// Task+Truth snapshot once enough entries accumulated since the last one.
func (o *Orchestrator) MaybeCheckpointTape(sessionID string, turn int) (bool, error) {
	tape, err := o.engine.TapeStatus(sessionID)
	if err != nil {
		return false, err
	}
	interval := o.cfg.Tape.CheckpointIntervalEntries
	if interval <= 0 || tape.EntriesSinceCheckpoint < interval {
		return false, nil
	}
	snapshot, err := o.engine.Snapshot(sessionID)
	if err != nil {
		return false, err
	}
	if _, err := o.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventTapeCheckpoint,
		Turn:      turn,
		Payload:   replay.EncodePayload(snapshot),
	}); err != nil {
		return false, fmt.Errorf("failed to checkpoint tape: %w", err)
	}
	logging.Runtime("Tape checkpoint on session %s after %d entries", sessionID, tape.EntriesSinceCheckpoint)
	return true, nil
}

// BuildInjection plans the hidden context block for the next prompt.
func (o *Orchestrator) BuildInjection(sessionID, scopeID, prompt string, usage budget.Usage, turn int) (inject.Plan, error) {
	o.budget.ObserveUsage(sessionID, usage)
	return o.planner.BuildInjection(sessionID, scopeID, prompt, usage, turn)
}

// VerifyCompletion runs the verification gate, mirrors failing checks into
// blockers, and records the result on the event log.
func (o *Orchestrator) VerifyCompletion(ctx context.Context, sessionID, level string, executeCommands bool, turn int) (verify.Result, error) {
	if level == "" {
		level = o.cfg.Verification.DefaultLevel
	}
	result := o.gate.VerifyCompletion(ctx, sessionID, level, executeCommands)
	if err := o.gate.SyncVerificationBlockers(sessionID, turn); err != nil {
		return result, err
	}
	o.appendEvent(sessionID, EventVerification, turn, map[string]interface{}{
		"level":           level,
		"passed":          result.Passed,
		"missingEvidence": result.MissingEvidence,
	})
	return result, nil
}

// MarkCompacted records a completed context compaction: clears the gate and
// appends a context_compacted event carrying the summary.
func (o *Orchestrator) MarkCompacted(sessionID, summary string, turn int) {
	o.budget.MarkCompacted(sessionID)
	o.appendEvent(sessionID, EventCompacted, turn, map[string]interface{}{"summary": summary})
}

// RollbackLastPatchSet undoes the newest patch set and records the outcome.
func (o *Orchestrator) RollbackLastPatchSet(sessionID string, turn int) patch.RollbackResult {
	result := o.tracker.RollbackLast(sessionID)
	if result.OK {
		o.appendEvent(sessionID, EventPatchRolledBack, turn, map[string]interface{}{
			"patchSetId":    result.PatchSetID,
			"restoredPaths": result.RestoredPaths,
			"failedPaths":   result.FailedPaths,
		})
	}
	return result
}

// ClearSessionState tears down every transient per-session structure. The
// event log and ledger survive.
func (o *Orchestrator) ClearSessionState(sessionID string) {
	o.mu.Lock()
	delete(o.calls, sessionID)
	delete(o.finished, sessionID)
	o.mu.Unlock()

	o.budget.ClearSession(sessionID)
	o.skills.ClearSession(sessionID)
	o.gate.ClearSession(sessionID)
	o.planner.ClearSession(sessionID)
	o.engine.Invalidate(sessionID)
	o.events.ClearSessionCache(sessionID)
	logging.Runtime("Cleared session state for %s", sessionID)
}
