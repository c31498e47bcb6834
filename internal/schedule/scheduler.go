package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keel/internal/config"
	"keel/internal/event"
	"keel/internal/logging"
	"keel/internal/replay"
	"keel/internal/wal"
)

// Scheduler owns the intent projection for one workspace and drives fires.
type Scheduler struct {
	mu        sync.Mutex
	workspace string
	cfg       config.ScheduleConfig
	walCfg    config.TurnWALConfig
	events    *event.Store
	engine    *replay.Engine
	wal       *wal.Log
	executor  Executor

	intents        map[string]*Intent
	timers         map[string]*time.Timer
	fireInProgress map[string]bool
	// selfAppends counts in-flight appends by this scheduler. Listeners run
	// synchronously on the append path, so the subscription uses it to skip
	// folding its own events.
	selfAppends int
	watermark   int
	stopped     bool
	unsubscribe func()
	now         func() time.Time
}

// New builds a scheduler. Call Recover to load state and start timers.
// walLog may be nil when the turn WAL is disabled.
func New(workspace string, cfg config.ScheduleConfig, walCfg config.TurnWALConfig, events *event.Store, engine *replay.Engine, walLog *wal.Log, executor Executor) *Scheduler {
	return &Scheduler{
		workspace:      workspace,
		cfg:            cfg,
		walCfg:         walCfg,
		events:         events,
		engine:         engine,
		wal:            walLog,
		executor:       executor,
		intents:        make(map[string]*Intent),
		timers:         make(map[string]*time.Timer),
		fireInProgress: make(map[string]bool),
		now:            time.Now,
	}
}

// Stop halts timers and unsubscribes. In-flight fires finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	logging.Schedule("Scheduler stopped")
}

// Intent returns a copy of one projected intent.
func (s *Scheduler) Intent(intentID string) (*Intent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.intents[intentID]
	if !ok {
		return nil, false
	}
	return i.clone(), true
}

// Intents returns all projected intents sorted by id.
func (s *Scheduler) Intents() []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Intent, 0, len(s.intents))
	for _, i := range s.intents {
		out = append(out, i.clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].IntentID < out[b].IntentID })
	return out
}

// nowMs is the scheduler clock in ms epoch.
func (s *Scheduler) nowMs() int64 { return s.now().UnixMilli() }

// CreateIntent validates and registers a new intent, computes its first
// nextRunAt, appends intent_created, and arms the timer.
func (s *Scheduler) CreateIntent(in CreateInput) (*Intent, error) {
	if !s.cfg.Enabled {
		return nil, fmt.Errorf("state_schedule_disabled")
	}
	if err := s.validate(in); err != nil {
		return nil, err
	}
	if in.IntentID == "" {
		in.IntentID = "int-" + uuid.NewString()[:8]
	}

	now := s.nowMs()
	intent := &Intent{
		IntentID:        in.IntentID,
		ParentSessionID: in.ParentSessionID,
		Reason:          in.Reason,
		GoalRef:         in.GoalRef,
		ContinuityMode:  in.ContinuityMode,
		RunAt:           in.RunAt,
		Cron:            in.Cron,
		TimeZone:        in.TimeZone,
		MaxRuns:         in.MaxRuns,
		Status:          StatusActive,
		Convergence:     in.Convergence,
		UpdatedAt:       now,
	}
	if intent.ContinuityMode == "" {
		intent.ContinuityMode = ContinuityFresh
	}

	next, err := s.firstRunAt(intent, now)
	if err != nil {
		return nil, err
	}
	intent.NextRunAt = next

	// Duplicate check, cap check and insert under one lock so concurrent
	// creates cannot both pass the caps.
	s.mu.Lock()
	if _, exists := s.intents[in.IntentID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("conflict_intent_id_already_exists: %s", in.IntentID)
	}
	if err := s.checkCapsLocked(in.ParentSessionID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.intents[intent.IntentID] = intent
	snapshot := intent.clone()
	s.mu.Unlock()

	s.appendIntentEvent(EventIntentCreated, snapshot, nil)
	s.saveSnapshot()
	s.armTimer(snapshot.IntentID)
	logging.Schedule("Created intent %s next=%d", snapshot.IntentID, snapshot.NextRunAt)
	return snapshot, nil
}

// UpdateIntent revalidates and replaces an intent's definition. Raising
// maxRuns reactivates a converged intent. Replaying the same update is
// idempotent on the projection.
func (s *Scheduler) UpdateIntent(in CreateInput) (*Intent, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	now := s.nowMs()
	next, err := s.firstRunAt(&Intent{RunAt: in.RunAt, Cron: in.Cron, TimeZone: in.TimeZone}, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	existing, ok := s.intents[in.IntentID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("state_intent_not_found: %s", in.IntentID)
	}
	intent := existing.clone()

	intent.Reason = in.Reason
	intent.GoalRef = in.GoalRef
	if in.ContinuityMode != "" {
		intent.ContinuityMode = in.ContinuityMode
	}
	intent.RunAt = in.RunAt
	intent.Cron = in.Cron
	intent.TimeZone = in.TimeZone
	intent.Convergence = in.Convergence

	if in.MaxRuns > intent.MaxRuns && intent.Status == StatusConverged {
		// Reactivation raises the active count, so the caps apply again.
		if err := s.checkCapsLocked(intent.ParentSessionID); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		intent.Status = StatusActive
	}
	intent.MaxRuns = in.MaxRuns

	if intent.Status == StatusActive {
		intent.NextRunAt = next
		// The definition changed; queued make-up fires refer to the old one.
		intent.PendingCatchUps = nil
	}
	intent.UpdatedAt = now
	s.intents[intent.IntentID] = intent
	snapshot := intent.clone()
	s.mu.Unlock()

	s.appendIntentEvent(EventIntentUpdated, snapshot, nil)
	s.saveSnapshot()
	s.armTimer(snapshot.IntentID)
	return snapshot, nil
}

// CancelIntent deactivates an intent. An in-flight fire finishes; the
// cancellation takes effect on the next firing decision.
func (s *Scheduler) CancelIntent(intentID string) error {
	s.mu.Lock()
	intent, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("state_intent_not_found: %s", intentID)
	}
	if intent.Status != StatusActive {
		s.mu.Unlock()
		return fmt.Errorf("state_intent_not_active: %s", intentID)
	}
	intent.Status = StatusCancelled
	intent.NextRunAt = 0
	intent.PendingCatchUps = nil
	intent.UpdatedAt = s.nowMs()
	snapshot := intent.clone()
	if t, ok := s.timers[intentID]; ok {
		t.Stop()
		delete(s.timers, intentID)
	}
	s.mu.Unlock()

	s.appendIntentEvent(EventIntentCancelled, snapshot, nil)
	s.saveSnapshot()
	return nil
}

func (s *Scheduler) validate(in CreateInput) error {
	if in.ParentSessionID == "" {
		return fmt.Errorf("invalid_parent_session")
	}
	if in.Reason == "" {
		return fmt.Errorf("missing_reason")
	}
	hasRunAt := in.RunAt > 0
	hasCron := in.Cron != ""
	if hasRunAt && hasCron {
		return fmt.Errorf("conflict_runAt_and_cron_are_mutually_exclusive")
	}
	if !hasRunAt && !hasCron {
		return fmt.Errorf("invalid_runAt: exactly one of runAt or cron is required")
	}
	if in.TimeZone != "" && !hasCron {
		return fmt.Errorf("conflict_timeZone_requires_cron")
	}
	if hasCron {
		if err := ValidateCron(in.Cron); err != nil {
			return err
		}
		if in.TimeZone != "" {
			if _, err := time.LoadLocation(in.TimeZone); err != nil {
				return fmt.Errorf("invalid_time_zone: %w", err)
			}
		}
	}
	if in.ContinuityMode != "" && in.ContinuityMode != ContinuityInherit && in.ContinuityMode != ContinuityFresh {
		return fmt.Errorf("invalid_continuity_mode: %s", in.ContinuityMode)
	}
	return nil
}

func (s *Scheduler) checkCapsLocked(parentSessionID string) error {
	perSession, global := 0, 0
	for _, i := range s.intents {
		if i.Status != StatusActive {
			continue
		}
		global++
		if i.ParentSessionID == parentSessionID {
			perSession++
		}
	}
	if s.cfg.MaxActiveIntentsGlobal > 0 && global >= s.cfg.MaxActiveIntentsGlobal {
		return fmt.Errorf("limit_max_active_intents_global_exceeded")
	}
	if s.cfg.MaxActiveIntentsPerSession > 0 && perSession >= s.cfg.MaxActiveIntentsPerSession {
		return fmt.Errorf("limit_max_active_intents_per_session_exceeded")
	}
	return nil
}

// firstRunAt computes the initial nextRunAt. A runAt at or before
// now + minIntervalMs clamps up to the boundary.
func (s *Scheduler) firstRunAt(intent *Intent, now int64) (int64, error) {
	if intent.RunAt > 0 {
		earliest := now + s.cfg.MinIntervalMs
		if intent.RunAt < earliest {
			return earliest, nil
		}
		return intent.RunAt, nil
	}
	return nextCronAfter(intent.Cron, intent.TimeZone, time.UnixMilli(now))
}

func (s *Scheduler) armTimer(intentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armTimerLocked(intentID)
}

func (s *Scheduler) armTimerLocked(intentID string) {
	if t, ok := s.timers[intentID]; ok {
		t.Stop()
		delete(s.timers, intentID)
	}
	if s.stopped {
		return
	}
	intent, ok := s.intents[intentID]
	if !ok || intent.Status != StatusActive || intent.NextRunAt <= 0 {
		return
	}
	delay := time.Duration(intent.NextRunAt-s.nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timers[intentID] = time.AfterFunc(delay, func() { s.FireIntent(intentID) })
}

// armRetryLocked schedules a fire retry for a lease-held intent, floored at
// the minimum interval.
func (s *Scheduler) armRetryLocked(intentID string, delayMs int64) {
	if t, ok := s.timers[intentID]; ok {
		t.Stop()
		delete(s.timers, intentID)
	}
	if s.stopped {
		return
	}
	if delayMs < s.cfg.MinIntervalMs {
		delayMs = s.cfg.MinIntervalMs
	}
	s.timers[intentID] = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() { s.FireIntent(intentID) })
}

// FireIntent runs one fire of an intent. Serialized per intent via the
// in-progress set and the lease.
func (s *Scheduler) FireIntent(intentID string) {
	now := s.nowMs()

	s.mu.Lock()
	intent, ok := s.intents[intentID]
	if !ok || intent.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	if s.fireInProgress[intentID] || intent.LeaseUntilMs > now {
		// Another fire holds the intent; retry once the lease lapses. The
		// stale nextRunAt is already due, so re-arming from it would spin.
		s.armRetryLocked(intentID, intent.LeaseUntilMs-now)
		s.mu.Unlock()
		return
	}
	s.fireInProgress[intentID] = true
	intent.LeaseUntilMs = now + s.cfg.LeaseDurationMs
	runIndex := intent.RunCount + 1
	working := intent.clone()
	s.mu.Unlock()

	s.saveSnapshot()

	var walID string
	if s.wal != nil && s.walCfg.Enabled {
		dedupe := fmt.Sprintf("schedule:%s:%d", intentID, runIndex)
		rec, err := s.wal.AppendPending(map[string]interface{}{
			"schema":   SchemaWakeup,
			"intentId": intentID,
			"runIndex": runIndex,
		}, wal.SourceSchedule, wal.AppendOptions{
			TTLMs:     s.walCfg.ScheduleTurnTTLMs,
			DedupeKey: dedupe,
			SessionID: working.ParentSessionID,
		})
		if err != nil {
			logging.Schedule("WAL append failed for %s: %v", intentID, err)
		} else {
			walID = rec.WALID
			_ = s.wal.MarkInflight(walID)
		}
	}

	wakeup := BuildWakeupMessage(working, runIndex, s.wakeupContext(working))
	result, execErr := s.executor(*working, wakeup)

	if execErr != nil {
		s.finishFireError(intentID, walID, runIndex, execErr)
	} else {
		s.finishFireSuccess(intentID, walID, runIndex, result)
	}
}

func (s *Scheduler) finishFireError(intentID, walID string, runIndex int, execErr error) {
	if walID != "" {
		_ = s.wal.MarkFailed(walID, execErr.Error())
	}
	now := s.nowMs()

	s.mu.Lock()
	intent := s.intents[intentID]
	intent.ConsecutiveErrors++
	intent.LastError = execErr.Error()
	intent.LeaseUntilMs = 0
	circuitOpen := s.cfg.MaxConsecutiveErrors > 0 && intent.ConsecutiveErrors >= s.cfg.MaxConsecutiveErrors
	if circuitOpen {
		intent.NextRunAt = 0
		intent.PendingCatchUps = nil
		intent.Status = StatusError
	} else {
		intent.NextRunAt = now + s.backoff(intent.ConsecutiveErrors)
	}
	intent.UpdatedAt = now
	snapshot := intent.clone()
	delete(s.fireInProgress, intentID)
	s.mu.Unlock()

	s.appendIntentEvent(EventIntentFired, snapshot, map[string]interface{}{
		"runIndex": runIndex,
		"error":    execErr.Error(),
	})
	if circuitOpen {
		s.appendIntentEvent(EventIntentCancelled, snapshot, map[string]interface{}{
			"error": "circuit_open:" + execErr.Error(),
		})
		logging.Schedule("Circuit opened on intent %s after %d errors", intentID, snapshot.ConsecutiveErrors)
	}
	s.saveSnapshot()
	s.armTimer(intentID)
}

func (s *Scheduler) finishFireSuccess(intentID, walID string, runIndex int, result ExecuteResult) {
	if walID != "" {
		_ = s.wal.MarkDone(walID)
	}
	now := s.nowMs()

	s.mu.Lock()
	intent := s.intents[intentID]
	intent.RunCount = runIndex
	intent.ConsecutiveErrors = 0
	intent.LastError = ""
	intent.LeaseUntilMs = 0
	intent.LastEvaluationSessionID = result.EvaluationSessionID
	working := intent.clone()
	s.mu.Unlock()

	converged := s.isConverged(working, result.EvaluationSessionID)

	s.mu.Lock()
	intent = s.intents[intentID]
	if intent.Status != StatusActive {
		// Cancelled while the fire was in flight; that decision stands.
		converged = false
	}
	var next int64
	if intent.Status == StatusActive {
		if !converged {
			if len(intent.PendingCatchUps) > 0 {
				// Drain one queued make-up fire before the regular schedule.
				next = intent.PendingCatchUps[0]
				intent.PendingCatchUps = intent.PendingCatchUps[1:]
				if earliest := now + s.cfg.MinIntervalMs; next < earliest {
					next = earliest
				}
			} else {
				next = s.nextAfterFire(working, result, now)
				// One-shot intents with no follow-up are done.
				if next == 0 && working.Cron == "" {
					converged = true
				}
			}
		}
		if converged {
			intent.Status = StatusConverged
			intent.PendingCatchUps = nil
			next = 0
		}
		intent.NextRunAt = next
	}
	intent.UpdatedAt = now
	snapshot := intent.clone()
	delete(s.fireInProgress, intentID)
	s.mu.Unlock()

	if result.EvaluationSessionID != "" {
		s.appendTo(result.EvaluationSessionID, EventWakeup, map[string]interface{}{
			"schema":   SchemaWakeup,
			"intentId": intentID,
			"runIndex": runIndex,
		})
	}
	payload := map[string]interface{}{"runIndex": runIndex}
	if next > 0 {
		payload["nextRunAt"] = next
	}
	s.appendIntentEvent(EventIntentFired, snapshot, payload)
	if converged {
		s.appendIntentEvent(EventIntentConverged, snapshot, map[string]interface{}{"runIndex": runIndex})
	}
	s.saveSnapshot()
	s.armTimer(intentID)
	logging.Schedule("Fired intent %s run=%d next=%d converged=%v", intentID, runIndex, next, converged)
}

// nextAfterFire computes the follow-up fire time: the cron's next match
// after now + minInterval - 1ms, or the executor's override clamped to the
// minimum interval. One-shot runAt intents have no follow-up.
func (s *Scheduler) nextAfterFire(intent *Intent, result ExecuteResult, now int64) int64 {
	earliest := now + s.cfg.MinIntervalMs
	if result.NextRunAt > 0 {
		if result.NextRunAt < earliest {
			return earliest
		}
		return result.NextRunAt
	}
	if intent.Cron != "" {
		next, err := nextCronAfter(intent.Cron, intent.TimeZone, time.UnixMilli(earliest-1))
		if err != nil {
			logging.Schedule("Cron next-match failed for %s: %v", intent.IntentID, err)
			return 0
		}
		return next
	}
	return 0
}

func (s *Scheduler) backoff(errors int) int64 {
	base := s.cfg.BackoffBaseMs
	if base <= 0 {
		base = s.cfg.MinIntervalMs
	}
	delay := base
	for i := 1; i < errors; i++ {
		delay *= 2
		if s.cfg.BackoffCapMs > 0 && delay >= s.cfg.BackoffCapMs {
			return s.cfg.BackoffCapMs
		}
	}
	if s.cfg.BackoffCapMs > 0 && delay > s.cfg.BackoffCapMs {
		delay = s.cfg.BackoffCapMs
	}
	return delay
}

// isConverged evaluates the convergence predicate against the evaluation
// session's state, plus the implicit maxRuns limit.
func (s *Scheduler) isConverged(intent *Intent, evalSessionID string) bool {
	if intent.MaxRuns > 0 && intent.RunCount >= intent.MaxRuns {
		return true
	}
	if intent.Convergence == nil {
		return false
	}
	return s.evalConvergence(intent.Convergence, intent, evalSessionID)
}

func (s *Scheduler) evalConvergence(c *Convergence, intent *Intent, evalSessionID string) bool {
	switch c.Kind {
	case ConvergeTruthResolved:
		if evalSessionID == "" {
			return false
		}
		truth, err := s.engine.TruthState(evalSessionID)
		if err != nil {
			return false
		}
		f, ok := truth.Facts[c.FactID]
		return ok && f.Status == replay.FactResolved
	case ConvergeTaskPhase:
		if evalSessionID == "" {
			return false
		}
		task, err := s.engine.TaskState(evalSessionID)
		if err != nil {
			return false
		}
		return task.Status.Phase == c.Phase
	case ConvergeMaxRuns:
		return intent.RunCount >= c.Limit
	case ConvergeAllOf:
		for i := range c.Children {
			if !s.evalConvergence(&c.Children[i], intent, evalSessionID) {
				return false
			}
		}
		return len(c.Children) > 0
	case ConvergeAnyOf:
		for i := range c.Children {
			if s.evalConvergence(&c.Children[i], intent, evalSessionID) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// wakeupContext gathers parent-session state for the wakeup block.
func (s *Scheduler) wakeupContext(intent *Intent) WakeupContext {
	var wctx WakeupContext
	if intent.ContinuityMode != ContinuityInherit {
		return wctx
	}
	if task, err := s.engine.TaskState(intent.ParentSessionID); err == nil {
		wctx.InheritedTaskSpec = task.Spec != nil
	}
	if truth, err := s.engine.TruthState(intent.ParentSessionID); err == nil {
		wctx.InheritedTruthFacts = len(truth.ActiveFacts())
	}
	if tape, err := s.engine.TapeStatus(intent.ParentSessionID); err == nil && tape.LastAnchor != nil {
		wctx.AnchorID = tape.LastAnchor.ID
		wctx.AnchorName = tape.LastAnchor.Name
		wctx.AnchorSummary = tape.LastAnchor.Summary
		wctx.AnchorNextSteps = tape.LastAnchor.NextSteps
	}
	return wctx
}

// appendIntentEvent records an intent transition on the parent session. The
// payload always carries the full projected intent so recovery can fold by
// replacement.
func (s *Scheduler) appendIntentEvent(eventType string, intent *Intent, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"schema":   SchemaSchedule,
		"intentId": intent.IntentID,
		"intent":   replay.EncodePayload(intent),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.appendTo(intent.ParentSessionID, eventType, payload)
}

func (s *Scheduler) appendTo(sessionID, eventType string, payload map[string]interface{}) {
	s.mu.Lock()
	s.selfAppends++
	s.mu.Unlock()
	_, err := s.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
	})
	s.mu.Lock()
	s.selfAppends--
	s.mu.Unlock()
	if err != nil && err != event.ErrStoreDisabled {
		logging.Schedule("Failed to append %s: %v", eventType, err)
	}
}

// decodeIntent rebuilds an Intent from an event payload's "intent" object.
func decodeIntent(payload map[string]interface{}) *Intent {
	raw, ok := payload["intent"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil
	}
	if intent.IntentID == "" {
		return nil
	}
	return &intent
}

// isIntentEvent reports whether an event carries a full intent projection
// in its payload and therefore folds on replay.
func isIntentEvent(eventType string) bool {
	switch eventType {
	case EventIntentCreated, EventIntentUpdated, EventIntentCancelled,
		EventIntentFired, EventIntentConverged, EventRecoveryDeferred:
		return true
	default:
		return false
	}
}
