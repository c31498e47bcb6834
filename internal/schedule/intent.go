// Package schedule fires scheduled intents: one-shot (runAt) or recurring
// (cron + time zone) rules owned by a parent session. Fires are serialized
// per intent by a lease plus an in-progress set, errors back off
// exponentially until a circuit opens, and the projection is rebuilt from
// schedule events on recovery.
package schedule

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Canonical schema names.
const (
	SchemaSchedule   = "keel.schedule.v1"
	SchemaProjection = "keel.schedule.projection.v1"
	SchemaWakeup     = "keel.schedule-wakeup.v1"
	SchemaRecovery   = "keel.schedule-recovery.v1"
)

// Event types emitted by the scheduler.
const (
	EventIntentCreated    = "schedule_intent_created"
	EventIntentUpdated    = "schedule_intent_updated"
	EventIntentCancelled  = "schedule_intent_cancelled"
	EventIntentFired      = "schedule_intent_fired"
	EventIntentConverged  = "schedule_intent_converged"
	EventWakeup           = "schedule_wakeup"
	EventRecoveryDeferred = "schedule_recovery_deferred"
	EventRecoverySummary  = "schedule_recovery_summary"
)

// Intent statuses.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusConverged = "converged"
	StatusError     = "error"
)

// Continuity modes for child sessions.
const (
	ContinuityInherit = "inherit"
	ContinuityFresh   = "fresh"
)

// Convergence condition kinds.
const (
	ConvergeTruthResolved = "truth_resolved"
	ConvergeTaskPhase     = "task_phase"
	ConvergeMaxRuns       = "max_runs"
	ConvergeAllOf         = "all_of"
	ConvergeAnyOf         = "any_of"
)

// Convergence is the sum-type predicate that terminates a recurring intent.
type Convergence struct {
	Kind     string        `json:"kind"`
	FactID   string        `json:"factId,omitempty"`
	Phase    string        `json:"phase,omitempty"`
	Limit    int           `json:"limit,omitempty"`
	Children []Convergence `json:"children,omitempty"`
}

// Intent is the projected state of one scheduled firing rule.
type Intent struct {
	IntentID        string `json:"intentId"`
	ParentSessionID string `json:"parentSessionId"`
	Reason          string `json:"reason"`
	GoalRef         string `json:"goalRef,omitempty"`
	ContinuityMode  string `json:"continuityMode"`

	// Exactly one of RunAt or Cron is set.
	RunAt    int64  `json:"runAt,omitempty"` // ms epoch
	Cron     string `json:"cron,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`

	MaxRuns   int   `json:"maxRuns,omitempty"` // 0 = unlimited
	RunCount  int   `json:"runCount"`
	NextRunAt int64 `json:"nextRunAt,omitempty"` // 0 = no next fire

	// PendingCatchUps are missed fire times queued at recovery, drained one
	// per fire before the regular schedule resumes.
	PendingCatchUps []int64 `json:"pendingCatchUps,omitempty"`

	Status      string       `json:"status"`
	Convergence *Convergence `json:"convergenceCondition,omitempty"`

	ConsecutiveErrors       int    `json:"consecutiveErrors"`
	LeaseUntilMs            int64  `json:"leaseUntilMs,omitempty"`
	LastError               string `json:"lastError,omitempty"`
	LastEvaluationSessionID string `json:"lastEvaluationSessionId,omitempty"`
	UpdatedAt               int64  `json:"updatedAt"`
	EventOffset             int    `json:"eventOffset,omitempty"`
}

func (i *Intent) clone() *Intent {
	out := *i
	if i.Convergence != nil {
		c := *i.Convergence
		out.Convergence = &c
	}
	if len(i.PendingCatchUps) > 0 {
		out.PendingCatchUps = append([]int64(nil), i.PendingCatchUps...)
	}
	return &out
}

// CreateInput is the user-facing intent definition.
type CreateInput struct {
	IntentID        string
	ParentSessionID string
	Reason          string
	GoalRef         string
	ContinuityMode  string
	RunAt           int64
	Cron            string
	TimeZone        string
	MaxRuns         int
	Convergence     *Convergence
}

// ExecuteResult is what the intent executor reports back.
type ExecuteResult struct {
	EvaluationSessionID string
	// NextRunAt optionally overrides the next fire time (clamped to the
	// minimum interval).
	NextRunAt int64
}

// Executor runs one fire: typically creates a child session, injects the
// wakeup block, and waits for the agent to go idle.
type Executor func(intent Intent, wakeup string) (ExecuteResult, error)

func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// WakeupContext carries the parent-session state inherited into the block.
type WakeupContext struct {
	InheritedTaskSpec   bool
	InheritedTruthFacts int
	AnchorID            string
	AnchorName          string
	AnchorSummary       string
	AnchorNextSteps     string
}

// BuildWakeupMessage renders the textual block passed into the child session.
func BuildWakeupMessage(intent *Intent, runIndex int, wctx WakeupContext) string {
	var b strings.Builder
	b.WriteString("[Schedule Wakeup]\n")
	fmt.Fprintf(&b, "intent_id: %s\n", intent.IntentID)
	fmt.Fprintf(&b, "parent_session_id: %s\n", intent.ParentSessionID)
	fmt.Fprintf(&b, "run_index: %d\n", runIndex)
	fmt.Fprintf(&b, "reason: %s\n", intent.Reason)
	fmt.Fprintf(&b, "continuity_mode: %s\n", intent.ContinuityMode)
	fmt.Fprintf(&b, "time_zone: %s\n", orNone(intent.TimeZone))
	fmt.Fprintf(&b, "goal_ref: %s\n", orNone(intent.GoalRef))
	if wctx.InheritedTaskSpec {
		b.WriteString("inherited_task_spec: yes\n")
	} else {
		b.WriteString("inherited_task_spec: no\n")
	}
	fmt.Fprintf(&b, "inherited_truth_facts: %d\n", wctx.InheritedTruthFacts)
	fmt.Fprintf(&b, "parent_anchor_id: %s\n", orNone(wctx.AnchorID))
	fmt.Fprintf(&b, "parent_anchor_name: %s\n", orNone(wctx.AnchorName))
	fmt.Fprintf(&b, "parent_anchor_summary: %s\n", orNone(truncateField(wctx.AnchorSummary, 320)))
	fmt.Fprintf(&b, "parent_anchor_next_steps: %s\n", orNone(truncateField(wctx.AnchorNextSteps, 320)))
	b.WriteString("Please continue the task from this wakeup context and produce concrete progress.")
	return b.String()
}

// nextCronAfter computes the next cron match strictly after the base
// instant, in the intent's time zone. DST gaps are handled by the calendar
// arithmetic of the cron library: skipped local times roll forward.
func nextCronAfter(expr, timeZone string, after time.Time) (int64, error) {
	sched, err := parseCron(expr)
	if err != nil {
		return 0, err
	}
	loc := time.UTC
	if timeZone != "" {
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return 0, fmt.Errorf("invalid_time_zone: %w", err)
		}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return 0, nil
	}
	return next.UnixMilli(), nil
}
