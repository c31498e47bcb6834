// Package replay folds a session's event stream into durable projections:
// task state, truth facts, and tape status. Folds are pure; the engine adds
// memoization keyed on the session's head event id.
package replay

// Task phases and health values folded from task_ledger events.
const (
	PhaseAlign       = "align"
	PhaseInvestigate = "investigate"
	PhaseExecute     = "execute"
	PhaseVerify      = "verify"
	PhaseBlocked     = "blocked"
	PhaseDone        = "done"

	HealthOK                 = "ok"
	HealthNeedsSpec          = "needs_spec"
	HealthBlocked            = "blocked"
	HealthVerificationFailed = "verification_failed"
	HealthBudgetPressure     = "budget_pressure"
	HealthUnknown            = "unknown"
)

// TaskSpec captures the goal of the session's task.
type TaskSpec struct {
	Goal              string   `json:"goal"`
	TargetFiles       []string `json:"targetFiles,omitempty"`
	TargetSymbols     []string `json:"targetSymbols,omitempty"`
	Constraints       []string `json:"constraints,omitempty"`
	VerificationLevel string   `json:"verificationLevel,omitempty"`
}

// TaskStatus is the folded phase/health snapshot.
type TaskStatus struct {
	Phase        string   `json:"phase"`
	Health       string   `json:"health"`
	Reason       string   `json:"reason,omitempty"`
	TruthFactIDs []string `json:"truthFactIds,omitempty"`
}

// ItemState values for task items.
const (
	ItemTodo    = "todo"
	ItemDoing   = "doing"
	ItemDone    = "done"
	ItemBlocked = "blocked"
)

// TaskItem is one ordered todo entry.
type TaskItem struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	State string `json:"state"`
}

// Blocker is an open obstruction on the task.
type Blocker struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Source      string `json:"source,omitempty"`
	TruthFactID string `json:"truthFactId,omitempty"`
}

// TaskState is the projection folded from task_ledger events.
type TaskState struct {
	Spec     *TaskSpec  `json:"spec,omitempty"`
	Status   TaskStatus `json:"status"`
	Items    []TaskItem `json:"items,omitempty"`
	Blockers []Blocker  `json:"blockers,omitempty"`
}

// Fact statuses and severities.
const (
	FactActive   = "active"
	FactResolved = "resolved"

	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Fact is one truth entry folded from truth_ledger events.
type Fact struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	Severity    string   `json:"severity"`
	Summary     string   `json:"summary"`
	Details     string   `json:"details,omitempty"`
	EvidenceIDs []string `json:"evidenceIds,omitempty"`
	FirstSeenAt int64    `json:"firstSeenAt"`
	LastSeenAt  int64    `json:"lastSeenAt"`
	ResolvedAt  int64    `json:"resolvedAt,omitempty"`
}

// TruthState is the projection folded from truth_ledger events.
type TruthState struct {
	// Facts keyed by id. Resolving a fact retains the record.
	Facts map[string]*Fact `json:"facts"`
	// Order preserves first-seen ordering of fact ids.
	Order []string `json:"order,omitempty"`
}

// ActiveFacts returns unresolved facts in first-seen order.
func (ts *TruthState) ActiveFacts() []*Fact {
	var out []*Fact
	for _, id := range ts.Order {
		if f := ts.Facts[id]; f != nil && f.Status == FactActive {
			out = append(out, f)
		}
	}
	return out
}

// Tape pressure levels.
const (
	PressureNone   = "none"
	PressureLow    = "low"
	PressureMedium = "medium"
	PressureHigh   = "high"
)

// Anchor is an explicit handoff point in the tape.
type Anchor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	NextSteps string `json:"nextSteps,omitempty"`
	Turn      int    `json:"turn"`
	Timestamp int64  `json:"timestamp"`
}

// TapeStatus is the window over the event log.
type TapeStatus struct {
	TotalEntries           int     `json:"totalEntries"`
	EntriesSinceAnchor     int     `json:"entriesSinceAnchor"`
	EntriesSinceCheckpoint int     `json:"entriesSinceCheckpoint"`
	TapePressure           string  `json:"tapePressure"`
	LastAnchor             *Anchor `json:"lastAnchor,omitempty"`
	LastCheckpointID       string  `json:"lastCheckpointId,omitempty"`
}

// Snapshot is the full Task+Truth state carried by a tape_checkpoint event.
// On replay it replaces the working fold state.
type Snapshot struct {
	Task  TaskState  `json:"task"`
	Truth TruthState `json:"truth"`
}
