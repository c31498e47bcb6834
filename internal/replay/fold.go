package replay

import (
	"encoding/json"

	"keel/internal/event"
	"keel/internal/logging"
)

// Task ledger event types.
const (
	EventSpecSet         = "task_ledger:spec_set"
	EventStatusSet       = "task_ledger:status_set"
	EventItemAdded       = "task_ledger:item_added"
	EventItemUpdated     = "task_ledger:item_updated"
	EventBlockerAdded    = "task_ledger:blocker_added"
	EventBlockerResolved = "task_ledger:blocker_resolved"

	EventFactUpserted = "truth_ledger:fact_upserted"
	EventFactResolved = "truth_ledger:fact_resolved"

	EventTapeAnchor     = "tape_anchor"
	EventTapeCheckpoint = "tape_checkpoint"
)

// NewTaskState returns an empty task projection.
func NewTaskState() *TaskState {
	return &TaskState{Status: TaskStatus{Phase: PhaseAlign, Health: HealthUnknown}}
}

// NewTruthState returns an empty truth projection.
func NewTruthState() *TruthState {
	return &TruthState{Facts: make(map[string]*Fact)}
}

// Fold left-folds a session's events into task and truth projections.
// A tape_checkpoint replaces the working state; subsequent events continue
// to apply on top of it.
func Fold(records []event.Record) (*TaskState, *TruthState) {
	task := NewTaskState()
	truth := NewTruthState()

	for _, rec := range records {
		switch rec.Type {
		case EventTapeCheckpoint:
			var snap Snapshot
			if decodePayload(rec.Payload, &snap) {
				t := snap.Task
				task = &t
				tr := snap.Truth
				if tr.Facts == nil {
					tr.Facts = make(map[string]*Fact)
				}
				truth = &tr
			}
		default:
			applyTask(task, rec)
			applyTruth(truth, rec)
		}
	}
	return task, truth
}

func applyTask(task *TaskState, rec event.Record) {
	switch rec.Type {
	case EventSpecSet:
		var spec TaskSpec
		if decodePayload(rec.Payload, &spec) {
			task.Spec = &spec
		}
	case EventStatusSet:
		var status TaskStatus
		if decodePayload(rec.Payload, &status) {
			task.Status = status
		}
	case EventItemAdded:
		var item TaskItem
		if !decodePayload(rec.Payload, &item) {
			return
		}
		if item.State == "" {
			item.State = ItemTodo
		}
		// Items keep creation order; re-adding an id updates in place.
		for i, existing := range task.Items {
			if existing.ID == item.ID {
				task.Items[i] = item
				return
			}
		}
		task.Items = append(task.Items, item)
	case EventItemUpdated:
		var item TaskItem
		if !decodePayload(rec.Payload, &item) {
			return
		}
		for i, existing := range task.Items {
			if existing.ID == item.ID {
				if item.Text == "" {
					item.Text = existing.Text
				}
				task.Items[i] = item
				return
			}
		}
	case EventBlockerAdded:
		var b Blocker
		if !decodePayload(rec.Payload, &b) {
			return
		}
		// Duplicate blocker id replaces in place.
		for i, existing := range task.Blockers {
			if existing.ID == b.ID {
				task.Blockers[i] = b
				return
			}
		}
		task.Blockers = append(task.Blockers, b)
	case EventBlockerResolved:
		var b Blocker
		if !decodePayload(rec.Payload, &b) {
			return
		}
		for i, existing := range task.Blockers {
			if existing.ID == b.ID {
				task.Blockers = append(task.Blockers[:i], task.Blockers[i+1:]...)
				return
			}
		}
	}
}

func applyTruth(truth *TruthState, rec event.Record) {
	switch rec.Type {
	case EventFactUpserted:
		var f Fact
		if !decodePayload(rec.Payload, &f) || f.ID == "" {
			return
		}
		if f.Severity == "" {
			f.Severity = SeverityInfo
		}
		f.Status = FactActive
		if existing, ok := truth.Facts[f.ID]; ok {
			// firstSeenAt never decreases once set.
			f.FirstSeenAt = existing.FirstSeenAt
			f.ResolvedAt = 0
			if f.LastSeenAt == 0 {
				f.LastSeenAt = rec.Timestamp
			}
			if len(f.EvidenceIDs) == 0 {
				f.EvidenceIDs = existing.EvidenceIDs
			}
			truth.Facts[f.ID] = &f
			return
		}
		if f.FirstSeenAt == 0 {
			f.FirstSeenAt = rec.Timestamp
		}
		if f.LastSeenAt == 0 {
			f.LastSeenAt = rec.Timestamp
		}
		truth.Facts[f.ID] = &f
		truth.Order = append(truth.Order, f.ID)
	case EventFactResolved:
		var f Fact
		if !decodePayload(rec.Payload, &f) || f.ID == "" {
			return
		}
		existing, ok := truth.Facts[f.ID]
		if !ok {
			return
		}
		existing.Status = FactResolved
		if f.ResolvedAt != 0 {
			existing.ResolvedAt = f.ResolvedAt
		} else {
			existing.ResolvedAt = rec.Timestamp
		}
	}
}

// FoldTape computes the tape window over a session's events.
// Thresholds are entries-since-anchor counts for low/medium/high pressure.
func FoldTape(records []event.Record, low, medium, high int) *TapeStatus {
	status := &TapeStatus{TapePressure: PressureNone}

	for _, rec := range records {
		status.TotalEntries++
		switch rec.Type {
		case EventTapeAnchor:
			var a Anchor
			if decodePayload(rec.Payload, &a) {
				a.ID = rec.ID
				a.Turn = rec.Turn
				a.Timestamp = rec.Timestamp
				status.LastAnchor = &a
			}
			status.EntriesSinceAnchor = 0
		case EventTapeCheckpoint:
			status.LastCheckpointID = rec.ID
			status.EntriesSinceCheckpoint = 0
		default:
			status.EntriesSinceAnchor++
			status.EntriesSinceCheckpoint++
		}
	}

	switch {
	case high > 0 && status.EntriesSinceAnchor >= high:
		status.TapePressure = PressureHigh
	case medium > 0 && status.EntriesSinceAnchor >= medium:
		status.TapePressure = PressureMedium
	case low > 0 && status.EntriesSinceAnchor >= low:
		status.TapePressure = PressureLow
	}
	return status
}

// decodePayload round-trips a generic payload map into a typed struct.
func decodePayload(payload map[string]interface{}, out interface{}) bool {
	if payload == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Replay("payload encode failed: %v", err)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logging.Replay("payload decode failed: %v", err)
		return false
	}
	return true
}

// EncodePayload converts a typed struct into the generic payload map used by
// event records. The inverse of decodePayload.
func EncodePayload(in interface{}) map[string]interface{} {
	data, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
