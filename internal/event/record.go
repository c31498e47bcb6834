// Package event implements the append-only per-session event log that every
// other keel subsystem projects from. One NDJSON file per session under
// .keel/events/, an in-memory tail cache, and synchronous in-process pub/sub.
package event

import "strings"

// SchemaEvent is the canonical schema name embedded in event payloads.
const SchemaEvent = "keel.event.v1"

// Record is a single appended event. Records are never mutated.
type Record struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"` // ms epoch
	Turn      int                    `json:"turn,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Category groups event types by conventional prefix.
type Category string

const (
	CategoryTaskLedger     Category = "task_ledger"
	CategoryTruthLedger    Category = "truth_ledger"
	CategoryTapeAnchor     Category = "tape_anchor"
	CategoryTapeCheckpoint Category = "tape_checkpoint"
	CategoryScheduleIntent Category = "schedule_intent"
	CategoryTool           Category = "tool"
	CategoryContext        Category = "context"
	CategoryCost           Category = "cost"
	CategoryVerification   Category = "verification"
	CategoryPatch          Category = "patch"
	CategorySession        Category = "session"
	CategoryOther          Category = "other"
)

// CategoryOf infers the category from the event type prefix.
func CategoryOf(eventType string) Category {
	switch {
	case strings.HasPrefix(eventType, "task_ledger"):
		return CategoryTaskLedger
	case strings.HasPrefix(eventType, "truth_ledger"):
		return CategoryTruthLedger
	case strings.HasPrefix(eventType, "tape_anchor"):
		return CategoryTapeAnchor
	case strings.HasPrefix(eventType, "tape_checkpoint"):
		return CategoryTapeCheckpoint
	case strings.HasPrefix(eventType, "schedule_"):
		return CategoryScheduleIntent
	case strings.HasPrefix(eventType, "tool_"):
		return CategoryTool
	case strings.HasPrefix(eventType, "context_"):
		return CategoryContext
	case strings.HasPrefix(eventType, "cost_"):
		return CategoryCost
	case strings.HasPrefix(eventType, "verification_"):
		return CategoryVerification
	case strings.HasPrefix(eventType, "patch_"):
		return CategoryPatch
	case strings.HasPrefix(eventType, "session_"):
		return CategorySession
	default:
		return CategoryOther
	}
}
