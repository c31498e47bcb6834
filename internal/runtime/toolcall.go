package runtime

import (
	"fmt"
	"unicode/utf8"

	"keel/internal/budget"
	"keel/internal/ledger"
	"keel/internal/logging"
	"keel/internal/replay"
	"keel/internal/verify"
)

// Tool-call lifecycle states.
type CallState int

const (
	CallCreated CallState = iota
	CallGated
	CallRunning
	CallCompleted
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallCreated:
		return "created"
	case CallGated:
		return "gated"
	case CallRunning:
		return "running"
	case CallCompleted:
		return "completed"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type toolCall struct {
	state    CallState
	toolName string
	turn     int
	mutation bool
	captured []string
}

// StartInput describes a tool call about to execute.
type StartInput struct {
	SessionID            string
	ToolCallID           string
	ToolName             string
	Args                 map[string]interface{}
	Turn                 int
	Usage                budget.Usage
	RecordLifecycleEvent bool
}

// StartResult is the admission decision for a tool call.
type StartResult struct {
	Allowed       bool
	Reason        string
	CapturedPaths []string
}

// FinishInput describes a completed tool call.
type FinishInput struct {
	SessionID   string
	ToolCallID  string
	ToolName    string
	Skill       string
	Turn        int
	ArgsSummary string
	OutputText  string
	Success     bool
	Verdict     ledger.Verdict
	Metadata    map[string]interface{}
}

func (o *Orchestrator) call(sessionID, toolCallID string) *toolCall {
	calls, ok := o.calls[sessionID]
	if !ok {
		calls = make(map[string]*toolCall)
		o.calls[sessionID] = calls
	}
	c, ok := calls[toolCallID]
	if !ok {
		c = &toolCall{}
		calls[toolCallID] = c
	}
	return c
}

// CallStatus reports a tool call's current lifecycle state.
func (o *Orchestrator) CallStatus(sessionID, toolCallID string) (CallState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if calls, ok := o.calls[sessionID]; ok {
		if c, ok := calls[toolCallID]; ok {
			return c.state, true
		}
	}
	return CallCreated, false
}

// StartToolCall runs the admission pipeline: usage observation, access
// policy, compaction gate, accounting, and file snapshot capture.
func (o *Orchestrator) StartToolCall(in StartInput) StartResult {
	o.budget.ObserveUsage(in.SessionID, in.Usage)

	o.mu.Lock()
	c := o.call(in.SessionID, in.ToolCallID)
	c.toolName = in.ToolName
	c.turn = in.Turn
	c.state = CallGated
	o.mu.Unlock()

	if in.RecordLifecycleEvent {
		o.appendEvent(in.SessionID, EventToolCall, in.Turn, map[string]interface{}{
			"toolCallId": in.ToolCallID,
			"toolName":   in.ToolName,
		})
	}

	if d := o.skills.CheckToolAccess(in.SessionID, in.ToolName); !d.Allowed {
		o.failCall(in.SessionID, in.ToolCallID)
		o.appendEvent(in.SessionID, EventToolCallBlocked, in.Turn, map[string]interface{}{
			"toolCallId": in.ToolCallID,
			"toolName":   in.ToolName,
			"reason":     d.Reason,
		})
		return StartResult{Reason: d.Reason}
	}

	if d := o.budget.CheckGate(in.SessionID, in.ToolName); !d.Allowed {
		if d.Armed {
			o.appendEvent(in.SessionID, EventGateArmed, in.Turn, map[string]interface{}{
				"usagePercent": in.Usage.Percent,
			})
		}
		o.failCall(in.SessionID, in.ToolCallID)
		o.appendEvent(in.SessionID, EventGateBlockedTool, in.Turn, map[string]interface{}{
			"toolCallId": in.ToolCallID,
			"toolName":   in.ToolName,
		})
		return StartResult{Reason: d.Reason}
	}

	o.skills.RecordToolCall(in.SessionID)

	mutation := o.tracker.IsMutationTool(in.ToolName)
	var captured []string
	if mutation {
		o.gate.NoteMutation(in.SessionID)
		captured = o.tracker.CaptureBeforeToolCall(in.SessionID, in.ToolCallID, in.ToolName, in.Args)
		if len(captured) > 0 {
			o.appendEvent(in.SessionID, EventSnapshotTaken, in.Turn, map[string]interface{}{
				"toolCallId": in.ToolCallID,
				"paths":      captured,
			})
		}
	}

	o.mu.Lock()
	c.state = CallRunning
	c.mutation = mutation
	c.captured = captured
	o.mu.Unlock()

	logging.RuntimeDebug("Tool call %s (%s) admitted on session %s", in.ToolCallID, in.ToolName, in.SessionID)
	return StartResult{Allowed: true, CapturedPaths: captured}
}

func (o *Orchestrator) failCall(sessionID, toolCallID string) {
	o.mu.Lock()
	o.call(sessionID, toolCallID).state = CallFailed
	o.mu.Unlock()
}

// FinishToolCall records the result: ledger append, truth sync, evidence
// classification, lifecycle events, periodic ledger compaction, and patch
// completion. Returns the new ledger row id.
func (o *Orchestrator) FinishToolCall(in FinishInput) (string, error) {
	row, err := o.ledger.Append(ledger.AppendInput{
		SessionID:     in.SessionID,
		Turn:          in.Turn,
		Skill:         in.Skill,
		Tool:          in.ToolName,
		ArgsSummary:   in.ArgsSummary,
		OutputSummary: summarizeOutput(in.OutputText),
		FullOutput:    in.OutputText,
		Verdict:       in.Verdict,
		Metadata:      in.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to append ledger row: %w", err)
	}

	o.syncTruthFromTool(in)
	o.classifyEvidence(in, row.ID)

	o.appendEvent(in.SessionID, EventToolResult, in.Turn, map[string]interface{}{
		"toolCallId": in.ToolCallID,
		"toolName":   in.ToolName,
		"verdict":    string(in.Verdict),
		"success":    in.Success,
		"ledgerId":   row.ID,
	})

	o.mu.Lock()
	o.finished[in.SessionID]++
	count := o.finished[in.SessionID]
	c := o.call(in.SessionID, in.ToolCallID)
	if in.Success {
		c.state = CallCompleted
	} else {
		c.state = CallFailed
	}
	mutation := c.mutation
	o.mu.Unlock()

	if every := o.cfg.Ledger.CheckpointEveryTurns; every > 0 && count%every == 0 {
		keep := o.cfg.Ledger.DigestWindow
		if checkpoint, err := o.ledger.CompactSession(in.SessionID, keep, "periodic"); err != nil {
			logging.Runtime("Ledger compaction failed for %s: %v", in.SessionID, err)
		} else if checkpoint != nil {
			o.appendEvent(in.SessionID, EventLedgerCompacted, in.Turn, map[string]interface{}{
				"checkpointId": checkpoint.ID,
				"keepLast":     keep,
			})
		}
	}

	if mutation {
		if set := o.tracker.CompleteToolCall(in.SessionID, in.ToolCallID, in.Success); set != nil {
			changes := make([]map[string]interface{}, 0, len(set.Changes))
			for _, ch := range set.Changes {
				changes = append(changes, map[string]interface{}{
					"path":   ch.Path,
					"action": string(ch.Action),
				})
			}
			o.appendEvent(in.SessionID, EventPatchRecorded, in.Turn, map[string]interface{}{
				"patchSetId": set.ID,
				"changes":    changes,
			})
		}
	}

	return row.ID, nil
}

// syncTruthFromTool turns known tool results into truth ledger events.
func (o *Orchestrator) syncTruthFromTool(in FinishInput) {
	switch in.ToolName {
	case "lsp_diagnostics":
		factID := "truth:lsp:diagnostics"
		if in.Verdict == ledger.VerdictPass {
			truth, err := o.engine.TruthState(in.SessionID)
			if err == nil {
				if f, ok := truth.Facts[factID]; ok && f.Status == replay.FactActive {
					_ = o.ResolveFact(in.SessionID, factID, in.Turn)
				}
			}
			return
		}
		_ = o.UpsertFact(in.SessionID, replay.Fact{
			ID:       factID,
			Kind:     "lsp",
			Status:   replay.FactActive,
			Severity: replay.SeverityError,
			Summary:  "language server reports diagnostics",
			Details:  summarizeOutput(in.OutputText),
		}, in.Turn)
	}
}

// classifyEvidence maps tool results to verification evidence kinds.
func (o *Orchestrator) classifyEvidence(in FinishInput, ledgerID string) {
	if in.Verdict != ledger.VerdictPass {
		return
	}
	switch in.ToolName {
	case "lsp_diagnostics":
		o.gate.AddEvidence(in.SessionID, verify.EvidenceLSPClean, ledgerID)
	case "exec", "run_tests", "build":
		o.gate.AddEvidence(in.SessionID, verify.EvidenceTestsPassed, ledgerID)
	}
}

// summarizeOutput truncates on a rune boundary so multi-byte output never
// yields an invalid UTF-8 suffix.
func summarizeOutput(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
