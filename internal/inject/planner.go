// Package inject assembles the hidden context block injected ahead of each
// prompt: truth facts, tape state, task state, viewport hints, skill
// candidates, and the ledger digest, under per-source and per-scope token
// caps with fingerprint dedup for parallel branches.
package inject

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"keel/internal/budget"
	"keel/internal/event"
	"keel/internal/ledger"
	"keel/internal/logging"
	"keel/internal/replay"
	"keel/internal/skill"
)

// Section priorities. Under output-health degradation only critical and
// high survive.
const (
	prioCritical = 0
	prioHigh     = 1
	prioMedium   = 2
	prioLow      = 3
)

// eventGateArmed is appended once when the planner arms the compaction gate
// from observed usage.
const eventGateArmed = "context_compaction_gate_armed"

// Per-source shares of maxInjectionTokens.
var sourceShares = map[string]float64{
	"gate":       0.05,
	"truth":      0.25,
	"task":       0.20,
	"tape":       0.10,
	"viewport":   0.10,
	"skills":     0.15,
	"digest":     0.15,
	"compaction": 0.05,
	"handoff":    0.10,
}

type section struct {
	name     string
	priority int
	text     string
}

// Plan is the planner's outcome for one injection request.
type Plan struct {
	Accepted      bool   `json:"accepted"`
	Block         string `json:"block,omitempty"`
	Tokens        int    `json:"tokens"`
	Truncated     bool   `json:"truncated,omitempty"`
	DroppedReason string `json:"droppedReason,omitempty"`
	StatusChanged bool   `json:"statusChanged,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
	GateArmed     bool   `json:"gateArmed,omitempty"`
}

// Config tunes the planner.
type Config struct {
	Sanitize     bool
	TopKSkills   int
	DigestWindow int
}

// Planner builds injection blocks for sessions.
type Planner struct {
	mu        sync.Mutex
	workspace string
	cfg       Config
	events    *event.Store
	engine    *replay.Engine
	ledger    *ledger.Store
	skills    *skill.Registry
	budget    *budget.Manager
	counter   *budget.TokenCounter
	// fingerprints of the last accepted block per "<session>::<scope>"
	fingerprints map[string]string
}

// NewPlanner wires the planner to its projections and budgets. skills and
// ledger may be nil when those sources are not available.
func NewPlanner(workspace string, cfg Config, events *event.Store, engine *replay.Engine, led *ledger.Store, skills *skill.Registry, bud *budget.Manager) *Planner {
	if cfg.TopKSkills <= 0 {
		cfg.TopKSkills = 3
	}
	if cfg.DigestWindow <= 0 {
		cfg.DigestWindow = 12
	}
	return &Planner{
		workspace:    workspace,
		cfg:          cfg,
		events:       events,
		engine:       engine,
		ledger:       led,
		skills:       skills,
		budget:       bud,
		counter:      budget.NewTokenCounter(),
		fingerprints: make(map[string]string),
	}
}

// BuildInjection assembles the context block for one prompt.
func (p *Planner) BuildInjection(sessionID, scopeID, prompt string, usage budget.Usage, turn int) (Plan, error) {
	if p.cfg.Sanitize {
		prompt = SanitizePrompt(prompt)
	}

	statusChanged, err := p.alignStatus(sessionID, usage, turn)
	if err != nil {
		return Plan{}, err
	}

	gateArmed, gateJustArmed := p.budget.ArmGateFromUsage(sessionID, usage)
	if gateJustArmed {
		if _, err := p.events.Append(event.AppendInput{
			SessionID: sessionID,
			Type:      eventGateArmed,
			Turn:      turn,
			Payload:   map[string]interface{}{"reason": budget.GateBlockedMessage},
		}); err != nil && err != event.ErrStoreDisabled {
			return Plan{}, fmt.Errorf("failed to record gate arming: %w", err)
		}
	}

	degraded := p.outputDegraded(sessionID)
	sections, err := p.assemble(sessionID, prompt)
	if err != nil {
		return Plan{}, err
	}
	if gateArmed {
		sections = append([]section{{"gate", prioCritical, p.renderGate()}}, sections...)
	}

	maxTokens := p.budget.MaxInjectionTokens()
	var parts []string
	for _, sec := range sections {
		if degraded && sec.priority > prioHigh {
			continue
		}
		text := sec.text
		if capTokens := int(sourceShares[sec.name] * float64(maxTokens)); capTokens > 0 {
			text = p.counter.TrimToTokens(text, capTokens, false)
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return Plan{StatusChanged: statusChanged, Degraded: degraded, GateArmed: gateArmed}, nil
	}

	block := strings.Join(parts, "\n\n")
	fp := fingerprint(block)
	key := scopeKey(sessionID, scopeID)

	p.mu.Lock()
	duplicate := p.fingerprints[key] == fp
	p.mu.Unlock()
	if duplicate {
		logging.Inject("Dropped duplicate injection session=%s scope=%s", sessionID, scopeID)
		return Plan{DroppedReason: "duplicate", StatusChanged: statusChanged, Degraded: degraded, GateArmed: gateArmed}, nil
	}

	tokens := p.counter.CountString(block)
	granted := p.budget.ReserveScope(sessionID, scopeID, tokens)
	if granted <= 0 {
		return Plan{DroppedReason: "scope_exhausted", StatusChanged: statusChanged, Degraded: degraded, GateArmed: gateArmed}, nil
	}
	truncated := false
	if granted < tokens {
		block = p.counter.TrimToTokens(block, granted, false)
		tokens = granted
		truncated = true
	}

	p.mu.Lock()
	p.fingerprints[key] = fingerprint(block)
	p.mu.Unlock()

	logging.Inject("Built injection session=%s scope=%s tokens=%d truncated=%v degraded=%v",
		sessionID, scopeID, tokens, truncated, degraded)
	return Plan{
		Accepted:      true,
		Block:         block,
		Tokens:        tokens,
		Truncated:     truncated,
		StatusChanged: statusChanged,
		Degraded:      degraded,
		GateArmed:     gateArmed,
	}, nil
}

// renderGate is injected while the compaction gate is armed so the model
// compacts before attempting another tool call.
func (p *Planner) renderGate() string {
	var b strings.Builder
	b.WriteString("[ContextCompactionGate]\n")
	b.WriteString(budget.GateBlockedMessage)
	if instr := p.budget.CompactionInstructions(); instr != "" {
		b.WriteString("\n" + instr)
	}
	return b.String()
}

// ClearSession drops the session's dedup fingerprints.
func (p *Planner) ClearSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := sessionID + "::"
	for k := range p.fingerprints {
		if strings.HasPrefix(k, prefix) {
			delete(p.fingerprints, k)
		}
	}
}

func scopeKey(sessionID, scopeID string) string {
	if scopeID == "" {
		scopeID = "root"
	}
	return sessionID + "::" + scopeID
}

func fingerprint(block string) string {
	sum := sha256.Sum256([]byte(block))
	return hex.EncodeToString(sum[:8])
}

// alignStatus recomputes the task status from current projections and emits
// a status_set event only when it differs from the folded status.
func (p *Planner) alignStatus(sessionID string, usage budget.Usage, turn int) (bool, error) {
	task, err := p.engine.TaskState(sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to project task state: %w", err)
	}

	fresh := p.computeStatus(sessionID, task, usage)
	if fresh.Phase == task.Status.Phase && fresh.Health == task.Status.Health {
		return false, nil
	}

	if _, err := p.events.Append(event.AppendInput{
		SessionID: sessionID,
		Type:      replay.EventStatusSet,
		Turn:      turn,
		Payload:   replay.EncodePayload(fresh),
	}); err != nil {
		return false, fmt.Errorf("failed to align task status: %w", err)
	}
	return true, nil
}

func (p *Planner) computeStatus(sessionID string, task *replay.TaskState, usage budget.Usage) replay.TaskStatus {
	if task.Spec == nil {
		return replay.TaskStatus{Phase: replay.PhaseAlign, Health: replay.HealthNeedsSpec}
	}
	if len(task.Blockers) > 0 {
		ids := make([]string, 0, len(task.Blockers))
		for _, b := range task.Blockers {
			if b.TruthFactID != "" {
				ids = append(ids, b.TruthFactID)
			}
		}
		return replay.TaskStatus{
			Phase:        replay.PhaseBlocked,
			Health:       replay.HealthBlocked,
			Reason:       task.Blockers[0].Message,
			TruthFactIDs: ids,
		}
	}
	if rec := p.lastEvent(sessionID, "verification_result"); rec != nil {
		if passed, ok := rec.Payload["passed"].(bool); ok && !passed {
			return replay.TaskStatus{Phase: replay.PhaseVerify, Health: replay.HealthVerificationFailed}
		}
	}
	if pressure := p.budget.ClassifyPressure(usage); pressure == budget.PressureCritical || pressure == budget.PressureHigh {
		return replay.TaskStatus{Phase: replay.PhaseExecute, Health: replay.HealthBudgetPressure}
	}
	open := 0
	for _, item := range task.Items {
		if item.State != replay.ItemDone {
			open++
		}
	}
	if len(task.Items) > 0 && open == 0 {
		return replay.TaskStatus{Phase: replay.PhaseDone, Health: replay.HealthOK}
	}
	return replay.TaskStatus{Phase: replay.PhaseExecute, Health: replay.HealthOK}
}

// outputDegraded peeks the last message_update event's health payload.
func (p *Planner) outputDegraded(sessionID string) bool {
	rec := p.lastEvent(sessionID, "message_update")
	if rec == nil {
		return false
	}
	health, ok := rec.Payload["health"].(map[string]interface{})
	if !ok {
		return false
	}
	if drunk, ok := health["drunk"].(bool); ok && drunk {
		return true
	}
	if score, ok := health["score"].(float64); ok && score < 0.5 {
		return true
	}
	return false
}

func (p *Planner) lastEvent(sessionID, eventType string) *event.Record {
	records, err := p.events.List(sessionID, event.ListOptions{Type: eventType, Last: 1})
	if err != nil || len(records) == 0 {
		return nil
	}
	return &records[0]
}

func (p *Planner) assemble(sessionID, prompt string) ([]section, error) {
	task, err := p.engine.TaskState(sessionID)
	if err != nil {
		return nil, err
	}
	truth, err := p.engine.TruthState(sessionID)
	if err != nil {
		return nil, err
	}
	tape, err := p.engine.TapeStatus(sessionID)
	if err != nil {
		return nil, err
	}

	var sections []section
	if text := renderTruth(truth); text != "" {
		sections = append(sections, section{"truth", prioCritical, text})
	}
	if text := renderTape(tape); text != "" {
		sections = append(sections, section{"tape", prioHigh, text})
	}
	if text := renderTask(task); text != "" {
		sections = append(sections, section{"task", prioHigh, text})
	}
	if text := p.renderViewport(task); text != "" {
		sections = append(sections, section{"viewport", prioMedium, text})
	}
	if text := p.renderSkills(prompt); text != "" {
		sections = append(sections, section{"skills", prioMedium, text})
	}
	if p.ledger != nil {
		maxTokens := int(sourceShares["digest"] * float64(p.budget.MaxInjectionTokens()))
		if d := p.ledger.BuildDigest(sessionID, p.cfg.DigestWindow, maxTokens); d.Text != "" {
			sections = append(sections, section{"digest", prioMedium, d.Text})
		}
	}
	if rec := p.lastEvent(sessionID, "context_compacted"); rec != nil {
		if summary, ok := rec.Payload["summary"].(string); ok && summary != "" {
			sections = append(sections, section{"compaction", prioLow, "Last compaction summary:\n" + summary})
		}
	}
	if rec := p.lastEvent(sessionID, "tape_handoff"); rec != nil {
		if text := renderHandoff(rec.Payload); text != "" {
			sections = append(sections, section{"handoff", prioLow, text})
		}
	}

	sort.SliceStable(sections, func(i, j int) bool { return sections[i].priority < sections[j].priority })
	return sections, nil
}

func renderTruth(truth *replay.TruthState) string {
	facts := truth.ActiveFacts()
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known facts:")
	for _, f := range facts {
		fmt.Fprintf(&b, "\n- [%s] %s", f.Severity, f.Summary)
	}
	return b.String()
}

func renderTape(tape *replay.TapeStatus) string {
	if tape.TotalEntries == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tape: %d entries, pressure %s", tape.TotalEntries, tape.TapePressure)
	if a := tape.LastAnchor; a != nil {
		fmt.Fprintf(&b, "\nLast anchor %q: %s", a.Name, a.Summary)
		if a.NextSteps != "" {
			fmt.Fprintf(&b, "\nNext steps: %s", a.NextSteps)
		}
	}
	return b.String()
}

func renderTask(task *replay.TaskState) string {
	if task.Spec == nil && len(task.Items) == 0 {
		return ""
	}
	var b strings.Builder
	if task.Spec != nil {
		fmt.Fprintf(&b, "Task: %s", task.Spec.Goal)
		for _, c := range task.Spec.Constraints {
			fmt.Fprintf(&b, "\n  constraint: %s", c)
		}
	}
	fmt.Fprintf(&b, "\nStatus: %s/%s", task.Status.Phase, task.Status.Health)
	for _, item := range task.Items {
		fmt.Fprintf(&b, "\n- [%s] %s", item.State, item.Text)
	}
	for _, blocker := range task.Blockers {
		fmt.Fprintf(&b, "\n- BLOCKED: %s", blocker.Message)
	}
	return strings.TrimSpace(b.String())
}

// renderViewport lists the task's target files with a presence hint.
func (p *Planner) renderViewport(task *replay.TaskState) string {
	if task.Spec == nil || len(task.Spec.TargetFiles) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Target files:")
	for _, rel := range task.Spec.TargetFiles {
		info, err := os.Stat(filepath.Join(p.workspace, rel))
		switch {
		case err != nil:
			fmt.Fprintf(&b, "\n- %s (missing)", rel)
		default:
			fmt.Fprintf(&b, "\n- %s (%d bytes)", rel, info.Size())
		}
	}
	return b.String()
}

func (p *Planner) renderSkills(prompt string) string {
	if p.skills == nil || prompt == "" {
		return ""
	}
	candidates := p.skills.Select(prompt, p.cfg.TopKSkills)
	if len(candidates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant skills:")
	for _, c := range candidates {
		fmt.Fprintf(&b, "\n- %s (%s)", c.Contract.Name, c.Contract.Tier)
		if c.Contract.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Contract.Description)
		}
	}
	return b.String()
}

func renderHandoff(payload map[string]interface{}) string {
	summary, _ := payload["summary"].(string)
	next, _ := payload["nextSteps"].(string)
	if summary == "" && next == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Handoff:")
	if summary != "" {
		b.WriteString("\n" + summary)
	}
	if next != "" {
		b.WriteString("\nNext: " + next)
	}
	return b.String()
}
