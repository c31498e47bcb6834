// Package budget tracks per-session context window usage, classifies
// pressure, plans token-budgeted injections, and arms the compaction gate
// that serializes tool calls when usage turns critical.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"keel/internal/logging"
)

// Pressure levels classified from the usage ratio.
const (
	PressureNone     = "none"
	PressureLow      = "low"
	PressureMedium   = "medium"
	PressureHigh     = "high"
	PressureCritical = "critical"
	PressureUnknown  = "unknown"
)

// Truncation strategies for PlanInjection.
const (
	TruncateDropEntry = "drop-entry"
	TruncateSummarize = "summarize"
	TruncateTail      = "tail"
)

// GateBlockedMessage is returned to any tool other than session_compact
// while the compaction gate is required.
const GateBlockedMessage = "Context usage is critical. Call tool 'session_compact' first to free context before continuing."

// CompactTool is the only tool allowed through an armed gate.
const CompactTool = "session_compact"

// Usage is an observed context-window reading.
type Usage struct {
	Tokens        int     `json:"tokens"`
	ContextWindow int     `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}

// Ratio returns the usage ratio, preferring the explicit percent.
func (u Usage) Ratio() (float64, bool) {
	if u.Percent > 0 {
		return u.Percent, true
	}
	if u.ContextWindow > 0 {
		return float64(u.Tokens) / float64(u.ContextWindow), true
	}
	return 0, false
}

// Config mirrors infrastructure.contextBudget.
type Config struct {
	Enabled                    bool
	MaxInjectionTokens         int
	CompactionThresholdPercent float64
	HardLimitPercent           float64
	TruncationStrategy         string
	CompactionInstructions     string
	MinTurnsBetweenCompaction  int
}

// PlanResult is the outcome of PlanInjection.
type PlanResult struct {
	Accepted       bool   `json:"accepted"`
	FinalText      string `json:"finalText"`
	OriginalTokens int    `json:"originalTokens"`
	FinalTokens    int    `json:"finalTokens"`
	Truncated      bool   `json:"truncated"`
	DroppedReason  string `json:"droppedReason,omitempty"`
}

// CompactionDecision is the outcome of ShouldRequestCompaction.
type CompactionDecision struct {
	ShouldCompact bool   `json:"shouldCompact"`
	Reason        string `json:"reason,omitempty"`
	Usage         Usage  `json:"usage"`
}

// GateDecision is the outcome of CheckGate.
type GateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Armed reports whether this call armed the gate (first block).
	Armed bool `json:"armed,omitempty"`
}

type sessionState struct {
	turnIndex          int
	lastCompactionTurn int
	lastCompactionAtMs int64
	lastUsage          Usage
	hasUsage           bool
	gateArmed          bool
	// scope reservations reset each turn, keyed by "<session>::<scope>"
	reservations map[string]int
}

// Manager tracks per-session budget state.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	counter  *TokenCounter
	sessions map[string]*sessionState
}

// NewManager creates a budget manager.
func NewManager(cfg Config) *Manager {
	if cfg.TruncationStrategy == "" {
		cfg.TruncationStrategy = TruncateTail
	}
	if cfg.MinTurnsBetweenCompaction <= 0 {
		cfg.MinTurnsBetweenCompaction = 2
	}
	return &Manager{
		cfg:      cfg,
		counter:  NewTokenCounter(),
		sessions: make(map[string]*sessionState),
	}
}

func (m *Manager) session(sessionID string) *sessionState {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionState{
			lastCompactionTurn: -1,
			reservations:       make(map[string]int),
		}
		m.sessions[sessionID] = s
	}
	return s
}

// BeginTurn advances the session's turn index and resets per-turn
// injection reservations.
func (m *Manager) BeginTurn(sessionID string, turnIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.turnIndex = turnIndex
	s.reservations = make(map[string]int)
}

// ObserveUsage updates the session's last observed usage.
func (m *Manager) ObserveUsage(sessionID string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.lastUsage = usage
	s.hasUsage = true
}

// LastUsage returns the last observed usage for a session.
func (m *Manager) LastUsage(sessionID string) (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.hasUsage {
		return Usage{}, false
	}
	return s.lastUsage, true
}

// ClassifyPressure is a pure function of the usage ratio.
func (m *Manager) ClassifyPressure(usage Usage) string {
	ratio, ok := usage.Ratio()
	if !ok {
		return PressureUnknown
	}
	threshold := m.cfg.CompactionThresholdPercent
	switch {
	case ratio >= m.cfg.HardLimitPercent:
		return PressureCritical
	case ratio >= threshold:
		return PressureHigh
	case ratio >= maxFloat(0.5, 0.75*threshold):
		return PressureMedium
	case ratio >= maxFloat(0.25, 0.5*threshold):
		return PressureLow
	default:
		return PressureNone
	}
}

// PlanInjection checks whether inputText fits under the hard limit and
// truncates it per strategy when needed.
func (m *Manager) PlanInjection(sessionID, inputText string, usage Usage) PlanResult {
	original := m.counter.CountString(inputText)
	result := PlanResult{
		Accepted:       true,
		FinalText:      inputText,
		OriginalTokens: original,
		FinalTokens:    original,
	}
	if !m.cfg.Enabled || inputText == "" {
		return result
	}

	ratio, ok := usage.Ratio()
	if !ok || usage.ContextWindow <= 0 {
		return result
	}

	hardTokens := int(m.cfg.HardLimitPercent * float64(usage.ContextWindow))
	used := usage.Tokens
	if used == 0 && ratio > 0 {
		used = int(ratio * float64(usage.ContextWindow))
	}
	available := hardTokens - used
	if available <= 0 {
		return PlanResult{
			Accepted:       false,
			OriginalTokens: original,
			DroppedReason:  "hard_limit",
		}
	}
	if original <= available {
		return result
	}

	final := m.truncate(inputText, available)
	finalTokens := m.counter.CountString(final)
	if final == "" {
		return PlanResult{
			Accepted:       false,
			OriginalTokens: original,
			DroppedReason:  "hard_limit",
		}
	}
	logging.Budget("injection truncated for %s: %d -> %d tokens", sessionID, original, finalTokens)
	return PlanResult{
		Accepted:       true,
		FinalText:      final,
		OriginalTokens: original,
		FinalTokens:    finalTokens,
		Truncated:      true,
	}
}

func (m *Manager) truncate(text string, maxTokens int) string {
	switch m.cfg.TruncationStrategy {
	case TruncateDropEntry:
		// Drop whole entries (double-newline blocks) from the end until fit.
		entries := strings.Split(text, "\n\n")
		for len(entries) > 0 {
			candidate := strings.Join(entries, "\n\n")
			if m.counter.CountString(candidate) <= maxTokens {
				return candidate
			}
			entries = entries[:len(entries)-1]
		}
		return ""
	case TruncateSummarize:
		// Keep head and tail halves with an elision marker.
		head := m.counter.TrimToTokens(text, maxTokens/2, false)
		tail := m.counter.TrimToTokens(text, maxTokens/2, true)
		return head + "\n[...elided...]\n" + tail
	default: // tail
		return m.counter.TrimToTokens(text, maxTokens, true)
	}
}

// ShouldRequestCompaction reports whether usage crossed the compaction
// threshold and enough turns elapsed since the last compaction.
func (m *Manager) ShouldRequestCompaction(sessionID string, usage Usage) CompactionDecision {
	if !m.cfg.Enabled {
		return CompactionDecision{Usage: usage}
	}
	ratio, ok := usage.Ratio()
	if !ok {
		return CompactionDecision{Usage: usage, Reason: "usage_unknown"}
	}
	if ratio < m.cfg.CompactionThresholdPercent {
		return CompactionDecision{Usage: usage}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	if s.lastCompactionTurn >= 0 && s.turnIndex-s.lastCompactionTurn < m.cfg.MinTurnsBetweenCompaction {
		return CompactionDecision{Usage: usage, Reason: "recently_compacted"}
	}
	return CompactionDecision{
		ShouldCompact: true,
		Reason:        fmt.Sprintf("usage %.0f%% >= threshold %.0f%%", ratio*100, m.cfg.CompactionThresholdPercent*100),
		Usage:         usage,
	}
}

// MarkCompacted records a compaction at the current turn and clears the gate.
func (m *Manager) MarkCompacted(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.lastCompactionTurn = s.turnIndex
	s.lastCompactionAtMs = time.Now().UnixMilli()
	s.gateArmed = false
}

// CheckGate gates a tool call against the compaction requirement. The gate
// is required when pressure is critical and no compaction happened within
// the configured turn window; it stays armed until MarkCompacted.
func (m *Manager) CheckGate(sessionID, toolName string) GateDecision {
	if !m.cfg.Enabled {
		return GateDecision{Allowed: true}
	}
	if toolName == CompactTool {
		return GateDecision{Allowed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)

	if !s.gateArmed {
		if !s.hasUsage {
			return GateDecision{Allowed: true}
		}
		if m.ClassifyPressure(s.lastUsage) != PressureCritical {
			return GateDecision{Allowed: true}
		}
		if s.lastCompactionTurn >= 0 && s.turnIndex-s.lastCompactionTurn < m.cfg.MinTurnsBetweenCompaction {
			return GateDecision{Allowed: true}
		}
		// Arm: sticky across turns until a compaction lands.
		s.gateArmed = true
		logging.Get(logging.CategoryBudget).Warn("compaction gate armed for %s", sessionID)
		return GateDecision{Allowed: false, Reason: GateBlockedMessage, Armed: true}
	}

	return GateDecision{Allowed: false, Reason: GateBlockedMessage}
}

// ArmGateFromUsage arms the compaction gate straight from an observed usage
// reading, before any tool call is attempted. Returns whether the gate is
// armed and whether this call armed it.
func (m *Manager) ArmGateFromUsage(sessionID string, usage Usage) (armed, justArmed bool) {
	if !m.cfg.Enabled {
		return false, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	if _, ok := usage.Ratio(); ok {
		s.lastUsage = usage
		s.hasUsage = true
	}
	if s.gateArmed {
		return true, false
	}
	if m.ClassifyPressure(usage) != PressureCritical {
		return false, false
	}
	if s.lastCompactionTurn >= 0 && s.turnIndex-s.lastCompactionTurn < m.cfg.MinTurnsBetweenCompaction {
		return false, false
	}
	s.gateArmed = true
	logging.Get(logging.CategoryBudget).Warn("compaction gate armed for %s", sessionID)
	return true, true
}

// GateArmed reports whether the compaction gate is currently armed.
func (m *Manager) GateArmed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return ok && s.gateArmed
}

// ReserveScope reserves accepted injection tokens against a scope's running
// total, capped by MaxInjectionTokens. Returns the tokens actually granted.
func (m *Manager) ReserveScope(sessionID, scopeID string, tokens int) int {
	if scopeID == "" {
		scopeID = "root"
	}
	key := sessionID + "::" + scopeID

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)

	cap := m.cfg.MaxInjectionTokens
	if cap <= 0 {
		s.reservations[key] += tokens
		return tokens
	}
	used := s.reservations[key]
	if used >= cap {
		return 0
	}
	granted := tokens
	if used+granted > cap {
		granted = cap - used
	}
	s.reservations[key] = used + granted
	return granted
}

// ScopeReserved returns the reserved tokens for a scope this turn.
func (m *Manager) ScopeReserved(sessionID, scopeID string) int {
	if scopeID == "" {
		scopeID = "root"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return s.reservations[sessionID+"::"+scopeID]
}

// TurnIndex returns the session's current turn index.
func (m *Manager) TurnIndex(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return s.turnIndex
}

// ClearSession drops all budget state for a session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// MaxInjectionTokens exposes the configured injection cap.
func (m *Manager) MaxInjectionTokens() int {
	return m.cfg.MaxInjectionTokens
}

// CompactionInstructions exposes the configured compaction guidance text.
func (m *Manager) CompactionInstructions() string {
	return m.cfg.CompactionInstructions
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
