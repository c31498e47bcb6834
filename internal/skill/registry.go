package skill

import (
	"fmt"
	"strings"
	"sync"

	"keel/internal/config"
	"keel/internal/logging"
)

// CostGate is the slice of the cost tracker the access gate consults.
type CostGate interface {
	BudgetBlocked(sessionID string) bool
}

// exemptTools always pass the allow-list check. They are the runtime's own
// control surface and must stay reachable even under a restrictive skill.
var exemptTools = map[string]bool{
	"skill_complete":      true,
	"skill_load":          true,
	"ledger_query":        true,
	"cost_view":           true,
	"tape_handoff":        true,
	"tape_info":           true,
	"tape_search":         true,
	"session_compact":     true,
	"rollback_last_patch": true,
}

// AccessDecision is the outcome of a tool access check.
type AccessDecision struct {
	Allowed bool
	Reason  string
	// Warning carries a one-time advisory for warn-mode violations. The
	// caller is expected to surface it (event, log) exactly once.
	Warning string
}

type sessionState struct {
	activeSkill string
	toolCalls   map[string]int
	tokens      map[string]int
	warned      map[string]bool // "<kind>:<skill>" -> already warned
	slots       map[string]string
}

// Registry holds loaded skill contracts and per-session activation state.
type Registry struct {
	mu        sync.Mutex
	contracts map[string]*Contract
	ordered   []*Contract
	security  config.SecurityConfig
	parallel  config.ParallelConfig
	cost      CostGate
	sessions  map[string]*sessionState
	active    int // total held parallel slots
}

// NewRegistry builds a registry over the given contracts. cost may be nil.
func NewRegistry(contracts []*Contract, security config.SecurityConfig, parallel config.ParallelConfig, cost CostGate) *Registry {
	byName := make(map[string]*Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Name] = c
	}
	return &Registry{
		contracts: byName,
		ordered:   contracts,
		security:  security,
		parallel:  parallel,
		cost:      cost,
		sessions:  make(map[string]*sessionState),
	}
}

// Get returns a contract by name.
func (r *Registry) Get(name string) (*Contract, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[name]
	return c, ok
}

// Contracts returns all loaded contracts in name order.
func (r *Registry) Contracts() []*Contract {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Contract, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) session(sessionID string) *sessionState {
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &sessionState{
			toolCalls: make(map[string]int),
			tokens:    make(map[string]int),
			warned:    make(map[string]bool),
			slots:     make(map[string]string),
		}
		r.sessions[sessionID] = s
	}
	return s
}

// ActivateSkill marks a skill active for the session. Counters persist
// across re-activations within the session.
func (r *Registry) ActivateSkill(sessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contracts[name]; !ok {
		return fmt.Errorf("unknown skill %q", name)
	}
	r.session(sessionID).activeSkill = name
	logging.Skill("Activated skill %s for session %s", name, sessionID)
	return nil
}

// CompleteSkill deactivates the session's active skill.
func (r *Registry) CompleteSkill(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.activeSkill = ""
	}
}

// ActiveSkill returns the session's active skill name, or "".
func (r *Registry) ActiveSkill(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.activeSkill
	}
	return ""
}

// RecordToolCall increments the active skill's tool-call counter.
func (r *Registry) RecordToolCall(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	if s.activeSkill != "" {
		s.toolCalls[s.activeSkill]++
	}
}

// AddTokens charges tokens against the active skill's budget.
func (r *Registry) AddTokens(sessionID string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	if s.activeSkill != "" && tokens > 0 {
		s.tokens[s.activeSkill] += tokens
	}
}

// SkillUsage reports the tool-call and token counters for one skill.
func (r *Registry) SkillUsage(sessionID, skill string) (toolCalls, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.toolCalls[skill], s.tokens[skill]
	}
	return 0, 0
}

// ClearSession drops all per-session state, releasing any held slots.
func (r *Registry) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		r.active -= len(s.slots)
		if r.active < 0 {
			r.active = 0
		}
		delete(r.sessions, sessionID)
	}
}

// CheckToolAccess runs the full access policy for one tool call.
func (r *Registry) CheckToolAccess(sessionID, toolName string) AccessDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Raw shell access is never allowed; exec is the managed path.
	if toolName == "bash" || toolName == "shell" {
		return AccessDecision{Reason: "tool '" + toolName + "' is blocked; use 'exec'"}
	}

	for _, denied := range r.security.CommandDenyList {
		if toolName == denied {
			return AccessDecision{Reason: "tool '" + toolName + "' is on the workspace deny list"}
		}
	}

	s := r.session(sessionID)
	var contract *Contract
	if s.activeSkill != "" {
		contract = r.contracts[s.activeSkill]
	}

	var warning string
	if contract != nil && !exemptTools[toolName] {
		if r.security.EnforceDeniedTools && contract.deniesTool(toolName) {
			return AccessDecision{Reason: fmt.Sprintf("tool %q denied by skill %q", toolName, contract.Name)}
		}
		if !contract.allowsTool(toolName) {
			switch r.security.AllowedToolsMode {
			case "enforce":
				return AccessDecision{Reason: fmt.Sprintf("tool %q not in skill %q allow-list", toolName, contract.Name)}
			case "warn":
				warning = r.warnOnce(s, "allow:"+contract.Name,
					fmt.Sprintf("tool %q is outside skill %q allow-list", toolName, contract.Name))
			}
		}
	}

	if r.cost != nil && r.cost.BudgetBlocked(sessionID) {
		return AccessDecision{Reason: "session_budget_exceeded"}
	}

	if contract != nil {
		if contract.Budget.MaxToolCalls > 0 && s.toolCalls[contract.Name] >= contract.Budget.MaxToolCalls {
			switch r.security.SkillMaxToolCallsMode {
			case "enforce":
				return AccessDecision{Reason: "skill_max_tool_calls"}
			case "warn":
				if w := r.warnOnce(s, "calls:"+contract.Name,
					fmt.Sprintf("skill %q exceeded max tool calls (%d)", contract.Name, contract.Budget.MaxToolCalls)); w != "" {
					warning = w
				}
			}
		}
		if contract.Budget.MaxTokens > 0 && s.tokens[contract.Name] >= contract.Budget.MaxTokens {
			switch r.security.SkillMaxTokensMode {
			case "enforce":
				return AccessDecision{Reason: "skill_max_tokens"}
			case "warn":
				if w := r.warnOnce(s, "tokens:"+contract.Name,
					fmt.Sprintf("skill %q exceeded max tokens (%d)", contract.Name, contract.Budget.MaxTokens)); w != "" {
					warning = w
				}
			}
		}
	}

	return AccessDecision{Allowed: true, Warning: warning}
}

// warnOnce records a warn-mode violation, returning the message only the
// first time a key fires for the session.
func (r *Registry) warnOnce(s *sessionState, key, msg string) string {
	if s.warned[key] {
		return ""
	}
	s.warned[key] = true
	logging.Skill("Budget warning: %s", msg)
	return msg
}

// sanitizePrompt lowercases and strips punctuation so selection sees plain
// word tokens.
func sanitizePrompt(prompt string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(prompt) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
