// Package verify is the completion gate: it tracks per-session evidence and
// check runs, re-runs stale checks against the workspace, and mirrors failing
// checks into truth facts and task blockers.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"keel/internal/config"
	"keel/internal/event"
	"keel/internal/logging"
	"keel/internal/replay"
)

// Verification levels.
const (
	LevelQuick    = "quick"
	LevelStandard = "standard"
	LevelStrict   = "strict"
)

// Evidence kinds recognized by the gate.
const (
	EvidenceLSPClean    = "lsp_clean"
	EvidenceTestsPassed = "test_or_build_passed"
)

// Evidence is one recorded piece of completion evidence.
type Evidence struct {
	Kind      string `json:"kind"`
	LedgerID  string `json:"ledgerId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CheckRun is the cached outcome of one named check.
type CheckRun struct {
	Timestamp     int64  `json:"timestamp"`
	OK            bool   `json:"ok"`
	Command       string `json:"command"`
	ExitCode      int    `json:"exitCode"`
	DurationMs    int64  `json:"durationMs"`
	LedgerID      string `json:"ledgerId,omitempty"`
	OutputSummary string `json:"outputSummary,omitempty"`
}

// CheckStatus reports one check's contribution to an evaluation.
type CheckStatus struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Fresh      bool   `json:"fresh"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Summary    string `json:"summary,omitempty"`
}

// Result is the outcome of an evaluation.
type Result struct {
	Passed          bool          `json:"passed"`
	Level           string        `json:"level"`
	MissingEvidence []string      `json:"missingEvidence,omitempty"`
	Checks          []CheckStatus `json:"checks,omitempty"`
}

// Runner executes one check command in the workspace, returning the exit
// code and combined output.
type Runner func(ctx context.Context, dir, command string) (int, string, error)

func shellRunner(ctx context.Context, dir, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

type sessionState struct {
	lastWriteAt int64
	evidence    []Evidence
	checkRuns   map[string]CheckRun
	denialCount int
	// blockers tracks which verifier blockers this gate has open, so a
	// newly passing check resolves exactly what it raised.
	blockers map[string]bool
}

// Gate evaluates completion readiness per session.
type Gate struct {
	mu        sync.Mutex
	cfg       config.VerificationConfig
	workspace string
	sessions  map[string]*sessionState
	runner    Runner
	events    *event.Store
	now       func() int64
	lastTick  int64
}

// NewGate builds a verification gate. events may be nil when blocker sync is
// not wired.
func NewGate(workspace string, cfg config.VerificationConfig, events *event.Store) *Gate {
	return &Gate{
		cfg:       cfg,
		workspace: workspace,
		sessions:  make(map[string]*sessionState),
		runner:    shellRunner,
		events:    events,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetRunner swaps the check command runner.
func (g *Gate) SetRunner(r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runner = r
}

// nowLocked returns a strictly increasing millisecond timestamp so that a
// mutation recorded after evidence always stales it, even within one ms.
func (g *Gate) nowLocked() int64 {
	t := g.now()
	if t <= g.lastTick {
		t = g.lastTick + 1
	}
	g.lastTick = t
	return t
}

func (g *Gate) session(sessionID string) *sessionState {
	s, ok := g.sessions[sessionID]
	if !ok {
		s = &sessionState{
			checkRuns: make(map[string]CheckRun),
			blockers:  make(map[string]bool),
		}
		g.sessions[sessionID] = s
	}
	return s
}

// NoteMutation records that the session just mutated the workspace, which
// invalidates cached check runs and evidence.
func (g *Gate) NoteMutation(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session(sessionID).lastWriteAt = g.nowLocked()
}

// AddEvidence records completion evidence (usually classified from a tool
// result by the orchestrator).
func (g *Gate) AddEvidence(sessionID, kind, ledgerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.session(sessionID)
	s.evidence = append(s.evidence, Evidence{Kind: kind, LedgerID: ledgerID, Timestamp: g.nowLocked()})
}

// DenialCount returns how many times the session failed verification.
func (g *Gate) DenialCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[sessionID]; ok {
		return s.denialCount
	}
	return 0
}

// ClearSession drops per-session verification state.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

func requiredEvidence(level string) []string {
	switch level {
	case LevelStandard:
		return []string{EvidenceTestsPassed}
	case LevelStrict:
		return []string{EvidenceLSPClean, EvidenceTestsPassed}
	default:
		return nil
	}
}

// Evaluate checks evidence and cached check runs against the level's
// requirements without executing anything.
func (g *Gate) Evaluate(sessionID, level string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluateLocked(sessionID, level)
}

func (g *Gate) evaluateLocked(sessionID, level string) Result {
	s := g.session(sessionID)
	result := Result{Level: level, Passed: true}

	for _, kind := range requiredEvidence(level) {
		if !g.hasFreshEvidence(s, kind) {
			result.MissingEvidence = append(result.MissingEvidence, kind)
			result.Passed = false
		}
	}

	for _, name := range g.cfg.Checks[level] {
		run, ok := s.checkRuns[name]
		status := CheckStatus{Name: name}
		if ok {
			status.OK = run.OK
			status.Fresh = run.Timestamp >= s.lastWriteAt
			status.ExitCode = run.ExitCode
			status.DurationMs = run.DurationMs
			status.Summary = run.OutputSummary
		}
		if !ok || !status.Fresh || !status.OK {
			result.Passed = false
		}
		result.Checks = append(result.Checks, status)
	}
	return result
}

func (g *Gate) hasFreshEvidence(s *sessionState, kind string) bool {
	for _, ev := range s.evidence {
		if ev.Kind == kind && ev.Timestamp >= s.lastWriteAt {
			return true
		}
	}
	return false
}

// VerifyCompletion runs missing or stale checks for the level (quick never
// executes), caches their outcomes, then re-evaluates. A failed result bumps
// the session's denial count.
func (g *Gate) VerifyCompletion(ctx context.Context, sessionID, level string, executeCommands bool) Result {
	if level != LevelQuick && executeCommands {
		g.runStaleChecks(ctx, sessionID, level)
	}

	g.mu.Lock()
	result := g.evaluateLocked(sessionID, level)
	if !result.Passed {
		g.session(sessionID).denialCount++
	}
	g.mu.Unlock()

	logging.Verify("Completion check session=%s level=%s passed=%v missing=%v",
		sessionID, level, result.Passed, result.MissingEvidence)
	return result
}

func (g *Gate) runStaleChecks(ctx context.Context, sessionID, level string) {
	g.mu.Lock()
	s := g.session(sessionID)
	var stale []string
	for _, name := range g.cfg.Checks[level] {
		run, ok := s.checkRuns[name]
		if !ok || run.Timestamp < s.lastWriteAt || !run.OK {
			if _, hasCmd := g.cfg.Commands[name]; hasCmd {
				stale = append(stale, name)
			}
		}
	}
	runner := g.runner
	timeout := g.cfg.Timeout()
	g.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	grp, gctx := errgroup.WithContext(ctx)
	results := make([]CheckRun, len(stale))
	for i, name := range stale {
		i := i
		command := g.cfg.Commands[name]
		grp.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := time.Now()
			exitCode, output, err := runner(cctx, g.workspace, command)
			run := CheckRun{
				Command:       command,
				ExitCode:      exitCode,
				DurationMs:    time.Since(start).Milliseconds(),
				OK:            err == nil && exitCode == 0,
				OutputSummary: summarize(output, 400),
			}
			if err != nil {
				run.OutputSummary = summarize(fmt.Sprintf("%s: %v", output, err), 400)
			}
			results[i] = run
			return nil
		})
	}
	_ = grp.Wait()

	g.mu.Lock()
	for i, name := range stale {
		results[i].Timestamp = g.nowLocked()
		s.checkRuns[name] = results[i]
		logging.Verify("Check %s session=%s ok=%v exit=%d in %dms",
			name, sessionID, results[i].OK, results[i].ExitCode, results[i].DurationMs)
	}
	g.mu.Unlock()
}

// SyncVerificationBlockers mirrors check outcomes into the session's truth
// and task projections: a failing check upserts a verifier fact and blocker;
// a newly passing check resolves both.
func (g *Gate) SyncVerificationBlockers(sessionID string, turn int) error {
	if g.events == nil {
		return nil
	}

	g.mu.Lock()
	s := g.session(sessionID)
	type outcome struct {
		name string
		run  CheckRun
		open bool
	}
	var outcomes []outcome
	for name, run := range s.checkRuns {
		if run.Timestamp < s.lastWriteAt {
			continue
		}
		outcomes = append(outcomes, outcome{name: name, run: run, open: s.blockers[name]})
	}
	g.mu.Unlock()

	for _, o := range outcomes {
		factID := "truth:verifier:" + o.name
		blockerID := "verifier:" + o.name

		if !o.run.OK {
			fact := replay.Fact{
				ID:       factID,
				Kind:     "verifier",
				Status:   replay.FactActive,
				Severity: replay.SeverityError,
				Summary:  fmt.Sprintf("check %q failing (exit %d)", o.name, o.run.ExitCode),
				Details:  o.run.OutputSummary,
			}
			if _, err := g.events.Append(event.AppendInput{
				SessionID: sessionID,
				Type:      replay.EventFactUpserted,
				Turn:      turn,
				Payload:   replay.EncodePayload(fact),
			}); err != nil {
				return fmt.Errorf("failed to upsert verifier fact: %w", err)
			}
			blocker := replay.Blocker{
				ID:          blockerID,
				Message:     fmt.Sprintf("verification check %q is failing", o.name),
				Source:      "verifier",
				TruthFactID: factID,
			}
			if _, err := g.events.Append(event.AppendInput{
				SessionID: sessionID,
				Type:      replay.EventBlockerAdded,
				Turn:      turn,
				Payload:   replay.EncodePayload(blocker),
			}); err != nil {
				return fmt.Errorf("failed to add verifier blocker: %w", err)
			}
			g.mu.Lock()
			s.blockers[o.name] = true
			g.mu.Unlock()
			continue
		}

		if o.open {
			if _, err := g.events.Append(event.AppendInput{
				SessionID: sessionID,
				Type:      replay.EventFactResolved,
				Turn:      turn,
				Payload:   map[string]interface{}{"id": factID},
			}); err != nil {
				return fmt.Errorf("failed to resolve verifier fact: %w", err)
			}
			if _, err := g.events.Append(event.AppendInput{
				SessionID: sessionID,
				Type:      replay.EventBlockerResolved,
				Turn:      turn,
				Payload:   map[string]interface{}{"id": blockerID},
			}); err != nil {
				return fmt.Errorf("failed to resolve verifier blocker: %w", err)
			}
			g.mu.Lock()
			delete(s.blockers, o.name)
			g.mu.Unlock()
		}
	}
	return nil
}

func summarize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
