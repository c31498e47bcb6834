package budget

import (
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Enabled:                    true,
		MaxInjectionTokens:         1000,
		CompactionThresholdPercent: 0.70,
		HardLimitPercent:           0.85,
		TruncationStrategy:         TruncateTail,
		MinTurnsBetweenCompaction:  2,
	}
}

func TestClassifyPressure(t *testing.T) {
	m := NewManager(testConfig())

	cases := []struct {
		percent float64
		want    string
	}{
		{0.90, PressureCritical},
		{0.85, PressureCritical},
		{0.75, PressureHigh},
		{0.70, PressureHigh},
		{0.60, PressureMedium}, // >= max(0.5, 0.525)
		{0.40, PressureLow},    // >= max(0.25, 0.35)
		{0.10, PressureNone},
	}
	for _, c := range cases {
		got := m.ClassifyPressure(Usage{Percent: c.percent})
		if got != c.want {
			t.Errorf("ClassifyPressure(%.2f) = %s, want %s", c.percent, got, c.want)
		}
	}

	if got := m.ClassifyPressure(Usage{}); got != PressureUnknown {
		t.Errorf("Empty usage should be unknown, got %s", got)
	}
}

func TestPlanInjectionHardLimit(t *testing.T) {
	m := NewManager(testConfig())

	// 85% of 1000 = 850; usage already at 860.
	result := m.PlanInjection("s1", "hello world", Usage{Tokens: 860, ContextWindow: 1000})
	if result.Accepted || result.DroppedReason != "hard_limit" {
		t.Errorf("Expected hard_limit rejection, got %+v", result)
	}
}

func TestPlanInjectionTailTruncation(t *testing.T) {
	m := NewManager(testConfig())

	// Available: 850 - 800 = 50 tokens = ~200 runes.
	text := strings.Repeat("abcd ", 400) // ~500 tokens
	result := m.PlanInjection("s1", text, Usage{Tokens: 800, ContextWindow: 1000})
	if !result.Accepted || !result.Truncated {
		t.Fatalf("Expected truncated acceptance, got %+v", result)
	}
	if result.FinalTokens > 50 {
		t.Errorf("Final tokens over budget: %d", result.FinalTokens)
	}
	if !strings.HasSuffix(text, result.FinalText) {
		t.Errorf("Tail strategy should keep the suffix")
	}
}

func TestPlanInjectionDropEntry(t *testing.T) {
	cfg := testConfig()
	cfg.TruncationStrategy = TruncateDropEntry
	m := NewManager(cfg)

	text := strings.Repeat("entry one text ", 20) + "\n\n" + strings.Repeat("entry two text ", 20)
	result := m.PlanInjection("s1", text, Usage{Tokens: 780, ContextWindow: 1000})
	if !result.Accepted || !result.Truncated {
		t.Fatalf("Expected truncated acceptance, got %+v", result)
	}
	if strings.Contains(result.FinalText, "entry two") {
		t.Errorf("Drop-entry should drop trailing entries first")
	}
}

func TestShouldRequestCompaction(t *testing.T) {
	m := NewManager(testConfig())
	m.BeginTurn("s1", 1)

	d := m.ShouldRequestCompaction("s1", Usage{Percent: 0.75})
	if !d.ShouldCompact {
		t.Fatalf("Expected compaction request, got %+v", d)
	}

	m.MarkCompacted("s1")
	m.BeginTurn("s1", 2)
	d = m.ShouldRequestCompaction("s1", Usage{Percent: 0.75})
	if d.ShouldCompact || d.Reason != "recently_compacted" {
		t.Errorf("Min turn spacing not honored: %+v", d)
	}

	m.BeginTurn("s1", 3)
	d = m.ShouldRequestCompaction("s1", Usage{Percent: 0.75})
	if !d.ShouldCompact {
		t.Errorf("Expected compaction after spacing elapsed: %+v", d)
	}

	d = m.ShouldRequestCompaction("s1", Usage{Percent: 0.30})
	if d.ShouldCompact {
		t.Errorf("Below threshold should not compact: %+v", d)
	}
}

func TestCompactionGateSequence(t *testing.T) {
	cfg := testConfig()
	cfg.HardLimitPercent = 0.80
	m := NewManager(cfg)

	// Turn 1: usage 95% -> gate arms on first non-compact tool.
	m.BeginTurn("s1", 1)
	m.ObserveUsage("s1", Usage{Percent: 0.95})

	d := m.CheckGate("s1", "lsp_symbols")
	if d.Allowed || !d.Armed {
		t.Fatalf("Expected armed block, got %+v", d)
	}
	if d.Reason != GateBlockedMessage {
		t.Errorf("Wrong gate message: %s", d.Reason)
	}

	// Gate is sticky: second attempt blocked without re-arming.
	d = m.CheckGate("s1", "lsp_symbols")
	if d.Allowed || d.Armed {
		t.Errorf("Sticky gate wrong: %+v", d)
	}

	// session_compact passes through.
	d = m.CheckGate("s1", CompactTool)
	if !d.Allowed {
		t.Errorf("session_compact must pass: %+v", d)
	}

	// Compaction clears the gate; same tool in turn 2 allowed.
	m.MarkCompacted("s1")
	m.BeginTurn("s1", 2)
	m.ObserveUsage("s1", Usage{Percent: 0.40})
	d = m.CheckGate("s1", "lsp_symbols")
	if !d.Allowed {
		t.Errorf("Gate should clear after compaction: %+v", d)
	}
}

func TestGateStaysDownAfterRecentCompaction(t *testing.T) {
	cfg := testConfig()
	cfg.HardLimitPercent = 0.80
	m := NewManager(cfg)

	m.BeginTurn("s1", 1)
	m.MarkCompacted("s1")
	m.BeginTurn("s1", 2)
	m.ObserveUsage("s1", Usage{Percent: 0.95})

	// Compacted one turn ago (< minTurnsBetweenCompaction): gate stays down.
	if d := m.CheckGate("s1", "edit"); !d.Allowed {
		t.Errorf("Gate should not arm within compaction window: %+v", d)
	}
}

func TestScopeReservations(t *testing.T) {
	m := NewManager(testConfig())
	m.BeginTurn("s1", 1)

	if got := m.ReserveScope("s1", "", 600); got != 600 {
		t.Errorf("First reservation should grant fully: %d", got)
	}
	if got := m.ReserveScope("s1", "", 600); got != 400 {
		t.Errorf("Second reservation should clamp to cap: %d", got)
	}
	if got := m.ReserveScope("s1", "", 10); got != 0 {
		t.Errorf("Exhausted scope should grant 0: %d", got)
	}

	// Scopes are independent.
	if got := m.ReserveScope("s1", "branch-2", 500); got != 500 {
		t.Errorf("Separate scope should have its own budget: %d", got)
	}

	// BeginTurn resets reservations.
	m.BeginTurn("s1", 2)
	if got := m.ScopeReserved("s1", ""); got != 0 {
		t.Errorf("Reservations should reset per turn: %d", got)
	}
}
