package skill

import (
	"os"
	"path/filepath"
	"testing"

	"keel/internal/config"
)

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		AllowedToolsMode:      "enforce",
		EnforceDeniedTools:    true,
		SkillMaxTokensMode:    "enforce",
		SkillMaxToolCallsMode: "enforce",
		SkillMaxParallelMode:  "enforce",
		CommandDenyList:       []string{"danger_tool"},
	}
}

func testContracts() []*Contract {
	return []*Contract{
		{
			Name: "refactor",
			Tier: TierBase,
			Tags: []string{"refactor", "rename"},
			Tools: ToolSet{
				Required: []string{"edit"},
				Optional: []string{"read", "lsp_symbols"},
				Denied:   []string{"exec"},
			},
			Budget:      Budget{MaxToolCalls: 3, MaxTokens: 100},
			MaxParallel: 1,
		},
		{
			Name:        "test-writer",
			Tier:        TierProject,
			Description: "Writes unit tests for changed modules",
			Tags:        []string{"tests", "coverage"},
			Tools:       ToolSet{Required: []string{"edit", "exec"}},
		},
	}
}

func newTestRegistry(cost CostGate) *Registry {
	return NewRegistry(testContracts(), testSecurity(), config.ParallelConfig{Enabled: true, MaxConcurrent: 2}, cost)
}

type fakeCost struct{ blocked bool }

func (f *fakeCost) BudgetBlocked(string) bool { return f.blocked }

func TestLoadContracts(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".keel", "skills")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	yaml := `name: refactor
tier: base
tags: [refactor, rename]
tools:
  required: [edit]
  denied: [exec]
budget:
  max_tool_calls: 40
  max_tokens: 60000
max_parallel: 2
stability: stable
`
	if err := os.WriteFile(filepath.Join(dir, "refactor.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	contracts, err := LoadContracts(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(contracts) != 1 {
		t.Fatalf("Expected 1 contract, got %d", len(contracts))
	}
	c := contracts[0]
	if c.Name != "refactor" || c.Budget.MaxToolCalls != 40 || c.MaxParallel != 2 {
		t.Errorf("Contract fields wrong: %+v", c)
	}
	if !c.allowsTool("edit") || !c.deniesTool("exec") {
		t.Errorf("Tool sets wrong: %+v", c.Tools)
	}
}

func TestLoadContractsMissingDir(t *testing.T) {
	contracts, err := LoadContracts(t.TempDir())
	if err != nil || contracts != nil {
		t.Errorf("Missing dir should yield empty registry: %v %v", contracts, err)
	}
}

func TestBashAlwaysBlocked(t *testing.T) {
	r := newTestRegistry(nil)
	for _, tool := range []string{"bash", "shell"} {
		if d := r.CheckToolAccess("s1", tool); d.Allowed {
			t.Errorf("%s must be blocked: %+v", tool, d)
		}
	}
}

func TestWorkspaceDenyList(t *testing.T) {
	r := newTestRegistry(nil)
	if d := r.CheckToolAccess("s1", "danger_tool"); d.Allowed {
		t.Errorf("Deny-listed tool allowed: %+v", d)
	}
}

func TestAllowListEnforcement(t *testing.T) {
	r := newTestRegistry(nil)
	if err := r.ActivateSkill("s1", "refactor"); err != nil {
		t.Fatal(err)
	}

	if d := r.CheckToolAccess("s1", "edit"); !d.Allowed {
		t.Errorf("Required tool should pass: %+v", d)
	}
	if d := r.CheckToolAccess("s1", "grep"); d.Allowed {
		t.Errorf("Off-list tool should be rejected under enforce: %+v", d)
	}
	if d := r.CheckToolAccess("s1", "exec"); d.Allowed {
		t.Errorf("Denied tool should be rejected: %+v", d)
	}

	// Exempt tools bypass the allow-list even under enforce.
	for _, tool := range []string{"skill_complete", "ledger_query", "session_compact", "rollback_last_patch"} {
		if d := r.CheckToolAccess("s1", tool); !d.Allowed {
			t.Errorf("Exempt tool %s rejected: %+v", tool, d)
		}
	}
}

func TestAllowListWarnModeFiresOnce(t *testing.T) {
	sec := testSecurity()
	sec.AllowedToolsMode = "warn"
	r := NewRegistry(testContracts(), sec, config.ParallelConfig{Enabled: true}, nil)
	if err := r.ActivateSkill("s1", "refactor"); err != nil {
		t.Fatal(err)
	}

	d := r.CheckToolAccess("s1", "grep")
	if !d.Allowed || d.Warning == "" {
		t.Fatalf("Expected allowed with warning: %+v", d)
	}
	d = r.CheckToolAccess("s1", "grep")
	if !d.Allowed || d.Warning != "" {
		t.Errorf("Warning should fire once per skill: %+v", d)
	}
}

func TestCostBudgetBlocks(t *testing.T) {
	cost := &fakeCost{}
	r := newTestRegistry(cost)

	if d := r.CheckToolAccess("s1", "edit"); !d.Allowed {
		t.Fatalf("Unblocked budget should pass: %+v", d)
	}
	cost.blocked = true
	if d := r.CheckToolAccess("s1", "edit"); d.Allowed || d.Reason != "session_budget_exceeded" {
		t.Errorf("Blocked budget should reject: %+v", d)
	}
}

func TestSkillBudgetCaps(t *testing.T) {
	r := newTestRegistry(nil)
	if err := r.ActivateSkill("s1", "refactor"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if d := r.CheckToolAccess("s1", "edit"); !d.Allowed {
			t.Fatalf("Call %d should pass: %+v", i, d)
		}
		r.RecordToolCall("s1")
	}
	if d := r.CheckToolAccess("s1", "edit"); d.Allowed || d.Reason != "skill_max_tool_calls" {
		t.Errorf("Over tool-call cap should reject: %+v", d)
	}

	// Token cap on a fresh session.
	r.ActivateSkill("s2", "refactor")
	r.AddTokens("s2", 100)
	if d := r.CheckToolAccess("s2", "edit"); d.Allowed || d.Reason != "skill_max_tokens" {
		t.Errorf("Over token cap should reject: %+v", d)
	}
}

func TestSelectTopK(t *testing.T) {
	r := newTestRegistry(nil)

	got := r.Select("please refactor and rename the handler", 5)
	if len(got) == 0 || got[0].Contract.Name != "refactor" {
		t.Fatalf("Expected refactor first, got %+v", got)
	}

	got = r.Select("add tests for coverage of the parser", 1)
	if len(got) != 1 || got[0].Contract.Name != "test-writer" {
		t.Errorf("Expected test-writer, got %+v", got)
	}

	if got := r.Select("completely unrelated words", 5); len(got) != 0 {
		t.Errorf("No-overlap prompt should select nothing: %+v", got)
	}
}

func TestSelectTieBreakByTier(t *testing.T) {
	contracts := []*Contract{
		{Name: "zeta", Tier: TierBase, Tags: []string{"deploy"}},
		{Name: "alpha", Tier: TierProject, Tags: []string{"deploy"}},
	}
	r := NewRegistry(contracts, testSecurity(), config.ParallelConfig{}, nil)

	got := r.Select("deploy", 2)
	if len(got) != 2 || got[0].Contract.Name != "zeta" {
		t.Errorf("Base tier should win ties: %+v", got)
	}
}

func TestParallelSlots(t *testing.T) {
	r := newTestRegistry(nil)

	if d := r.AcquireParallelSlot("s1", "r1"); !d.Granted {
		t.Fatalf("First slot should grant: %+v", d)
	}
	if d := r.AcquireParallelSlot("s1", "r1"); !d.Granted {
		t.Errorf("Re-acquire of held slot should grant: %+v", d)
	}
	if r.ActiveSlots() != 1 {
		t.Errorf("Re-acquire must not double count: %d", r.ActiveSlots())
	}

	if d := r.AcquireParallelSlot("s2", "r2"); !d.Granted {
		t.Fatalf("Second slot should grant: %+v", d)
	}
	if d := r.AcquireParallelSlot("s3", "r3"); d.Granted || d.Reason != "max_concurrent_exceeded" {
		t.Errorf("Over global cap should reject: %+v", d)
	}

	// Release is idempotent.
	r.ReleaseParallelSlot("s1", "r1")
	r.ReleaseParallelSlot("s1", "r1")
	if r.ActiveSlots() != 1 {
		t.Errorf("Double release must not underflow: %d", r.ActiveSlots())
	}

	if d := r.AcquireParallelSlot("s3", "r3"); !d.Granted {
		t.Errorf("Freed slot should grant: %+v", d)
	}
}

func TestPerSkillParallelCap(t *testing.T) {
	r := NewRegistry(testContracts(), testSecurity(), config.ParallelConfig{Enabled: true, MaxConcurrent: 10}, nil)
	r.ActivateSkill("s1", "refactor")
	r.ActivateSkill("s2", "refactor")

	if d := r.AcquireParallelSlot("s1", "r1"); !d.Granted {
		t.Fatalf("First refactor slot should grant: %+v", d)
	}
	if d := r.AcquireParallelSlot("s2", "r2"); d.Granted || d.Reason != "skill_max_parallel" {
		t.Errorf("Per-skill cap should reject: %+v", d)
	}
}

func TestClearSessionReleasesSlots(t *testing.T) {
	r := newTestRegistry(nil)
	r.AcquireParallelSlot("s1", "r1")
	r.ClearSession("s1")
	if r.ActiveSlots() != 0 {
		t.Errorf("ClearSession should release held slots: %d", r.ActiveSlots())
	}
}

func TestParallelDisabled(t *testing.T) {
	r := NewRegistry(testContracts(), testSecurity(), config.ParallelConfig{Enabled: false}, nil)
	if d := r.AcquireParallelSlot("s1", "r1"); d.Granted || d.Reason != "parallel_disabled" {
		t.Errorf("Disabled parallelism should reject: %+v", d)
	}
}
