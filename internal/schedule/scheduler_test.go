package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"keel/internal/config"
	"keel/internal/event"
	"keel/internal/replay"
	"keel/internal/wal"
)

type testEnv struct {
	ws     string
	events *event.Store
	engine *replay.Engine
	wal    *wal.Log
	sched  *Scheduler

	mu    sync.Mutex
	clock int64
}

func (e *testEnv) nowMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *testEnv) advance(ms int64) {
	e.mu.Lock()
	e.clock += ms
	e.mu.Unlock()
}

func (e *testEnv) setClock(ms int64) {
	e.mu.Lock()
	e.clock = ms
	e.mu.Unlock()
}

func testScheduleConfig() config.ScheduleConfig {
	cfg := config.DefaultConfig().Schedule
	cfg.MinIntervalMs = 1000
	cfg.BackoffBaseMs = 1000
	cfg.BackoffCapMs = 600_000
	return cfg
}

func newTestEnv(t *testing.T, exec Executor, mutate func(*config.ScheduleConfig)) *testEnv {
	t.Helper()
	ws := t.TempDir()
	events, err := event.NewStore(ws, true, 64)
	if err != nil {
		t.Fatal(err)
	}
	engine := replay.NewEngine(events, replay.TapeThresholds{Low: 15, Medium: 30, High: 60})
	walCfg := config.DefaultConfig().Infrastructure.TurnWAL
	wlog, err := wal.NewLog(ws, walCfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg := testScheduleConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{ws: ws, events: events, engine: engine, wal: wlog, clock: time.Now().UnixMilli()}
	env.sched = New(ws, cfg, walCfg, events, engine, wlog, exec)
	env.sched.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	t.Cleanup(func() {
		env.sched.Stop()
		events.Close()
	})
	return env
}

func okExecutor(evalSession string) Executor {
	return func(intent Intent, wakeup string) (ExecuteResult, error) {
		return ExecuteResult{EvaluationSessionID: evalSession}, nil
	}
}

func eventTypes(t *testing.T, store *event.Store, sessionID string) []string {
	t.Helper()
	recs, err := store.List(sessionID, event.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, r := range recs {
		out = append(out, r.Type)
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestCreateIntentValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, okExecutor("eval-v"), func(c *config.ScheduleConfig) {
		c.MaxActiveIntentsPerSession = 1
		c.MaxActiveIntentsGlobal = 2
	})
	now := env.nowMs()

	cases := []struct {
		name    string
		in      CreateInput
		wantErr string
	}{
		{"missing reason", CreateInput{ParentSessionID: "s1", RunAt: now + 5000}, "missing_reason"},
		{"both runAt and cron", CreateInput{ParentSessionID: "s1", Reason: "r", RunAt: now + 5000, Cron: "* * * * *"}, "conflict_runAt_and_cron_are_mutually_exclusive"},
		{"neither runAt nor cron", CreateInput{ParentSessionID: "s1", Reason: "r"}, "invalid_runAt"},
		{"timeZone without cron", CreateInput{ParentSessionID: "s1", Reason: "r", RunAt: now + 5000, TimeZone: "UTC"}, "conflict_timeZone_requires_cron"},
		{"bad cron", CreateInput{ParentSessionID: "s1", Reason: "r", Cron: "not a cron"}, "invalid_cron"},
		{"bad time zone", CreateInput{ParentSessionID: "s1", Reason: "r", Cron: "* * * * *", TimeZone: "Mars/Olympus"}, "invalid_time_zone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.sched.CreateIntent(tc.in)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}

	first, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-dup", ParentSessionID: "s1", Reason: "r", RunAt: now + 5000,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, first.Status)

	_, err = env.sched.CreateIntent(CreateInput{
		IntentID: "int-dup", ParentSessionID: "s2", Reason: "r", RunAt: now + 5000,
	})
	require.ErrorContains(t, err, "conflict_intent_id_already_exists")

	_, err = env.sched.CreateIntent(CreateInput{ParentSessionID: "s1", Reason: "r", RunAt: now + 5000})
	require.ErrorContains(t, err, "limit_max_active_intents_per_session_exceeded")

	_, err = env.sched.CreateIntent(CreateInput{ParentSessionID: "s2", Reason: "r", RunAt: now + 5000})
	require.NoError(t, err)
	_, err = env.sched.CreateIntent(CreateInput{ParentSessionID: "s3", Reason: "r", RunAt: now + 5000})
	require.ErrorContains(t, err, "limit_max_active_intents_global_exceeded")
}

func TestRunAtClampsToMinInterval(t *testing.T) {
	env := newTestEnv(t, okExecutor("eval-c"), nil)
	now := env.nowMs()

	intent, err := env.sched.CreateIntent(CreateInput{
		ParentSessionID: "sess-clamp", Reason: "past fire", RunAt: now - 60_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if intent.NextRunAt != now+1000 {
		t.Errorf("Past runAt should clamp to now+minInterval: got %d want %d", intent.NextRunAt, now+1000)
	}
}

func TestOneShotFireConverges(t *testing.T) {
	var wakeups []string
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		wakeups = append(wakeups, wakeup)
		return ExecuteResult{EvaluationSessionID: "eval-s1"}, nil
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	intent, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-once", ParentSessionID: "sess-par", Reason: "nightly summary",
		RunAt: now + 5000, ContinuityMode: ContinuityInherit,
	})
	if err != nil {
		t.Fatal(err)
	}

	env.advance(6000)
	env.sched.FireIntent("int-once")

	got, _ := env.sched.Intent("int-once")
	if got.Status != StatusConverged || got.RunCount != 1 || got.NextRunAt != 0 {
		t.Fatalf("One-shot should converge after firing: %+v", got)
	}
	if got.LeaseUntilMs != 0 {
		t.Errorf("Lease should clear after the fire")
	}

	parent := eventTypes(t, env.events, "sess-par")
	for _, want := range []string{EventIntentCreated, EventIntentFired, EventIntentConverged} {
		if !hasType(parent, want) {
			t.Errorf("Parent session missing %s: %v", want, parent)
		}
	}
	if evalEvents := eventTypes(t, env.events, "eval-s1"); !hasType(evalEvents, EventWakeup) {
		t.Errorf("Evaluation session missing wakeup event: %v", evalEvents)
	}

	if len(wakeups) != 1 {
		t.Fatalf("Executor should run once, ran %d times", len(wakeups))
	}
	for _, want := range []string{
		"[Schedule Wakeup]", "intent_id: int-once", "run_index: 1",
		"reason: nightly summary", "continuity_mode: inherit",
		"produce concrete progress.",
	} {
		if !strings.Contains(wakeups[0], want) {
			t.Errorf("Wakeup missing %q:\n%s", want, wakeups[0])
		}
	}

	rec, ok := env.wal.FindByDedupeKey("schedule:int-once:1")
	if !ok || rec.Status != wal.StatusDone {
		t.Errorf("WAL record should be done: %+v", rec)
	}

	if intent.Status != StatusActive {
		t.Errorf("Create should return the active snapshot, got %s", intent.Status)
	}
}

func TestCronSchedulesNextRun(t *testing.T) {
	env := newTestEnv(t, okExecutor("eval-cron"), nil)

	intent, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-cron", ParentSessionID: "sess-cron", Reason: "hourly check",
		Cron: "0 * * * *", TimeZone: "UTC", MaxRuns: 5,
	})
	if err != nil {
		t.Fatal(err)
	}

	base := time.UnixMilli(env.nowMs()).In(time.UTC)
	wantFirst := base.Truncate(time.Hour).Add(time.Hour).UnixMilli()
	if intent.NextRunAt != wantFirst {
		t.Fatalf("First cron run wrong: got %d want %d", intent.NextRunAt, wantFirst)
	}

	env.advance(intent.NextRunAt - env.nowMs() + 1)
	env.sched.FireIntent("int-cron")

	got, _ := env.sched.Intent("int-cron")
	if got.Status != StatusActive || got.RunCount != 1 {
		t.Fatalf("Recurring intent stays active: %+v", got)
	}
	wantSecond := wantFirst + time.Hour.Milliseconds()
	if got.NextRunAt != wantSecond {
		t.Errorf("Second run wrong: got %d want %d", got.NextRunAt, wantSecond)
	}
}

func TestExecutorNextRunAtClamped(t *testing.T) {
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		return ExecuteResult{EvaluationSessionID: "eval-n", NextRunAt: 1}, nil
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-next", ParentSessionID: "sess-n", Reason: "r",
		Cron: "* * * * *", MaxRuns: 10,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(120_000)
	env.sched.FireIntent("int-next")

	got, _ := env.sched.Intent("int-next")
	if want := now + 120_000 + 1000; got.NextRunAt != want {
		t.Errorf("Executor override should clamp to min interval: got %d want %d", got.NextRunAt, want)
	}
}

func TestErrorBackoffAndCircuitOpen(t *testing.T) {
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		return ExecuteResult{}, fmt.Errorf("spawn failed")
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-err", ParentSessionID: "sess-err", Reason: "r", RunAt: now + 2000,
	}); err != nil {
		t.Fatal(err)
	}

	env.advance(3000)
	env.sched.FireIntent("int-err")
	got, _ := env.sched.Intent("int-err")
	if got.ConsecutiveErrors != 1 || got.Status != StatusActive {
		t.Fatalf("First error: %+v", got)
	}
	if want := env.nowMs() + 1000; got.NextRunAt != want {
		t.Errorf("First backoff wrong: got %d want %d", got.NextRunAt, want)
	}

	env.advance(2000)
	env.sched.FireIntent("int-err")
	got, _ = env.sched.Intent("int-err")
	if got.ConsecutiveErrors != 2 {
		t.Fatalf("Second error: %+v", got)
	}
	if want := env.nowMs() + 2000; got.NextRunAt != want {
		t.Errorf("Second backoff should double: got %d want %d", got.NextRunAt, want)
	}

	env.advance(3000)
	env.sched.FireIntent("int-err")
	got, _ = env.sched.Intent("int-err")
	if got.Status != StatusError || got.NextRunAt != 0 {
		t.Fatalf("Circuit should open on the third error: %+v", got)
	}

	recs, err := env.events.List("sess-err", event.ListOptions{Type: EventIntentCancelled})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected one cancellation event: %v %d", err, len(recs))
	}
	if msg, _ := recs[0].Payload["error"].(string); !strings.HasPrefix(msg, "circuit_open:") {
		t.Errorf("Cancellation should carry the circuit error: %q", msg)
	}

	// RunCount never advanced; errors do not count as runs.
	if got.RunCount != 0 {
		t.Errorf("Failed fires must not count as runs: %d", got.RunCount)
	}
}

func TestLeaseBlocksConcurrentFire(t *testing.T) {
	fires := 0
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		fires++
		return ExecuteResult{EvaluationSessionID: "eval-l"}, nil
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-lease", ParentSessionID: "sess-l", Reason: "r", RunAt: now + 2000,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(3000)

	env.sched.mu.Lock()
	env.sched.intents["int-lease"].LeaseUntilMs = env.nowMs() + 60_000
	env.sched.mu.Unlock()

	env.sched.FireIntent("int-lease")
	if fires != 0 {
		t.Fatalf("Leased intent must not fire, fired %d times", fires)
	}

	env.sched.mu.Lock()
	env.sched.intents["int-lease"].LeaseUntilMs = 0
	env.sched.mu.Unlock()
	env.sched.FireIntent("int-lease")
	if fires != 1 {
		t.Fatalf("Expired lease should allow the fire, fired %d times", fires)
	}
}

func TestConvergenceOnTruthResolved(t *testing.T) {
	var env *testEnv
	resolved := false
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		_, _ = env.events.Append(event.AppendInput{
			SessionID: "eval-t", Type: replay.EventFactUpserted,
			Payload: map[string]interface{}{"id": "truth:ci:green", "kind": "observation", "summary": "ci"},
		})
		if resolved {
			_, _ = env.events.Append(event.AppendInput{
				SessionID: "eval-t", Type: replay.EventFactResolved,
				Payload: map[string]interface{}{"id": "truth:ci:green"},
			})
		}
		return ExecuteResult{EvaluationSessionID: "eval-t"}, nil
	}
	env = newTestEnv(t, exec, nil)

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-conv", ParentSessionID: "sess-t", Reason: "wait for ci",
		Cron: "* * * * *",
		Convergence: &Convergence{Kind: ConvergeTruthResolved, FactID: "truth:ci:green"},
	}); err != nil {
		t.Fatal(err)
	}

	env.advance(120_000)
	env.sched.FireIntent("int-conv")
	got, _ := env.sched.Intent("int-conv")
	if got.Status != StatusActive {
		t.Fatalf("Unresolved fact must not converge: %+v", got)
	}

	resolved = true
	env.advance(120_000)
	env.sched.FireIntent("int-conv")
	got, _ = env.sched.Intent("int-conv")
	if got.Status != StatusConverged || got.RunCount != 2 {
		t.Fatalf("Resolved fact should converge: %+v", got)
	}
}

func TestUpdateIntentReactivatesConverged(t *testing.T) {
	env := newTestEnv(t, okExecutor("eval-u"), nil)

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-up", ParentSessionID: "sess-u", Reason: "r",
		Cron: "* * * * *", MaxRuns: 1,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(120_000)
	env.sched.FireIntent("int-up")
	if got, _ := env.sched.Intent("int-up"); got.Status != StatusConverged {
		t.Fatalf("maxRuns=1 should converge after one run: %+v", got)
	}

	updated, err := env.sched.UpdateIntent(CreateInput{
		IntentID: "int-up", ParentSessionID: "sess-u", Reason: "more runs",
		Cron: "* * * * *", MaxRuns: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusActive || updated.NextRunAt == 0 {
		t.Fatalf("Raising maxRuns should reactivate: %+v", updated)
	}
}

func TestCancelIntent(t *testing.T) {
	env := newTestEnv(t, okExecutor("eval-x"), nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-cancel", ParentSessionID: "sess-x", Reason: "r", RunAt: now + 60_000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.sched.CancelIntent("int-cancel"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.sched.Intent("int-cancel")
	if got.Status != StatusCancelled || got.NextRunAt != 0 {
		t.Fatalf("Cancel wrong: %+v", got)
	}
	if err := env.sched.CancelIntent("int-cancel"); err == nil {
		t.Errorf("Double cancel should fail")
	}
	if err := env.sched.CancelIntent("int-nope"); err == nil {
		t.Errorf("Unknown intent should fail")
	}
}

func TestWakeupMessageTruncatesAnchorFields(t *testing.T) {
	intent := &Intent{
		IntentID: "int-w", ParentSessionID: "sess-w", Reason: "r",
		ContinuityMode: ContinuityInherit,
	}
	long := strings.Repeat("x", 400)
	msg := BuildWakeupMessage(intent, 3, WakeupContext{
		InheritedTaskSpec: true, InheritedTruthFacts: 2,
		AnchorID: "anc-1", AnchorName: "handoff", AnchorSummary: long, AnchorNextSteps: long,
	})
	if !strings.Contains(msg, "parent_anchor_summary: "+strings.Repeat("x", 320)+"\n") {
		t.Errorf("Anchor summary should truncate to 320 chars")
	}
	if strings.Contains(msg, strings.Repeat("x", 321)) {
		t.Errorf("Truncation exceeded 320 chars")
	}
	if !strings.Contains(msg, "time_zone: none") || !strings.Contains(msg, "goal_ref: none") {
		t.Errorf("Empty fields should render as none:\n%s", msg)
	}
}

func TestRecoveryCatchUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	fired := map[string]int{}
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		fired[intent.IntentID]++
		return ExecuteResult{EvaluationSessionID: "eval-r-" + intent.IntentID}, nil
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	for i := 1; i <= 3; i++ {
		if _, err := env.sched.CreateIntent(CreateInput{
			IntentID:        fmt.Sprintf("int-r%d", i),
			ParentSessionID: "sess-rec",
			Reason:          "catch up",
			RunAt:           now + int64(i)*2000,
		}); err != nil {
			t.Fatal(err)
		}
	}
	env.sched.Stop()

	// A new process starts well past all three fire times.
	env.advance(60_000)
	restarted := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, exec)
	restarted.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	defer restarted.Stop()

	report, err := restarted.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if report.CatchUp.DueIntents != 3 || report.CatchUp.Fired != 1 || report.CatchUp.Deferred != 2 {
		t.Fatalf("Catch-up budget wrong: %+v", report)
	}
	if fired["int-r1"] != 1 {
		t.Errorf("Oldest due intent should fire first: %v", fired)
	}

	// Deferred intents get spaced future fire times.
	recNow := env.nowMs()
	two, _ := restarted.Intent("int-r2")
	three, _ := restarted.Intent("int-r3")
	if two.NextRunAt != recNow+1000 || three.NextRunAt != recNow+2000 {
		t.Errorf("Deferrals not spaced: %d %d (now %d)", two.NextRunAt, three.NextRunAt, recNow)
	}

	types := eventTypes(t, env.events, "sess-rec")
	deferrals := 0
	for _, tp := range types {
		if tp == EventRecoveryDeferred {
			deferrals++
		}
	}
	if deferrals != 2 {
		t.Errorf("Expected 2 deferral events, got %d", deferrals)
	}
	if !hasType(types, EventRecoverySummary) {
		t.Errorf("Missing recovery summary: %v", types)
	}
}

// An hourly cron intent registered at 09:30 with nextRunAt 10:00 misses the
// 10:00, 11:00 and 12:00 matches while the process is down. Recovery at
// 12:17 fires one occurrence, defers the other two with spaced make-up
// times, and the make-ups drain one per fire before the hourly schedule
// resumes.
func TestCronCatchUpMissedOccurrences(t *testing.T) {
	defer goleak.VerifyNone(t)
	fires := 0
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		fires++
		return ExecuteResult{EvaluationSessionID: "eval-hourly"}, nil
	}
	env := newTestEnv(t, exec, nil)
	env.setClock(time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC).UnixMilli())

	created, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-hourly", ParentSessionID: "sess-hourly", Reason: "hourly sync",
		Cron: "0 * * * *", TimeZone: "UTC",
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC).UnixMilli(), created.NextRunAt)

	env.sched.Stop()
	recNow := time.Date(2026, 3, 10, 12, 17, 0, 0, time.UTC).UnixMilli()
	env.setClock(recNow)

	restarted := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, exec)
	restarted.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	defer restarted.Stop()

	report, err := restarted.Recover()
	require.NoError(t, err)
	require.Equal(t, CatchUpReport{DueIntents: 3, Fired: 1, Deferred: 2}, report.CatchUp)
	require.Equal(t, 1, fires)

	got, _ := restarted.Intent("int-hourly")
	require.Equal(t, 1, got.RunCount)
	require.Equal(t, recNow+1000, got.NextRunAt)
	require.Equal(t, []int64{recNow + 2000}, got.PendingCatchUps)

	counts := map[string]int{}
	for _, tp := range eventTypes(t, env.events, "sess-hourly") {
		counts[tp]++
	}
	require.Equal(t, 1, counts[EventIntentFired])
	require.Equal(t, 2, counts[EventRecoveryDeferred])
	require.Equal(t, 1, counts[EventRecoverySummary])

	deferrals, err := env.events.List("sess-hourly", event.ListOptions{Type: EventRecoveryDeferred})
	require.NoError(t, err)
	require.Len(t, deferrals, 2)
	require.Equal(t, float64(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC).UnixMilli()), deferrals[0].Payload["missedAt"])
	require.Equal(t, float64(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).UnixMilli()), deferrals[1].Payload["missedAt"])
	require.Equal(t, float64(recNow+1000), deferrals[0].Payload["nextRunAt"])
	require.Equal(t, float64(recNow+2000), deferrals[1].Payload["nextRunAt"])

	// An immediate second recovery folds the deferrals back from the event
	// log and changes nothing.
	restarted.Stop()
	second := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, exec)
	second.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	defer second.Stop()
	report2, err := second.Recover()
	require.NoError(t, err)
	require.True(t, report2.SnapshotMatched)
	require.Equal(t, CatchUpReport{}, report2.CatchUp)
	require.Equal(t, 1, fires)

	// Make-up fires drain one per fire, then the hourly schedule resumes.
	env.setClock(recNow + 1000)
	second.FireIntent("int-hourly")
	got, _ = second.Intent("int-hourly")
	require.Equal(t, 2, got.RunCount)
	require.Equal(t, recNow+2000, got.NextRunAt)
	require.Empty(t, got.PendingCatchUps)

	env.setClock(recNow + 2000)
	second.FireIntent("int-hourly")
	got, _ = second.Intent("int-hourly")
	require.Equal(t, 3, got.RunCount)
	require.Equal(t, time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC).UnixMilli(), got.NextRunAt)
	require.Equal(t, 3, fires)
}

func TestRecoverySkipsInflightWAL(t *testing.T) {
	fires := 0
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		fires++
		return ExecuteResult{EvaluationSessionID: "eval-i"}, nil
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-infl", ParentSessionID: "sess-i", Reason: "r", RunAt: now + 2000,
	}); err != nil {
		t.Fatal(err)
	}
	env.sched.Stop()

	// A previous process crashed mid-fire, leaving an inflight WAL record.
	rec, err := env.wal.AppendPending(nil, wal.SourceSchedule,
		wal.AppendOptions{DedupeKey: "schedule:int-infl:1", TTLMs: 600_000})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.wal.MarkInflight(rec.WALID); err != nil {
		t.Fatal(err)
	}

	env.advance(10_000)
	restarted := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, exec)
	restarted.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	defer restarted.Stop()

	report, err := restarted.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if report.CatchUp.Fired != 0 || report.CatchUp.Deferred != 1 || fires != 0 {
		t.Fatalf("Inflight run must not re-fire: %+v fires=%d", report, fires)
	}

	recs, err := env.events.List("sess-i", event.ListOptions{Type: EventRecoveryDeferred})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected one deferral: %v %d", err, len(recs))
	}
	if reason, _ := recs[0].Payload["reason"].(string); reason != "inflight_wal_record" {
		t.Errorf("Wrong deferral reason: %q", reason)
	}
}

func TestRecoveryIdempotent(t *testing.T) {
	env := newTestEnv(t, okExecutor("eval-id"), nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-id1", ParentSessionID: "sess-id", Reason: "r", RunAt: now + 600_000,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-id2", ParentSessionID: "sess-id", Reason: "r",
		Cron: "0 0 * * *", TimeZone: "America/New_York",
	}); err != nil {
		t.Fatal(err)
	}
	env.sched.Stop()

	snapshotIntents := func(t *testing.T) json.RawMessage {
		t.Helper()
		data, err := os.ReadFile(env.sched.snapshotPath())
		if err != nil {
			t.Fatal(err)
		}
		var snap struct {
			Intents json.RawMessage `json:"intents"`
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatal(err)
		}
		return snap.Intents
	}

	first := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, okExecutor("eval-id"))
	first.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	if _, err := first.Recover(); err != nil {
		t.Fatal(err)
	}
	first.Stop()
	one := snapshotIntents(t)

	second := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, okExecutor("eval-id"))
	second.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	report, err := second.Recover()
	if err != nil {
		t.Fatal(err)
	}
	second.Stop()
	two := snapshotIntents(t)

	if !report.SnapshotMatched {
		t.Errorf("Second recovery should match the snapshot it left behind")
	}
	if string(one) != string(two) {
		t.Errorf("Recovery is not idempotent:\n%s\n%s", one, two)
	}
}

func TestCircuitOpenSurvivesRecovery(t *testing.T) {
	exec := func(intent Intent, wakeup string) (ExecuteResult, error) {
		return ExecuteResult{}, fmt.Errorf("boom")
	}
	env := newTestEnv(t, exec, nil)
	now := env.nowMs()

	if _, err := env.sched.CreateIntent(CreateInput{
		IntentID: "int-circ", ParentSessionID: "sess-c", Reason: "r", RunAt: now + 2000,
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		env.advance(60_000)
		env.sched.FireIntent("int-circ")
	}
	env.sched.Stop()

	restarted := New(env.ws, testScheduleConfig(), config.DefaultConfig().Infrastructure.TurnWAL,
		env.events, env.engine, env.wal, exec)
	restarted.now = func() time.Time { return time.UnixMilli(env.nowMs()) }
	defer restarted.Stop()

	report, err := restarted.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if report.CatchUp.DueIntents != 0 {
		t.Errorf("Errored intent must not be due: %+v", report)
	}
	got, _ := restarted.Intent("int-circ")
	if got.Status != StatusError {
		t.Errorf("Circuit-open error state lost on recovery: %+v", got)
	}
	restarted.mu.Lock()
	if _, armed := restarted.timers["int-circ"]; armed {
		t.Errorf("Errored intent must not be armed")
	}
	restarted.mu.Unlock()
}
