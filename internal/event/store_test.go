package event

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), true, 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestAppendAndList(t *testing.T) {
	store := newTestStore(t)

	for _, typ := range []string{"task_ledger:spec_set", "tool_call", "task_ledger:item_added"} {
		if _, err := store.Append(AppendInput{SessionID: "s1", Type: typ}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, err := store.List("s1", ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}

	// Insertion order, monotone ids
	if !(all[0].ID < all[1].ID && all[1].ID < all[2].ID) {
		t.Errorf("Ids not monotone: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}

	filtered, err := store.List("s1", ListOptions{Type: "task_ledger:spec_set"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("Expected 1 filtered record, got %d", len(filtered))
	}

	last, err := store.List("s1", ListOptions{Last: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(last) != 2 || last[1].Type != "task_ledger:item_added" {
		t.Errorf("Last window wrong: %+v", last)
	}
}

func TestDisabledStore(t *testing.T) {
	store, err := NewStore(t.TempDir(), false, 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Append(AppendInput{SessionID: "s1", Type: "tool_call"}); err != ErrStoreDisabled {
		t.Errorf("Expected ErrStoreDisabled, got %v", err)
	}
}

func TestSubscribePublishAndPanicIsolation(t *testing.T) {
	store := newTestStore(t)

	var got []string
	unsub := store.Subscribe(func(r Record) {
		got = append(got, r.Type)
	})
	store.Subscribe(func(r Record) {
		panic("bad listener")
	})

	if _, err := store.Append(AppendInput{SessionID: "s1", Type: "tool_call"}); err != nil {
		t.Fatalf("Append failed despite panicking listener: %v", err)
	}
	if len(got) != 1 || got[0] != "tool_call" {
		t.Errorf("Listener did not receive record: %v", got)
	}

	unsub()
	if _, err := store.Append(AppendInput{SessionID: "s1", Type: "tool_result_recorded"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Unsubscribed listener still invoked")
	}
}

func TestCorruptTrailingLineDiscarded(t *testing.T) {
	ws := t.TempDir()
	store, err := NewStore(ws, true, 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, err := store.Append(AppendInput{SessionID: "s1", Type: "tool_call"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	store.Close()

	// Simulate a crash mid-append: partial trailing line.
	path := filepath.Join(ws, ".keel", "events", "s1.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	f.WriteString(`{"id":"ev-trunc`)
	f.Close()

	reopened, err := NewStore(ws, true, 0)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer reopened.Close()

	recs, err := reopened.List("s1", ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 valid record after corruption, got %d", len(recs))
	}

	// Appends continue after the last valid record and stay readable.
	if _, err := reopened.Append(AppendInput{SessionID: "s1", Type: "session_shutdown"}); err != nil {
		t.Fatalf("Append after corruption failed: %v", err)
	}
	recs, err = reopened.List("s1", ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 || recs[1].Type != "session_shutdown" {
		t.Fatalf("Post-recovery append not readable: %+v", recs)
	}
}

func TestListSessionIDs(t *testing.T) {
	store := newTestStore(t)
	store.Append(AppendInput{SessionID: "b", Type: "session_started"})
	store.Append(AppendInput{SessionID: "a", Type: "session_started"})

	ids, err := store.ListSessionIDs()
	if err != nil {
		t.Fatalf("ListSessionIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Unexpected session ids: %v", ids)
	}
}

func TestCategoryOf(t *testing.T) {
	cases := map[string]Category{
		"task_ledger:status_set":       CategoryTaskLedger,
		"truth_ledger:fact_upserted":   CategoryTruthLedger,
		"tape_anchor":                  CategoryTapeAnchor,
		"schedule_intent:intent_fired": CategoryScheduleIntent,
		"tool_call_blocked":            CategoryTool,
		"context_compacted":            CategoryContext,
		"patch_recorded":               CategoryPatch,
		"session_shutdown":             CategorySession,
		"mystery":                      CategoryOther,
	}
	for typ, want := range cases {
		if got := CategoryOf(typ); got != want {
			t.Errorf("CategoryOf(%q) = %v, want %v", typ, got, want)
		}
	}
}
