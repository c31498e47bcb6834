package replay

import (
	"sync"

	"keel/internal/event"
)

// TapeThresholds are the entries-since-anchor counts per pressure level.
type TapeThresholds struct {
	Low    int
	Medium int
	High   int
}

// Engine memoizes projection folds per session. The memo key is the
// session's head event id; any new append invalidates it.
type Engine struct {
	mu         sync.Mutex
	store      *event.Store
	thresholds TapeThresholds
	cache      map[string]*memo
}

type memo struct {
	headID string
	task   *TaskState
	truth  *TruthState
	tape   *TapeStatus
}

// NewEngine creates a replay engine over the given event store.
func NewEngine(store *event.Store, thresholds TapeThresholds) *Engine {
	e := &Engine{
		store:      store,
		thresholds: thresholds,
		cache:      make(map[string]*memo),
	}
	// Appends invalidate lazily: the memo key check against the head id
	// makes stale entries miss, so no subscription is required here.
	return e
}

// TaskState returns the folded task projection for a session.
func (e *Engine) TaskState(sessionID string) (*TaskState, error) {
	m, err := e.project(sessionID)
	if err != nil {
		return nil, err
	}
	return m.task, nil
}

// TruthState returns the folded truth projection for a session.
func (e *Engine) TruthState(sessionID string) (*TruthState, error) {
	m, err := e.project(sessionID)
	if err != nil {
		return nil, err
	}
	return m.truth, nil
}

// TapeStatus returns the tape window for a session.
func (e *Engine) TapeStatus(sessionID string) (*TapeStatus, error) {
	m, err := e.project(sessionID)
	if err != nil {
		return nil, err
	}
	return m.tape, nil
}

// Snapshot returns the full Task+Truth state for checkpoint emission.
func (e *Engine) Snapshot(sessionID string) (*Snapshot, error) {
	m, err := e.project(sessionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Task: *m.task, Truth: *m.truth}, nil
}

func (e *Engine) project(sessionID string) (*memo, error) {
	// The store's tail cache gives the head id without touching disk; when
	// it matches the memo, nothing was appended since the last fold.
	if tail := e.store.Tail(sessionID); len(tail) > 0 {
		head := tail[len(tail)-1].ID
		e.mu.Lock()
		if m, ok := e.cache[sessionID]; ok && m.headID == head {
			e.mu.Unlock()
			return m, nil
		}
		e.mu.Unlock()
	}

	records, err := e.store.List(sessionID, event.ListOptions{})
	if err != nil {
		return nil, err
	}

	headID := ""
	if len(records) > 0 {
		headID = records[len(records)-1].ID
	}

	e.mu.Lock()
	if m, ok := e.cache[sessionID]; ok && m.headID == headID {
		e.mu.Unlock()
		return m, nil
	}
	e.mu.Unlock()

	task, truth := Fold(records)
	tape := FoldTape(records, e.thresholds.Low, e.thresholds.Medium, e.thresholds.High)
	m := &memo{headID: headID, task: task, truth: truth, tape: tape}

	e.mu.Lock()
	e.cache[sessionID] = m
	e.mu.Unlock()
	return m, nil
}

// Invalidate drops the memo for a session (teardown path).
func (e *Engine) Invalidate(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, sessionID)
}
