package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"keel/internal/event"
	"keel/internal/logging"
	"keel/internal/replay"
	"keel/internal/wal"
)

// projectionSnapshot is the persisted intent projection. The event log is
// the source of truth; the snapshot only speeds up and cross-checks
// recovery.
type projectionSnapshot struct {
	Schema          string    `json:"schema"`
	GeneratedAt     int64     `json:"generatedAt"`
	WatermarkOffset int       `json:"watermarkOffset"`
	Intents         []*Intent `json:"intents"`
}

func (s *Scheduler) snapshotPath() string {
	return filepath.Join(s.workspace, ".keel", "schedule", "projection.json")
}

// saveSnapshot atomically persists the current projection.
func (s *Scheduler) saveSnapshot() {
	s.mu.Lock()
	snap := projectionSnapshot{
		Schema:          SchemaProjection,
		GeneratedAt:     s.nowMs(),
		WatermarkOffset: s.watermark,
		Intents:         make([]*Intent, 0, len(s.intents)),
	}
	for _, i := range s.intents {
		snap.Intents = append(snap.Intents, i.clone())
	}
	s.mu.Unlock()

	sort.Slice(snap.Intents, func(a, b int) bool {
		return snap.Intents[a].IntentID < snap.Intents[b].IntentID
	})
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	path := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.Schedule("Failed to create schedule dir: %v", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.Schedule("Failed to write projection snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logging.Schedule("Failed to move projection snapshot: %v", err)
	}
}

func (s *Scheduler) loadSnapshot() (*projectionSnapshot, error) {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap projectionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse projection snapshot: %w", err)
	}
	return &snap, nil
}

// CatchUpReport counts missed fire occurrences handled during recovery.
// A cron intent that missed several matches while the process was down
// contributes one due entry per missed match.
type CatchUpReport struct {
	DueIntents int `json:"dueIntents"`
	Fired      int `json:"fired"`
	Deferred   int `json:"deferred"`
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	SnapshotMatched bool          `json:"snapshotMatched"`
	Intents         int           `json:"intents"`
	LeasesCleared   int           `json:"leasesCleared"`
	CatchUp         CatchUpReport `json:"catchUp"`
}

// Recover rebuilds the intent projection from the event log, cross-checks
// it against the last snapshot, clears expired leases, catches up due
// intents (bounded, the rest deferred with spaced next-run times), arms
// timers, and starts folding live schedule events.
func (s *Scheduler) Recover() (*RecoveryReport, error) {
	report := &RecoveryReport{}

	prior, err := s.loadSnapshot()
	if err != nil {
		logging.Schedule("Ignoring unreadable projection snapshot: %v", err)
	}

	rebuilt, watermark, sessions, err := s.rebuildFromEvents()
	if err != nil {
		return nil, err
	}
	report.Intents = len(rebuilt)

	now := s.nowMs()
	for _, intent := range rebuilt {
		if intent.LeaseUntilMs > 0 && intent.LeaseUntilMs <= now {
			intent.LeaseUntilMs = 0
			report.LeasesCleared++
		}
	}

	report.SnapshotMatched = snapshotMatches(prior, rebuilt)
	if prior != nil && !report.SnapshotMatched {
		logging.Schedule("Projection snapshot diverged from event log; rebuilt wins")
	}

	s.mu.Lock()
	s.intents = rebuilt
	s.watermark = watermark
	s.mu.Unlock()
	s.saveSnapshot()

	due := s.dueEntries(now)
	report.CatchUp.DueIntents = len(due)
	fired, deferred := s.catchUp(due, now, sessions)
	report.CatchUp.Fired = fired
	report.CatchUp.Deferred = deferred
	if deferred > 0 {
		s.saveSnapshot()
	}

	s.mu.Lock()
	for id := range s.intents {
		s.armTimerLocked(id)
	}
	s.mu.Unlock()

	s.emitRecoverySummaries(report, sessions)
	s.subscribe()
	logging.Schedule("Recovered %d intents (due=%d fired=%d deferred=%d matched=%v)",
		report.Intents, report.CatchUp.DueIntents, report.CatchUp.Fired, report.CatchUp.Deferred, report.SnapshotMatched)
	return report, nil
}

// rebuildFromEvents folds every schedule event across all sessions. Each
// intent event carries the full projected intent, so folding replaces.
func (s *Scheduler) rebuildFromEvents() (map[string]*Intent, int, map[string]bool, error) {
	rebuilt := make(map[string]*Intent)
	sessions := make(map[string]bool)
	watermark := 0

	ids, err := s.events.ListSessionIDs()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, sessionID := range ids {
		sessions[sessionID] = true
		recs, err := s.events.List(sessionID, event.ListOptions{})
		if err != nil {
			logging.Schedule("Skipping unreadable session %s: %v", sessionID, err)
			continue
		}
		for _, rec := range recs {
			if !isIntentEvent(rec.Type) {
				continue
			}
			watermark++
			if intent := decodeIntent(rec.Payload); intent != nil {
				rebuilt[intent.IntentID] = intent
			}
		}
	}
	return rebuilt, watermark, sessions, nil
}

// snapshotMatches compares the prior snapshot to the rebuilt projection,
// ignoring generatedAt. A missing snapshot counts as matched.
func snapshotMatches(prior *projectionSnapshot, rebuilt map[string]*Intent) bool {
	if prior == nil {
		return true
	}
	current := make([]*Intent, 0, len(rebuilt))
	for _, i := range rebuilt {
		current = append(current, i)
	}
	sort.Slice(current, func(a, b int) bool { return current[a].IntentID < current[b].IntentID })
	sort.Slice(prior.Intents, func(a, b int) bool {
		return prior.Intents[a].IntentID < prior.Intents[b].IntentID
	})
	a, err1 := json.Marshal(prior.Intents)
	b, err2 := json.Marshal(current)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// maxMissedOccurrences bounds how many missed cron matches one intent can
// queue for catch-up after a long outage (a day of hourly fires).
const maxMissedOccurrences = 24

// dueEntry is one missed fire occurrence awaiting catch-up.
type dueEntry struct {
	intentID string
	at       int64
}

// dueEntries lists the missed fire occurrences of active intents, ordered
// round-robin across parent sessions so one session cannot starve the rest.
// A one-shot intent contributes its stale nextRunAt; a cron intent
// contributes every match it missed while the process was down.
func (s *Scheduler) dueEntries(now int64) []dueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySession := make(map[string][]dueEntry)
	var sessionOrder []string
	for _, i := range s.intents {
		if i.Status != StatusActive || i.NextRunAt <= 0 || i.NextRunAt > now {
			continue
		}
		if _, seen := bySession[i.ParentSessionID]; !seen {
			sessionOrder = append(sessionOrder, i.ParentSessionID)
		}
		for _, at := range missedOccurrences(i, now) {
			bySession[i.ParentSessionID] = append(bySession[i.ParentSessionID], dueEntry{intentID: i.IntentID, at: at})
		}
	}
	sort.Strings(sessionOrder)
	total := 0
	for _, sess := range sessionOrder {
		list := bySession[sess]
		sort.Slice(list, func(a, b int) bool {
			if list[a].at != list[b].at {
				return list[a].at < list[b].at
			}
			return list[a].intentID < list[b].intentID
		})
		bySession[sess] = list
		total += len(list)
	}

	out := make([]dueEntry, 0, total)
	for len(out) < total {
		for _, sess := range sessionOrder {
			if len(bySession[sess]) == 0 {
				continue
			}
			out = append(out, bySession[sess][0])
			bySession[sess] = bySession[sess][1:]
		}
	}
	return out
}

// missedOccurrences enumerates the fire times an intent missed: the stale
// nextRunAt plus, for cron intents, every later match up to now (bounded).
func missedOccurrences(intent *Intent, now int64) []int64 {
	occs := []int64{intent.NextRunAt}
	if intent.Cron == "" {
		return occs
	}
	at := intent.NextRunAt
	for len(occs) < maxMissedOccurrences {
		next, err := nextCronAfter(intent.Cron, intent.TimeZone, time.UnixMilli(at))
		if err != nil || next <= 0 || next > now {
			break
		}
		occs = append(occs, next)
		at = next
	}
	return occs
}

// catchUp fires the first maxRecoveryCatchUps due occurrences now and defers
// the rest, spacing their make-up times by queue position. The first
// deferral of an intent sets its nextRunAt; further deferrals queue on
// PendingCatchUps and drain one per fire before the regular schedule
// resumes. Occurrences whose run already has an inflight WAL record are
// deferred, not re-fired.
func (s *Scheduler) catchUp(due []dueEntry, now int64, sessions map[string]bool) (fired, deferred int) {
	queuePos := 0
	deferredIntents := make(map[string]bool)
	for _, entry := range due {
		s.mu.Lock()
		intent, ok := s.intents[entry.intentID]
		if !ok || intent.Status != StatusActive {
			s.mu.Unlock()
			continue
		}
		runIndex := intent.RunCount + 1
		s.mu.Unlock()

		inflight := s.hasInflightWAL(entry.intentID, runIndex)
		if !inflight && fired < s.cfg.MaxRecoveryCatchUps {
			s.FireIntent(entry.intentID)
			fired++
			continue
		}

		queuePos++
		next := now + s.cfg.MinIntervalMs*int64(queuePos)
		s.mu.Lock()
		intent, ok = s.intents[entry.intentID]
		if !ok || intent.Status != StatusActive {
			s.mu.Unlock()
			continue
		}
		if deferredIntents[entry.intentID] {
			intent.PendingCatchUps = append(intent.PendingCatchUps, next)
		} else {
			intent.NextRunAt = next
			deferredIntents[entry.intentID] = true
		}
		intent.UpdatedAt = now
		parent := intent.ParentSessionID
		snapshot := intent.clone()
		s.mu.Unlock()
		deferred++

		// The deferral event carries the full intent so replays fold the
		// moved nextRunAt and pending queue back into the projection.
		if sessions[parent] {
			s.appendTo(parent, EventRecoveryDeferred, map[string]interface{}{
				"schema":    SchemaRecovery,
				"intentId":  entry.intentID,
				"intent":    replay.EncodePayload(snapshot),
				"missedAt":  entry.at,
				"nextRunAt": next,
				"reason":    deferReason(inflight),
			})
		}
	}
	return fired, deferred
}

func deferReason(inflight bool) string {
	if inflight {
		return "inflight_wal_record"
	}
	return "catch_up_budget_exhausted"
}

// hasInflightWAL reports whether the intent's next run already has an
// inflight WAL record from a previous process.
func (s *Scheduler) hasInflightWAL(intentID string, runIndex int) bool {
	if s.wal == nil {
		return false
	}
	rec, ok := s.wal.FindByDedupeKey(fmt.Sprintf("schedule:%s:%d", intentID, runIndex))
	return ok && rec.Status == wal.StatusInflight
}

// emitRecoverySummaries appends one summary event per parent session that
// exists in the event store.
func (s *Scheduler) emitRecoverySummaries(report *RecoveryReport, sessions map[string]bool) {
	parents := make(map[string]bool)
	s.mu.Lock()
	for _, i := range s.intents {
		parents[i.ParentSessionID] = true
	}
	s.mu.Unlock()

	var ordered []string
	for p := range parents {
		if sessions[p] {
			ordered = append(ordered, p)
		}
	}
	sort.Strings(ordered)
	for _, parent := range ordered {
		s.appendTo(parent, EventRecoverySummary, map[string]interface{}{
			"schema":          SchemaRecovery,
			"intents":         report.Intents,
			"snapshotMatched": report.SnapshotMatched,
			"leasesCleared":   report.LeasesCleared,
			"dueIntents":      report.CatchUp.DueIntents,
			"fired":           report.CatchUp.Fired,
			"deferred":        report.CatchUp.Deferred,
		})
	}
}

// subscribe starts folding live schedule events so a projection written by
// another component stays current. Self-emitted events are skipped.
func (s *Scheduler) subscribe() {
	s.mu.Lock()
	if s.unsubscribe != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsub := s.events.Subscribe(func(rec event.Record) {
		if !isIntentEvent(rec.Type) {
			return
		}
		s.mu.Lock()
		s.watermark++
		if s.selfAppends > 0 {
			s.mu.Unlock()
			return
		}
		intent := decodeIntent(rec.Payload)
		if intent == nil {
			s.mu.Unlock()
			return
		}
		s.intents[intent.IntentID] = intent
		s.armTimerLocked(intent.IntentID)
		s.mu.Unlock()
		s.saveSnapshot()
	})

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}
