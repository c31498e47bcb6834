// Package wal is the turn write-ahead log: inbound turns are persisted as
// pending records before execution so a crash never loses them. One JSON
// file per record under .keel/turn-wal/<source>/.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"keel/internal/config"
	"keel/internal/logging"
)

// SchemaTurnWAL is the canonical schema name for WAL records.
const SchemaTurnWAL = "keel.turn-wal.v1"

// Status values. Transitions are monotone:
// pending -> inflight -> done | failed | expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Turn sources.
const (
	SourceChannel   = "channel"
	SourceSchedule  = "schedule"
	SourceGateway   = "gateway"
	SourceHeartbeat = "heartbeat"
)

func terminal(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusExpired
}

// rank orders statuses so transitions can only move forward.
func rank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusInflight:
		return 1
	default:
		return 2
	}
}

// Record is one persisted WAL entry.
type Record struct {
	Schema    string                 `json:"schema"`
	WALID     string                 `json:"walId"`
	TurnID    string                 `json:"turnId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Source    string                 `json:"source"`
	Status    Status                 `json:"status"`
	Envelope  map[string]interface{} `json:"envelope,omitempty"`
	CreatedAt int64                  `json:"createdAt"`
	UpdatedAt int64                  `json:"updatedAt"`
	Attempts  int                    `json:"attempts"`
	TTLMs     int64                  `json:"ttlMs,omitempty"`
	DedupeKey string                 `json:"dedupeKey,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// AppendOptions tune one append.
type AppendOptions struct {
	TTLMs     int64
	DedupeKey string
	TurnID    string
	SessionID string
	Channel   string
}

// Log is the write-ahead log over one workspace.
type Log struct {
	mu      sync.Mutex
	dir     string
	cfg     config.TurnWALConfig
	records map[string]*Record
	// dedupe maps dedupeKey -> walId for append idempotence.
	dedupe map[string]string
	now    func() int64
}

// NewLog opens (and loads) the WAL under the workspace dot-dir.
func NewLog(workspace string, cfg config.TurnWALConfig) (*Log, error) {
	dir := filepath.Join(workspace, ".keel", "turn-wal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create turn-wal dir: %w", err)
	}
	l := &Log{
		dir:     dir,
		cfg:     cfg,
		records: make(map[string]*Record),
		dedupe:  make(map[string]string),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	sources, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read turn-wal dir: %w", err)
	}
	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		srcDir := filepath.Join(l.dir, src.Name())
		files, err := os.ReadDir(srcDir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", srcDir, err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(srcDir, f.Name()))
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				logging.WAL("Skipping unreadable WAL record %s: %v", f.Name(), err)
				continue
			}
			l.records[rec.WALID] = &rec
			if rec.DedupeKey != "" {
				l.dedupe[rec.DedupeKey] = rec.WALID
			}
		}
	}
	return nil
}

func (l *Log) path(rec *Record) string {
	return filepath.Join(l.dir, rec.Source, rec.WALID+".json")
}

func (l *Log) persistLocked(rec *Record) error {
	dir := filepath.Join(l.dir, rec.Source)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path(rec), data, 0644)
}

// AppendPending persists a new pending record, or returns the existing one
// when the dedupe key is already held by a live record. A terminal record
// releases its key: a later turn with the same key is a new attempt.
func (l *Log) AppendPending(envelope map[string]interface{}, source string, opts AppendOptions) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if opts.DedupeKey != "" {
		if id, ok := l.dedupe[opts.DedupeKey]; ok {
			if rec := l.records[id]; rec != nil && !terminal(rec.Status) {
				return l.copyLocked(id), nil
			}
		}
	}

	ttl := opts.TTLMs
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTLMs
	}
	now := l.now()
	rec := &Record{
		Schema:    SchemaTurnWAL,
		WALID:     "wal-" + uuid.NewString()[:8],
		TurnID:    opts.TurnID,
		SessionID: opts.SessionID,
		Channel:   opts.Channel,
		Source:    source,
		Status:    StatusPending,
		Envelope:  envelope,
		CreatedAt: now,
		UpdatedAt: now,
		TTLMs:     ttl,
		DedupeKey: opts.DedupeKey,
	}
	if err := l.persistLocked(rec); err != nil {
		return nil, fmt.Errorf("failed to persist WAL record: %w", err)
	}
	l.records[rec.WALID] = rec
	if rec.DedupeKey != "" {
		l.dedupe[rec.DedupeKey] = rec.WALID
	}
	logging.WAL("Appended pending %s source=%s dedupe=%s", rec.WALID, source, opts.DedupeKey)
	return l.copyLocked(rec.WALID), nil
}

func (l *Log) copyLocked(walID string) *Record {
	rec, ok := l.records[walID]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// Get returns a copy of one record.
func (l *Log) Get(walID string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.copyLocked(walID)
	return rec, rec != nil
}

// FindByDedupeKey returns the record appended under a dedupe key.
func (l *Log) FindByDedupeKey(key string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.dedupe[key]; ok {
		return l.copyLocked(id), true
	}
	return nil, false
}

func (l *Log) transition(walID string, to Status, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[walID]
	if !ok {
		return fmt.Errorf("wal record %s not found", walID)
	}
	if terminal(rec.Status) {
		if rec.Status == to {
			return nil
		}
		return fmt.Errorf("wal record %s is terminal (%s)", walID, rec.Status)
	}
	if rank(to) < rank(rec.Status) {
		return fmt.Errorf("wal record %s cannot regress %s -> %s", walID, rec.Status, to)
	}
	if rec.Status == StatusPending {
		rec.Attempts++
	}
	rec.Status = to
	rec.Error = errMsg
	rec.UpdatedAt = l.now()
	return l.persistLocked(rec)
}

// MarkInflight moves a pending record into execution.
func (l *Log) MarkInflight(walID string) error { return l.transition(walID, StatusInflight, "") }

// MarkDone finishes a record successfully.
func (l *Log) MarkDone(walID string) error { return l.transition(walID, StatusDone, "") }

// MarkFailed finishes a record with an error.
func (l *Log) MarkFailed(walID, errMsg string) error {
	return l.transition(walID, StatusFailed, errMsg)
}

// MarkExpired finishes a record whose TTL lapsed.
func (l *Log) MarkExpired(walID string) error { return l.transition(walID, StatusExpired, "") }

// ListPending returns every non-terminal record, oldest first.
func (l *Log) ListPending() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Record
	for id, rec := range l.records {
		if !terminal(rec.Status) {
			out = append(out, l.copyLocked(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].WALID < out[j].WALID
	})
	return out
}

// Compact removes terminal records older than compactAfterMs.
func (l *Log) Compact() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now() - l.cfg.CompactAfterMs
	removed := 0
	for id, rec := range l.records {
		if terminal(rec.Status) && rec.UpdatedAt < cutoff {
			os.Remove(l.path(rec))
			if rec.DedupeKey != "" {
				delete(l.dedupe, rec.DedupeKey)
			}
			delete(l.records, id)
			removed++
		}
	}
	if removed > 0 {
		logging.WAL("Compacted %d terminal records", removed)
	}
	return removed
}

// RecoveryAction describes what Recover decided for one record.
type RecoveryAction struct {
	Record *Record
	// Retry is set for pending records that should be re-driven.
	Retry bool
}

// Recover inspects non-terminal records at startup: pending records under
// the retry budget are returned for retry (over budget fails them);
// inflight records past their TTL are expired, fresher ones are left for
// the current owner.
func (l *Log) Recover() []RecoveryAction {
	var actions []RecoveryAction
	for _, rec := range l.ListPending() {
		switch rec.Status {
		case StatusPending:
			if l.cfg.MaxRetries > 0 && rec.Attempts >= l.cfg.MaxRetries {
				_ = l.MarkFailed(rec.WALID, "max_retries_exceeded")
				continue
			}
			actions = append(actions, RecoveryAction{Record: rec, Retry: true})
		case StatusInflight:
			age := l.now() - rec.UpdatedAt
			if rec.TTLMs > 0 && age > rec.TTLMs {
				_ = l.MarkExpired(rec.WALID)
				continue
			}
			actions = append(actions, RecoveryAction{Record: rec})
		}
	}
	return actions
}
