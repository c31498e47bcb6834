package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"keel/internal/logging"

	"github.com/google/uuid"
)

// ErrStoreDisabled is returned by Append when events are turned off in config.
// Callers treat it as "record but do not depend on durability".
var ErrStoreDisabled = errors.New("events_store_disabled")

// AppendInput describes one event to append.
type AppendInput struct {
	SessionID string
	Type      string
	Turn      int
	Payload   map[string]interface{}
	// Timestamp overrides the append time when non-zero (ms epoch).
	Timestamp int64
}

// ListOptions filters List results.
type ListOptions struct {
	// Type keeps only records with this exact type. Empty matches all.
	Type string
	// Last returns only the trailing N matching records when > 0.
	Last int
}

// Listener receives every appended record. Listeners run synchronously on
// the append path; panics are isolated so one bad listener cannot corrupt
// the log.
type Listener func(Record)

// Store is the append-only per-session event log.
type Store struct {
	mu        sync.Mutex
	dir       string
	enabled   bool
	cacheSize int

	files   map[string]*os.File // open append handles per session
	tails   map[string][]Record // per-session tail cache
	nextSeq map[string]int      // per-session monotone sequence

	subMu sync.Mutex
	subs  map[int]Listener
	subID int
}

// NewStore creates a store rooted at <workspace>/.keel/events.
func NewStore(workspace string, enabled bool, tailCacheSize int) (*Store, error) {
	dir := filepath.Join(workspace, ".keel", "events")
	if enabled {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create events dir: %w", err)
		}
	}
	if tailCacheSize <= 0 {
		tailCacheSize = 2048
	}
	return &Store{
		dir:       dir,
		enabled:   enabled,
		cacheSize: tailCacheSize,
		files:     make(map[string]*os.File),
		tails:     make(map[string][]Record),
		nextSeq:   make(map[string]int),
		subs:      make(map[int]Listener),
	}, nil
}

// Append assigns an id and timestamp, writes the record to the session's
// NDJSON file, updates the tail cache, and publishes to subscribers.
func (s *Store) Append(in AppendInput) (*Record, error) {
	if !s.enabled {
		return nil, ErrStoreDisabled
	}
	if in.SessionID == "" || in.Type == "" {
		return nil, fmt.Errorf("invalid_event: sessionId and type are required")
	}

	s.mu.Lock()
	seq, err := s.seqLocked(in.SessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	ts := in.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	rec := Record{
		// Sequence prefix keeps ids monotone within a session.
		ID:        fmt.Sprintf("ev-%08d-%s", seq, uuid.NewString()[:8]),
		SessionID: in.SessionID,
		Type:      in.Type,
		Timestamp: ts,
		Turn:      in.Turn,
		Payload:   in.Payload,
	}

	if err := s.writeLocked(rec); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextSeq[in.SessionID] = seq + 1

	tail := append(s.tails[in.SessionID], rec)
	if len(tail) > s.cacheSize {
		tail = tail[len(tail)-s.cacheSize:]
	}
	s.tails[in.SessionID] = tail
	s.mu.Unlock()

	logging.EventsDebug("append %s %s", rec.SessionID, rec.Type)
	s.publish(rec)
	return &rec, nil
}

// seqLocked returns the next sequence number for a session, initializing it
// from the on-disk log on first use.
func (s *Store) seqLocked(sessionID string) (int, error) {
	if seq, ok := s.nextSeq[sessionID]; ok {
		return seq, nil
	}
	recs, validEnd, err := s.loadSession(sessionID)
	if err != nil {
		return 0, err
	}
	// Drop any partial or malformed tail so new appends land directly
	// after the last valid record.
	path := s.sessionPath(sessionID)
	if info, serr := os.Stat(path); serr == nil && info.Size() > validEnd {
		if terr := os.Truncate(path, validEnd); terr != nil {
			return 0, fmt.Errorf("failed to truncate event log: %w", terr)
		}
	}
	s.nextSeq[sessionID] = len(recs)
	if len(recs) > 0 {
		tail := recs
		if len(tail) > s.cacheSize {
			tail = tail[len(tail)-s.cacheSize:]
		}
		s.tails[sessionID] = append([]Record(nil), tail...)
	}
	return len(recs), nil
}

func (s *Store) writeLocked(rec Record) error {
	f, ok := s.files[rec.SessionID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.sessionPath(rec.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		s.files[rec.SessionID] = f
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	// Flush to the OS so a process crash loses at most the in-flight line.
	return f.Sync()
}

// List returns a session's records in insertion order, optionally filtered.
func (s *Store) List(sessionID string, opts ListOptions) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}

	if opts.Type != "" {
		filtered := recs[:0:0]
		for _, r := range recs {
			if r.Type == opts.Type {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}
	if opts.Last > 0 && len(recs) > opts.Last {
		recs = recs[len(recs)-opts.Last:]
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// loadSession reads the full on-disk log for a session, returning the
// records plus the byte offset where the last valid line ends. A malformed
// trailing line (crash mid-append) is discarded; a malformed line mid-file
// truncates the load at the last valid record.
func (s *Store) loadSession(sessionID string) ([]Record, int64, error) {
	f, err := os.Open(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read event log: %w", err)
	}
	defer f.Close()

	var (
		recs     []Record
		validEnd int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, rerr := r.ReadString('\n')
		if strings.HasSuffix(line, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				var rec Record
				if uerr := json.Unmarshal([]byte(trimmed), &rec); uerr != nil {
					logging.Get(logging.CategoryEvents).Warn("discarding malformed event line in %s: %v", sessionID, uerr)
					break
				}
				recs = append(recs, rec)
			}
			validEnd += int64(len(line))
		} else if strings.TrimSpace(line) != "" {
			// No trailing newline: an in-flight write lost to a crash.
			logging.Get(logging.CategoryEvents).Warn("discarding partial trailing line in %s", sessionID)
		}
		if rerr != nil {
			if rerr != io.EOF {
				return nil, 0, fmt.Errorf("failed to scan event log: %w", rerr)
			}
			break
		}
	}
	return recs, validEnd, nil
}

// ListSessionIDs discovers sessions via the log directory.
func (s *Store) ListSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".ndjson"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe registers a listener and returns its unsubscribe func.
func (s *Store) Subscribe(listener Listener) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.subID
	s.subID++
	s.subs[id] = listener
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// publish fans a record out to subscribers. No store lock is held here.
func (s *Store) publish(rec Record) {
	s.subMu.Lock()
	listeners := make([]Listener, 0, len(s.subs))
	for _, l := range s.subs {
		listeners = append(listeners, l)
	}
	s.subMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryEvents).Error("event listener panicked: %v", r)
				}
			}()
			l(rec)
		}()
	}
}

// ClearSessionCache drops a session's tail cache and closes its file handle.
func (s *Store) ClearSessionCache(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tails, sessionID)
	delete(s.nextSeq, sessionID)
	if f, ok := s.files[sessionID]; ok {
		f.Close()
		delete(s.files, sessionID)
	}
}

// Tail returns the cached trailing records for a session without disk I/O.
func (s *Store) Tail(sessionID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.tails[sessionID]))
	copy(out, s.tails[sessionID])
	return out
}

// Close closes all open log files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.files {
		f.Close()
		delete(s.files, id)
	}
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".ndjson")
}
