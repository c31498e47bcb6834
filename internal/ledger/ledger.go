// Package ledger implements the hash-chained evidence ledger of tool results.
// Rows are appended per session with a sha256 chain; a periodic checkpoint
// row condenses the prefix while preserving tamper-evidence. The ledger is
// persisted as .keel/ledger.ndjson and outlives the process.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"keel/internal/logging"

	"github.com/google/uuid"
)

// Verdict is the ternary outcome stored with each row.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// RowKind distinguishes evidence rows from compaction checkpoints.
type RowKind string

const (
	RowEvidence   RowKind = "evidence"
	RowCheckpoint RowKind = "checkpoint"
)

// Row is one ledger entry.
type Row struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	Kind          RowKind                `json:"kind"`
	Turn          int                    `json:"turn"`
	Skill         string                 `json:"skill,omitempty"`
	Tool          string                 `json:"tool"`
	ArgsSummary   string                 `json:"argsSummary,omitempty"`
	OutputSummary string                 `json:"outputSummary,omitempty"`
	OutputHash    string                 `json:"outputHash"`
	PreviousHash  string                 `json:"previousHash"`
	Hash          string                 `json:"hash"`
	Verdict       Verdict                `json:"verdict"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
}

// AppendInput describes one evidence row to append.
type AppendInput struct {
	SessionID     string
	Turn          int
	Skill         string
	Tool          string
	ArgsSummary   string
	OutputSummary string
	FullOutput    string
	Verdict       Verdict
	Metadata      map[string]interface{}
}

// Query filters recent rows.
type Query struct {
	File    string // matches rows whose args or output summary mention the path
	Skill   string
	Verdict Verdict
	Tool    string
	Last    int
}

// Store is the evidence ledger.
type Store struct {
	mu   sync.Mutex
	path string
	// rows per session, in append order (checkpoint row first after compaction)
	rows map[string][]Row
	file *os.File
}

// NewStore opens (or creates) the ledger at <workspace>/.keel/ledger.ndjson
// and loads existing rows.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, ".keel")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .keel dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, "ledger.ndjson"),
		rows: make(map[string][]Row),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			// Crash mid-append leaves a partial trailing line.
			logging.Get(logging.CategoryLedger).Warn("discarding malformed ledger line: %v", err)
			break
		}
		s.rows[row.SessionID] = append(s.rows[row.SessionID], row)
	}
	return scanner.Err()
}

// Append computes the output hash, links the row into the session's chain,
// and persists it. Returns the assigned row.
func (s *Store) Append(in AppendInput) (*Row, error) {
	if in.SessionID == "" || in.Tool == "" {
		return nil, fmt.Errorf("invalid_ledger_row: sessionId and tool are required")
	}
	if in.Verdict == "" {
		in.Verdict = VerdictInconclusive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := ""
	if existing := s.rows[in.SessionID]; len(existing) > 0 {
		prev = existing[len(existing)-1].Hash
	}

	row := Row{
		ID:            "lr-" + uuid.NewString(),
		SessionID:     in.SessionID,
		Kind:          RowEvidence,
		Turn:          in.Turn,
		Skill:         in.Skill,
		Tool:          in.Tool,
		ArgsSummary:   in.ArgsSummary,
		OutputSummary: in.OutputSummary,
		OutputHash:    hashString(in.FullOutput),
		PreviousHash:  prev,
		Verdict:       in.Verdict,
		Metadata:      in.Metadata,
		Timestamp:     time.Now().UnixMilli(),
	}
	row.Hash = chainHash(row)

	if err := s.writeLocked(row); err != nil {
		return nil, err
	}
	s.rows[in.SessionID] = append(s.rows[in.SessionID], row)
	return &row, nil
}

func (s *Store) writeLocked(row Row) error {
	line, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode ledger row: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger row: %w", err)
	}
	return s.file.Sync()
}

// CompactSession condenses all but the last keepLast rows of a session into
// a single checkpoint row whose hash becomes the new chain root. Fewer than
// keepLast rows is a no-op.
func (s *Store) CompactSession(sessionID string, keepLast int, reason string) (*Row, error) {
	if keepLast < 0 {
		keepLast = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[sessionID]
	if len(rows) <= keepLast {
		return nil, nil
	}

	prefix := rows[:len(rows)-keepLast]
	kept := rows[len(rows)-keepLast:]

	// The checkpoint's output hash digests the prefix chain tail, so the
	// condensed history stays tamper-evident.
	checkpoint := Row{
		ID:            "lr-" + uuid.NewString(),
		SessionID:     sessionID,
		Kind:          RowCheckpoint,
		Turn:          prefix[len(prefix)-1].Turn,
		Tool:          "checkpoint",
		OutputSummary: fmt.Sprintf("compacted %d rows: %s", len(prefix), reason),
		OutputHash:    hashString(prefix[len(prefix)-1].Hash),
		PreviousHash:  prefix[len(prefix)-1].Hash,
		Verdict:       VerdictInconclusive,
		Metadata: map[string]interface{}{
			"compactedRows": len(prefix),
			"reason":        reason,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	checkpoint.Hash = chainHash(checkpoint)

	// Re-link kept rows onto the new root.
	relinked := make([]Row, 0, len(kept)+1)
	relinked = append(relinked, checkpoint)
	prevHash := checkpoint.Hash
	for _, r := range kept {
		r.PreviousHash = prevHash
		r.Hash = chainHash(r)
		prevHash = r.Hash
		relinked = append(relinked, r)
	}
	s.rows[sessionID] = relinked

	if err := s.rewriteLocked(); err != nil {
		return nil, err
	}
	logging.Ledger("compacted session %s: %d rows -> checkpoint + %d", sessionID, len(rows), len(kept))
	return &checkpoint, nil
}

// rewriteLocked rewrites the full ledger file after compaction. Compaction
// is the only mutation of persisted rows; normal appends never rewrite.
func (s *Store) rewriteLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to rewrite ledger: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rows := range s.rows {
		for _, row := range rows {
			line, err := json.Marshal(row)
			if err != nil {
				f.Close()
				return err
			}
			w.Write(line)
			w.WriteByte('\n')
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if s.file != nil {
		s.file.Close()
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen ledger: %w", err)
	}
	s.file = nf
	return nil
}

// Rows returns a copy of a session's rows in chain order.
func (s *Store) Rows(sessionID string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, len(s.rows[sessionID]))
	copy(out, s.rows[sessionID])
	return out
}

// RowCount returns the number of rows for a session.
func (s *Store) RowCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[sessionID])
}

// QueryRows filters a session's recent rows.
func (s *Store) QueryRows(sessionID string, q Query) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, r := range s.rows[sessionID] {
		if q.Tool != "" && r.Tool != q.Tool {
			continue
		}
		if q.Skill != "" && r.Skill != q.Skill {
			continue
		}
		if q.Verdict != "" && r.Verdict != q.Verdict {
			continue
		}
		if q.File != "" && !strings.Contains(r.ArgsSummary, q.File) && !strings.Contains(r.OutputSummary, q.File) {
			continue
		}
		out = append(out, r)
	}
	if q.Last > 0 && len(out) > q.Last {
		out = out[len(out)-q.Last:]
	}
	return out
}

// VerifyChain checks that each row's previousHash links to its predecessor
// and that each hash matches its recomputation. Used by tests and the
// status command; a broken chain means the file was edited out-of-band.
func (s *Store) VerifyChain(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := ""
	for i, r := range s.rows[sessionID] {
		if i > 0 && r.PreviousHash != prev {
			return fmt.Errorf("chain break at row %d (%s)", i, r.ID)
		}
		if chainHash(r) != r.Hash {
			return fmt.Errorf("hash mismatch at row %d (%s)", i, r.ID)
		}
		prev = r.Hash
	}
	return nil
}

// Close closes the ledger file.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// chainHash computes sha256(previousHash + id + outputHash + verdict).
func chainHash(r Row) string {
	h := sha256.New()
	h.Write([]byte(r.PreviousHash))
	h.Write([]byte(r.ID))
	h.Write([]byte(r.OutputHash))
	h.Write([]byte(r.Verdict))
	return hex.EncodeToString(h.Sum(nil))
}
