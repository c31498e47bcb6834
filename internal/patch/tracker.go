// Package patch captures file snapshots around mutation tool calls and
// records the resulting patch sets. Snapshots keep the full before-bytes so
// RollbackLast can restore files without a workspace shadow.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"keel/internal/logging"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// HashAbsent is the sentinel hash for a path that does not exist.
const HashAbsent = "absent"

// Action describes what a tool call did to a file.
type Action string

const (
	ActionAdd    Action = "add"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// FileChange is one file's before/after record inside a patch set.
type FileChange struct {
	Path       string `json:"path"`
	Action     Action `json:"action"`
	BeforeHash string `json:"beforeHash"`
	AfterHash  string `json:"afterHash"`
	DiffText   string `json:"diffText,omitempty"`
}

// Set is one recorded patch set.
type Set struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	CreatedAt int64        `json:"createdAt"`
	Changes   []FileChange `json:"changes"`
}

// RollbackResult reports per-file restore outcomes.
type RollbackResult struct {
	OK            bool     `json:"ok"`
	PatchSetID    string   `json:"patchSetId,omitempty"`
	RestoredPaths []string `json:"restoredPaths"`
	FailedPaths   []string `json:"failedPaths"`
	Error         string   `json:"error,omitempty"`
}

// snapshot is one captured file before a tool call.
type snapshot struct {
	path    string
	hash    string
	content []byte
	absent  bool
}

// pendingCapture is keyed by toolCallId until the call finishes.
type pendingCapture struct {
	sessionID string
	toolName  string
	files     []snapshot
}

// Config controls the mutation classifier and history retention.
type Config struct {
	// MutationTools is the explicit tool-name set treated as mutating.
	MutationTools []string
	// MaxDiffBytes caps stored diff text per file.
	MaxDiffBytes int
	// HistoryLimit caps retained patch sets per session.
	HistoryLimit int
}

// Tracker captures before/after snapshots around mutation tool calls.
type Tracker struct {
	mu        sync.Mutex
	workspace string
	cfg       Config
	mutation  map[string]bool
	pending   map[string]*pendingCapture   // keyed by toolCallId
	history   map[string][]*Set            // per session, oldest first
	restore   map[string]map[string][]byte // patchSetID -> rel path -> before bytes (nil = absent)
	nextSeq   int
}

// NewTracker creates a tracker rooted at the workspace.
func NewTracker(workspace string, cfg Config) *Tracker {
	mutation := make(map[string]bool, len(cfg.MutationTools))
	for _, name := range cfg.MutationTools {
		mutation[strings.ToLower(name)] = true
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MaxDiffBytes <= 0 {
		cfg.MaxDiffBytes = 64 * 1024
	}
	return &Tracker{
		workspace: workspace,
		cfg:       cfg,
		mutation:  mutation,
		pending:   make(map[string]*pendingCapture),
		history:   make(map[string][]*Set),
		restore:   make(map[string]map[string][]byte),
	}
}

// IsMutationTool reports whether a tool name is classified as mutating.
// The explicit config set wins; otherwise a name-based heuristic matches
// tools containing "write", "edit" or "patch".
func (t *Tracker) IsMutationTool(toolName string) bool {
	name := strings.ToLower(toolName)
	if t.mutation[name] {
		return true
	}
	return strings.Contains(name, "write") || strings.Contains(name, "edit") || strings.Contains(name, "patch")
}

// CaptureBeforeToolCall snapshots the files a mutation tool is about to
// touch. Non-mutation tools are ignored. Returns the captured paths.
func (t *Tracker) CaptureBeforeToolCall(sessionID, toolCallID, toolName string, args map[string]interface{}) []string {
	if !t.IsMutationTool(toolName) {
		return nil
	}

	paths := t.resolvePaths(args)
	if len(paths) == 0 {
		return nil
	}

	capture := &pendingCapture{sessionID: sessionID, toolName: toolName}
	for _, p := range paths {
		snap := snapshot{path: p}
		content, err := os.ReadFile(p)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.Get(logging.CategoryPatch).Warn("snapshot read failed for %s: %v", p, err)
				continue
			}
			snap.absent = true
			snap.hash = HashAbsent
		} else {
			snap.content = content
			snap.hash = hashBytes(content)
		}
		capture.files = append(capture.files, snap)
	}

	t.mu.Lock()
	t.pending[toolCallID] = capture
	t.mu.Unlock()

	captured := make([]string, len(capture.files))
	for i, f := range capture.files {
		captured[i] = f.path
	}
	logging.Patch("captured %d file(s) before %s (%s)", len(captured), toolName, toolCallID)
	return captured
}

// CompleteToolCall finishes a pending capture. On success it rescans the
// captured paths and records a patch set; on failure it discards the capture.
// Returns the recorded set, or nil when nothing changed or nothing was pending.
func (t *Tracker) CompleteToolCall(sessionID, toolCallID string, success bool) *Set {
	t.mu.Lock()
	capture, ok := t.pending[toolCallID]
	delete(t.pending, toolCallID)
	t.mu.Unlock()

	if !ok || !success {
		return nil
	}

	var changes []FileChange
	for _, before := range capture.files {
		after, err := os.ReadFile(before.path)
		afterHash := HashAbsent
		afterAbsent := false
		if err != nil {
			if !os.IsNotExist(err) {
				logging.Get(logging.CategoryPatch).Warn("rescan failed for %s: %v", before.path, err)
				continue
			}
			afterAbsent = true
		} else {
			afterHash = hashBytes(after)
		}

		if before.hash == afterHash {
			continue // untouched
		}

		change := FileChange{
			Path:       t.relPath(before.path),
			BeforeHash: before.hash,
			AfterHash:  afterHash,
		}
		switch {
		case before.absent && !afterAbsent:
			change.Action = ActionAdd
		case !before.absent && afterAbsent:
			change.Action = ActionDelete
		default:
			change.Action = ActionModify
		}
		change.DiffText = t.diffText(before.content, after)
		changes = append(changes, change)
	}

	if len(changes) == 0 {
		return nil
	}

	t.mu.Lock()
	t.nextSeq++
	set := &Set{
		ID:        fmt.Sprintf("ps-%06d-%s", t.nextSeq, uuid.NewString()[:8]),
		SessionID: sessionID,
		CreatedAt: time.Now().UnixMilli(),
		Changes:   changes,
	}
	hist := append(t.history[sessionID], set)
	if len(hist) > t.cfg.HistoryLimit {
		for _, dropped := range hist[:len(hist)-t.cfg.HistoryLimit] {
			delete(t.restore, dropped.ID)
		}
		hist = hist[len(hist)-t.cfg.HistoryLimit:]
	}
	t.history[sessionID] = hist

	// Keep before-bytes so RollbackLast can restore without a shadow copy.
	t.pendingRestore(set, capture)
	t.mu.Unlock()

	logging.Patch("recorded patch set %s (%d change(s))", set.ID, len(changes))
	return set
}

func (t *Tracker) pendingRestore(set *Set, capture *pendingCapture) {
	m := make(map[string][]byte, len(capture.files))
	for _, f := range capture.files {
		if f.absent {
			m[t.relPath(f.path)] = nil
		} else {
			m[t.relPath(f.path)] = f.content
		}
	}
	t.restore[set.ID] = m
}

// History returns a session's patch sets, oldest first.
func (t *Tracker) History(sessionID string) []*Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Set, len(t.history[sessionID]))
	copy(out, t.history[sessionID])
	return out
}

// RollbackLast restores the newest patch set's files to their captured
// before-content. Best-effort per file.
func (t *Tracker) RollbackLast(sessionID string) RollbackResult {
	t.mu.Lock()
	hist := t.history[sessionID]
	if len(hist) == 0 {
		t.mu.Unlock()
		return RollbackResult{OK: false, Error: "no_patchset", RestoredPaths: []string{}, FailedPaths: []string{}}
	}
	set := hist[len(hist)-1]
	t.history[sessionID] = hist[:len(hist)-1]
	restore := t.restore[set.ID]
	delete(t.restore, set.ID)
	t.mu.Unlock()

	result := RollbackResult{OK: true, PatchSetID: set.ID, RestoredPaths: []string{}, FailedPaths: []string{}}
	for _, change := range set.Changes {
		before, ok := restore[change.Path]
		abs := filepath.Join(t.workspace, change.Path)
		var err error
		switch {
		case !ok:
			err = fmt.Errorf("no captured content")
		case before == nil:
			// File did not exist before the tool call.
			err = os.Remove(abs)
			if os.IsNotExist(err) {
				err = nil
			}
		default:
			err = os.WriteFile(abs, before, 0644)
		}
		if err != nil {
			logging.Get(logging.CategoryPatch).Error("rollback failed for %s: %v", change.Path, err)
			result.FailedPaths = append(result.FailedPaths, change.Path)
		} else {
			result.RestoredPaths = append(result.RestoredPaths, change.Path)
		}
	}
	if len(result.FailedPaths) > 0 {
		result.OK = false
	}
	logging.Patch("rollback %s: %d restored, %d failed", set.ID, len(result.RestoredPaths), len(result.FailedPaths))
	return result
}

// DiscardPending drops any pending capture for a tool call (abort path).
func (t *Tracker) DiscardPending(toolCallID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, toolCallID)
}

// resolvePaths extracts absolute file paths from tool args. Recognized keys:
// file_path, path, file; plus paths/files arrays.
func (t *Tracker) resolvePaths(args map[string]interface{}) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(v interface{}) {
		s, ok := v.(string)
		if !ok || s == "" {
			return
		}
		if !filepath.IsAbs(s) {
			s = filepath.Join(t.workspace, s)
		}
		s = filepath.Clean(s)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, key := range []string{"file_path", "path", "file"} {
		if v, ok := args[key]; ok {
			add(v)
		}
	}
	for _, key := range []string{"paths", "files"} {
		if v, ok := args[key]; ok {
			if list, ok := v.([]interface{}); ok {
				for _, item := range list {
					add(item)
				}
			}
			if list, ok := v.([]string); ok {
				for _, item := range list {
					add(item)
				}
			}
		}
	}
	return out
}

func (t *Tracker) relPath(abs string) string {
	rel, err := filepath.Rel(t.workspace, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}

// diffText renders a compact line diff, capped at MaxDiffBytes.
func (t *Tracker) diffText(before, after []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), true)
	dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString("+")
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("-")
			b.WriteString(d.Text)
		}
		if b.Len() > t.cfg.MaxDiffBytes {
			return "" // too large, keep hashes only
		}
	}
	return b.String()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
