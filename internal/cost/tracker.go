// Package cost tracks per-turn token and USD spend, enforces session and
// skill caps, and fires alert callbacks when spend crosses configured
// thresholds of the session cap.
package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"keel/internal/config"
	"keel/internal/logging"
)

// TurnUsage is one turn's recorded spend.
type TurnUsage struct {
	Turn         int     `json:"turn"`
	Skill        string  `json:"skill,omitempty"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	USD          float64 `json:"usd"`
	Timestamp    int64   `json:"timestamp"`
}

// SessionCost aggregates a session's spend.
type SessionCost struct {
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	USD          float64            `json:"usd"`
	BySkillUSD   map[string]float64 `json:"bySkillUsd,omitempty"`
	Turns        []TurnUsage        `json:"turns,omitempty"`
	// AlertsFired records which thresholds already alerted, so each fires
	// once per session.
	AlertsFired []float64 `json:"alertsFired,omitempty"`
}

type costData struct {
	Version  string                  `json:"version"`
	TotalUSD float64                 `json:"totalUsd"`
	Sessions map[string]*SessionCost `json:"sessions"`
}

// AlertFunc is invoked when a session crosses an alert threshold.
type AlertFunc func(sessionID string, threshold, usd float64)

// Tracker is the cost accountant. Persistence is debounced: recording marks
// the data dirty and a timer flushes it to .keel/cost.json.
type Tracker struct {
	mu       sync.Mutex
	data     costData
	filePath string
	cfg      config.CostConfig
	dirty    bool
	onAlert  AlertFunc
}

// NewTracker loads (or initializes) cost data under the workspace dot-dir.
func NewTracker(workspace string, cfg config.CostConfig) (*Tracker, error) {
	dir := filepath.Join(workspace, ".keel")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .keel dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "cost.json"),
		cfg:      cfg,
		data: costData{
			Version:  "1.0",
			Sessions: make(map[string]*SessionCost),
		},
	}
	if err := t.load(); err != nil {
		logging.Cost("Cost data unreadable, starting fresh: %v", err)
	}
	return t, nil
}

// SetAlertFunc registers the alert callback.
func (t *Tracker) SetAlertFunc(fn AlertFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = fn
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	if t.data.Sessions == nil {
		t.data.Sessions = make(map[string]*SessionCost)
	}
	return nil
}

// Save flushes cost data to disk immediately.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

func (t *Tracker) session(sessionID string) *SessionCost {
	s, ok := t.data.Sessions[sessionID]
	if !ok {
		s = &SessionCost{BySkillUSD: make(map[string]float64)}
		t.data.Sessions[sessionID] = s
	}
	if s.BySkillUSD == nil {
		s.BySkillUSD = make(map[string]float64)
	}
	return s
}

// priceUSD converts token counts to dollars using the configured per-Mtok
// rates.
func (t *Tracker) priceUSD(input, output int) float64 {
	return float64(input)/1e6*t.cfg.InputUSDPerMTok + float64(output)/1e6*t.cfg.OutputUSDPerMTok
}

// RecordTurn records one turn's spend and fires any newly crossed alert
// thresholds. Saving is debounced.
func (t *Tracker) RecordTurn(sessionID string, turn int, skill string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()

	usd := t.priceUSD(inputTokens, outputTokens)
	s := t.session(sessionID)
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
	s.USD += usd
	if skill != "" {
		s.BySkillUSD[skill] += usd
	}
	s.Turns = append(s.Turns, TurnUsage{
		Turn:         turn,
		Skill:        skill,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		USD:          usd,
		Timestamp:    time.Now().UnixMilli(),
	})
	t.data.TotalUSD += usd

	var fired []float64
	if t.cfg.SessionCapUSD > 0 {
		for _, th := range t.cfg.AlertThresholds {
			if s.USD >= th*t.cfg.SessionCapUSD && !containsThreshold(s.AlertsFired, th) {
				s.AlertsFired = append(s.AlertsFired, th)
				fired = append(fired, th)
			}
		}
		sort.Float64s(s.AlertsFired)
	}

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			t.Save()
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}

	onAlert := t.onAlert
	sessionUSD := s.USD
	t.mu.Unlock()

	for _, th := range fired {
		logging.Cost("Session %s crossed %.0f%% of cost cap ($%.4f)", sessionID, th*100, sessionUSD)
		if onAlert != nil {
			onAlert(sessionID, th, sessionUSD)
		}
	}
	return usd
}

func containsThreshold(list []float64, th float64) bool {
	for _, v := range list {
		if v == th {
			return true
		}
	}
	return false
}

// BudgetBlocked reports whether the session has exhausted its USD cap.
func (t *Tracker) BudgetBlocked(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.SessionCapUSD <= 0 {
		return false
	}
	if s, ok := t.data.Sessions[sessionID]; ok {
		return s.USD >= t.cfg.SessionCapUSD
	}
	return false
}

// SkillBlocked reports whether one skill exhausted its per-skill USD cap.
func (t *Tracker) SkillBlocked(sessionID, skill string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.SkillCapUSD <= 0 {
		return false
	}
	if s, ok := t.data.Sessions[sessionID]; ok {
		return s.BySkillUSD[skill] >= t.cfg.SkillCapUSD
	}
	return false
}

// SessionView is the cost_view tool's payload for one session.
type SessionView struct {
	SessionID     string             `json:"sessionId"`
	InputTokens   int                `json:"inputTokens"`
	OutputTokens  int                `json:"outputTokens"`
	USD           float64            `json:"usd"`
	CapUSD        float64            `json:"capUsd,omitempty"`
	CapRemaining  float64            `json:"capRemaining,omitempty"`
	BySkillUSD    map[string]float64 `json:"bySkillUsd,omitempty"`
	TurnsRecorded int                `json:"turnsRecorded"`
	Blocked       bool               `json:"blocked"`
}

// View summarizes a session's spend.
func (t *Tracker) View(sessionID string) SessionView {
	t.mu.Lock()
	defer t.mu.Unlock()

	view := SessionView{SessionID: sessionID, CapUSD: t.cfg.SessionCapUSD}
	s, ok := t.data.Sessions[sessionID]
	if !ok {
		view.CapRemaining = t.cfg.SessionCapUSD
		return view
	}
	view.InputTokens = s.InputTokens
	view.OutputTokens = s.OutputTokens
	view.USD = s.USD
	view.TurnsRecorded = len(s.Turns)
	view.BySkillUSD = make(map[string]float64, len(s.BySkillUSD))
	for k, v := range s.BySkillUSD {
		view.BySkillUSD[k] = v
	}
	if t.cfg.SessionCapUSD > 0 {
		view.CapRemaining = t.cfg.SessionCapUSD - s.USD
		if view.CapRemaining < 0 {
			view.CapRemaining = 0
		}
		view.Blocked = s.USD >= t.cfg.SessionCapUSD
	}
	return view
}

// TotalUSD returns lifetime spend across sessions.
func (t *Tracker) TotalUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.TotalUSD
}
