package skill

import (
	"keel/internal/logging"
)

// SlotDecision is the outcome of a parallel slot request.
type SlotDecision struct {
	Granted bool
	Reason  string
}

// AcquireParallelSlot admits one parallel worker run. Global capacity is
// shared across sessions; the active skill's maxParallel applies per skill
// when enforcement is on. Re-acquiring a held runId is a no-op grant.
func (r *Registry) AcquireParallelSlot(sessionID, runID string) SlotDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.parallel.Enabled {
		return SlotDecision{Reason: "parallel_disabled"}
	}

	s := r.session(sessionID)
	if _, held := s.slots[runID]; held {
		return SlotDecision{Granted: true}
	}

	if r.parallel.MaxConcurrent > 0 && r.active >= r.parallel.MaxConcurrent {
		return SlotDecision{Reason: "max_concurrent_exceeded"}
	}

	skillName := s.activeSkill
	if skillName != "" && r.security.SkillMaxParallelMode == "enforce" {
		if c, ok := r.contracts[skillName]; ok && c.MaxParallel > 0 {
			held := 0
			for _, sess := range r.sessions {
				for _, owner := range sess.slots {
					if owner == skillName {
						held++
					}
				}
			}
			if held >= c.MaxParallel {
				return SlotDecision{Reason: "skill_max_parallel"}
			}
		}
	}

	s.slots[runID] = skillName
	r.active++
	logging.Skill("Granted parallel slot %s (session=%s active=%d)", runID, sessionID, r.active)
	return SlotDecision{Granted: true}
}

// ReleaseParallelSlot returns a slot. Releasing an unknown or already
// released runId is a no-op.
func (r *Registry) ReleaseParallelSlot(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if _, held := s.slots[runID]; !held {
		return
	}
	delete(s.slots, runID)
	r.active--
	if r.active < 0 {
		r.active = 0
	}
}

// ActiveSlots reports the total held slots across sessions.
func (r *Registry) ActiveSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
