package flute

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Priority scheduler of the sender. Level 0 is the highest priority;
// while any higher level has an active or waiting transfer, lower
// levels are paused entirely.
//
// Each level owns a ring of active transfers (file-level round robin)
// and a FIFO of waiting ones, admitted as capacity frees up. Waiting
// also holds carousel transfers sleeping between passes.
type priorityLevel struct {
	active    []*transfer
	cursor    int
	waiting   []*transfer
	maxActive int
}

type scheduler struct {
	levels []*priorityLevel
}

func newScheduler(levelCount int, concurrentFiles int) *scheduler {
	s := &scheduler{levels: make([]*priorityLevel, levelCount)}
	for i := range s.levels {
		s.levels[i] = &priorityLevel{maxActive: concurrentFiles}
	}
	return s
}

func (s *scheduler) clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= len(s.levels) {
		return len(s.levels) - 1
	}
	return priority
}

// add queues a transfer at its object's priority level.
func (s *scheduler) add(t *transfer, now time.Time) {
	level := s.levels[s.clampPriority(t.obj.Priority)]
	t.state = TRANSFER_WAITING
	t.wakeAt = now
	level.waiting = append(level.waiting, t)
}

// remove drops a transfer wherever it currently sits.
func (s *scheduler) remove(t *transfer) {
	level := s.levels[s.clampPriority(t.obj.Priority)]
	for i, candidate := range level.active {
		if candidate == t {
			level.active = append(level.active[:i], level.active[i+1:]...)
			if level.cursor > i {
				level.cursor--
			}
			return
		}
	}
	for i, candidate := range level.waiting {
		if candidate == t {
			level.waiting = append(level.waiting[:i], level.waiting[i+1:]...)
			return
		}
	}
}

// admit moves due waiting transfers into the active ring, in FIFO
// order, while capacity remains.
func (level *priorityLevel) admit(now time.Time) {
	kept := level.waiting[:0]
	for _, t := range level.waiting {
		if len(level.active) < level.maxActive && !now.Before(t.wakeAt) {
			t.startPass(now)
			level.active = append(level.active, t)
			log.Debugf("[SENDER][toi %d] pass %d started", t.toi, t.pass)
		} else {
			kept = append(kept, t)
		}
	}
	level.waiting = kept
}

func (level *priorityLevel) empty() bool {
	return len(level.active) == 0 && len(level.waiting) == 0
}

// next selects the transfer to emit from, applying strict priority,
// file-level round robin and target-acquisition pacing. Returns nil
// when nothing may emit right now.
func (s *scheduler) next(now time.Time, readInterval time.Duration) *transfer {
	for _, level := range s.levels {
		if level.empty() {
			continue
		}
		level.admit(now)
		for i := 0; i < len(level.active); i++ {
			index := (level.cursor + i) % len(level.active)
			candidate := level.active[index]
			if candidate.paced(now, readInterval) {
				continue
			}
			level.cursor = (index + 1) % len(level.active)
			return candidate
		}
		// Level is non-empty but nothing may emit: lower levels stay
		// paused regardless
		return nil
	}
	return nil
}

// complete handles the end of a transfer pass. Removal is returned to
// the caller so it can drop its own references.
func (s *scheduler) complete(t *transfer, now time.Time) bool {
	level := s.levels[s.clampPriority(t.obj.Priority)]
	for i, candidate := range level.active {
		if candidate == t {
			level.active = append(level.active[:i], level.active[i+1:]...)
			if level.cursor > i {
				level.cursor--
			}
			break
		}
	}
	if t.onPassComplete(now) {
		return true
	}
	level.waiting = append(level.waiting, t)
	return false
}
