package auton

import (
	"fmt"
	"sync"

	"robot-control-core/robot/state"
	"robot-control-core/utils"
)

// TeamCallbacks are called when a routine for that alliance is selected.
// They are normally bound to the shared state, e.g. shared.SelectRed.
type TeamCallbacks struct {
	Red  func()
	Blue func()
}

// Selector is the ordered list of routines and the current pick. It is used
// from the screen loop and the pit API at the same time.
type Selector struct {
	mu       sync.Mutex
	routines []Routine
	idx      int
	cb       TeamCallbacks
	log      *utils.Logger
}

// NewSelector selects the first routine, firing its team callback.
func NewSelector(routines []Routine, cb TeamCallbacks, log *utils.Logger) (*Selector, error) {
	if len(routines) == 0 {
		return nil, fmt.Errorf("selector needs at least one routine")
	}
	s := &Selector{routines: routines, cb: cb, log: log}
	s.mu.Lock()
	s.selectLocked(0)
	s.mu.Unlock()
	return s, nil
}

func (s *Selector) Len() int { return len(s.routines) }

// Routines returns the routine list in selector order.
func (s *Selector) Routines() []Routine {
	out := make([]Routine, len(s.routines))
	copy(out, s.routines)
	return out
}

// Selected returns the current routine and its index.
func (s *Selector) Selected() (Routine, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routines[s.idx], s.idx
}

func (s *Selector) Select(i int) error {
	if i < 0 || i >= len(s.routines) {
		return fmt.Errorf("routine index %d out of range 0..%d", i, len(s.routines)-1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectLocked(i)
	return nil
}

// Next and Prev wrap around the ends of the list.
func (s *Selector) Next() Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectLocked((s.idx + 1) % len(s.routines))
	return s.routines[s.idx]
}

func (s *Selector) Prev() Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectLocked((s.idx - 1 + len(s.routines)) % len(s.routines))
	return s.routines[s.idx]
}

func (s *Selector) selectLocked(i int) {
	s.idx = i
	r := &s.routines[i]
	s.log.Info("Autonomous selected: [%d] %s (%s)", i, r.Name, r.Team())
	switch r.Team() {
	case state.TeamRed:
		if s.cb.Red != nil {
			s.cb.Red()
		}
	case state.TeamBlue:
		if s.cb.Blue != nil {
			s.cb.Blue()
		}
	}
}
