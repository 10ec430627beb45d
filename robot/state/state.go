// Package state owns the flags shared between the periodic loops.
package state

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Team is the alliance color we play for. Rings of the other color are rejected.
type Team int32

const (
	TeamRed Team = iota
	TeamBlue
)

func (t Team) String() string {
	switch t {
	case TeamRed:
		return "red"
	case TeamBlue:
		return "blue"
	default:
		return fmt.Sprintf("Team(%d)", int32(t))
	}
}

// ParseTeam accepts "red" or "blue" in any case.
func ParseTeam(s string) (Team, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "red":
		return TeamRed, nil
	case "blue":
		return TeamBlue, nil
	}
	return 0, fmt.Errorf("unknown team %q (want red or blue)", s)
}

// Shared is written by teleop, autonomous and the pit API and read every tick
// by the sorter. Every field is an atomic so no reader sees a torn value.
type Shared struct {
	sortEnabled atomic.Bool
	team        atomic.Int32
}

func NewShared(team Team, sortEnabled bool) *Shared {
	s := &Shared{}
	s.team.Store(int32(team))
	s.sortEnabled.Store(sortEnabled)
	return s
}

func (s *Shared) Team() Team { return Team(s.team.Load()) }

func (s *Shared) SetTeam(t Team) { s.team.Store(int32(t)) }

// SelectRed and SelectBlue are handed to menus as callbacks.
func (s *Shared) SelectRed()  { s.SetTeam(TeamRed) }
func (s *Shared) SelectBlue() { s.SetTeam(TeamBlue) }

func (s *Shared) SortEnabled() bool { return s.sortEnabled.Load() }

func (s *Shared) SetSortEnabled(on bool) { s.sortEnabled.Store(on) }

// ToggleSort flips the flag and returns the new value.
func (s *Shared) ToggleSort() bool {
	for {
		old := s.sortEnabled.Load()
		if s.sortEnabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
