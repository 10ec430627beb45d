package state

import (
	"sync"
	"testing"
)

func TestTeamCallbacks(t *testing.T) {
	s := NewShared(TeamRed, true)
	selectors := map[string]func(){"red": s.SelectRed, "blue": s.SelectBlue}

	selectors["blue"]()
	if s.Team() != TeamBlue {
		t.Fatalf("team = %v, want blue", s.Team())
	}
	selectors["red"]()
	if s.Team() != TeamRed {
		t.Fatalf("team = %v, want red", s.Team())
	}
}

func TestParseTeam(t *testing.T) {
	for in, want := range map[string]Team{"red": TeamRed, " BLUE ": TeamBlue} {
		got, err := ParseTeam(in)
		if err != nil || got != want {
			t.Errorf("ParseTeam(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseTeam("green"); err == nil {
		t.Error("expected error for green")
	}
}

func TestToggleSortConcurrent(t *testing.T) {
	s := NewShared(TeamRed, false)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ToggleSort()
		}()
	}
	wg.Wait()
	// an even number of flips lands back where we started
	if s.SortEnabled() {
		t.Fatal("expected sorting disabled after 100 toggles")
	}
}
