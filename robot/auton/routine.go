// Package auton holds the scripted autonomous routines, the selector the
// drive team picks one with, and the executor that plays one back.
package auton

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"robot-control-core/robot/control"
	"robot-control-core/robot/state"
)

// Step is the full actuator command set at one instant of a routine.
type Step struct {
	DriveLeft  float64  `json:"drive_left"`
	DriveRight float64  `json:"drive_right"`
	IntakeLow  float64  `json:"intake_low"`
	IntakeHigh float64  `json:"intake_high"`
	Clamp      bool     `json:"clamp"`
	Doinker    bool     `json:"doinker"`
	ArmTarget  *float64 `json:"arm_target,omitempty"` // nil leaves the arm where it is
	Sort       bool     `json:"sort"`
}

// DefaultStep is everything stopped with color sorting on.
func DefaultStep() Step {
	return Step{Sort: true}
}

func (s *Step) UnmarshalJSON(b []byte) error {
	type plain Step
	p := plain(DefaultStep())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Step(p)
	return nil
}

// Segment overrides the routine defaults between T0 and T1 seconds. Only the
// fields present in the JSON are overridden. T1 < 0 runs to the end.
type Segment struct {
	T0         float64  `json:"t0"`
	T1         float64  `json:"t1"`
	DriveLeft  *float64 `json:"drive_left,omitempty"`
	DriveRight *float64 `json:"drive_right,omitempty"`
	IntakeLow  *float64 `json:"intake_low,omitempty"`
	IntakeHigh *float64 `json:"intake_high,omitempty"`
	Clamp      *bool    `json:"clamp,omitempty"`
	Doinker    *bool    `json:"doinker,omitempty"`
	ArmTarget  *float64 `json:"arm_target,omitempty"`
	Sort       *bool    `json:"sort,omitempty"`
	Comment    string   `json:"comment,omitempty"`
}

// Routine is one autonomous program, written for one alliance color.
type Routine struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TeamName    string    `json:"team"`
	DurationS   float64   `json:"duration_s"`
	Defaults    Step      `json:"defaults"`
	Segments    []Segment `json:"segments"`

	team state.Team
}

func (r *Routine) UnmarshalJSON(b []byte) error {
	type plain Routine
	p := plain{Defaults: DefaultStep()}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Routine(p)
	return nil
}

// Team is valid once the routine has passed Validate.
func (r *Routine) Team() state.Team { return r.team }

func (r *Routine) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("routine without a name")
	}
	team, err := state.ParseTeam(r.TeamName)
	if err != nil {
		return fmt.Errorf("routine %s: %w", r.Name, err)
	}
	r.team = team
	if r.DurationS <= 0 {
		return fmt.Errorf("routine %s: invalid duration_s: %f", r.Name, r.DurationS)
	}
	if err := checkStep(r.Defaults); err != nil {
		return fmt.Errorf("routine %s defaults: %w", r.Name, err)
	}
	prev := -1.0
	for i, seg := range r.Segments {
		if seg.T0 < 0 || seg.T0 >= r.DurationS {
			return fmt.Errorf("routine %s segment %d: t0 %.2f outside [0, %.2f)", r.Name, i, seg.T0, r.DurationS)
		}
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return fmt.Errorf("routine %s segment %d: t1 %.2f not after t0 %.2f", r.Name, i, seg.T1, seg.T0)
		}
		if seg.T0 < prev {
			return fmt.Errorf("routine %s segment %d: segments must be ordered by t0", r.Name, i)
		}
		prev = seg.T0
		if err := checkStep(seg.apply(DefaultStep())); err != nil {
			return fmt.Errorf("routine %s segment %d: %w", r.Name, i, err)
		}
	}
	return nil
}

func checkStep(s Step) error {
	for name, v := range map[string]float64{
		"drive_left":  s.DriveLeft,
		"drive_right": s.DriveRight,
		"intake_low":  s.IntakeLow,
		"intake_high": s.IntakeHigh,
	} {
		if v < control.MinCommand || v > control.MaxCommand {
			return fmt.Errorf("%s %.0f outside -127..127", name, v)
		}
	}
	return nil
}

func (seg *Segment) apply(s Step) Step {
	if seg.DriveLeft != nil {
		s.DriveLeft = *seg.DriveLeft
	}
	if seg.DriveRight != nil {
		s.DriveRight = *seg.DriveRight
	}
	if seg.IntakeLow != nil {
		s.IntakeLow = *seg.IntakeLow
	}
	if seg.IntakeHigh != nil {
		s.IntakeHigh = *seg.IntakeHigh
	}
	if seg.Clamp != nil {
		s.Clamp = *seg.Clamp
	}
	if seg.Doinker != nil {
		s.Doinker = *seg.Doinker
	}
	if seg.ArmTarget != nil {
		v := *seg.ArmTarget
		s.ArmTarget = &v
	}
	if seg.Sort != nil {
		s.Sort = *seg.Sort
	}
	return s
}

// Eval returns the commands active at t seconds into the routine: the first
// segment covering t applied over the defaults.
func Eval(r *Routine, t float64) Step {
	step := r.Defaults
	for i := range r.Segments {
		seg := &r.Segments[i]
		t1 := seg.T1
		if t1 < 0 {
			t1 = r.DurationS
		}
		if t >= seg.T0 && t < t1 {
			return seg.apply(step)
		}
	}
	return step
}

type routineFile struct {
	Routines []Routine `json:"routines"`
}

// LoadRoutines reads and validates the routines file.
func LoadRoutines(path string) ([]Routine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	rs, err := ParseRoutines(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

func ParseRoutines(r io.Reader) ([]Routine, error) {
	var rf routineFile
	if err := json.NewDecoder(r).Decode(&rf); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(rf.Routines) == 0 {
		return nil, fmt.Errorf("no routines defined")
	}
	seen := map[string]bool{}
	for i := range rf.Routines {
		r := &rf.Routines[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate routine %q", r.Name)
		}
		seen[r.Name] = true
	}
	return rf.Routines, nil
}
