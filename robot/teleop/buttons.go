package teleop

import "math"

type Button string

const (
	ButtonL1    Button = "L1"
	ButtonL2    Button = "L2"
	ButtonR1    Button = "R1"
	ButtonR2    Button = "R2"
	ButtonUp    Button = "UP"
	ButtonDown  Button = "DOWN"
	ButtonLeft  Button = "LEFT"
	ButtonRight Button = "RIGHT"
	ButtonX     Button = "X"
	ButtonY     Button = "Y"
	ButtonA     Button = "A"
	ButtonB     Button = "B"
)

// AllButtons lists every button the gamepad map may bind.
var AllButtons = []Button{
	ButtonL1, ButtonL2, ButtonR1, ButtonR2,
	ButtonUp, ButtonDown, ButtonLeft, ButtonRight,
	ButtonX, ButtonY, ButtonA, ButtonB,
}

type Axis string

const (
	AxisLeftX  Axis = "LEFT_X"
	AxisLeftY  Axis = "LEFT_Y"
	AxisRightX Axis = "RIGHT_X"
	AxisRightY Axis = "RIGHT_Y"
)

var AllAxes = []Axis{AxisLeftX, AxisLeftY, AxisRightX, AxisRightY}

// Gamepad reports current button levels and stick positions in [-127, 127].
type Gamepad interface {
	Digital(b Button) bool
	Analog(a Axis) float64
}

type edgeState uint8

const (
	edgeIdle edgeState = iota
	edgePressed
)

// Edge turns a button level into press events. It fires once on the
// Idle->Pressed transition and re-arms only after the button is released.
type Edge struct {
	st edgeState
}

// Update feeds the current level and reports a new press.
func (e *Edge) Update(level bool) bool {
	switch e.st {
	case edgeIdle:
		if level {
			e.st = edgePressed
			return true
		}
	case edgePressed:
		if !level {
			e.st = edgeIdle
		}
	}
	return false
}

// Toggle flips once per press-release cycle.
type Toggle struct {
	edge Edge
	on   bool
}

func NewToggle(on bool) *Toggle { return &Toggle{on: on} }

// Update feeds the current level and reports whether the state flipped.
func (t *Toggle) Update(level bool) bool {
	if t.edge.Update(level) {
		t.on = !t.on
		return true
	}
	return false
}

func (t *Toggle) On() bool { return t.on }

func (t *Toggle) Set(on bool) { t.on = on }

// Inputs samples a gamepad once per tick so every query in a tick sees the
// same levels.
type Inputs struct {
	pad   Gamepad
	held  map[Button]bool
	press map[Button]bool
	edges map[Button]*Edge
}

func NewInputs(pad Gamepad) *Inputs {
	in := &Inputs{
		pad:   pad,
		held:  make(map[Button]bool, len(AllButtons)),
		press: make(map[Button]bool, len(AllButtons)),
		edges: make(map[Button]*Edge, len(AllButtons)),
	}
	for _, b := range AllButtons {
		in.edges[b] = &Edge{}
	}
	return in
}

func (in *Inputs) Poll() {
	for _, b := range AllButtons {
		level := in.pad.Digital(b)
		in.held[b] = level
		in.press[b] = in.edges[b].Update(level)
	}
}

func (in *Inputs) Held(b Button) bool { return in.held[b] }

// NewPress is true only on the tick the button went down.
func (in *Inputs) NewPress(b Button) bool { return in.press[b] }

func (in *Inputs) Analog(a Axis) float64 { return in.pad.Analog(a) }

// Curve shapes a stick value: a dead band around centre, a minimum output
// that overcomes drivetrain friction, then an exponential rise to full scale.
type Curve struct {
	Deadband  float64 `json:"deadband"`
	MinOutput float64 `json:"min_output"`
	Expo      float64 `json:"expo"`
}

func DefaultCurve() Curve {
	return Curve{Deadband: 3, MinOutput: 6, Expo: 1.6}
}

func (c Curve) Apply(in float64) float64 {
	a := math.Abs(in)
	if a <= c.Deadband {
		return 0
	}
	n := math.Min((a-c.Deadband)/(127-c.Deadband), 1)
	out := c.MinOutput + (127-c.MinOutput)*math.Pow(n, c.Expo)
	return math.Copysign(out, in)
}
