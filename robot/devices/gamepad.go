package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"robot-control-core/robot/control"
	"robot-control-core/robot/teleop"
	"robot-control-core/utils"
)

// Linux joystick API event types (linux/joystick.h).
const (
	jsEventButton = 0x01
	jsEventAxis   = 0x02
	jsEventInit   = 0x80

	jsEventSize = 8
	jsAxisMax   = 32767
)

// JSEvent is one struct js_event as read from /dev/input/jsN.
type JSEvent struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

// ParseJSEvent decodes the 8-byte little-endian event record.
func ParseJSEvent(b []byte) (JSEvent, error) {
	if len(b) < jsEventSize {
		return JSEvent{}, fmt.Errorf("joystick event: short record (%d bytes)", len(b))
	}
	return JSEvent{
		Time:   binary.LittleEndian.Uint32(b[0:4]),
		Value:  int16(binary.LittleEndian.Uint16(b[4:6])),
		Type:   b[6],
		Number: b[7],
	}, nil
}

// GamepadMap binds joystick button and axis numbers to teleop names. The
// D-pad of most USB pads reports as a hat on two axes; HatX / HatY of -1
// means the D-pad is reported as plain buttons.
type GamepadMap struct {
	Buttons    map[string]int `json:"buttons"`
	Axes       map[string]int `json:"axes"`
	InvertAxes []string       `json:"invert_axes"`
	HatX       int            `json:"hat_x"`
	HatY       int            `json:"hat_y"`
}

// DefaultGamepadMap fits an XInput-style pad on the xpad driver with the
// triggers in digital mode.
func DefaultGamepadMap() GamepadMap {
	return GamepadMap{
		Buttons: map[string]int{
			"A": 0, "B": 1, "X": 2, "Y": 3,
			"L1": 4, "R1": 5, "L2": 6, "R2": 7,
		},
		Axes: map[string]int{
			"LEFT_X": 0, "LEFT_Y": 1, "RIGHT_X": 3, "RIGHT_Y": 4,
		},
		InvertAxes: []string{"LEFT_Y", "RIGHT_Y"},
		HatX:       6,
		HatY:       7,
	}
}

func (m GamepadMap) Validate() error {
	known := map[string]bool{}
	for _, b := range teleop.AllButtons {
		known[string(b)] = true
	}
	for name, n := range m.Buttons {
		if !known[name] {
			return fmt.Errorf("gamepad map: unknown button %q", name)
		}
		if n < 0 || n > 255 {
			return fmt.Errorf("gamepad map: button %s number %d out of range", name, n)
		}
	}
	axes := map[string]bool{}
	for _, a := range teleop.AllAxes {
		axes[string(a)] = true
	}
	for name, n := range m.Axes {
		if !axes[name] {
			return fmt.Errorf("gamepad map: unknown axis %q", name)
		}
		if n < 0 || n > 255 || n == m.HatX || n == m.HatY {
			return fmt.Errorf("gamepad map: axis %s number %d invalid", name, n)
		}
	}
	for _, name := range m.InvertAxes {
		if !axes[name] {
			return fmt.Errorf("gamepad map: unknown inverted axis %q", name)
		}
	}
	return nil
}

// Gamepad reads a Linux joystick device and keeps the current level of every
// mapped button and axis. It implements teleop.Gamepad.
type Gamepad struct {
	path string
	log  *utils.Logger

	buttons map[uint8]teleop.Button
	axes    map[uint8]teleop.Axis
	invert  map[teleop.Axis]bool
	hatX    int
	hatY    int

	mu    sync.RWMutex
	held  map[teleop.Button]bool
	stick map[teleop.Axis]float64

	connected atomic.Bool
	events    atomic.Uint64
}

func NewGamepad(path string, m GamepadMap, log *utils.Logger) (*Gamepad, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	g := &Gamepad{
		path:    path,
		log:     log,
		buttons: map[uint8]teleop.Button{},
		axes:    map[uint8]teleop.Axis{},
		invert:  map[teleop.Axis]bool{},
		hatX:    m.HatX,
		hatY:    m.HatY,
		held:    map[teleop.Button]bool{},
		stick:   map[teleop.Axis]float64{},
	}
	for name, n := range m.Buttons {
		g.buttons[uint8(n)] = teleop.Button(name)
	}
	for name, n := range m.Axes {
		g.axes[uint8(n)] = teleop.Axis(name)
	}
	for _, name := range m.InvertAxes {
		g.invert[teleop.Axis(name)] = true
	}
	return g, nil
}

func (g *Gamepad) Digital(b teleop.Button) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.held[b]
}

func (g *Gamepad) Analog(a teleop.Axis) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stick[a]
}

func (g *Gamepad) Connected() bool { return g.connected.Load() }

// Apply updates the level state from one event.
func (g *Gamepad) Apply(ev JSEvent) {
	g.events.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Type &^ jsEventInit {
	case jsEventButton:
		if b, ok := g.buttons[ev.Number]; ok {
			g.held[b] = ev.Value != 0
		}
	case jsEventAxis:
		n := int(ev.Number)
		switch {
		case n == g.hatX:
			g.held[teleop.ButtonLeft] = ev.Value < 0
			g.held[teleop.ButtonRight] = ev.Value > 0
		case n == g.hatY:
			g.held[teleop.ButtonUp] = ev.Value < 0
			g.held[teleop.ButtonDown] = ev.Value > 0
		default:
			a, ok := g.axes[ev.Number]
			if !ok {
				return
			}
			v := control.ClampCommand(float64(ev.Value) * control.MaxCommand / jsAxisMax)
			if g.invert[a] {
				v = -v
			}
			g.stick[a] = v
		}
	}
}

// release drops every button and centres every stick, so an unplugged pad
// never leaves the robot driving.
func (g *Gamepad) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.held)
	clear(g.stick)
}

// Run opens the device, waiting for it to appear, and reads events until ctx
// is done. A read failure (unplugged pad) releases all inputs and reopens.
func (g *Gamepad) Run(ctx context.Context) error {
	for {
		f, err := g.open(ctx)
		if err != nil {
			return err
		}
		g.connected.Store(true)
		g.log.Info("Gamepad connected: %s", g.path)

		err = g.readLoop(ctx, f)
		g.connected.Store(false)
		g.release()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn("Gamepad lost, inputs released: %v", err)
	}
}

func (g *Gamepad) open(ctx context.Context) (*os.File, error) {
	var f *os.File
	logged := false
	err := retry.Do(ctx, retry.NewConstant(time.Second), func(ctx context.Context) error {
		var err error
		f, err = os.Open(g.path)
		if err != nil {
			if !logged {
				g.log.Warn("Waiting for gamepad %s: %v", g.path, err)
				logged = true
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open gamepad %s: %w", g.path, err)
	}
	return f, nil
}

func (g *Gamepad) readLoop(ctx context.Context, r io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()
	defer r.Close()

	buf := make([]byte, jsEventSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		ev, err := ParseJSEvent(buf)
		if err != nil {
			return err
		}
		g.Apply(ev)
	}
}
