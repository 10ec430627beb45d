package devices

import (
	"context"
	"fmt"
	"sync"

	"robot-control-core/robot/control"
	"robot-control-core/robot/sorting"
)

// ColorSensor is an optical sensor reporting red and blue intensity on
// COLOR_STATE and taking its LED brightness on COLOR_LED.
type ColorSensor struct {
	bus *Bus

	mu  sync.Mutex
	led float64
	set bool
}

func NewColorSensor(bus *Bus) (*ColorSensor, error) {
	for _, s := range []string{"red", "blue"} {
		if err := bus.requireSignal("COLOR_STATE", s, "rx"); err != nil {
			return nil, fmt.Errorf("color sensor: %w", err)
		}
	}
	if err := bus.requireSignal("COLOR_LED", "pwm", "tx"); err != nil {
		return nil, fmt.Errorf("color sensor: %w", err)
	}
	return &ColorSensor{bus: bus}, nil
}

func (c *ColorSensor) Read(ctx context.Context) (sorting.Sample, error) {
	red, err := c.bus.Signal("COLOR_STATE", "red")
	if err != nil {
		return sorting.Sample{}, err
	}
	blue, err := c.bus.Signal("COLOR_STATE", "blue")
	if err != nil {
		return sorting.Sample{}, err
	}
	return sorting.Sample{Red: red, Blue: blue}, nil
}

// SetIndicator sets the LED brightness (0-100). Repeats of the current value
// are not sent.
func (c *ColorSensor) SetIndicator(ctx context.Context, pwm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set && c.led == pwm {
		return nil
	}
	if err := c.bus.Send(ctx, "COLOR_LED", map[string]float64{"pwm": pwm}); err != nil {
		return err
	}
	c.led, c.set = pwm, true
	return nil
}

// RotationSensor reports an absolute angle in centidegrees on ROTATION_STATE.
type RotationSensor struct {
	bus      *Bus
	reversed bool
	offset   float64
}

func NewRotationSensor(bus *Bus, reversed bool) (*RotationSensor, error) {
	if err := bus.requireSignal("ROTATION_STATE", "angle_cdeg", "rx"); err != nil {
		return nil, fmt.Errorf("rotation sensor: %w", err)
	}
	return &RotationSensor{bus: bus, reversed: reversed}, nil
}

func (r *RotationSensor) Read(ctx context.Context) (float64, error) {
	v, err := r.bus.Signal("ROTATION_STATE", "angle_cdeg")
	if err != nil {
		return 0, err
	}
	if r.reversed {
		v = -v
	}
	return v - r.offset, nil
}

// Tare makes the current reading zero.
func (r *RotationSensor) Tare(ctx context.Context) error {
	r.offset = 0
	v, err := r.Read(ctx)
	if err != nil {
		return err
	}
	r.offset = v
	return nil
}

// DigitalOut is one pneumatic solenoid, a bit of the ADI_OUT frame. All
// outputs of one frame share a Ports so a write never clears a sibling.
type DigitalOut struct {
	ports *Ports
	name  string
}

// Ports holds the state of every bit in ADI_OUT.
type Ports struct {
	bus *Bus

	mu    sync.Mutex
	state map[string]bool
}

func NewPorts(bus *Bus) *Ports {
	return &Ports{bus: bus, state: map[string]bool{}}
}

func (p *Ports) Out(name string) (*DigitalOut, error) {
	if err := p.bus.requireSignal("ADI_OUT", name, "tx"); err != nil {
		return nil, fmt.Errorf("digital out %s: %w", name, err)
	}
	return &DigitalOut{ports: p, name: name}, nil
}

func (d *DigitalOut) Set(ctx context.Context, on bool) error {
	p := d.ports
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.state[d.name]; ok && cur == on {
		return nil
	}
	vals := make(map[string]float64, len(p.state)+1)
	for k, v := range p.state {
		vals[k] = control.BoolToFloat(v)
	}
	vals[d.name] = control.BoolToFloat(on)
	if err := p.bus.Send(ctx, "ADI_OUT", vals); err != nil {
		return err
	}
	p.state[d.name] = on
	return nil
}

func (d *DigitalOut) Get() bool {
	d.ports.mu.Lock()
	defer d.ports.mu.Unlock()
	return d.ports.state[d.name]
}
