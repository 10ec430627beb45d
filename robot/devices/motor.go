package devices

import (
	"context"
	"fmt"

	"robot-control-core/robot/control"
)

// Actuator accepts a signed command in [-127, 127].
type Actuator interface {
	Drive(ctx context.Context, cmd float64) error
}

// Motor is one smart motor: commands go out on <name>_CMD, feedback comes
// back on <name>_STATE.
type Motor struct {
	bus       *Bus
	name      string
	cmdFrame  string
	stateFrm  string
	reversed  bool
	hasStatus bool
}

// NewMotor checks the CAN map for the motor's frames. A motor without a
// state frame can be driven but reports no feedback.
func NewMotor(bus *Bus, name string, reversed bool) (*Motor, error) {
	m := &Motor{
		bus:      bus,
		name:     name,
		cmdFrame: name + "_CMD",
		stateFrm: name + "_STATE",
		reversed: reversed,
	}
	if err := bus.requireSignal(m.cmdFrame, "command", "tx"); err != nil {
		return nil, fmt.Errorf("motor %s: %w", name, err)
	}
	if _, ok := bus.Map().ByName[m.stateFrm]; ok {
		m.hasStatus = true
	}
	return m, nil
}

func (m *Motor) Name() string { return m.name }

func (m *Motor) Drive(ctx context.Context, cmd float64) error {
	cmd = control.ClampCommand(cmd)
	if m.reversed {
		cmd = -cmd
	}
	return m.bus.Send(ctx, m.cmdFrame, map[string]float64{"command": cmd})
}

// Velocity in rpm, signed in the motor's commanded direction.
func (m *Motor) Velocity() (float64, error) {
	if !m.hasStatus {
		return 0, fmt.Errorf("motor %s: %w", m.name, ErrNoData)
	}
	v, err := m.bus.Signal(m.stateFrm, "velocity_rpm")
	if err != nil {
		return 0, err
	}
	if m.reversed {
		v = -v
	}
	return v, nil
}

// Position in degrees of the motor's integrated encoder.
func (m *Motor) Position() (float64, error) {
	if !m.hasStatus {
		return 0, fmt.Errorf("motor %s: %w", m.name, ErrNoData)
	}
	p, err := m.bus.Signal(m.stateFrm, "position_deg")
	if err != nil {
		return 0, err
	}
	if m.reversed {
		p = -p
	}
	return p, nil
}

// Current in mA. Only motors whose state frame carries current_ma report it.
func (m *Motor) Current() (float64, error) {
	if !m.hasStatus {
		return 0, fmt.Errorf("motor %s: %w", m.name, ErrNoData)
	}
	return m.bus.Signal(m.stateFrm, "current_ma")
}
