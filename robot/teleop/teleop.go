// Package teleop maps the driver's gamepad onto the robot every tick.
package teleop

import (
	"context"
	"fmt"
	"time"

	"robot-control-core/robot/control"
	"robot-control-core/robot/hold"
	"robot-control-core/utils"
)

type Motors interface {
	Set(ctx context.Context, cmd float64) error
}

// ClaimableMotors is a motor channel that can also be briefly overridden.
type ClaimableMotors interface {
	Motors
	Claim(ctx context.Context, cmd float64) (release func(context.Context) error, err error)
}

type Pneumatic interface {
	Set(ctx context.Context, on bool) error
}

type Arm interface {
	SetTarget(target float64)
	Presets() hold.Presets
}

type SortFlags interface {
	SetSortEnabled(on bool)
	ToggleSort() bool
}

// Autonomous runs the selected routine to completion.
type Autonomous interface {
	RunSelected(ctx context.Context) error
}

type Outputs struct {
	DriveLeft  Motors
	DriveRight Motors
	IntakeLow  Motors
	IntakeHigh ClaimableMotors
	Clamp      Pneumatic
	Doinker    Pneumatic
}

type Config struct {
	PeriodMS        int     `json:"period_ms"`
	IntakeLowSpeed  float64 `json:"intake_low_speed"`
	IntakeHighSpeed float64 `json:"intake_high_speed"`
	NudgeCommand    float64 `json:"nudge_command"`
	NudgeDurationMS int     `json:"nudge_duration_ms"`
	Curve           Curve   `json:"curve"`

	// Competition disables the practice-only autonomous trigger (B + DOWN).
	Competition bool `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		PeriodMS:        10,
		IntakeLowSpeed:  127,
		IntakeHighSpeed: 113,
		NudgeCommand:    -127,
		NudgeDurationMS: 100,
		Curve:           DefaultCurve(),
	}
}

func (c Config) Validate() error {
	if c.PeriodMS <= 0 {
		return fmt.Errorf("teleop period_ms must be positive, got %d", c.PeriodMS)
	}
	for name, v := range map[string]float64{
		"intake_low_speed":  c.IntakeLowSpeed,
		"intake_high_speed": c.IntakeHighSpeed,
		"nudge_command":     c.NudgeCommand,
	} {
		if v < control.MinCommand || v > control.MaxCommand {
			return fmt.Errorf("teleop %s %.0f outside -127..127", name, v)
		}
	}
	if c.NudgeDurationMS < 0 {
		return fmt.Errorf("teleop nudge_duration_ms must not be negative")
	}
	if c.Curve.Deadband < 0 || c.Curve.Deadband >= 127 || c.Curve.MinOutput < 0 || c.Curve.MinOutput > 127 || c.Curve.Expo <= 0 {
		return fmt.Errorf("teleop curve invalid: %+v", c.Curve)
	}
	return nil
}

func (c Config) Period() time.Duration { return time.Duration(c.PeriodMS) * time.Millisecond }

// Loop is the driver-control loop.
type Loop struct {
	cfg   Config
	in    *Inputs
	out   Outputs
	arm   Arm
	flags SortFlags
	auton Autonomous
	log   *utils.Logger

	clamp   *Toggle
	doinker *Toggle
	combo   Edge
}

// New builds the loop. auton may be nil.
func New(cfg Config, pad Gamepad, out Outputs, arm Arm, flags SortFlags, auton Autonomous, log *utils.Logger) *Loop {
	return &Loop{
		cfg:     cfg,
		in:      NewInputs(pad),
		out:     out,
		arm:     arm,
		flags:   flags,
		auton:   auton,
		log:     log,
		clamp:   NewToggle(false),
		doinker: NewToggle(false),
	}
}

func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Driver control started: period=%dms competition=%v", l.cfg.PeriodMS, l.cfg.Competition)

	// sorting starts on for driver control
	l.flags.SetSortEnabled(true)

	ticker := time.NewTicker(l.cfg.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("Driver control stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick samples the gamepad once and applies every mapping.
func (l *Loop) Tick(ctx context.Context) {
	l.in.Poll()

	if l.auton != nil && !l.cfg.Competition {
		if l.combo.Update(l.in.Held(ButtonB) && l.in.Held(ButtonDown)) {
			l.log.Info("Practice autonomous triggered from gamepad")
			if err := l.auton.RunSelected(ctx); err != nil && ctx.Err() == nil {
				l.log.Error("Autonomous: %v", err)
			}
			// the snapshot predates the routine; resume on the next poll
			return
		}
	}

	l.intake(ctx)
	l.pneumatics(ctx)
	l.armPresets(ctx)
	l.sorting()
	l.drive(ctx)
}

func (l *Loop) intake(ctx context.Context) {
	low, high := 0.0, 0.0
	switch {
	case l.in.Held(ButtonR1):
		low, high = l.cfg.IntakeLowSpeed, l.cfg.IntakeHighSpeed
	case l.in.Held(ButtonR2):
		low, high = -l.cfg.IntakeLowSpeed, -l.cfg.IntakeHighSpeed
	}
	l.set(ctx, "intake low", l.out.IntakeLow, low)
	l.set(ctx, "intake high", l.out.IntakeHigh, high)
}

func (l *Loop) pneumatics(ctx context.Context) {
	if l.clamp.Update(l.in.Held(ButtonL2)) {
		l.log.Debug("Clamp -> %v", l.clamp.On())
	}
	if l.doinker.Update(l.in.Held(ButtonL1)) {
		l.log.Debug("Doinker -> %v", l.doinker.On())
	}
	if err := l.out.Clamp.Set(ctx, l.clamp.On()); err != nil {
		l.log.Error("Clamp: %v", err)
	}
	if err := l.out.Doinker.Set(ctx, l.doinker.On()); err != nil {
		l.log.Error("Doinker: %v", err)
	}
}

func (l *Loop) armPresets(ctx context.Context) {
	p := l.arm.Presets()
	switch {
	case l.in.NewPress(ButtonDown):
		l.arm.SetTarget(p.Down)
	case l.in.NewPress(ButtonUp):
		l.arm.SetTarget(p.Score)
	case l.in.NewPress(ButtonLeft):
		l.arm.SetTarget(p.Load)
		l.nudge(ctx)
	}
}

// nudge backs the top intake off briefly so the ring seats on the arm. It
// does not block the loop.
func (l *Loop) nudge(ctx context.Context) {
	if l.cfg.NudgeDurationMS == 0 {
		return
	}
	release, err := l.out.IntakeHigh.Claim(ctx, l.cfg.NudgeCommand)
	if err != nil {
		l.log.Error("Intake nudge: %v", err)
	}
	if release == nil {
		return
	}
	time.AfterFunc(time.Duration(l.cfg.NudgeDurationMS)*time.Millisecond, func() {
		if err := release(context.Background()); err != nil {
			l.log.Error("Intake nudge release: %v", err)
		}
	})
}

func (l *Loop) sorting() {
	if l.in.NewPress(ButtonX) {
		on := l.flags.ToggleSort()
		l.log.Info("Color sort %s", onOff(on))
	}
	if l.in.NewPress(ButtonY) {
		l.flags.SetSortEnabled(true)
		l.log.Info("Color sort on")
	}
}

func (l *Loop) drive(ctx context.Context) {
	y := l.cfg.Curve.Apply(l.in.Analog(AxisLeftY))
	x := l.cfg.Curve.Apply(l.in.Analog(AxisRightX))
	l.set(ctx, "drive left", l.out.DriveLeft, control.ClampCommand(y+x))
	l.set(ctx, "drive right", l.out.DriveRight, control.ClampCommand(y-x))
}

func (l *Loop) set(ctx context.Context, name string, m Motors, cmd float64) {
	if err := m.Set(ctx, cmd); err != nil {
		l.log.Error("%s %.0f: %v", name, cmd, err)
	}
}

// ClampOn and DoinkerOn report the latched pneumatic states.
func (l *Loop) ClampOn() bool   { return l.clamp.On() }
func (l *Loop) DoinkerOn() bool { return l.doinker.On() }

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
