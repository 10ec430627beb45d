// Package hold keeps a single-axis mechanism (the scoring arm) at a target
// position.
package hold

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"robot-control-core/robot/control"
	"robot-control-core/utils"
)

type PositionSensor interface {
	Read(ctx context.Context) (float64, error)
}

// Controller turns a measured position into a motor command. It owns its
// error history and exit conditions.
type Controller interface {
	SetTarget(target float64)
	Target() float64
	Compute(measured float64) float64
}

// Resetter is implemented by controllers that keep error history. The loop
// resets it when the sensor comes back after an outage.
type Resetter interface {
	Reset()
}

// CurrentSource reports the arm motor current in mA.
type CurrentSource interface {
	Current() (float64, error)
}

// CurrentObserver is implemented by controllers with a stall exit.
type CurrentObserver interface {
	ObserveCurrent(mA float64)
}

// Output is the motor channel the loop drives.
type Output interface {
	Set(ctx context.Context, cmd float64) error
}

// Presets are the named arm positions, in sensor units.
type Presets struct {
	Down  float64 `json:"down"`
	Load  float64 `json:"load"`
	Score float64 `json:"score"`
}

type Config struct {
	PeriodMS  int     `json:"period_ms"`
	MinTarget float64 `json:"min_target"`
	MaxTarget float64 `json:"max_target"`
	Presets   Presets `json:"presets"`
}

func DefaultConfig() Config {
	return Config{
		PeriodMS:  10,
		MinTarget: 0,
		MaxTarget: 2000,
		Presets:   Presets{Down: 0, Load: 380, Score: 1850},
	}
}

func (c Config) Validate() error {
	if c.PeriodMS <= 0 {
		return fmt.Errorf("arm period_ms must be positive, got %d", c.PeriodMS)
	}
	if c.MaxTarget > c.MinTarget {
		for name, v := range map[string]float64{"down": c.Presets.Down, "load": c.Presets.Load, "score": c.Presets.Score} {
			if v < c.MinTarget || v > c.MaxTarget {
				return fmt.Errorf("arm preset %s=%.0f outside [%.0f, %.0f]", name, v, c.MinTarget, c.MaxTarget)
			}
		}
	}
	return nil
}

func (c Config) Period() time.Duration { return time.Duration(c.PeriodMS) * time.Millisecond }

// Loop reads the sensor, asks the controller for a command and applies it.
// It never looks at convergence; that is the controller's business.
type Loop struct {
	cfg    Config
	sensor PositionSensor
	ctrl   Controller
	out    Output
	amps   CurrentSource
	log    *utils.Logger

	ticks, sensorErrs atomic.Uint64
	sensorDown        bool
}

func New(cfg Config, sensor PositionSensor, ctrl Controller, out Output, log *utils.Logger) *Loop {
	return &Loop{cfg: cfg, sensor: sensor, ctrl: ctrl, out: out, log: log}
}

// SetTarget may be called from any goroutine; the next tick uses it.
func (l *Loop) SetTarget(target float64) {
	l.ctrl.SetTarget(target)
}

func (l *Loop) Target() float64 { return l.ctrl.Target() }

func (l *Loop) Presets() Presets { return l.cfg.Presets }

// SetCurrentSource feeds motor current to the controller on every tick.
// Call it before Run.
func (l *Loop) SetCurrentSource(src CurrentSource) { l.amps = src }

func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Arm hold started: period=%dms target=%.0f", l.cfg.PeriodMS, l.ctrl.Target())

	ticker := time.NewTicker(l.cfg.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("Arm hold stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one control step. On a sensor error the previous command stays
// in effect.
func (l *Loop) Tick(ctx context.Context) {
	l.ticks.Add(1)

	measured, err := l.sensor.Read(ctx)
	if err != nil {
		l.sensorErrs.Add(1)
		if !l.sensorDown {
			l.log.Warn("Arm sensor unavailable, holding last command: %v", err)
			l.sensorDown = true
		}
		return
	}
	if l.sensorDown {
		l.log.Info("Arm sensor back")
		l.sensorDown = false
		if r, ok := l.ctrl.(Resetter); ok {
			r.Reset()
		}
	}
	if l.amps != nil {
		if obs, ok := l.ctrl.(CurrentObserver); ok {
			if mA, err := l.amps.Current(); err == nil {
				obs.ObserveCurrent(mA)
			}
		}
	}

	out := control.ClampCommand(l.ctrl.Compute(measured))
	if err := l.out.Set(ctx, out); err != nil {
		l.log.Error("Arm output %.1f: %v", out, err)
		return
	}
	l.log.Trace("Arm measured=%.0f target=%.0f out=%.1f", measured, l.ctrl.Target(), out)
}

// SensorErrors counts ticks skipped for lack of a reading.
func (l *Loop) SensorErrors() uint64 { return l.sensorErrs.Load() }
