// Package sorting ejects rings of the opposing alliance's color from the
// intake.
package sorting

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"robot-control-core/robot/state"
	"robot-control-core/utils"
)

// Sample is one optical sensor reading. Channel 1 is red, channel 2 is blue.
type Sample struct {
	Red  float64 `json:"red"`
	Blue float64 `json:"blue"`
}

type ColorSensor interface {
	Read(ctx context.Context) (Sample, error)
	SetIndicator(ctx context.Context, pwm float64) error
}

// Ejector is the motor channel that flings a rejected ring off the top of the
// intake.
type Ejector interface {
	Claim(ctx context.Context, cmd float64) (release func(context.Context) error, err error)
	Stop(ctx context.Context) error
}

// VelocitySource reports the ejector motor's speed in rpm.
type VelocitySource interface {
	Velocity() (float64, error)
}

// Flags are the shared settings the sorter reads every tick.
type Flags interface {
	SortEnabled() bool
	Team() state.Team
}

// Config tunes the sorter. Intensities are raw sensor counts (0-255 on the
// stock optical sensor).
type Config struct {
	PeriodMS        int     `json:"period_ms"`
	Threshold       float64 `json:"threshold"`        // one cut for both channels
	EjectCommand    float64 `json:"eject_command"`    // -127..127
	EjectDurationMS int     `json:"eject_duration_ms"` // 10..1000
	VelocityGuard   float64 `json:"velocity_guard"`   // rpm, 0 disables
	IndicatorOn     float64 `json:"indicator_on"`     // LED pwm while enabled
}

func DefaultConfig() Config {
	return Config{
		PeriodMS:        20,
		Threshold:       220,
		EjectCommand:    -127,
		EjectDurationMS: 200,
		IndicatorOn:     100,
	}
}

func (c Config) Validate() error {
	if c.PeriodMS <= 0 {
		return fmt.Errorf("sort period_ms must be positive, got %d", c.PeriodMS)
	}
	if c.Threshold < 0 || c.Threshold > 255 {
		return fmt.Errorf("sort threshold %.0f out of range 0..255", c.Threshold)
	}
	if c.EjectCommand < -127 || c.EjectCommand > 127 || c.EjectCommand == 0 {
		return fmt.Errorf("sort eject_command %.0f must be non-zero within -127..127", c.EjectCommand)
	}
	if c.EjectDurationMS < 10 || c.EjectDurationMS > 1000 {
		return fmt.Errorf("sort eject_duration_ms %d out of range 10..1000", c.EjectDurationMS)
	}
	if c.VelocityGuard < 0 {
		return fmt.Errorf("sort velocity_guard must not be negative")
	}
	if c.IndicatorOn <= 0 || c.IndicatorOn > 100 {
		return fmt.Errorf("sort indicator_on %.0f out of range 1..100", c.IndicatorOn)
	}
	return nil
}

func (c Config) Period() time.Duration { return time.Duration(c.PeriodMS) * time.Millisecond }

func (c Config) EjectDuration() time.Duration {
	return time.Duration(c.EjectDurationMS) * time.Millisecond
}

// Classify reports whether s is a ring of the opposing color.
func Classify(s Sample, team state.Team, threshold float64) bool {
	switch team {
	case state.TeamRed:
		return s.Blue > threshold && s.Red < threshold
	case state.TeamBlue:
		return s.Blue < threshold && s.Red > threshold
	}
	return false
}

// Stats are running counters for the pit display.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	Rejects      uint64 `json:"rejects"`
	Guarded      uint64 `json:"guarded"`
	SensorErrors uint64 `json:"sensor_errors"`
}

type Sorter struct {
	cfg     Config
	sensor  ColorSensor
	ejector Ejector
	vel     VelocitySource
	flags   Flags
	log     *utils.Logger

	ticks, rejects, guarded, sensorErrs atomic.Uint64
	sensorDown                         bool
}

// New builds a sorter. vel may be nil, which disables the velocity guard.
func New(cfg Config, sensor ColorSensor, ejector Ejector, vel VelocitySource, flags Flags, log *utils.Logger) *Sorter {
	return &Sorter{
		cfg:     cfg,
		sensor:  sensor,
		ejector: ejector,
		vel:     vel,
		flags:   flags,
		log:     log,
	}
}

// Run ticks at the configured period until ctx is done.
func (s *Sorter) Run(ctx context.Context) error {
	s.log.Info("Sorter started: period=%dms threshold=%.0f eject=%.0f for %dms guard=%.0frpm",
		s.cfg.PeriodMS, s.cfg.Threshold, s.cfg.EjectCommand, s.cfg.EjectDurationMS, s.cfg.VelocityGuard)

	ticker := time.NewTicker(s.cfg.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sorter stopped: rejects=%d", s.rejects.Load())
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sorting pass. A reject blocks the tick for the eject pulse.
func (s *Sorter) Tick(ctx context.Context) {
	s.ticks.Add(1)

	if !s.flags.SortEnabled() {
		s.indicate(ctx, 0)
		return
	}

	sample, err := s.sensor.Read(ctx)
	switch {
	case err != nil:
		s.sensorErrs.Add(1)
		if !s.sensorDown {
			s.log.Warn("Color sensor unavailable, sorting paused: %v", err)
			s.sensorDown = true
		}
	default:
		if s.sensorDown {
			s.log.Info("Color sensor back")
			s.sensorDown = false
		}
		team := s.flags.Team()
		if Classify(sample, team, s.cfg.Threshold) {
			s.log.Debug("Reject red=%.0f blue=%.0f team=%s", sample.Red, sample.Blue, team)
			s.eject(ctx)
		}
	}

	s.indicate(ctx, s.cfg.IndicatorOn)
}

func (s *Sorter) eject(ctx context.Context) {
	if s.vel != nil && s.cfg.VelocityGuard > 0 {
		if v, err := s.vel.Velocity(); err == nil && v < s.cfg.VelocityGuard {
			s.guarded.Add(1)
			if err := s.ejector.Stop(ctx); err != nil {
				s.log.Error("Ejector stop: %v", err)
			}
			return
		}
	}

	s.rejects.Add(1)
	release, err := s.ejector.Claim(ctx, s.cfg.EjectCommand)
	if err != nil {
		s.log.Error("Ejector claim: %v", err)
	}
	if release == nil {
		return
	}

	t := time.NewTimer(s.cfg.EjectDuration())
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.C:
	}
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.log.Error("Ejector release: %v", err)
	}
}

func (s *Sorter) indicate(ctx context.Context, pwm float64) {
	if err := s.sensor.SetIndicator(ctx, pwm); err != nil {
		s.log.Debug("Indicator %.0f: %v", pwm, err)
	}
}

func (s *Sorter) Stats() Stats {
	return Stats{
		Ticks:        s.ticks.Load(),
		Rejects:      s.rejects.Load(),
		Guarded:      s.guarded.Load(),
		SensorErrors: s.sensorErrs.Load(),
	}
}
