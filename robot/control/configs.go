package control

import (
	"fmt"
	"time"
)

// PIDConfig holds PID gains and output limits.
type PIDConfig struct {
	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	MinOutput float64 `json:"min_output"`
	MaxOutput float64 `json:"max_output"`
}

// ExitConfig decides when a move counts as finished. A zero time disables
// that condition.
type ExitConfig struct {
	SmallError     float64 `json:"small_error"`      // sensor units
	SmallExitMS    int     `json:"small_exit_ms"`    // time inside SmallError
	BigError       float64 `json:"big_error"`        // sensor units
	BigExitMS      int     `json:"big_exit_ms"`      // time inside BigError
	VelocityExitMS int     `json:"velocity_exit_ms"` // time below StillSpeed
	StillSpeed     float64 `json:"still_speed"`      // sensor units per second
	CurrentExitMS  int     `json:"current_exit_ms"`  // time at or above StallCurrentMA
	StallCurrentMA float64 `json:"stall_current_ma"`
}

// DefaultExitConfig matches the arm tuning used on the competition robot.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		SmallError:     50,
		SmallExitMS:    80,
		BigError:       150,
		BigExitMS:      300,
		VelocityExitMS: 500,
		StillSpeed:     5,
		CurrentExitMS:  500,
		StallCurrentMA: 2400,
	}
}

func (c PIDConfig) Validate() error {
	if c.MaxOutput <= c.MinOutput {
		return fmt.Errorf("pid output limits inverted: min=%.1f max=%.1f", c.MinOutput, c.MaxOutput)
	}
	if c.Kp < 0 || c.Ki < 0 || c.Kd < 0 {
		return fmt.Errorf("pid gains must be non-negative: kp=%g ki=%g kd=%g", c.Kp, c.Ki, c.Kd)
	}
	return nil
}

func (c ExitConfig) Validate() error {
	if c.SmallError < 0 || c.BigError < 0 || c.StillSpeed < 0 || c.StallCurrentMA < 0 {
		return fmt.Errorf("exit thresholds must be non-negative")
	}
	if c.SmallExitMS < 0 || c.BigExitMS < 0 || c.VelocityExitMS < 0 || c.CurrentExitMS < 0 {
		return fmt.Errorf("exit times must be non-negative")
	}
	if c.SmallError > 0 && c.BigError > 0 && c.BigError < c.SmallError {
		return fmt.Errorf("big_error %.1f smaller than small_error %.1f", c.BigError, c.SmallError)
	}
	if c.CurrentExitMS > 0 && c.StallCurrentMA == 0 {
		return fmt.Errorf("current_exit_ms set without stall_current_ma")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
