// Package control holds the closed-loop controller used by the arm and the
// small numeric helpers shared by the loops.
package control

import "math"

// Command range accepted by the motor controllers.
const (
	MaxCommand = 127.0
	MinCommand = -127.0
)

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// ClampCommand bounds a motor command to [MinCommand, MaxCommand]. NaN maps to 0.
func ClampCommand(cmd float64) float64 {
	if math.IsNaN(cmd) {
		return 0
	}
	return ClampFloat(cmd, MinCommand, MaxCommand)
}

// BoolToFloat converts bool to float64 (for CAN encoding)
func BoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
