package main

import (
	"encoding/json"
	"fmt"
	"os"

	"robot-control-core/robot/control"
	"robot-control-core/robot/devices"
	"robot-control-core/robot/hold"
	"robot-control-core/robot/sorting"
	"robot-control-core/robot/state"
	"robot-control-core/robot/teleop"
)

// MotorRef names a motor by its CAN frame prefix (<name>_CMD, <name>_STATE).
type MotorRef struct {
	Name     string `json:"name"`
	Reversed bool   `json:"reversed"`
}

// MotorMap lists the motors behind each channel.
type MotorMap struct {
	DriveLeft  []MotorRef `json:"drive_left"`
	DriveRight []MotorRef `json:"drive_right"`
	IntakeLow  []MotorRef `json:"intake_low"`
	IntakeHigh []MotorRef `json:"intake_high"`
	Arm        []MotorRef `json:"arm"`
}

type DisplayConfig struct {
	Baud     int `json:"baud"`
	Lines    int `json:"lines"`
	PeriodMS int `json:"period_ms"`
}

// RobotConfig is config/robot.json. Fields missing from the file keep their
// defaults.
type RobotConfig struct {
	Team          string             `json:"team"`
	CANMaxAgeMS   int                `json:"can_max_age_ms"`
	Motors        MotorMap           `json:"motors"`
	Sort          sorting.Config     `json:"sort"`
	Arm           hold.Config        `json:"arm"`
	ArmPID        control.PIDConfig  `json:"arm_pid"`
	ArmExit       control.ExitConfig `json:"arm_exit"`
	ArmReversed   bool               `json:"arm_sensor_reversed"`
	Teleop        teleop.Config      `json:"teleop"`
	AutonPeriodMS int                `json:"auton_period_ms"`
	Gamepad       devices.GamepadMap `json:"gamepad"`
	Display       DisplayConfig      `json:"display"`
}

func DefaultRobotConfig() RobotConfig {
	return RobotConfig{
		Team:        "red",
		CANMaxAgeMS: 100,
		Motors: MotorMap{
			DriveLeft:  []MotorRef{{Name: "DRIVE_LEFT"}},
			DriveRight: []MotorRef{{Name: "DRIVE_RIGHT", Reversed: true}},
			IntakeLow:  []MotorRef{{Name: "INTAKE_LOW"}},
			IntakeHigh: []MotorRef{{Name: "INTAKE_HIGH"}},
			Arm:        []MotorRef{{Name: "ARM"}},
		},
		Sort:          sorting.DefaultConfig(),
		Arm:           hold.DefaultConfig(),
		ArmPID:        control.PIDConfig{Kp: 0.2, Ki: 0, Kd: 0.5, MinOutput: -127, MaxOutput: 127},
		ArmExit:       control.DefaultExitConfig(),
		Teleop:        teleop.DefaultConfig(),
		AutonPeriodMS: 20,
		Gamepad:       devices.DefaultGamepadMap(),
		Display:       DisplayConfig{Baud: 9600, Lines: 4, PeriodMS: 50},
	}
}

// LoadConfig reads the robot config over the defaults and validates it.
func LoadConfig(path string) (RobotConfig, error) {
	cfg := DefaultRobotConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return RobotConfig{}, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RobotConfig{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RobotConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c RobotConfig) Validate() error {
	if _, err := state.ParseTeam(c.Team); err != nil {
		return err
	}
	if c.CANMaxAgeMS < 0 {
		return fmt.Errorf("invalid can_max_age_ms: %d", c.CANMaxAgeMS)
	}
	for name, refs := range map[string][]MotorRef{
		"drive_left":  c.Motors.DriveLeft,
		"drive_right": c.Motors.DriveRight,
		"intake_low":  c.Motors.IntakeLow,
		"intake_high": c.Motors.IntakeHigh,
		"arm":         c.Motors.Arm,
	} {
		if len(refs) == 0 {
			return fmt.Errorf("motors.%s: at least one motor required", name)
		}
		for _, r := range refs {
			if r.Name == "" {
				return fmt.Errorf("motors.%s: motor without a name", name)
			}
		}
	}
	if err := c.Sort.Validate(); err != nil {
		return err
	}
	if err := c.Arm.Validate(); err != nil {
		return err
	}
	if err := c.ArmPID.Validate(); err != nil {
		return fmt.Errorf("arm_pid: %w", err)
	}
	if err := c.ArmExit.Validate(); err != nil {
		return fmt.Errorf("arm_exit: %w", err)
	}
	if err := c.Teleop.Validate(); err != nil {
		return err
	}
	if c.AutonPeriodMS <= 0 {
		return fmt.Errorf("invalid auton_period_ms: %d", c.AutonPeriodMS)
	}
	if err := c.Gamepad.Validate(); err != nil {
		return err
	}
	if c.Display.Lines <= 0 || c.Display.PeriodMS <= 0 || c.Display.Baud <= 0 {
		return fmt.Errorf("display: lines, period_ms and baud must be positive")
	}
	return nil
}
