package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"robot-control-core/robot/auton"
	"robot-control-core/robot/control"
	"robot-control-core/robot/devices"
	"robot-control-core/robot/hold"
	"robot-control-core/robot/pit"
	"robot-control-core/robot/sorting"
	"robot-control-core/robot/state"
	"robot-control-core/robot/teleop"
	"robot-control-core/utils"
)

type RunnerConfig struct {
	Interface    string
	MapPath      string
	ConfigPath   string
	RoutinesPath string
	HTTPAddr     string
	Joystick     string
	DisplayPort  string
	Team         string
	Competition  bool
	AutonFirst   bool
	Session      string
}

type Runner struct {
	cfg  RunnerConfig
	rc   RobotConfig
	log  *utils.Logger
	cmap *utils.CANMap

	writer      utils.CANWriter
	reader      utils.CANReader
	dialReader  func(ctx context.Context) (utils.CANReader, error)
	redialEvery time.Duration

	bus   *devices.Bus
	flags *state.Shared

	driveLeft, driveRight *devices.Channel
	intakeLow, intakeHigh *devices.Channel
	armMotors             *devices.Channel
	clamp, doinker        *devices.DigitalOut
	color                 *devices.ColorSensor
	armSensor             *devices.RotationSensor

	pid     *control.PID
	sorter  *sorting.Sorter
	arm     *hold.Loop
	driver  *teleop.Loop
	sel     *auton.Selector
	exec    *auton.Executor
	gamepad *devices.Gamepad
	display devices.Display
	pit     *pit.Server
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	cmap, err := utils.LoadCANMap(cfg.MapPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}
	rc, err := LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	routines, err := auton.LoadRoutines(cfg.RoutinesPath)
	if err != nil {
		return nil, fmt.Errorf("load routines: %w", err)
	}

	// Create CAN writer (TX)
	writer, err := utils.NewSocketCANWriter(ctx, cfg.Interface, log)
	if err != nil {
		return nil, err
	}

	// Create CAN reader (RX) on its own socket
	reader, err := utils.NewSocketCANReader(ctx, cfg.Interface, log)
	if err != nil {
		writer.Close()
		return nil, err
	}

	r, err := assemble(rc, cmap, routines, writer, cfg, log)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}
	r.reader = reader
	r.dialReader = func(ctx context.Context) (utils.CANReader, error) {
		return utils.NewSocketCANReader(ctx, cfg.Interface, log)
	}

	if cfg.DisplayPort != "" {
		d, err := devices.OpenSerialDisplay(cfg.DisplayPort, rc.Display.Baud, rc.Display.Lines)
		if err != nil {
			log.Warn("Display unavailable, logging screen lines instead: %v", err)
		} else {
			r.display = d
		}
	}
	return r, nil
}

// assemble builds every device and loop on top of an open CAN writer.
func assemble(rc RobotConfig, cmap *utils.CANMap, routines []auton.Routine, w utils.CANWriter, cfg RunnerConfig, log *utils.Logger) (*Runner, error) {
	team, err := state.ParseTeam(rc.Team)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		rc:     rc,
		log:    log,
		cmap:   cmap,
		writer: w,
		flags:  state.NewShared(team, true),

		redialEvery: time.Second,
	}
	r.bus = devices.NewBus(cmap, w, log, time.Duration(rc.CANMaxAgeMS)*time.Millisecond)

	// collect every missing device so one run reports the whole wiring problem
	var errs error
	channel := func(name string, refs []MotorRef) (*devices.Channel, *devices.Motor) {
		var outs []devices.Actuator
		var first *devices.Motor
		for _, ref := range refs {
			m, err := devices.NewMotor(r.bus, ref.Name, ref.Reversed)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if first == nil {
				first = m
			}
			outs = append(outs, m)
		}
		return devices.NewChannel(name, outs...), first
	}
	r.driveLeft, _ = channel("drive left", rc.Motors.DriveLeft)
	r.driveRight, _ = channel("drive right", rc.Motors.DriveRight)
	r.intakeLow, _ = channel("intake low", rc.Motors.IntakeLow)
	var ejectorMotor *devices.Motor
	r.intakeHigh, ejectorMotor = channel("intake high", rc.Motors.IntakeHigh)
	var armMotor *devices.Motor
	r.armMotors, armMotor = channel("arm", rc.Motors.Arm)

	ports := devices.NewPorts(r.bus)
	r.clamp, err = ports.Out("clamp")
	errs = multierr.Append(errs, err)
	r.doinker, err = ports.Out("doinker")
	errs = multierr.Append(errs, err)
	r.color, err = devices.NewColorSensor(r.bus)
	errs = multierr.Append(errs, err)
	r.armSensor, err = devices.NewRotationSensor(r.bus, rc.ArmReversed)
	errs = multierr.Append(errs, err)
	if errs != nil {
		return nil, fmt.Errorf("devices: %w", errs)
	}

	var vel sorting.VelocitySource
	if ejectorMotor != nil {
		vel = ejectorMotor
	}
	r.sorter = sorting.New(rc.Sort, r.color, r.intakeHigh, vel, r.flags, log)

	r.pid = control.NewPID(rc.ArmPID, rc.ArmExit, rc.Arm.Period())
	r.pid.SetTargetRange(rc.Arm.MinTarget, rc.Arm.MaxTarget)
	r.pid.SetTarget(rc.Arm.Presets.Down)
	r.arm = hold.New(rc.Arm, r.armSensor, r.pid, r.armMotors, log)
	if armMotor != nil && rc.ArmExit.CurrentExitMS > 0 {
		r.arm.SetCurrentSource(armMotor)
	}

	r.sel, err = auton.NewSelector(routines, auton.TeamCallbacks{Red: r.flags.SelectRed, Blue: r.flags.SelectBlue}, log)
	if err != nil {
		return nil, err
	}
	if cfg.Team != "" {
		t, err := state.ParseTeam(cfg.Team)
		if err != nil {
			return nil, err
		}
		r.flags.SetTeam(t)
	}
	r.exec = auton.NewExecutor(r.sel, auton.Outputs{
		DriveLeft:  r.driveLeft,
		DriveRight: r.driveRight,
		IntakeLow:  r.intakeLow,
		IntakeHigh: r.intakeHigh,
		Clamp:      r.clamp,
		Doinker:    r.doinker,
	}, r.arm, r.flags, time.Duration(rc.AutonPeriodMS)*time.Millisecond, log)

	var pad teleop.Gamepad = idlePad{}
	if cfg.Joystick != "" {
		r.gamepad, err = devices.NewGamepad(cfg.Joystick, rc.Gamepad, log)
		if err != nil {
			return nil, err
		}
		pad = r.gamepad
	}
	tc := rc.Teleop
	tc.Competition = cfg.Competition
	r.driver = teleop.New(tc, pad, teleop.Outputs{
		DriveLeft:  r.driveLeft,
		DriveRight: r.driveRight,
		IntakeLow:  r.intakeLow,
		IntakeHigh: r.intakeHigh,
		Clamp:      r.clamp,
		Doinker:    r.doinker,
	}, r.arm, r.flags, r.exec, log)

	r.display = devices.NewLogDisplay(log)

	deps := pit.Deps{
		Session:  cfg.Session,
		Flags:    r.flags,
		Selector: r.sel,
		Sorter:   r.sorter,
		Arm:      r.pid,
		Auton:    r.exec,
		Bus:      r.bus,
	}
	if r.gamepad != nil {
		deps.Gamepad = r.gamepad
	}
	r.pit = pit.New(deps, log)
	return r, nil
}

func (r *Runner) Close() {
	if c, ok := r.display.(io.Closer); ok {
		_ = c.Close()
	}
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
}

// Run starts every loop and blocks until ctx is done. Device and pit API
// failures are logged and retried; they never stop the control loops. All
// motors are stopped before it returns.
func (r *Runner) Run(ctx context.Context) error {
	sel, idx := r.sel.Selected()
	r.log.Info("Starting robot: iface=%s team=%s sort=%v auton=[%d] %s competition=%v http=%q",
		r.cfg.Interface, r.flags.Team(), r.flags.SortEnabled(), idx, sel.Name, r.cfg.Competition, r.cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	if r.reader != nil {
		g.Go(func() error { return r.receive(gctx) })
	}
	g.Go(func() error { return r.sorter.Run(gctx) })
	g.Go(func() error {
		r.tareArm(gctx)
		return r.arm.Run(gctx)
	})
	g.Go(func() error { return r.driverControl(gctx) })
	if r.gamepad != nil {
		g.Go(func() error { return r.gamepad.Run(gctx) })
	}
	g.Go(func() error { return r.screen(gctx) })
	if r.cfg.HTTPAddr != "" {
		g.Go(func() error { return r.servePit(gctx) })
	}

	err := g.Wait()
	r.stopAll()
	sent, recv := r.bus.Counters()
	r.log.Info("Robot stopped. frames_sent=%d frames_recv=%d", sent, recv)
	return err
}

// receive runs the CAN rx loop, reopening the socket until ctx is done.
func (r *Runner) receive(ctx context.Context) error {
	for {
		err := r.bus.Run(ctx, r.reader)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Error("CAN receive failed, reopening: %v", err)
		_ = r.reader.Close()

		reader, err := r.redial(ctx)
		if err != nil {
			return err
		}
		r.reader = reader
		r.log.Info("CAN reader reopened")
	}
}

func (r *Runner) redial(ctx context.Context) (utils.CANReader, error) {
	failures := 0
	reader, err := retry.DoValue(ctx, retry.NewConstant(r.redialEvery), func(ctx context.Context) (utils.CANReader, error) {
		rd, err := r.dialReader(ctx)
		if err != nil {
			failures++
			if failures == 1 || failures%30 == 0 {
				r.log.Warn("CAN reader still down after %d attempts: %v", failures, err)
			}
			return nil, retry.RetryableError(err)
		}
		return rd, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reopen can reader: %w", err)
	}
	return reader, nil
}

// servePit runs the pit API. A listen failure disables the API for this run
// but leaves the robot running.
func (r *Runner) servePit(ctx context.Context) error {
	err := r.pit.Run(ctx, r.cfg.HTTPAddr)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Error("Pit API disabled: %v", err)
	return nil
}

// tareArm zeroes the arm sensor at the first reading, waiting up to a second
// for the sensor to report.
func (r *Runner) tareArm(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := r.armSensor.Tare(ctx); err == nil {
			r.log.Info("Arm sensor zeroed")
			return
		}
		select {
		case <-ctx.Done():
			r.log.Warn("Arm sensor not reporting; using raw angle")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) driverControl(ctx context.Context) error {
	if r.cfg.AutonFirst {
		if err := r.exec.RunSelected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("Autonomous: %v", err)
		}
	}
	return r.driver.Run(ctx)
}

// screen refreshes the drive team's display.
func (r *Runner) screen(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.rc.Display.PeriodMS) * time.Millisecond)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := r.drawScreen()
			if err != nil && !failing {
				r.log.Warn("Display: %v", err)
			}
			failing = err != nil
		}
	}
}

func (r *Runner) screenLines() []string {
	sel, idx := r.sel.Selected()
	st := r.sorter.Stats()
	d := r.pid.Diagnostics()
	sent, recv := r.bus.Counters()
	sort := "off"
	if r.flags.SortEnabled() {
		sort = "on"
	}
	return []string{
		fmt.Sprintf("%s [%d] %s", r.flags.Team(), idx, sel.Name),
		fmt.Sprintf("sort %s rej=%d", sort, st.Rejects),
		fmt.Sprintf("arm %.0f/%.0f %s", d.Measured, d.Target, d.Exit),
		fmt.Sprintf("can tx=%d rx=%d", sent, recv),
	}
}

func (r *Runner) drawScreen() error {
	var errs error
	for i, line := range r.screenLines() {
		if i >= r.rc.Display.Lines {
			break
		}
		errs = multierr.Append(errs, r.display.Print(i, line))
	}
	return errs
}

// stopAll sends the final stop to every motor channel. It runs after the
// loops have exited, so nothing overwrites it.
func (r *Runner) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var errs error
	for _, ch := range []*devices.Channel{r.driveLeft, r.driveRight, r.intakeLow, r.intakeHigh, r.armMotors} {
		if err := ch.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	if errs != nil {
		r.log.Error("Final stop: %v", errs)
		return
	}
	r.log.Info("All motors stopped")
}

// idlePad stands in when no joystick is configured.
type idlePad struct{}

func (idlePad) Digital(teleop.Button) bool { return false }
func (idlePad) Analog(teleop.Axis) float64 { return 0 }
