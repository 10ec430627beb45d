package auton

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"robot-control-core/utils"
)

// ErrBusy is returned when a routine is started while another is running.
var ErrBusy = errors.New("autonomous routine already running")

type Motors interface {
	Set(ctx context.Context, cmd float64) error
}

type Pneumatic interface {
	Set(ctx context.Context, on bool) error
}

type Arm interface {
	SetTarget(target float64)
}

type SortFlags interface {
	SetSortEnabled(on bool)
}

// Outputs are the same channels the driver-control loop writes.
type Outputs struct {
	DriveLeft  Motors
	DriveRight Motors
	IntakeLow  Motors
	IntakeHigh Motors
	Clamp      Pneumatic
	Doinker    Pneumatic
}

// Executor plays a routine back against the robot's outputs.
type Executor struct {
	sel    *Selector
	out    Outputs
	arm    Arm
	flags  SortFlags
	period time.Duration
	log    *utils.Logger

	running atomic.Bool
}

func NewExecutor(sel *Selector, out Outputs, arm Arm, flags SortFlags, period time.Duration, log *utils.Logger) *Executor {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	return &Executor{sel: sel, out: out, arm: arm, flags: flags, period: period, log: log}
}

func (e *Executor) Running() bool { return e.running.Load() }

// RunSelected runs the selector's current routine.
func (e *Executor) RunSelected(ctx context.Context) error {
	if e.sel == nil {
		return fmt.Errorf("no routine selector")
	}
	r, _ := e.sel.Selected()
	return e.Run(ctx, r)
}

// Run blocks until the routine's duration has elapsed or ctx is done. The
// drive and intake are stopped on the way out either way.
func (e *Executor) Run(ctx context.Context, r Routine) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.running.Store(false)

	e.log.Info("Autonomous start: %s duration=%.2fs segments=%d", r.Name, r.DurationS, len(r.Segments))

	// start with the goal released, the doinker up and sorting on
	if err := e.prepare(ctx); err != nil {
		e.log.Error("Autonomous prepare: %v", err)
	}

	start := time.Now()
	endAfter := time.Duration(r.DurationS * float64(time.Second))
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	var ticks uint64
	for {
		select {
		case <-ctx.Done():
			e.log.Warn("Autonomous %s interrupted after %d ticks", r.Name, ticks)
			e.finish(context.WithoutCancel(ctx))
			return ctx.Err()

		case now := <-ticker.C:
			elapsed := now.Sub(start)
			if elapsed > endAfter {
				e.finish(ctx)
				e.log.Info("Autonomous done: %s ticks=%d", r.Name, ticks)
				return nil
			}
			t := elapsed.Seconds()
			step := Eval(&r, t)
			if err := e.Apply(ctx, step); err != nil {
				e.log.Error("Autonomous t=%.3f: %v", t, err)
			}
			ticks++
		}
	}
}

func (e *Executor) prepare(ctx context.Context) error {
	e.flags.SetSortEnabled(true)
	return multierr.Combine(
		e.out.Clamp.Set(ctx, false),
		e.out.Doinker.Set(ctx, false),
	)
}

// Apply writes one step to every output. Write errors are combined; a
// failing output does not stop the others.
func (e *Executor) Apply(ctx context.Context, s Step) error {
	e.flags.SetSortEnabled(s.Sort)
	if s.ArmTarget != nil {
		e.arm.SetTarget(*s.ArmTarget)
	}
	return multierr.Combine(
		e.out.DriveLeft.Set(ctx, s.DriveLeft),
		e.out.DriveRight.Set(ctx, s.DriveRight),
		e.out.IntakeLow.Set(ctx, s.IntakeLow),
		e.out.IntakeHigh.Set(ctx, s.IntakeHigh),
		e.out.Clamp.Set(ctx, s.Clamp),
		e.out.Doinker.Set(ctx, s.Doinker),
	)
}

func (e *Executor) finish(ctx context.Context) {
	err := multierr.Combine(
		e.out.DriveLeft.Set(ctx, 0),
		e.out.DriveRight.Set(ctx, 0),
		e.out.IntakeLow.Set(ctx, 0),
		e.out.IntakeHigh.Set(ctx, 0),
	)
	if err != nil {
		e.log.Error("Autonomous stop: %v", err)
	}
}
