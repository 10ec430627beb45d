package control

import (
	"math"
	"sync"
	"time"

	"github.com/felixge/pidctrl"
)

// ExitState reports whether the current move has settled.
type ExitState int

const (
	ExitRunning ExitState = iota
	ExitSmall             // held inside SmallError for SmallExitMS
	ExitBig               // held inside BigError for BigExitMS
	ExitVelocity          // stopped moving for VelocityExitMS
	ExitCurrent           // drew StallCurrentMA for CurrentExitMS
)

func (e ExitState) String() string {
	switch e {
	case ExitRunning:
		return "running"
	case ExitSmall:
		return "small_exit"
	case ExitBig:
		return "big_exit"
	case ExitVelocity:
		return "velocity_exit"
	case ExitCurrent:
		return "current_exit"
	default:
		return "unknown"
	}
}

// PID is a position controller safe for concurrent SetTarget and Compute.
// The gain math is pidctrl's; this type adds the target range and exit
// conditions.
type PID struct {
	mu  sync.Mutex
	pid *pidctrl.PIDController
	cfg PIDConfig
	ex  ExitConfig

	minTarget, maxTarget float64
	period               time.Duration
	now                  func() time.Time

	// state since the last target change
	last      time.Time
	prevMeas  float64
	measured  float64
	output    float64
	started   bool
	current   float64
	hasAmps   bool
	smallFor  time.Duration
	bigFor    time.Duration
	stillFor  time.Duration
	stallFor  time.Duration
	exitState ExitState
}

// NewPID builds a controller. period is the expected Compute interval, used
// as dt on the first call after a reset.
func NewPID(cfg PIDConfig, ex ExitConfig, period time.Duration) *PID {
	p := &PID{
		pid:    pidctrl.NewPIDController(cfg.Kp, cfg.Ki, cfg.Kd).SetOutputLimits(cfg.MinOutput, cfg.MaxOutput),
		cfg:    cfg,
		ex:     ex,
		period: period,
		now:    time.Now,
	}
	return p
}

// SetTargetRange clamps future targets to [min, max]. Pass min >= max to
// disable the clamp.
func (p *PID) SetTargetRange(min, max float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minTarget, p.maxTarget = min, max
}

// SetClock replaces time.Now, for tests.
func (p *PID) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetTarget changes the setpoint. Setting the current target again keeps the
// exit timers running.
func (p *PID) SetTarget(target float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxTarget > p.minTarget {
		target = ClampFloat(target, p.minTarget, p.maxTarget)
	}
	if target == p.pid.Get() {
		return
	}
	p.pid.Set(target)
	p.smallFor, p.bigFor, p.stillFor, p.stallFor = 0, 0, 0, 0
	p.exitState = ExitRunning
}

func (p *PID) Target() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid.Get()
}

// Compute runs one controller step toward the current target.
func (p *PID) Compute(measured float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	dt := p.period
	if p.started {
		dt = now.Sub(p.last)
	}
	if dt <= 0 {
		dt = p.period
	}
	if !p.started {
		// zero-length step: pidctrl records the measurement without a
		// derivative kick
		p.pid.UpdateDuration(measured, 0)
		p.prevMeas = measured
		p.started = true
	}

	out := p.pid.UpdateDuration(measured, dt)
	p.updateExit(measured, dt)

	p.last = now
	p.prevMeas = measured
	p.measured = measured
	p.output = out
	return out
}

func (p *PID) updateExit(measured float64, dt time.Duration) {
	err := math.Abs(p.pid.Get() - measured)

	if p.ex.SmallExitMS > 0 && err < p.ex.SmallError {
		p.smallFor += dt
	} else {
		p.smallFor = 0
	}
	if p.ex.BigExitMS > 0 && err < p.ex.BigError {
		p.bigFor += dt
	} else {
		p.bigFor = 0
	}
	speed := 0.0
	if dt > 0 {
		speed = math.Abs(measured-p.prevMeas) / dt.Seconds()
	}
	if p.ex.VelocityExitMS > 0 && speed < p.ex.StillSpeed {
		p.stillFor += dt
	} else {
		p.stillFor = 0
	}

	if p.ex.CurrentExitMS > 0 && p.hasAmps && p.current >= p.ex.StallCurrentMA {
		p.stallFor += dt
	} else {
		p.stallFor = 0
	}

	if p.exitState != ExitRunning {
		return
	}
	switch {
	case p.ex.SmallExitMS > 0 && p.smallFor >= ms(p.ex.SmallExitMS):
		p.exitState = ExitSmall
	case p.ex.BigExitMS > 0 && p.bigFor >= ms(p.ex.BigExitMS):
		p.exitState = ExitBig
	case p.ex.VelocityExitMS > 0 && p.stillFor >= ms(p.ex.VelocityExitMS):
		p.exitState = ExitVelocity
	case p.ex.CurrentExitMS > 0 && p.stallFor >= ms(p.ex.CurrentExitMS):
		p.exitState = ExitCurrent
	}
}

// ObserveCurrent feeds the motor current (mA) used by the stall exit. The
// value is used by the following Compute calls.
func (p *PID) ObserveCurrent(mA float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = mA
	p.hasAmps = true
}

// Exit reports the settle state of the current move.
func (p *PID) Exit() ExitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitState
}

// Reset clears accumulated error and exit timers but keeps the target.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.pid.Get()
	p.pid = pidctrl.NewPIDController(p.cfg.Kp, p.cfg.Ki, p.cfg.Kd).
		SetOutputLimits(p.cfg.MinOutput, p.cfg.MaxOutput).
		Set(target)
	p.started = false
	p.hasAmps = false
	p.smallFor, p.bigFor, p.stillFor, p.stallFor = 0, 0, 0, 0
	p.exitState = ExitRunning
}

// Diagnostics is a snapshot for logging and the pit API.
type Diagnostics struct {
	Target   float64 `json:"target"`
	Measured float64 `json:"measured"`
	Error    float64 `json:"error"`
	Output   float64 `json:"output"`
	Exit     string  `json:"exit"`
}

func (p *PID) Diagnostics() Diagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.pid.Get()
	return Diagnostics{
		Target:   target,
		Measured: p.measured,
		Error:    target - p.measured,
		Output:   p.output,
		Exit:     p.exitState.String(),
	}
}
