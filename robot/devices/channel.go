package devices

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"robot-control-core/robot/control"
)

type claim struct {
	cmd float64
}

// Channel is the single writer for a group of motors that move together.
// Loops never drive those motors directly; they set the base command (teleop,
// autonomous) or take a short claim (ejector pulse, outtake nudge). The
// newest live claim wins over the base command. Identical consecutive
// commands are written once.
type Channel struct {
	name string
	outs []Actuator

	mu      sync.Mutex
	base    float64
	claims  []*claim
	last    float64
	written bool
	writes  uint64
}

func NewChannel(name string, outs ...Actuator) *Channel {
	return &Channel{name: name, outs: outs}
}

func (c *Channel) Name() string { return c.name }

// Set changes the base command.
func (c *Channel) Set(ctx context.Context, cmd float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = control.ClampCommand(cmd)
	return c.apply(ctx)
}

// Stop is Set(ctx, 0).
func (c *Channel) Stop(ctx context.Context) error {
	return c.Set(ctx, 0)
}

// Claim overrides the base command until the returned release is called.
// Release is safe to call more than once.
func (c *Channel) Claim(ctx context.Context, cmd float64) (release func(context.Context) error, err error) {
	cl := &claim{cmd: control.ClampCommand(cmd)}

	c.mu.Lock()
	c.claims = append(c.claims, cl)
	err = c.apply(ctx)
	c.mu.Unlock()

	var once sync.Once
	release = func(ctx context.Context) error {
		var rerr error
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, x := range c.claims {
				if x == cl {
					c.claims = append(c.claims[:i], c.claims[i+1:]...)
					break
				}
			}
			rerr = c.apply(ctx)
		})
		return rerr
	}
	return release, err
}

// Command returns the command currently in effect.
func (c *Channel) Command() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective()
}

// Claimed reports whether any claim is live.
func (c *Channel) Claimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims) > 0
}

// Writes counts commands actually sent to the motors.
func (c *Channel) Writes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *Channel) effective() float64 {
	if n := len(c.claims); n > 0 {
		return c.claims[n-1].cmd
	}
	return c.base
}

// apply must be called with mu held. A failed write leaves the channel
// marked unwritten so the next call retries.
func (c *Channel) apply(ctx context.Context) error {
	cmd := c.effective()
	if c.written && cmd == c.last {
		return nil
	}
	var errs error
	for _, out := range c.outs {
		errs = multierr.Append(errs, out.Drive(ctx, cmd))
	}
	if errs != nil {
		c.written = false
		return errs
	}
	c.last = cmd
	c.written = true
	c.writes++
	return nil
}
