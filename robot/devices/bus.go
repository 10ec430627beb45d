// Package devices talks to the robot's motor controllers and sensors over CAN,
// to the driver's gamepad and to the text display.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"

	"robot-control-core/utils"
)

var (
	// ErrNoData means the frame carrying a signal has never been received.
	ErrNoData = errors.New("no data received")
	// ErrStale means the last frame is older than the bus MaxAge.
	ErrStale = errors.New("stale data")
	// ErrUnknownSignal means the CAN map has no such frame or signal.
	ErrUnknownSignal = errors.New("unknown signal")
)

type rxEntry struct {
	values map[string]float64
	at     time.Time
}

// Bus keeps the latest decoded value of every rx frame and encodes tx frames.
type Bus struct {
	cmap   *utils.CANMap
	w      utils.CANWriter
	log    *utils.Logger
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	latest map[uint32]rxEntry

	txMu sync.Mutex
	sent uint64
	recv uint64
}

func NewBus(cmap *utils.CANMap, w utils.CANWriter, log *utils.Logger, maxAge time.Duration) *Bus {
	return &Bus{
		cmap:   cmap,
		w:      w,
		log:    log,
		maxAge: maxAge,
		now:    time.Now,
		latest: map[uint32]rxEntry{},
	}
}

// Map exposes the CAN map for device constructors.
func (b *Bus) Map() *utils.CANMap { return b.cmap }

// Handle decodes one received frame into the cache. Frames not in the map
// are ignored.
func (b *Bus) Handle(f can.Frame) error {
	fd, ok := b.cmap.ByID[f.ID]
	if !ok || fd.Direction != "rx" {
		return nil
	}
	_, vals, err := b.cmap.DecodeFrame(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.latest[f.ID] = rxEntry{values: vals, at: b.now()}
	b.recv++
	b.mu.Unlock()
	return nil
}

// Run feeds frames from r into the cache until ctx is done or r fails.
func (b *Bus) Run(ctx context.Context, r utils.CANReader) error {
	b.log.Debug("RX loop started")
	defer b.log.Debug("RX loop stopped")

	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	for {
		frame, err := r.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("can rx: %w", err)
		}
		if err := b.Handle(frame); err != nil {
			b.log.Warn("RX decode id=0x%X: %v", frame.ID, err)
			continue
		}
		b.log.Trace("RX id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])
	}
}

// Signal returns the latest physical value of frame.signal.
func (b *Bus) Signal(frame, signal string) (float64, error) {
	fd, ok := b.cmap.ByName[frame]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", frame, signal, ErrUnknownSignal)
	}
	b.mu.RLock()
	e, seen := b.latest[fd.ID]
	b.mu.RUnlock()
	if !seen {
		return 0, fmt.Errorf("%s: %w", frame, ErrNoData)
	}
	if b.maxAge > 0 {
		if age := b.now().Sub(e.at); age > b.maxAge {
			return 0, fmt.Errorf("%s: %w (%s old)", frame, ErrStale, age.Round(time.Millisecond))
		}
	}
	v, ok := e.values[signal]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", frame, signal, ErrUnknownSignal)
	}
	return v, nil
}

// Send encodes and transmits one tx frame.
func (b *Bus) Send(ctx context.Context, frame string, values map[string]float64) error {
	f, err := b.cmap.EncodeFrame(frame, values)
	if err != nil {
		return err
	}
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if err := b.w.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("tx %s: %w", frame, err)
	}
	b.sent++
	b.log.Trace("TX %s id=0x%X data=% X", frame, f.ID, f.Data[:f.Length])
	return nil
}

// Counters returns frames sent and received so far.
func (b *Bus) Counters() (sent, recv uint64) {
	b.txMu.Lock()
	sent = b.sent
	b.txMu.Unlock()
	b.mu.RLock()
	recv = b.recv
	b.mu.RUnlock()
	return sent, recv
}

func (b *Bus) requireSignal(frame, signal, direction string) error {
	fd, err := b.cmap.FrameByName(frame)
	if err != nil {
		return err
	}
	if fd.Direction != direction {
		return fmt.Errorf("frame %s is %s, want %s", frame, fd.Direction, direction)
	}
	if _, ok := fd.Signal(signal); !ok {
		return fmt.Errorf("%s.%s: %w", frame, signal, ErrUnknownSignal)
	}
	return nil
}
