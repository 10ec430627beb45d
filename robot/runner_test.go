package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"

	"robot-control-core/utils"
)

func TestRunSurvivesBusyPitAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	r, w, buf := newTestRunner(t, DefaultRobotConfig(), RunnerConfig{HTTPAddr: ln.Addr().String()})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = r.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want the deadline", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("Run returned after %s; loops must outlive the pit API", elapsed)
	}
	if !strings.Contains(buf.String(), "Pit API disabled") {
		t.Fatalf("listen failure not logged:\n%s", buf.String())
	}
	// 20ms sorter period over 300ms
	if n := r.sorter.Stats().Ticks; n < 10 {
		t.Fatalf("sorter ticks = %d; the loop stopped early", n)
	}
	if len(w.byID(0x204)) != 1 {
		t.Fatal("arm not stopped at the end of the run")
	}
}

// scriptedReader fails at once when broken, otherwise blocks until closed.
type scriptedReader struct {
	broken bool
	closed chan struct{}
	once   sync.Once
}

func newScriptedReader(broken bool) *scriptedReader {
	return &scriptedReader{broken: broken, closed: make(chan struct{})}
}

func (s *scriptedReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	if s.broken {
		return can.Frame{}, errors.New("bus off")
	}
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-s.closed:
		return can.Frame{}, errors.New("closed")
	}
}

func (s *scriptedReader) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestReceiveKeepsRedialing(t *testing.T) {
	r, _, buf := newTestRunner(t, DefaultRobotConfig(), RunnerConfig{})
	r.reader = newScriptedReader(true)
	r.redialEvery = 5 * time.Millisecond

	dials := 0
	var good *scriptedReader
	r.dialReader = func(ctx context.Context) (utils.CANReader, error) {
		dials++
		if dials < 4 {
			return nil, errors.New("no such device")
		}
		good = newScriptedReader(false)
		return good, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("receive = %v, want the deadline", err)
	}
	if dials != 4 {
		t.Fatalf("dials = %d, want 4", dials)
	}
	if r.reader != good {
		t.Fatal("reopened reader not installed")
	}
	if !strings.Contains(buf.String(), "CAN reader reopened") {
		t.Fatalf("reopen not logged:\n%s", buf.String())
	}
}
