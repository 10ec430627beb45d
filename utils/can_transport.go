package utils

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// CANReader blocks until the next data frame arrives.
type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

// dialSocketCAN retries with Fibonacci backoff because the interface is often
// brought up after this process starts.
func dialSocketCAN(ctx context.Context, iface string, log *Logger) (net.Conn, error) {
	var conn net.Conn
	b := retry.WithMaxRetries(5, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := socketcan.DialContext(ctx, "can", iface)
		if err != nil {
			log.Warn("socketcan dial %s: %v", iface, err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return conn, nil
}

type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, iface string, log *Logger) (*SocketCANWriter, error) {
	conn, err := dialSocketCAN(ctx, iface, log)
	if err != nil {
		return nil, err
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// SocketCANReader uses its own socket so closing it to unblock a read leaves
// the writer usable for the final stop commands.
type SocketCANReader struct {
	conn net.Conn
	rx   *socketcan.Receiver

	closeOnce sync.Once
	closeErr  error
}

func NewSocketCANReader(ctx context.Context, iface string, log *Logger) (*SocketCANReader, error) {
	conn, err := dialSocketCAN(ctx, iface, log)
	if err != nil {
		return nil, err
	}
	return &SocketCANReader{
		conn: conn,
		rx:   socketcan.NewReceiver(conn),
	}, nil
}

// ReadFrame skips error frames. Cancelling ctx does not interrupt a blocked
// read; Close the reader for that.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return can.Frame{}, err
		}
		if !r.rx.Receive() {
			if err := r.rx.Err(); err != nil {
				return can.Frame{}, fmt.Errorf("socketcan receive: %w", err)
			}
			return can.Frame{}, io.EOF
		}
		if r.rx.HasErrorFrame() {
			continue
		}
		return r.rx.Frame(), nil
	}
}

func (r *SocketCANReader) Close() error {
	r.closeOnce.Do(func() {
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
	})
	return r.closeErr
}
