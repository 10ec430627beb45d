package devices

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tarm/serial"

	"robot-control-core/utils"
)

// Display shows a few short text lines to the drive team. Writes are fire
// and forget from the caller's point of view.
type Display interface {
	Print(line int, text string) error
	Clear() error
}

// SerialDisplay drives a character display behind a USB serial adapter. The
// adapter takes one command per line:
//
//	L<n>:<text>   replace line n
//	CLR           blank every line
type SerialDisplay struct {
	lines int
	port  io.Closer

	mu    sync.Mutex
	w     *bufio.Writer
	shown []string
}

// OpenSerialDisplay opens the serial port at baud.
func OpenSerialDisplay(name string, baud, lines int) (*SerialDisplay, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open display %s: %w", name, err)
	}
	return NewSerialDisplay(port, lines), nil
}

// NewSerialDisplay wraps an already open port.
func NewSerialDisplay(port io.WriteCloser, lines int) *SerialDisplay {
	return &SerialDisplay{
		lines: lines,
		port:  port,
		w:     bufio.NewWriter(port),
		shown: make([]string, lines),
	}
}

// Print replaces one line. Unchanged lines are not resent.
func (d *SerialDisplay) Print(line int, text string) error {
	if line < 0 || line >= d.lines {
		return fmt.Errorf("display line %d out of range 0..%d", line, d.lines-1)
	}
	text = strings.ReplaceAll(text, "\n", " ")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shown[line] == text {
		return nil
	}
	if _, err := fmt.Fprintf(d.w, "L%d:%s\n", line, text); err != nil {
		return err
	}
	if err := d.w.Flush(); err != nil {
		return err
	}
	d.shown[line] = text
	return nil
}

func (d *SerialDisplay) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.w.WriteString("CLR\n"); err != nil {
		return err
	}
	if err := d.w.Flush(); err != nil {
		return err
	}
	for i := range d.shown {
		d.shown[i] = ""
	}
	return nil
}

func (d *SerialDisplay) Close() error { return d.port.Close() }

// LogDisplay writes line changes to the logger. Used when no display is
// attached.
type LogDisplay struct {
	log *utils.Logger

	mu    sync.Mutex
	shown map[int]string
}

func NewLogDisplay(log *utils.Logger) *LogDisplay {
	return &LogDisplay{log: log, shown: map[int]string{}}
}

func (d *LogDisplay) Print(line int, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.shown[line]; ok && cur == text {
		return nil
	}
	d.shown[line] = text
	d.log.Info("[screen %d] %s", line, text)
	return nil
}

func (d *LogDisplay) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.shown)
	return nil
}
