package devices

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"

	"robot-control-core/robot/teleop"
	"robot-control-core/utils"
)

const testMap = `direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment
tx,0x203,INTAKE_HIGH_CMD,10,2,command,0,16,little,true,1,0,-127,127,0,cmd,
rx,0x283,INTAKE_HIGH_STATE,10,6,velocity_rpm,0,16,little,true,0.1,0,-3000,3000,0,rpm,
rx,0x283,INTAKE_HIGH_STATE,10,6,position_deg,16,32,little,true,0.1,0,,,0,deg,
tx,0x205,LIFT_CMD,10,2,command,0,16,little,true,1,0,-127,127,0,cmd,
rx,0x285,LIFT_STATE,10,8,velocity_rpm,0,16,little,true,0.1,0,-3000,3000,0,rpm,
rx,0x285,LIFT_STATE,10,8,position_deg,16,32,little,true,0.1,0,,,0,deg,
rx,0x285,LIFT_STATE,10,8,current_ma,48,16,little,false,1,0,0,5000,0,mA,
rx,0x300,COLOR_STATE,20,4,red,0,16,little,false,1,0,0,65535,0,,
rx,0x300,COLOR_STATE,20,4,blue,16,16,little,false,1,0,0,65535,0,,
tx,0x301,COLOR_LED,20,1,pwm,0,8,little,false,1,0,0,100,0,pct,
rx,0x310,ROTATION_STATE,10,4,angle_cdeg,0,32,little,true,1,0,,,0,cdeg,
tx,0x320,ADI_OUT,20,1,clamp,0,1,little,false,1,0,0,1,0,,
tx,0x320,ADI_OUT,20,1,doinker,1,1,little,false,1,0,0,1,0,,
`

type fakeWriter struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (w *fakeWriter) WriteFrame(ctx context.Context, f can.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *fakeWriter) last() can.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

func newTestBus(t *testing.T) (*Bus, *fakeWriter) {
	t.Helper()
	cmap, err := utils.ParseCANMap(strings.NewReader(testMap))
	if err != nil {
		t.Fatalf("ParseCANMap: %v", err)
	}
	w := &fakeWriter{}
	return NewBus(cmap, w, nil, 100*time.Millisecond), w
}

func colorFrame(red, blue uint16) can.Frame {
	f := can.Frame{ID: 0x300, Length: 4}
	f.Data[0], f.Data[1] = byte(red), byte(red>>8)
	f.Data[2], f.Data[3] = byte(blue), byte(blue>>8)
	return f
}

func TestBusSignalNoDataAndStale(t *testing.T) {
	bus, _ := newTestBus(t)
	now := time.Unix(100, 0)
	bus.now = func() time.Time { return now }

	if _, err := bus.Signal("COLOR_STATE", "red"); !errors.Is(err, ErrNoData) {
		t.Fatalf("before any frame: err = %v, want ErrNoData", err)
	}
	if err := bus.Handle(colorFrame(120, 230)); err != nil {
		t.Fatal(err)
	}
	v, err := bus.Signal("COLOR_STATE", "blue")
	if err != nil || v != 230 {
		t.Fatalf("blue = %v, %v", v, err)
	}

	now = now.Add(150 * time.Millisecond)
	if _, err := bus.Signal("COLOR_STATE", "red"); !errors.Is(err, ErrStale) {
		t.Fatalf("old frame: err = %v, want ErrStale", err)
	}
	if _, err := bus.Signal("NOPE", "x"); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("unknown frame: err = %v", err)
	}
}

func TestBusIgnoresUnknownAndTxFrames(t *testing.T) {
	bus, _ := newTestBus(t)
	if err := bus.Handle(can.Frame{ID: 0x7FF, Length: 1}); err != nil {
		t.Fatalf("unknown id: %v", err)
	}
	if err := bus.Handle(can.Frame{ID: 0x203, Length: 2}); err != nil {
		t.Fatalf("tx id echoed back: %v", err)
	}
	if _, recv := bus.Counters(); recv != 0 {
		t.Fatalf("recv = %d, want 0", recv)
	}
}

type chanReader struct {
	frames chan can.Frame
	closed chan struct{}
	once   sync.Once
}

func (r *chanReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	case <-r.closed:
		return can.Frame{}, io.EOF
	}
}

func (r *chanReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestBusRunStopsOnCancel(t *testing.T) {
	bus, _ := newTestBus(t)
	r := &chanReader{frames: make(chan can.Frame, 1), closed: make(chan struct{})}
	r.frames <- colorFrame(10, 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, r) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, recv := bus.Counters(); recv == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never handled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestMotorDriveReversedAndClamped(t *testing.T) {
	bus, w := newTestBus(t)
	m, err := NewMotor(bus, "INTAKE_HIGH", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Drive(context.Background(), 300); err != nil {
		t.Fatal(err)
	}
	f := w.last()
	if f.ID != 0x203 || f.Data[0] != 0x81 || f.Data[1] != 0xFF {
		t.Fatalf("frame = %v, want -127 on 0x203", f)
	}

	state := can.Frame{ID: 0x283, Length: 6}
	state.Data[0], state.Data[1] = 0xE8, 0x03 // 1000 * 0.1 rpm
	if err := bus.Handle(state); err != nil {
		t.Fatal(err)
	}
	v, err := m.Velocity()
	if err != nil || v != -100 {
		t.Fatalf("velocity = %v, %v; want -100 for a reversed motor", v, err)
	}
}

func TestMotorCurrent(t *testing.T) {
	bus, _ := newTestBus(t)
	lift, err := NewMotor(bus, "LIFT", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lift.Current(); !errors.Is(err, ErrNoData) {
		t.Fatalf("current before any frame: %v", err)
	}
	state := can.Frame{ID: 0x285, Length: 8}
	state.Data[6], state.Data[7] = 0x60, 0x09 // 2400 mA
	if err := bus.Handle(state); err != nil {
		t.Fatal(err)
	}
	if v, err := lift.Current(); err != nil || v != 2400 {
		t.Fatalf("current = %v, %v; want 2400 (not sign flipped)", v, err)
	}

	intake, _ := NewMotor(bus, "INTAKE_HIGH", false)
	_ = bus.Handle(can.Frame{ID: 0x283, Length: 6})
	if _, err := intake.Current(); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("intake has no current signal: %v", err)
	}
}

func TestNewMotorRequiresCommandFrame(t *testing.T) {
	bus, _ := newTestBus(t)
	if _, err := NewMotor(bus, "ARM", false); err == nil {
		t.Fatal("expected error for a motor missing from the map")
	}
}

type recordActuator struct {
	cmds []float64
	err  error
}

func (a *recordActuator) Drive(ctx context.Context, cmd float64) error {
	if a.err != nil {
		return a.err
	}
	a.cmds = append(a.cmds, cmd)
	return nil
}

func TestChannelStopIsIdempotent(t *testing.T) {
	a := &recordActuator{}
	ch := NewChannel("intake", a)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ch.Stop(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if ch.Writes() != 1 || len(a.cmds) != 1 {
		t.Fatalf("writes = %d cmds = %v, want one write", ch.Writes(), a.cmds)
	}
}

func TestChannelClaimOverridesBase(t *testing.T) {
	a := &recordActuator{}
	ch := NewChannel("intake high", a)
	ctx := context.Background()

	_ = ch.Set(ctx, 113)
	release, err := ch.Claim(ctx, -127)
	if err != nil {
		t.Fatal(err)
	}
	_ = ch.Set(ctx, 50) // base changes under the claim
	if ch.Command() != -127 || !ch.Claimed() {
		t.Fatalf("command = %v while claimed", ch.Command())
	}
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	_ = release(ctx)
	if ch.Command() != 50 || ch.Claimed() {
		t.Fatalf("command = %v after release, want base 50", ch.Command())
	}
	want := []float64{113, -127, 50}
	if len(a.cmds) != len(want) {
		t.Fatalf("cmds = %v, want %v", a.cmds, want)
	}
	for i := range want {
		if a.cmds[i] != want[i] {
			t.Fatalf("cmds = %v, want %v", a.cmds, want)
		}
	}
}

func TestChannelNewestClaimWins(t *testing.T) {
	ch := NewChannel("c", &recordActuator{})
	ctx := context.Background()
	r1, _ := ch.Claim(ctx, -127)
	r2, _ := ch.Claim(ctx, -60)
	if ch.Command() != -60 {
		t.Fatalf("command = %v", ch.Command())
	}
	_ = r2(ctx)
	if ch.Command() != -127 {
		t.Fatalf("command = %v after newest released", ch.Command())
	}
	_ = r1(ctx)
	if ch.Command() != 0 {
		t.Fatalf("command = %v after all released", ch.Command())
	}
}

func TestChannelRetriesAfterFailedWrite(t *testing.T) {
	a := &recordActuator{err: errors.New("bus off")}
	ch := NewChannel("c", a)
	ctx := context.Background()
	if err := ch.Stop(ctx); err == nil {
		t.Fatal("expected write error")
	}
	a.err = nil
	if err := ch.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if len(a.cmds) != 1 {
		t.Fatalf("stop not retried: %v", a.cmds)
	}
}

func TestColorSensorAndIndicator(t *testing.T) {
	bus, w := newTestBus(t)
	cs, err := NewColorSensor(bus)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := cs.Read(ctx); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
	_ = bus.Handle(colorFrame(100, 230))
	s, err := cs.Read(ctx)
	if err != nil || s.Red != 100 || s.Blue != 230 {
		t.Fatalf("sample = %+v, %v", s, err)
	}

	for i := 0; i < 3; i++ {
		if err := cs.SetIndicator(ctx, 100); err != nil {
			t.Fatal(err)
		}
	}
	_ = cs.SetIndicator(ctx, 0)
	if w.count() != 2 {
		t.Fatalf("LED frames = %d, want 2", w.count())
	}
	if f := w.last(); f.ID != 0x301 || f.Data[0] != 0 {
		t.Fatalf("last LED frame = %v", f)
	}
}

func TestRotationSensorTare(t *testing.T) {
	bus, _ := newTestBus(t)
	rs, err := NewRotationSensor(bus, false)
	if err != nil {
		t.Fatal(err)
	}
	f := can.Frame{ID: 0x310, Length: 4}
	f.Data[0], f.Data[1] = 0x2C, 0x01 // 300
	_ = bus.Handle(f)

	ctx := context.Background()
	if err := rs.Tare(ctx); err != nil {
		t.Fatal(err)
	}
	f.Data[0], f.Data[1] = 0xAC, 0x01 // 428
	_ = bus.Handle(f)
	v, err := rs.Read(ctx)
	if err != nil || v != 128 {
		t.Fatalf("read = %v, %v; want 128 after tare", v, err)
	}
}

func TestDigitalOutKeepsSiblingBits(t *testing.T) {
	bus, w := newTestBus(t)
	ports := NewPorts(bus)
	clamp, err := ports.Out("clamp")
	if err != nil {
		t.Fatal(err)
	}
	doinker, err := ports.Out("doinker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ports.Out("wing"); err == nil {
		t.Fatal("expected unknown output error")
	}

	ctx := context.Background()
	_ = clamp.Set(ctx, true)
	_ = doinker.Set(ctx, true)
	if f := w.last(); f.Data[0] != 0x03 {
		t.Fatalf("ADI_OUT = %#x, want both bits", f.Data[0])
	}
	_ = clamp.Set(ctx, false)
	if f := w.last(); f.Data[0] != 0x02 {
		t.Fatalf("ADI_OUT = %#x, want doinker only", f.Data[0])
	}
	n := w.count()
	_ = doinker.Set(ctx, true)
	if w.count() != n {
		t.Fatal("unchanged output was resent")
	}
	if !doinker.Get() || clamp.Get() {
		t.Fatal("Get does not match last Set")
	}
}

func TestParseJSEvent(t *testing.T) {
	raw := []byte{0x10, 0x27, 0x00, 0x00, 0x01, 0x80, jsEventAxis, 1}
	ev, err := ParseJSEvent(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Time != 10000 || ev.Value != -32767 || ev.Type != jsEventAxis || ev.Number != 1 {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := ParseJSEvent(raw[:5]); err == nil {
		t.Fatal("expected short record error")
	}
}

func TestGamepadApply(t *testing.T) {
	g, err := NewGamepad("/dev/null", DefaultGamepadMap(), nil)
	if err != nil {
		t.Fatal(err)
	}

	g.Apply(JSEvent{Type: jsEventButton | jsEventInit, Number: 5, Value: 1})
	if !g.Digital(teleop.ButtonR1) {
		t.Fatal("R1 should be held after init event")
	}
	g.Apply(JSEvent{Type: jsEventButton, Number: 5, Value: 0})
	if g.Digital(teleop.ButtonR1) {
		t.Fatal("R1 should be released")
	}

	// stick up reports negative on Linux; LEFT_Y is inverted in the default map
	g.Apply(JSEvent{Type: jsEventAxis, Number: 1, Value: -32767})
	if v := g.Analog(teleop.AxisLeftY); v != 127 {
		t.Fatalf("LEFT_Y = %v, want 127", v)
	}
	g.Apply(JSEvent{Type: jsEventAxis, Number: 3, Value: -32768})
	if v := g.Analog(teleop.AxisRightX); v != -127 {
		t.Fatalf("RIGHT_X = %v, want -127", v)
	}

	g.Apply(JSEvent{Type: jsEventAxis, Number: 7, Value: 32767})
	if !g.Digital(teleop.ButtonDown) || g.Digital(teleop.ButtonUp) {
		t.Fatal("hat down not mapped to DOWN")
	}
	g.Apply(JSEvent{Type: jsEventAxis, Number: 7, Value: 0})
	if g.Digital(teleop.ButtonDown) {
		t.Fatal("hat centre should release DOWN")
	}

	g.Apply(JSEvent{Type: jsEventButton, Number: 1, Value: 1})
	g.release()
	if g.Digital(teleop.ButtonB) || g.Analog(teleop.AxisLeftY) != 0 {
		t.Fatal("release must drop every input")
	}
}

func TestGamepadMapValidate(t *testing.T) {
	m := DefaultGamepadMap()
	m.Buttons["TURBO"] = 9
	if _, err := NewGamepad("/dev/null", m, nil); err == nil {
		t.Fatal("expected unknown button error")
	}
	m = DefaultGamepadMap()
	m.Axes["LEFT_X"] = m.HatX
	if err := m.Validate(); err == nil {
		t.Fatal("expected axis/hat clash error")
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestSerialDisplayProtocol(t *testing.T) {
	buf := &bytes.Buffer{}
	d := NewSerialDisplay(nopCloser{buf}, 3)

	_ = d.Print(0, "Team red")
	_ = d.Print(0, "Team red")
	_ = d.Print(1, "Auton:\nNegative")
	_ = d.Clear()
	if err := d.Print(3, "x"); err == nil {
		t.Fatal("expected out of range line error")
	}
	want := "L0:Team red\nL1:Auton: Negative\nCLR\n"
	if buf.String() != want {
		t.Fatalf("wrote %q, want %q", buf.String(), want)
	}
}

func TestLogDisplayWritesChangesOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	d := NewLogDisplay(utils.NewLogger(buf, utils.INFO))
	_ = d.Print(0, "sort on")
	_ = d.Print(0, "sort on")
	_ = d.Print(0, "sort off")
	if n := strings.Count(buf.String(), "[screen 0]"); n != 2 {
		t.Fatalf("logged %d lines, want 2:\n%s", n, buf.String())
	}
}
