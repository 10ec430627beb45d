package utils

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"go.einride.tech/can"
)

const testMap = `direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment
tx,0x201,INTAKE_HIGH_CMD,10,2,command,0,16,little,true,1,0,-127,127,0,pct,
rx,0x281,INTAKE_HIGH_STATE,10,4,velocity_rpm,0,16,little,true,0.1,0,-3000,3000,0,rpm,
rx,0x281,INTAKE_HIGH_STATE,10,4,position_deg,16,16,little,true,1,0,-32768,32767,0,deg,
# comment rows are ignored
rx,0x300,COLOR_STATE,20,4,red,0,16,little,false,1,0,0,65535,0,,
rx,0x300,COLOR_STATE,20,4,blue,16,16,little,false,1,0,0,65535,0,,
`

func mustParse(t *testing.T, src string) *CANMap {
	t.Helper()
	m, err := ParseCANMap(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseCANMap: %v", err)
	}
	return m
}

func TestParseCANMap(t *testing.T) {
	m := mustParse(t, testMap)

	if got := m.FrameNames(); len(got) != 3 {
		t.Fatalf("expected 3 frames, got %v", got)
	}
	fd, err := m.FrameByName("INTAKE_HIGH_STATE")
	if err != nil {
		t.Fatal(err)
	}
	if fd.ID != 0x281 || fd.DLC != 4 || fd.Direction != "rx" {
		t.Fatalf("unexpected frame def %+v", fd)
	}
	if len(fd.Signals) != 2 || fd.Signals[0].Name != "velocity_rpm" {
		t.Fatalf("signals not sorted by start bit: %+v", fd.Signals)
	}
	if _, err := m.FrameByID(0x999); err == nil {
		t.Fatal("expected error for unknown frame id")
	}
}

func TestParseCANMapRejectsBadRows(t *testing.T) {
	header := strings.SplitN(testMap, "\n", 2)[0] + "\n"
	cases := map[string]string{
		"bad direction":   "up,0x1,A,10,2,x,0,8,little,false,1,0,0,1,0,,\n",
		"bad dlc":         "tx,0x1,A,10,9,x,0,8,little,false,1,0,0,1,0,,\n",
		"overflow":        "tx,0x1,A,10,1,x,4,8,little,false,1,0,0,1,0,,\n",
		"big endian":      "tx,0x1,A,10,2,x,0,8,big,false,1,0,0,1,0,,\n",
		"zero factor":     "tx,0x1,A,10,2,x,0,8,little,false,0,0,0,1,0,,\n",
		"bad number":      "tx,0x1,A,ten,2,x,0,8,little,false,1,0,0,1,0,,\n",
		"duplicate":       "tx,0x1,A,10,2,x,0,8,little,false,1,0,0,1,0,,\ntx,0x1,A,10,2,x,8,8,little,false,1,0,0,1,0,,\n",
		"name reuse":      "tx,0x1,A,10,2,x,0,8,little,false,1,0,0,1,0,,\ntx,0x2,A,10,2,y,0,8,little,false,1,0,0,1,0,,\n",
		"inconsistent dl": "tx,0x1,A,10,2,x,0,8,little,false,1,0,0,1,0,,\ntx,0x1,A,10,3,y,8,8,little,false,1,0,0,1,0,,\n",
	}
	for name, rows := range cases {
		if _, err := ParseCANMap(strings.NewReader(header + rows)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseCANMap(strings.NewReader("direction,frame_id\n")); err == nil {
		t.Error("expected missing column error")
	}
}

func TestEncodeSignedCommand(t *testing.T) {
	m := mustParse(t, testMap)

	f, err := m.EncodeFrame("INTAKE_HIGH_CMD", map[string]float64{"command": -127})
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 0x201 || f.Length != 2 {
		t.Fatalf("unexpected header id=0x%X len=%d", f.ID, f.Length)
	}
	// -127 as int16 little endian
	if !bytes.Equal(f.Data[:2], []byte{0x81, 0xFF}) {
		t.Fatalf("unexpected payload % X", f.Data[:2])
	}

	f, err = m.EncodeFrame("INTAKE_HIGH_CMD", map[string]float64{"command": 500})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Data[:2], []byte{0x7F, 0x00}) {
		t.Fatalf("command not clamped to max: % X", f.Data[:2])
	}

	if _, err := m.EncodeFrame("INTAKE_HIGH_CMD", map[string]float64{"speed": 1}); err == nil {
		t.Fatal("expected error for unknown signal")
	}
	if _, err := m.EncodeFrame("NOPE", nil); err == nil {
		t.Fatal("expected error for unknown frame")
	}
}

func TestDecodeScaledSignals(t *testing.T) {
	m := mustParse(t, testMap)

	var f can.Frame
	f.ID = 0x281
	f.Length = 4
	// velocity -12.5 rpm => raw -125 => 0xFF83; position 1850 => 0x073A
	copy(f.Data[:], []byte{0x83, 0xFF, 0x3A, 0x07})

	fd, vals, err := m.DecodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	if fd.Name != "INTAKE_HIGH_STATE" {
		t.Fatalf("decoded wrong frame %s", fd.Name)
	}
	if math.Abs(vals["velocity_rpm"]-(-12.5)) > 1e-9 {
		t.Fatalf("velocity = %v", vals["velocity_rpm"])
	}
	if vals["position_deg"] != 1850 {
		t.Fatalf("position = %v", vals["position_deg"])
	}

	f.Length = 2
	if _, _, err := m.DecodeFrame(f); err == nil {
		t.Fatal("expected short frame error")
	}
}

func TestEncodeDecodeUnsignedPair(t *testing.T) {
	m := mustParse(t, testMap)
	fd, _ := m.FrameByName("COLOR_STATE")
	fd.Direction = "tx" // encode an rx frame the way a device simulator would

	f, err := m.EncodeFrame("COLOR_STATE", map[string]float64{"red": 100, "blue": 230})
	if err != nil {
		t.Fatal(err)
	}
	_, vals, err := m.DecodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	if vals["red"] != 100 || vals["blue"] != 230 {
		t.Fatalf("got %v", vals)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, WARN)
	l.SetPrefix("session=abc")
	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] session=abc shown 2") {
		t.Fatalf("unexpected output %q", out)
	}
	if ParseLevel("Warning") != WARN || ParseLevel("bogus") != INFO {
		t.Fatal("ParseLevel mismatch")
	}
}
