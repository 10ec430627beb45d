package sorting

import (
	"context"
	"errors"
	"sync"
	"testing"

	"robot-control-core/robot/state"
	"robot-control-core/utils"
)

type fakeSensor struct {
	samples []Sample
	errs    []error
	reads   int
	leds    []float64
}

func (f *fakeSensor) Read(ctx context.Context) (Sample, error) {
	i := f.reads
	f.reads++
	if i < len(f.errs) && f.errs[i] != nil {
		return Sample{}, f.errs[i]
	}
	if i < len(f.samples) {
		return f.samples[i], nil
	}
	return Sample{}, nil
}

func (f *fakeSensor) SetIndicator(ctx context.Context, pwm float64) error {
	f.leds = append(f.leds, pwm)
	return nil
}

type fakeEjector struct {
	mu       sync.Mutex
	claims   []float64
	releases int
	stops    int
}

func (f *fakeEjector) Claim(ctx context.Context, cmd float64) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, cmd)
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.releases++
		return nil
	}, nil
}

func (f *fakeEjector) Stop(ctx context.Context) error {
	f.stops++
	return nil
}

type fakeVelocity float64

func (v fakeVelocity) Velocity() (float64, error) { return float64(v), nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EjectDurationMS = 10
	return cfg
}

func newTestSorter(sensor *fakeSensor, ej *fakeEjector, vel VelocitySource, flags *state.Shared) *Sorter {
	return New(testConfig(), sensor, ej, vel, flags, utils.NewLogger(nil, utils.INFO))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		s      Sample
		team   state.Team
		reject bool
	}{
		{"blue ring red team", Sample{Red: 100, Blue: 230}, state.TeamRed, true},
		{"blue ring blue team", Sample{Red: 100, Blue: 230}, state.TeamBlue, false},
		{"red ring blue team", Sample{Red: 240, Blue: 90}, state.TeamBlue, true},
		{"red ring red team", Sample{Red: 240, Blue: 90}, state.TeamRed, false},
		{"nothing", Sample{Red: 50, Blue: 50}, state.TeamRed, false},
		{"nothing blue team", Sample{Red: 50, Blue: 50}, state.TeamBlue, false},
		{"saturated", Sample{Red: 255, Blue: 255}, state.TeamRed, false},
		{"on threshold", Sample{Red: 100, Blue: 220}, state.TeamRed, false},
	}
	for _, c := range cases {
		if got := Classify(c.s, c.team, 220); got != c.reject {
			t.Errorf("%s: Classify = %v, want %v", c.name, got, c.reject)
		}
	}
}

func TestClassifyTeamSymmetry(t *testing.T) {
	// any sample rejected for red is kept for blue
	for red := 0.0; red <= 255; red += 15 {
		for blue := 0.0; blue <= 255; blue += 15 {
			s := Sample{Red: red, Blue: blue}
			if blue > 220 && red < 220 {
				if !Classify(s, state.TeamRed, 220) || Classify(s, state.TeamBlue, 220) {
					t.Fatalf("sample %+v misclassified", s)
				}
			}
		}
	}
}

func TestTeamAScenario(t *testing.T) {
	sensor := &fakeSensor{samples: []Sample{{100, 230}, {100, 230}, {50, 50}}}
	ej := &fakeEjector{}
	s := newTestSorter(sensor, ej, nil, state.NewShared(state.TeamRed, true))

	ctx := context.Background()
	var perTick []int
	for i := 0; i < 3; i++ {
		before := len(ej.claims)
		s.Tick(ctx)
		perTick = append(perTick, len(ej.claims)-before)
	}

	if perTick[0] != 1 || perTick[1] != 1 || perTick[2] != 0 {
		t.Fatalf("reject actions per tick = %v, want [1 1 0]", perTick)
	}
	for _, cmd := range ej.claims {
		if cmd != -127 {
			t.Fatalf("eject command = %v, want full reverse", cmd)
		}
	}
	if ej.releases != 2 {
		t.Fatalf("releases = %d, want 2", ej.releases)
	}
	if st := s.Stats(); st.Rejects != 2 || st.Ticks != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDisableTurnsIndicatorOffNextTick(t *testing.T) {
	sensor := &fakeSensor{samples: []Sample{{100, 230}, {100, 230}}}
	ej := &fakeEjector{}
	flags := state.NewShared(state.TeamRed, true)
	s := newTestSorter(sensor, ej, nil, flags)

	s.Tick(context.Background())
	if got := sensor.leds[len(sensor.leds)-1]; got != 100 {
		t.Fatalf("indicator = %v while enabled", got)
	}

	flags.SetSortEnabled(false)
	s.Tick(context.Background())
	if got := sensor.leds[len(sensor.leds)-1]; got != 0 {
		t.Fatalf("indicator = %v after disable, want 0", got)
	}
	if sensor.reads != 1 {
		t.Fatalf("sensor read %d times, disabled tick must not read", sensor.reads)
	}
	if len(ej.claims) != 1 {
		t.Fatalf("disabled tick ejected")
	}
}

func TestSensorErrorKeepsActuator(t *testing.T) {
	sensor := &fakeSensor{
		samples: []Sample{{}, {100, 230}},
		errs:    []error{errors.New("stale")},
	}
	ej := &fakeEjector{}
	s := newTestSorter(sensor, ej, nil, state.NewShared(state.TeamRed, true))

	s.Tick(context.Background())
	if len(ej.claims) != 0 || ej.stops != 0 {
		t.Fatalf("sensor error touched the ejector: %+v", ej)
	}
	if sensor.leds[0] != 100 {
		t.Fatalf("indicator should stay on while enabled")
	}
	s.Tick(context.Background())
	if len(ej.claims) != 1 {
		t.Fatalf("sorter did not recover after sensor error")
	}
	if st := s.Stats(); st.SensorErrors != 1 {
		t.Fatalf("sensor errors = %d", st.SensorErrors)
	}
}

func TestVelocityGuard(t *testing.T) {
	sensor := &fakeSensor{samples: []Sample{{100, 230}, {100, 230}}}
	ej := &fakeEjector{}
	cfg := testConfig()
	cfg.VelocityGuard = 100

	slow := New(cfg, sensor, ej, fakeVelocity(20), state.NewShared(state.TeamRed, true), nil)
	slow.Tick(context.Background())
	if ej.stops != 1 || len(ej.claims) != 0 {
		t.Fatalf("slow ejector should be stopped, got %+v", ej)
	}

	fast := New(cfg, sensor, ej, fakeVelocity(400), state.NewShared(state.TeamRed, true), nil)
	fast.Tick(context.Background())
	if len(ej.claims) != 1 {
		t.Fatalf("fast ejector should pulse, got %+v", ej)
	}
}

func TestTeamChangeTakesEffect(t *testing.T) {
	sensor := &fakeSensor{samples: []Sample{{100, 230}, {100, 230}}}
	ej := &fakeEjector{}
	flags := state.NewShared(state.TeamRed, true)
	s := newTestSorter(sensor, ej, nil, flags)

	s.Tick(context.Background())
	flags.SelectBlue()
	s.Tick(context.Background())
	if len(ej.claims) != 1 {
		t.Fatalf("claims = %d, blue team must keep blue rings", len(ej.claims))
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.PeriodMS = 0 },
		func(c *Config) { c.Threshold = 300 },
		func(c *Config) { c.EjectCommand = 0 },
		func(c *Config) { c.EjectDurationMS = 5000 },
		func(c *Config) { c.VelocityGuard = -1 },
		func(c *Config) { c.IndicatorOn = 0 },
	}
	for i, mut := range bad {
		c := DefaultConfig()
		mut(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
