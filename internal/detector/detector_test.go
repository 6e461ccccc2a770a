package detector

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/limiquantix/consolidation/internal/capacity"
	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/domain"
)

type fakeClock struct {
	now float64
}

func (c *fakeClock) Now() float64 { return c.now }

func newHost(t *testing.T) *datacenter.Host {
	t.Helper()
	h, err := datacenter.NewHost(datacenter.HostSpec{
		Name:   "host-1",
		Pes:    2,
		PeMips: 1000,
		RAM:    16384,
		BW:     10000,
		Power:  domain.LinearPowerModel{MaxPower: 250, StaticPower: 100},
	}, capacity.DefaultConfig(), 30, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	return h
}

// withHistory records values in chronological order.
func withHistory(t *testing.T, values ...float64) *datacenter.Host {
	t.Helper()
	h := newHost(t)
	for i, v := range values {
		h.History().Add(float64(i+1)*300, v)
	}
	return h
}

func placeVM(t *testing.T, h *datacenter.Host, pes int, utilization float64) *datacenter.VM {
	t.Helper()
	vm := datacenter.NewVM(datacenter.VMSpec{Pes: pes, Mips: 1000, RAM: 1024, BW: 100})
	vm.SetUtilization(utilization)
	if !h.CreateVM(vm) {
		t.Fatalf("CreateVM failed")
	}
	return vm
}

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(cfg, &fakeClock{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func configFor(kind Kind) Config {
	cfg := DefaultConfig()
	cfg.Kind = kind
	return cfg
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown kind", func(c *Config) { c.Kind = "ewma" }},
		{"under threshold zero", func(c *Config) { c.UnderThreshold = 0 }},
		{"under threshold one", func(c *Config) { c.UnderThreshold = 1 }},
		{"static threshold zero", func(c *Config) { c.StaticThreshold = 0 }},
		{"static threshold above one", func(c *Config) { c.StaticThreshold = 1.5 }},
		{"negative safety", func(c *Config) { c.SafetyParameter = -1 }},
		{"zero interval", func(c *Config) { c.SchedulingInterval = 0 }},
		{"bad fallback", func(c *Config) {
			c.Kind = KindIQR
			fb := DefaultConfig()
			fb.UnderThreshold = 2
			c.Fallback = &fb
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, nil, zap.NewNop()); !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestStatic_Monotonicity(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	a := newHost(t)
	b := newHost(t)

	for _, u := range []float64{0, 0.5, 0.89, 0.9, 0.9001, 0.95, 1} {
		want := u > 0.9
		if got := d.IsOverloadedAt(a, u); got != want {
			t.Errorf("utilization %v: expected %v, got %v", u, want, got)
		}
		if d.IsOverloadedAt(a, u) != d.IsOverloadedAt(b, u) {
			t.Errorf("utilization %v: result depends on host identity", u)
		}
	}
}

func TestStatic_IsOverloaded(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	h := newHost(t)
	placeVM(t, h, 2, 0.95)
	if !d.IsOverloaded(h) {
		t.Error("expected host at 95% to be overloaded")
	}
	h2 := newHost(t)
	placeVM(t, h2, 2, 0.5)
	if d.IsOverloaded(h2) {
		t.Error("expected host at 50% not to be overloaded")
	}
}

func TestIsUnderloaded(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	h := newHost(t)
	placeVM(t, h, 1, 0.4)
	if !d.IsUnderloaded(h) {
		t.Error("expected host at 20% to be underloaded")
	}
	placeVM(t, h, 1, 0.6)
	if d.IsUnderloaded(h) {
		t.Error("expected host at 50% not to be underloaded")
	}
}

func TestStatistical_HistoryGate(t *testing.T) {
	for _, kind := range []Kind{KindIQR, KindMAD} {
		t.Run(string(kind), func(t *testing.T) {
			d := newDetector(t, configFor(kind))

			short := withHistory(t, repeat(0.5, 11)...)
			if _, err := d.Threshold(short); !errors.Is(err, ErrInsufficientHistory) {
				t.Errorf("11 samples: expected ErrInsufficientHistory, got %v", err)
			}

			// Two oldest zero samples do not count.
			padded := withHistory(t, append([]float64{0, 0}, repeat(0.5, 11)...)...)
			if _, err := d.Threshold(padded); !errors.Is(err, ErrInsufficientHistory) {
				t.Errorf("11 non-zero samples: expected ErrInsufficientHistory, got %v", err)
			}

			exact := withHistory(t, repeat(0.5, 12)...)
			if _, err := d.Threshold(exact); err != nil {
				t.Errorf("12 samples: unexpected error %v", err)
			}

			long := withHistory(t, repeat(0.5, 20)...)
			if _, err := d.Threshold(long); err != nil {
				t.Errorf("20 samples: unexpected error %v", err)
			}
		})
	}
}

func TestIQR_Threshold(t *testing.T) {
	d := newDetector(t, configFor(KindIQR))
	h := withHistory(t, append(repeat(0.5, 6), repeat(0.9, 6)...)...)

	threshold, err := d.Threshold(h)
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	if !almostEqual(threshold, 0.4) {
		t.Errorf("Expected threshold 0.4, got %f", threshold)
	}
}

func TestMAD_Threshold(t *testing.T) {
	d := newDetector(t, configFor(KindMAD))

	values := make([]float64, 12)
	for i := range values {
		values[i] = 0.2
		if i%2 == 1 {
			values[i] = 0.4
		}
	}
	threshold, err := d.Threshold(withHistory(t, values...))
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	if !almostEqual(threshold, 0.75) {
		t.Errorf("Expected threshold 0.75, got %f", threshold)
	}

	constant, err := d.Threshold(withHistory(t, repeat(0.6, 12)...))
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	if !almostEqual(constant, 1) {
		t.Errorf("Expected threshold 1 for a constant history, got %f", constant)
	}
}

func line(slope float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = slope * float64(i+1)
	}
	return out
}

func TestLocalRegression_Threshold(t *testing.T) {
	for _, kind := range []Kind{KindLocalRegression, KindLocalRegressionRobust} {
		t.Run(string(kind), func(t *testing.T) {
			d := newDetector(t, configFor(kind))

			// Empty host: no migration time, prediction at step 10.
			threshold, err := d.Threshold(withHistory(t, line(0.05, 10)...))
			if err != nil {
				t.Fatalf("Threshold failed: %v", err)
			}
			if !almostEqual(threshold, 1.2*0.5) {
				t.Errorf("Expected threshold 0.6, got %f", threshold)
			}

			// A resident VM adds one migration interval.
			h := withHistory(t, line(0.05, 10)...)
			placeVM(t, h, 1, 0.1)
			threshold, err = d.Threshold(h)
			if err != nil {
				t.Fatalf("Threshold failed: %v", err)
			}
			if !almostEqual(threshold, 1.2*0.55) {
				t.Errorf("Expected threshold 0.66, got %f", threshold)
			}
		})
	}
}

func TestLocalRegression_UsesMostRecentWindow(t *testing.T) {
	d := newDetector(t, configFor(KindLocalRegression))
	values := append(repeat(0.9, 5), line(0.05, 10)...)
	threshold, err := d.Threshold(withHistory(t, values...))
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	if !almostEqual(threshold, 0.6) {
		t.Errorf("Expected threshold 0.6, got %f", threshold)
	}
}

func TestLocalRegression_OverloadedAboveOne(t *testing.T) {
	clock := &fakeClock{now: 3000}
	d, err := New(configFor(KindLocalRegression), clock, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := withHistory(t, line(0.1, 10)...)

	if !d.IsOverloaded(h) {
		t.Error("expected a predicted threshold above 1 to mark the host overloaded")
	}
	history := d.History(h.ID)
	if len(history) != 1 {
		t.Fatalf("Expected 1 recorded sample, got %d", len(history))
	}
	if !almostEqual(history[0].Threshold, 1.2) || history[0].Time != 3000 {
		t.Errorf("Unexpected sample: %+v", history[0])
	}
}

func TestIsOverloadedAt_DoesNotRecord(t *testing.T) {
	kinds := []Kind{KindStatic, KindLocalRegression, KindLocalRegressionRobust}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			d, err := New(configFor(kind), &fakeClock{now: 3000}, zap.NewNop())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			h := withHistory(t, line(0.1, 10)...)

			if !d.IsOverloadedAt(h, 0.95) {
				t.Error("expected 95% to be flagged")
			}
			d.IsOverloadedAt(h, 0.1)
			if history := d.History(h.ID); len(history) != 0 {
				t.Errorf("Expected hypothetical checks to leave the history empty, got %+v", history)
			}
		})
	}
}

func TestLocalRegression_RobustIgnoresOutlier(t *testing.T) {
	values := line(0.05, 10)
	values[4] = 0.9

	plain, err := newDetector(t, configFor(KindLocalRegression)).Threshold(withHistory(t, values...))
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	robust, err := newDetector(t, configFor(KindLocalRegressionRobust)).Threshold(withHistory(t, values...))
	if err != nil {
		t.Fatalf("Threshold failed: %v", err)
	}
	if math.Abs(robust-0.6) >= math.Abs(plain-0.6) {
		t.Errorf("Expected robust threshold %f to be closer to 0.6 than %f", robust, plain)
	}
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
	}{
		{"iqr", KindIQR},
		{"mad", KindMAD},
		{"local regression", KindLocalRegression},
		{"local regression robust", KindLocalRegressionRobust},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(t, configFor(tt.kind))
			h := withHistory(t, 0.3, 0.4, 0.5)

			if _, err := d.Threshold(h); !errors.Is(err, ErrInsufficientHistory) {
				t.Fatalf("Expected ErrInsufficientHistory, got %v", err)
			}
			if !d.IsOverloadedAt(h, 0.95) {
				t.Error("expected fallback static detector to flag 95%")
			}
			if d.IsOverloadedAt(h, 0.5) {
				t.Error("expected fallback static detector not to flag 50%")
			}
		})
	}
}

func TestFallback_Configured(t *testing.T) {
	fb := configFor(KindStatic)
	fb.StaticThreshold = 0.7
	cfg := configFor(KindMAD)
	cfg.Fallback = &fb
	d := newDetector(t, cfg)

	if d.Fallback() == nil || d.Fallback().Kind() != KindStatic {
		t.Fatal("expected a static fallback")
	}
	if !d.IsOverloadedAt(newHost(t), 0.75) {
		t.Error("expected configured fallback threshold 0.7 to be used")
	}
}

func TestHistory_RecordedOncePerTime(t *testing.T) {
	clock := &fakeClock{now: 300}
	d, err := New(DefaultConfig(), clock, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := newHost(t)
	placeVM(t, h, 1, 1)

	d.IsOverloaded(h)
	d.IsOverloaded(h)
	clock.now = 600
	d.IsOverloaded(h)

	history := d.History(h.ID)
	if len(history) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(history))
	}
	if !almostEqual(history[0].Utilization, 0.5) || !almostEqual(history[0].Threshold, 0.9) {
		t.Errorf("Unexpected sample: %+v", history[0])
	}
}

func TestCountNonZeroBeginning(t *testing.T) {
	tests := []struct {
		data []float64
		want int
	}{
		{nil, 0},
		{[]float64{0, 0}, 0},
		{[]float64{1, 0, 0}, 1},
		{[]float64{1, 0, 2, 0}, 3},
		{[]float64{1, 2, 3}, 3},
	}
	for _, tt := range tests {
		if got := countNonZeroBeginning(tt.data); got != tt.want {
			t.Errorf("countNonZeroBeginning(%v) = %d, want %d", tt.data, got, tt.want)
		}
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("Expected 2, got %f", got)
	}
	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("Expected 2.5, got %f", got)
	}
}

func TestFallback_Logged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d, err := New(configFor(KindMAD), &fakeClock{}, zap.New(core))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := withHistory(t, 0.3, 0.4, 0.5)

	d.IsOverloadedAt(h, 0.5)

	entries := logs.FilterMessage("Using fallback detector").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 fallback log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["host"] != "host-1" || fields["fallback"] != string(KindStatic) {
		t.Errorf("Unexpected fields: %v", fields)
	}
}
