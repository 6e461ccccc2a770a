package simulation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/capacity"
	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/detector"
	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
	"github.com/limiquantix/consolidation/internal/repository/memory"
	"github.com/limiquantix/consolidation/internal/scheduler"
	"github.com/limiquantix/consolidation/internal/selection"
)

// testConfig describes hosts with 2 PEs of 1000 MIPS drawing 100-250 W and
// one-PE VMs of 1000 MIPS, all at a constant utilization.
func testConfig(hosts, vms int, utilization float64) *config.Config {
	return &config.Config{
		Capacity: capacity.DefaultConfig(),
		Simulation: config.SimulationConfig{
			Duration:           900,
			SchedulingInterval: 300,
			HistorySize:        10,
			Seed:               1,
			Workload: config.WorkloadConfig{
				Kind:    config.WorkloadConstant,
				Initial: utilization,
			},
		},
		Datacenter: config.DatacenterConfig{
			Name: "dc-test",
			Hosts: []config.HostGroup{{
				Name: "host", Count: hosts, Pes: 2, PeMips: 1000,
				RAM: 16384, BW: 10000, MaxPower: 250, StaticPower: 100,
			}},
			VMs: []config.VMGroup{{
				Name: "vm", Count: vms, Pes: 1, Mips: 1000, RAM: 1024, BW: 100,
			}},
		},
	}
}

func newSimulation(t *testing.T, cfg *config.Config, cycles CycleRunner) (*Simulation, *datacenter.Datacenter) {
	t.Helper()
	dc, err := BuildDatacenter(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildDatacenter failed: %v", err)
	}
	sim, err := New(cfg.Simulation, dc, nil, cycles, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return sim, dc
}

func mustHost(t *testing.T, dc *datacenter.Datacenter, name string) *datacenter.Host {
	t.Helper()
	h, err := dc.Host(name)
	if err != nil {
		t.Fatalf("host %s: %v", name, err)
	}
	return h
}

func mustVM(t *testing.T, dc *datacenter.Datacenter, name string) *datacenter.VM {
	t.Helper()
	for _, vm := range dc.VMs() {
		if vm.Name == name {
			return vm
		}
	}
	t.Fatalf("vm %s not found", name)
	return nil
}

// MockCycleRunner counts cycles and returns a fixed error.
type MockCycleRunner struct {
	calls int
	err   error
}

func (m *MockCycleRunner) RunCycle(ctx context.Context) (*drs.CycleReport, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &drs.CycleReport{}, nil
}

// =============================================================================
// Tests
// =============================================================================

func TestBuildDatacenter(t *testing.T) {
	_, dc := newSimulation(t, testConfig(2, 3, 0.5), nil)

	if got := len(dc.Hosts()); got != 2 {
		t.Fatalf("Expected 2 hosts, got %d", got)
	}
	vms := dc.VMs()
	if len(vms) != 3 {
		t.Fatalf("Expected 3 VMs, got %d", len(vms))
	}
	for _, vm := range vms {
		if vm.Host() == nil {
			t.Errorf("%s was not placed", vm.Name)
		}
		if vm.Utilization() != 0.5 {
			t.Errorf("%s: expected initial utilization 0.5, got %v", vm.Name, vm.Utilization())
		}
	}
	if len(mustHost(t, dc, "host-0").VMs()) == 0 {
		t.Error("first-fit placement should fill host-0 first")
	}
}

func TestBuildDatacenter_DoesNotFit(t *testing.T) {
	cfg := testConfig(1, 1, 0.5)
	cfg.Datacenter.VMs[0].RAM = 32768
	if _, err := BuildDatacenter(cfg, zap.NewNop()); !errors.Is(err, domain.ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestNew_InvalidWorkload(t *testing.T) {
	cfg := testConfig(1, 0, 0.5)
	cfg.Simulation.Workload.Kind = "sine"
	if _, err := New(cfg.Simulation, datacenter.New("dc"), nil, nil, zap.NewNop()); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestWorkload(t *testing.T) {
	if got := ConstantWorkload(1.5).Next(0.2); got != 1 {
		t.Errorf("constant workload should clamp to 1, got %v", got)
	}

	a := NewRandomWalk(0.2, 7)
	b := NewRandomWalk(0.2, 7)
	ua, ub := 0.5, 0.5
	for i := 0; i < 200; i++ {
		ua, ub = a.Next(ua), b.Next(ub)
		if ua != ub {
			t.Fatalf("step %d: walks with the same seed diverged: %v != %v", i, ua, ub)
		}
		if ua < 0 || ua > 1 || math.IsNaN(ua) {
			t.Fatalf("step %d: utilization %v outside [0, 1]", i, ua)
		}
	}

	if got := NewRandomWalk(0, 1).Next(0.3); got != 0.3 {
		t.Errorf("a walk without variance should stay put, got %v", got)
	}
}

func TestStep_EnergyAndHistory(t *testing.T) {
	sim, dc := newSimulation(t, testConfig(2, 2, 0.5), nil)
	if err := sim.Step(context.Background()); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	busy := mustHost(t, dc, "host-0")
	idle := mustHost(t, dc, "host-1")
	if got := busy.CPUUtilization(); got != 0.5 {
		t.Errorf("Expected utilization 0.5, got %v", got)
	}
	if got := busy.History().Len(); got != 1 {
		t.Errorf("Expected 1 history sample, got %d", got)
	}
	if idle.IsActive() {
		t.Error("an empty host should be switched off")
	}

	summary := sim.Summary()
	// 175 W for 300 s on the busy host, nothing on the idle one.
	if summary.Energy != 52500 {
		t.Errorf("Expected 52500 Ws, got %v", summary.Energy)
	}
	if summary.ActiveHosts != 1 || summary.Steps != 1 || summary.Time != 300 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestApplyRecommendation(t *testing.T) {
	ctx := context.Background()
	sim, dc := newSimulation(t, testConfig(2, 1, 0.5), nil)
	source := mustHost(t, dc, "host-0")
	target := mustHost(t, dc, "host-1")
	vm := mustVM(t, dc, "vm-0")

	rec := &domain.MigrationRecommendation{VMID: vm.ID, SourceHostID: source.ID, TargetHostID: target.ID}
	if err := sim.ApplyRecommendation(ctx, rec); err != nil {
		t.Fatalf("ApplyRecommendation failed: %v", err)
	}
	if !target.IsMigratingIn(vm.ID) || !source.IsMigratingOut(vm.ID) {
		t.Fatal("expected the VM to be migrating between the hosts")
	}
	if sim.InFlight() != 1 {
		t.Errorf("Expected 1 migration in flight, got %d", sim.InFlight())
	}

	if err := sim.ApplyRecommendation(ctx, rec); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict for a VM already migrating, got %v", err)
	}

	if err := sim.Step(ctx); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if vm.Host() != target || vm.IsInMigration() {
		t.Errorf("Expected %s resident on %s", vm.Name, target.Name)
	}
	if len(source.VMs()) != 0 || source.IsActive() {
		t.Error("the drained source should be empty and switched off")
	}
	summary := sim.Summary()
	if summary.MigrationsStarted != 1 || summary.MigrationsCompleted != 1 || sim.InFlight() != 0 {
		t.Errorf("Unexpected migration counts: %+v", summary)
	}
}

func TestApplyRecommendation_UnknownVM(t *testing.T) {
	sim, dc := newSimulation(t, testConfig(2, 1, 0.5), nil)
	rec := &domain.MigrationRecommendation{
		VMID:         "missing",
		SourceHostID: mustHost(t, dc, "host-0").ID,
		TargetHostID: mustHost(t, dc, "host-1").ID,
	}
	if err := sim.ApplyRecommendation(context.Background(), rec); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStep_CycleRunner(t *testing.T) {
	ctx := context.Background()
	runner := &MockCycleRunner{}
	sim, _ := newSimulation(t, testConfig(1, 1, 0.5), runner)

	if err := sim.Step(ctx); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	runner.err = drs.ErrNotLeader
	if err := sim.Step(ctx); err != nil {
		t.Errorf("a follower should step without error, got %v", err)
	}
	if got := sim.Summary().Cycles; got != 1 {
		t.Errorf("Expected 1 completed cycle, got %d", got)
	}

	runner.err = errors.New("boom")
	if err := sim.Step(ctx); err == nil {
		t.Error("expected the cycle error to be returned")
	}
	if runner.calls != 3 {
		t.Errorf("Expected 3 cycle calls, got %d", runner.calls)
	}
}

func TestRun(t *testing.T) {
	sim, _ := newSimulation(t, testConfig(1, 1, 0.5), nil)
	summary, err := sim.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Steps != 3 || !sim.Done() {
		t.Errorf("Expected 3 steps to cover 900 s, got %d", summary.Steps)
	}
	if summary.EnergyKWh() <= 0 {
		t.Error("expected energy to be consumed")
	}
}

func TestRun_Cancelled(t *testing.T) {
	sim, _ := newSimulation(t, testConfig(1, 1, 0.5), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRunEvery(t *testing.T) {
	sim, _ := newSimulation(t, testConfig(1, 1, 0.5), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, err := sim.RunEvery(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("RunEvery failed: %v", err)
	}
	if summary.Steps != 3 {
		t.Errorf("Expected 3 steps, got %d", summary.Steps)
	}
}

// TestOverloadReliefEndToEnd runs the engine with full automation against
// a host at 95% and checks that one VM moves to the switched-off host.
func TestOverloadReliefEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(2, 2, 0.95)
	sim, dc := newSimulation(t, cfg, nil)

	det, err := detector.New(detector.Config{
		Kind:            detector.KindStatic,
		StaticThreshold: detector.DefaultStaticThreshold,
		UnderThreshold:  detector.DefaultUnderThreshold,
	}, sim.Clock(), zap.NewNop())
	if err != nil {
		t.Fatalf("detector.New failed: %v", err)
	}
	sched, err := scheduler.New(dc, det, scheduler.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("scheduler.New failed: %v", err)
	}
	planner := drs.NewPlanner(dc, det, sched, selection.MinimumUtilizationPolicy{}, drs.Monitor{}, zap.NewNop())
	engine := drs.NewEngine(config.DRSConfig{Enabled: true, AutomationLevel: config.AutomationFull},
		dc, planner, memory.NewRecommendationRepository(), nil, drs.Monitor{}, zap.NewNop())
	engine.SetApplier(sim)
	engine.SetClock(sim.Clock())
	sim.SetCycleRunner(engine)

	if err := sim.Step(ctx); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := sim.Summary().MigrationsStarted; got != 1 {
		t.Fatalf("Expected 1 migration started, got %d", got)
	}
	target := mustHost(t, dc, "host-1")
	if !target.IsActive() {
		t.Error("the destination should be switched on")
	}

	if err := sim.Step(ctx); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := sim.Summary().MigrationsCompleted; got != 1 {
		t.Errorf("Expected 1 migration completed, got %d", got)
	}
	if got := mustVM(t, dc, "vm-0").Host(); got != target {
		t.Errorf("Expected vm-0 on host-1, got %v", got)
	}
	if got := mustHost(t, dc, "host-0").CPUUtilization(); got != 0.475 {
		t.Errorf("Expected host-0 at 0.475, got %v", got)
	}
}
