package adaptive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPressure struct{ pressure bool }

func (s stubPressure) UnderPressure() bool { return s.pressure }

func TestManager_RegisterComponent(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.RegisterComponent("blockfetcher", 1, nil))
	assert.Error(t, m.RegisterComponent("blockfetcher", 1, nil), "duplicate registration must fail")
	assert.Error(t, m.RegisterComponent("", 1, nil))

	q, ok := m.GetQuota("blockfetcher")
	require.True(t, ok)
	assert.Equal(t, 1, q.Priority)
	// Priority 1 gets the widest ceilings (weight 5)
	assert.InDelta(t, 100.0, q.CPUPercent.Max, 1e-9)
	assert.InDelta(t, 2560.0, q.MemoryMB.Max, 1e-9)
	assert.InDelta(t, 10.0, q.CPUPercent.Current, 1e-9)
	assert.Equal(t, 1.0, q.AdjustmentFactor)

	_, ok = m.GetQuota("unknown")
	assert.False(t, ok)
}

func TestManager_SetQuotaValidation(t *testing.T) {
	m := NewManager()

	bad := ResourceQuota{
		Component:  "c",
		CPUPercent: Allocation{Min: 10, Current: 5, Max: 20}, // current < min
	}
	assert.Error(t, m.SetQuota(bad))
	assert.Error(t, m.SetQuota(ResourceQuota{}))

	good := ResourceQuota{
		Component:   "c",
		Priority:    2,
		CPUPercent:  Allocation{Min: 5, Current: 10, Max: 40},
		MemoryMB:    Allocation{Min: 64, Current: 128, Max: 1024},
		DiskIOPS:    Allocation{Min: 10, Current: 50, Max: 500},
		NetworkMBps: Allocation{Min: 1, Current: 5, Max: 50},
	}
	require.NoError(t, m.SetQuota(good))

	q, ok := m.GetQuota("c")
	require.True(t, ok)
	assert.InDelta(t, 10.0, q.CPUPercent.Current, 1e-9)
}

func TestManager_CycleBoundsPerCycleChange(t *testing.T) {
	m := NewManager() // balanced strategy
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("worker", 3, nil))

	// Steeply rising CPU usage: demand far exceeds the current allocation
	for i := 0; i < 10; i++ {
		m.RecordUsage("worker", ComponentUsage{CPUPercent: 20 + float64(i)*2, MemoryMB: 200})
	}

	before, _ := m.GetQuota("worker")
	m.RunCycle(ctx)
	after, ok := m.GetQuota("worker")
	require.True(t, ok)

	oldCPU := before.CPUPercent.Current
	newCPU := after.CPUPercent.Current
	assert.Greater(t, newCPU, oldCPU)
	relChange := (newCPU - oldCPU) / oldCPU
	assert.LessOrEqual(t, relChange, defaultMaxAdjustmentPerCycle+1e-9,
		"a single cycle must never move an allocation more than the cap")

	decisions := m.GetAllocationHistory("worker")
	require.NotEmpty(t, decisions)
	for _, d := range decisions {
		assert.Equal(t, "worker", d.Component)
		assert.NotEmpty(t, d.Rationale)
		assert.Greater(t, d.Confidence, 0.0)
	}
}

func TestManager_ChurnSuppression(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("steady", 3, nil))

	// Flat usage whose buffered target lands within 5% of the current
	// allocation: cpu 7.7*1.3 = 10.01 vs 10, mem 185*1.4 = 259 vs 256
	for i := 0; i < 8; i++ {
		m.RecordUsage("steady", ComponentUsage{CPUPercent: 7.7, MemoryMB: 185})
	}

	before, _ := m.GetQuota("steady")
	m.RunCycle(ctx)
	after, _ := m.GetQuota("steady")

	assert.Equal(t, before.CPUPercent.Current, after.CPUPercent.Current)
	assert.Equal(t, before.MemoryMB.Current, after.MemoryMB.Current)
	assert.Empty(t, m.GetAllocationHistory("steady"),
		"targets within the churn threshold must not produce decisions")
}

func TestManager_NoPredictionWithoutHistory(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("new", 3, nil))

	// Fewer samples than the minimum: no demand, no decisions
	for i := 0; i < minHistoryPoints-1; i++ {
		m.RecordUsage("new", ComponentUsage{CPUPercent: 50})
	}
	m.RunCycle(ctx)

	_, ok := m.GetDemandPrediction("new")
	assert.False(t, ok)
	assert.Empty(t, m.GetAllocationHistory("new"))
}

func TestManager_UsageFuncFeedsHistory(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	samples := 0
	usage := func(ctx context.Context) (ComponentUsage, error) {
		samples++
		return ComponentUsage{CPUPercent: 30, MemoryMB: 300}, nil
	}
	require.NoError(t, m.RegisterComponent("sampled", 2, usage))

	for i := 0; i < minHistoryPoints; i++ {
		m.RunCycle(ctx)
	}

	assert.Equal(t, minHistoryPoints, samples)
	d, ok := m.GetDemandPrediction("sampled")
	require.True(t, ok)
	assert.InDelta(t, 30.0, d.PredictedCPUPercent, 1e-6)
}

func TestManager_ComponentFailureIsIsolated(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("broken", 3, func(ctx context.Context) (ComponentUsage, error) {
		return ComponentUsage{}, errors.New("meter offline")
	}))
	require.NoError(t, m.RegisterComponent("panicky", 3, func(ctx context.Context) (ComponentUsage, error) {
		panic("bad sampler")
	}))
	healthySamples := 0
	require.NoError(t, m.RegisterComponent("healthy", 3, func(ctx context.Context) (ComponentUsage, error) {
		healthySamples++
		return ComponentUsage{CPUPercent: 10}, nil
	}))

	assert.NotPanics(t, func() {
		for i := 0; i < 3; i++ {
			m.RunCycle(ctx)
		}
	})
	assert.Equal(t, 3, healthySamples, "one component's failure must not starve the others")
}

func TestManager_AdaptiveStrategySqueezesUnderPressure(t *testing.T) {
	pressure := &stubPressure{pressure: true}
	m := NewManager(WithStrategy(StrategyAdaptive), WithPressureSource(pressure))
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("lowpri", 4, nil))
	for i := 0; i < 10; i++ {
		m.RecordUsage("lowpri", ComponentUsage{CPUPercent: 40, MemoryMB: 400})
	}

	m.RunCycle(ctx)

	// Under pressure a priority >= 3 component gets the floor buffer 1.1x:
	// cpu target 44, bounded to 10 * 1.3 = 13 this cycle
	decisions := m.GetAllocationHistory("lowpri")
	require.NotEmpty(t, decisions)
	q, _ := m.GetQuota("lowpri")
	assert.InDelta(t, 13.0, q.CPUPercent.Current, 1e-9)
}

func TestStrategyBuffers(t *testing.T) {
	assert.Equal(t, 1.2, StrategyConservative.cpuBuffer(3, false))
	assert.Equal(t, 1.3, StrategyBalanced.cpuBuffer(3, false))
	assert.Equal(t, 1.5, StrategyAggressive.cpuBuffer(3, false))

	assert.Equal(t, 1.3, StrategyConservative.memBuffer(3, false))
	assert.Equal(t, 1.4, StrategyBalanced.memBuffer(3, false))
	assert.Equal(t, 1.6, StrategyAggressive.memBuffer(3, false))

	// Adaptive: generous when idle, squeezed for low priority under pressure
	assert.Equal(t, 1.5, StrategyAdaptive.cpuBuffer(3, false))
	assert.Equal(t, 1.1, StrategyAdaptive.cpuBuffer(3, true))
	assert.Equal(t, 1.3, StrategyAdaptive.cpuBuffer(1, true))
	assert.Equal(t, 1.6, StrategyAdaptive.memBuffer(2, false))
	assert.Equal(t, 1.1, StrategyAdaptive.memBuffer(5, true))
	assert.Equal(t, 1.4, StrategyAdaptive.memBuffer(2, true))

	assert.True(t, StrategyAdaptive.Valid())
	assert.False(t, Strategy("TURBO").Valid())
}

func TestManager_DecisionHistoryFilterAndOrder(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.RegisterComponent("a", 3, nil))
	require.NoError(t, m.RegisterComponent("b", 3, nil))
	for i := 0; i < 10; i++ {
		m.RecordUsage("a", ComponentUsage{CPUPercent: 30 + float64(i), MemoryMB: 400})
		m.RecordUsage("b", ComponentUsage{CPUPercent: 30 + float64(i), MemoryMB: 400})
	}
	m.RunCycle(ctx)

	all := m.GetAllocationHistory("")
	onlyA := m.GetAllocationHistory("a")
	require.NotEmpty(t, onlyA)
	assert.Greater(t, len(all), len(onlyA))
	for _, d := range onlyA {
		assert.Equal(t, "a", d.Component)
	}

	// Quota adjustment log mirrors the decisions
	q, _ := m.GetQuota("a")
	assert.Len(t, q.Adjustments, len(onlyA))
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(WithCycleInterval(10 * time.Millisecond))
	ctx := context.Background()

	calls := 0
	require.NoError(t, m.RegisterComponent("c", 3, func(ctx context.Context) (ComponentUsage, error) {
		calls++
		return ComponentUsage{CPUPercent: 1}, nil
	}))

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.histories["c"]) > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestManager_StopDuringCycleHaltsLoop(t *testing.T) {
	m := NewManager(WithCycleInterval(5 * time.Millisecond))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls atomic.Int64

	require.NoError(t, m.RegisterComponent("c", 3, func(ctx context.Context) (ComponentUsage, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		calls.Add(1)
		return ComponentUsage{CPUPercent: 1}, nil
	}))
	require.NoError(t, m.Start(context.Background()))

	<-entered // a cycle is in flight
	m.Stop()
	close(release)

	time.Sleep(30 * time.Millisecond)
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "loop must honor a stop issued mid-cycle")

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}
