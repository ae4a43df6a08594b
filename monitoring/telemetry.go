package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// TelemetryProvider yields raw host and process telemetry. The monitor only
// requires Sample to be low-latency and occasionally fallible; on failure
// the previous snapshot is retained.
type TelemetryProvider interface {
	Sample(ctx context.Context) (*ResourceMetrics, error)
}

const bytesPerMB = 1024 * 1024

// SystemTelemetryProvider samples host telemetry via gopsutil. I/O and
// network rates are derived from counter deltas between samples.
type SystemTelemetryProvider struct {
	mu       sync.Mutex
	diskPath string
	proc     *process.Process

	lastSample    time.Time
	lastDiskRead  uint64
	lastDiskWrite uint64
	lastNetSent   uint64
	lastNetRecv   uint64
}

// NewSystemTelemetryProvider creates a provider sampling the current process
// and the filesystem mounted at diskPath (defaults to "/").
func NewSystemTelemetryProvider(diskPath string) (*SystemTelemetryProvider, error) {
	if diskPath == "" {
		diskPath = "/"
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemTelemetryProvider{
		diskPath: diskPath,
		proc:     proc,
	}, nil
}

// Sample collects one telemetry snapshot. Host subsystems are sampled in
// parallel; a failure in any one of them fails the whole sample so the
// caller can fall back to the previous snapshot.
func (p *SystemTelemetryProvider) Sample(ctx context.Context) (*ResourceMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	m := &ResourceMetrics{Timestamp: now}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		percents, err := cpu.PercentWithContext(gctx, 0, false)
		if err != nil {
			return err
		}
		if len(percents) > 0 {
			m.CPUPercent = percents[0]
		}
		perCPU, err := cpu.PercentWithContext(gctx, 0, true)
		if err != nil {
			return err
		}
		m.PerCPUPercent = perCPU

		if avg, err := load.AvgWithContext(gctx); err == nil {
			m.Load1 = avg.Load1
			m.Load5 = avg.Load5
			m.Load15 = avg.Load15
		}
		return nil
	})

	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(gctx)
		if err != nil {
			return err
		}
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsedMB = float64(vm.Used) / bytesPerMB
		m.MemoryTotalMB = float64(vm.Total) / bytesPerMB
		m.MemoryAvailableMB = float64(vm.Available) / bytesPerMB

		if swap, err := mem.SwapMemoryWithContext(gctx); err == nil {
			m.SwapPercent = swap.UsedPercent
		}
		return nil
	})

	g.Go(func() error {
		usage, err := disk.UsageWithContext(gctx, p.diskPath)
		if err != nil {
			return err
		}
		m.DiskPercent = usage.UsedPercent
		m.DiskUsedGB = float64(usage.Used) / (bytesPerMB * 1024)
		m.DiskTotalGB = float64(usage.Total) / (bytesPerMB * 1024)

		if counters, err := disk.IOCountersWithContext(gctx); err == nil {
			for _, c := range counters {
				m.DiskReadCount += c.ReadCount
				m.DiskWriteCount += c.WriteCount
			}
		}
		return nil
	})

	g.Go(func() error {
		counters, err := gopsnet.IOCountersWithContext(gctx, false)
		if err != nil {
			return err
		}
		if len(counters) > 0 {
			m.NetBytesSent = counters[0].BytesSent
			m.NetBytesRecv = counters[0].BytesRecv
			m.NetPacketsSent = counters[0].PacketsSent
			m.NetPacketsRecv = counters[0].PacketsRecv
		}
		return nil
	})

	g.Go(func() error {
		if cpuPct, err := p.proc.CPUPercentWithContext(gctx); err == nil {
			m.ProcessCPUPercent = cpuPct
		}
		if info, err := p.proc.MemoryInfoWithContext(gctx); err == nil && info != nil {
			m.ProcessMemoryMB = float64(info.RSS) / bytesPerMB
		}
		if threads, err := p.proc.NumThreadsWithContext(gctx); err == nil {
			m.ProcessThreads = threads
		}
		if fds, err := p.proc.NumFDsWithContext(gctx); err == nil {
			m.ProcessFDs = fds
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.fillRuntimeStats(m)
	p.fillRates(m, now)

	return m, nil
}

func (p *SystemTelemetryProvider) fillRuntimeStats(m *ResourceMetrics) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.GoroutineCount = runtime.NumGoroutine()
	m.HeapAllocMB = float64(ms.HeapAlloc) / bytesPerMB
	m.HeapObjects = ms.HeapObjects
	m.NumGC = ms.NumGC
	if ms.NumGC > 0 {
		m.GCPauseMs = float64(ms.PauseNs[(ms.NumGC+255)%256]) / float64(time.Millisecond)
	}
}

// fillRates derives per-second rates from counter deltas. The first sample
// has no previous counters and reports zero rates.
func (p *SystemTelemetryProvider) fillRates(m *ResourceMetrics, now time.Time) {
	if !p.lastSample.IsZero() {
		elapsed := now.Sub(p.lastSample).Seconds()
		if elapsed > 0 {
			m.DiskReadRate = counterRate(m.DiskReadCount, p.lastDiskRead, elapsed)
			m.DiskWriteRate = counterRate(m.DiskWriteCount, p.lastDiskWrite, elapsed)
			m.NetSendRate = counterRate(m.NetBytesSent, p.lastNetSent, elapsed)
			m.NetRecvRate = counterRate(m.NetBytesRecv, p.lastNetRecv, elapsed)
		}
	}

	p.lastSample = now
	p.lastDiskRead = m.DiskReadCount
	p.lastDiskWrite = m.DiskWriteCount
	p.lastNetSent = m.NetBytesSent
	p.lastNetRecv = m.NetBytesRecv
}

func counterRate(current, previous uint64, elapsed float64) float64 {
	if current < previous {
		// Counter reset
		return 0
	}
	return float64(current-previous) / elapsed
}
