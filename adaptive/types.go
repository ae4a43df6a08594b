// Package adaptive predicts per-component resource demand from usage
// history and computes bounded quota adjustments under a pluggable
// allocation strategy.
package adaptive

import (
	"context"
	"time"
)

// Allocation is a min/current/max budget for one resource dimension
type Allocation struct {
	Min     float64 `json:"min"`
	Current float64 `json:"current"`
	Max     float64 `json:"max"`
}

func (a Allocation) clamp(v float64) float64 {
	if v < a.Min {
		return a.Min
	}
	if v > a.Max {
		return a.Max
	}
	return v
}

// QuotaAdjustment records one applied change to a quota dimension
type QuotaAdjustment struct {
	Timestamp time.Time `json:"timestamp"`
	Resource  string    `json:"resource"`
	From      float64   `json:"from"`
	To        float64   `json:"to"`
}

// ResourceQuota is the current allowed budget for one managed component.
// Mutated only by the adaptive manager.
type ResourceQuota struct {
	Component   string     `json:"component"`
	Priority    int        `json:"priority"` // 1 = critical ... 5 = optional
	CPUPercent  Allocation `json:"cpu_percent"`
	MemoryMB    Allocation `json:"memory_mb"`
	DiskIOPS    Allocation `json:"disk_iops"`
	NetworkMBps Allocation `json:"network_mbps"`

	AdjustmentFactor float64           `json:"adjustment_factor"`
	Adjustments      []QuotaAdjustment `json:"adjustments"`
}

// ComponentUsage is one observed usage sample for a component
type ComponentUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	DiskIOPS    float64 `json:"disk_iops"`
	NetworkMBps float64 `json:"network_mbps"`
}

// UsageFunc reports a component's current resource usage
type UsageFunc func(ctx context.Context) (ComponentUsage, error)

// ResourceDemand is a trend-extrapolated forecast of a component's
// near-future need. Recomputed every cycle; the previous value is
// overwritten.
type ResourceDemand struct {
	Component            string        `json:"component"`
	PredictedCPUPercent  float64       `json:"predicted_cpu_percent"`
	PredictedMemoryMB    float64       `json:"predicted_memory_mb"`
	PredictedDiskIOPS    float64       `json:"predicted_disk_iops"`
	PredictedNetworkMBps float64       `json:"predicted_network_mbps"`
	Confidence           float64       `json:"confidence"` // 0-1, grows with history depth
	Horizon              time.Duration `json:"horizon"`
	ComputedAt           time.Time     `json:"computed_at"`
}

// AllocationDecision is a bounded, rationale-carrying change to a quota.
// Immutable once created.
type AllocationDecision struct {
	Component        string    `json:"component"`
	Resource         string    `json:"resource"`
	OldValue         float64   `json:"old_value"`
	NewValue         float64   `json:"new_value"`
	AdjustmentFactor float64   `json:"adjustment_factor"`
	Rationale        string    `json:"rationale"`
	Confidence       float64   `json:"confidence"`
	Timestamp        time.Time `json:"timestamp"`
}

// usagePoint is one entry in a component's bounded usage history
type usagePoint struct {
	timestamp time.Time
	usage     ComponentUsage
}

// PressureSource reports system-wide resource pressure. Satisfied by
// monitoring.Monitor.
type PressureSource interface {
	UnderPressure() bool
}
