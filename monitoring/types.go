// Package monitoring provides host and process resource monitoring with
// bounded history, threshold alerting and trend analysis. It feeds the
// pressure signal consumed by the adaptive resource manager.
package monitoring

import (
	"time"
)

// AlertLevel represents the severity of a resource alert
type AlertLevel string

const (
	AlertWarning   AlertLevel = "WARNING"
	AlertCritical  AlertLevel = "CRITICAL"
	AlertEmergency AlertLevel = "EMERGENCY"
)

// ResourceMetrics is a single immutable snapshot of host and process
// telemetry. One snapshot is produced per sampling interval.
type ResourceMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	// CPU
	CPUPercent    float64   `json:"cpu_percent"`
	PerCPUPercent []float64 `json:"per_cpu_percent"`
	Load1         float64   `json:"load_1"`
	Load5         float64   `json:"load_5"`
	Load15        float64   `json:"load_15"`

	// Memory
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`
	SwapPercent       float64 `json:"swap_percent"`

	// Disk
	DiskPercent    float64 `json:"disk_percent"`
	DiskUsedGB     float64 `json:"disk_used_gb"`
	DiskTotalGB    float64 `json:"disk_total_gb"`
	DiskReadRate   float64 `json:"disk_read_rate"`  // bytes/s
	DiskWriteRate  float64 `json:"disk_write_rate"` // bytes/s
	DiskReadCount  uint64  `json:"disk_read_count"`
	DiskWriteCount uint64  `json:"disk_write_count"`

	// Network
	NetBytesSent   uint64  `json:"net_bytes_sent"`
	NetBytesRecv   uint64  `json:"net_bytes_recv"`
	NetSendRate    float64 `json:"net_send_rate"` // bytes/s
	NetRecvRate    float64 `json:"net_recv_rate"` // bytes/s
	NetPacketsSent uint64  `json:"net_packets_sent"`
	NetPacketsRecv uint64  `json:"net_packets_recv"`

	// Process
	ProcessCPUPercent float64 `json:"process_cpu_percent"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
	ProcessThreads    int32   `json:"process_threads"`
	ProcessFDs        int32   `json:"process_fds"`

	// Runtime
	GoroutineCount int     `json:"goroutine_count"`
	HeapAllocMB    float64 `json:"heap_alloc_mb"`
	HeapObjects    uint64  `json:"heap_objects"`
	GCPauseMs      float64 `json:"gc_pause_ms"`
	NumGC          uint32  `json:"num_gc"`
}

// ResourceThreshold defines warning, critical and emergency levels for one
// monitored metric. Static configuration, one entry per metric.
type ResourceThreshold struct {
	Resource          string        `json:"resource"`
	Metric            string        `json:"metric"`
	Warning           float64       `json:"warning"`
	Critical          float64       `json:"critical"`
	Emergency         float64       `json:"emergency"`
	MinBreachDuration time.Duration `json:"min_breach_duration"`
	Description       string        `json:"description"`
}

// DefaultThresholds returns the default threshold set for host monitoring
func DefaultThresholds() []ResourceThreshold {
	return []ResourceThreshold{
		{
			Resource:    "cpu",
			Metric:      "cpu_percent",
			Warning:     70.0,
			Critical:    85.0,
			Emergency:   95.0,
			Description: "host CPU utilization",
		},
		{
			Resource:    "memory",
			Metric:      "memory_percent",
			Warning:     75.0,
			Critical:    85.0,
			Emergency:   95.0,
			Description: "host memory utilization",
		},
		{
			Resource:    "memory",
			Metric:      "swap_percent",
			Warning:     30.0,
			Critical:    60.0,
			Emergency:   85.0,
			Description: "swap utilization",
		},
		{
			Resource:    "disk",
			Metric:      "disk_percent",
			Warning:     80.0,
			Critical:    90.0,
			Emergency:   95.0,
			Description: "disk space utilization",
		},
		{
			Resource:          "process",
			Metric:            "goroutine_count",
			Warning:           10000,
			Critical:          25000,
			Emergency:         50000,
			MinBreachDuration: 30 * time.Second,
			Description:       "goroutine count",
		},
	}
}

// ResourceAlert is created when a threshold is crossed and the cooldown
// window for that (metric, level) pair has elapsed. It is removed when the
// metric recovers below the warning threshold.
type ResourceAlert struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Level       AlertLevel `json:"level"`
	Resource    string     `json:"resource"`
	Metric      string     `json:"metric"`
	Value       float64    `json:"value"`
	Threshold   float64    `json:"threshold"`
	Description string     `json:"description"`
	Actions     []string   `json:"actions"`
}

// TrendStats summarizes one metric over a time window
type TrendStats struct {
	Current   float64 `json:"current"`
	Average   float64 `json:"average"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Direction string  `json:"direction"` // "increasing", "decreasing", "stable"
	Slope     float64 `json:"slope"`
	Samples   int     `json:"samples"`
}

// CleanupReport describes the effect of a forced cleanup pass
type CleanupReport struct {
	HeapObjectsBefore uint64        `json:"heap_objects_before"`
	HeapObjectsAfter  uint64        `json:"heap_objects_after"`
	HeapAllocBeforeMB float64       `json:"heap_alloc_before_mb"`
	HeapAllocAfterMB  float64       `json:"heap_alloc_after_mb"`
	Duration          time.Duration `json:"duration"`
}

// AlertCallback is invoked with every newly raised alert
type AlertCallback func(ResourceAlert)
