package adaptive

// Strategy selects how aggressively predicted demand is padded into an
// allocation target.
type Strategy string

const (
	StrategyConservative Strategy = "CONSERVATIVE"
	StrategyBalanced     Strategy = "BALANCED"
	StrategyAggressive   Strategy = "AGGRESSIVE"
	StrategyAdaptive     Strategy = "ADAPTIVE"
)

// Fixed buffer factors per strategy. Tunable constants.
const (
	cpuBufferConservative = 1.2
	cpuBufferBalanced     = 1.3
	cpuBufferAggressive   = 1.5

	memBufferConservative = 1.3
	memBufferBalanced     = 1.4
	memBufferAggressive   = 1.6

	// adaptiveFloor is the squeezed buffer applied to low-priority
	// components while the system is under pressure
	adaptiveFloor = 1.1

	// lowPriorityCutoff separates components squeezed under pressure
	// (priority >= cutoff) from those that keep their headroom
	lowPriorityCutoff = 3
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyConservative, StrategyBalanced, StrategyAggressive, StrategyAdaptive:
		return true
	}
	return false
}

// cpuBuffer returns the CPU buffer factor for a component under the
// strategy. The adaptive strategy shrinks the buffer for low-priority
// components when the system is under pressure and grows it otherwise.
func (s Strategy) cpuBuffer(priority int, underPressure bool) float64 {
	switch s {
	case StrategyConservative:
		return cpuBufferConservative
	case StrategyAggressive:
		return cpuBufferAggressive
	case StrategyAdaptive:
		if underPressure {
			if priority >= lowPriorityCutoff {
				return adaptiveFloor
			}
			return cpuBufferBalanced
		}
		return cpuBufferAggressive
	default:
		return cpuBufferBalanced
	}
}

// memBuffer returns the memory buffer factor, same rules as cpuBuffer.
func (s Strategy) memBuffer(priority int, underPressure bool) float64 {
	switch s {
	case StrategyConservative:
		return memBufferConservative
	case StrategyAggressive:
		return memBufferAggressive
	case StrategyAdaptive:
		if underPressure {
			if priority >= lowPriorityCutoff {
				return adaptiveFloor
			}
			return memBufferBalanced
		}
		return memBufferAggressive
	default:
		return memBufferBalanced
	}
}
