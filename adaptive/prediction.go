package adaptive

import "time"

// predictionWindow bounds how many recent points feed the regression
const predictionWindow = 20

// confidenceSaturation is the history depth at which prediction
// confidence reaches 1.0
const confidenceSaturation = 50

// predictDemand extrapolates a component's usage history across the
// prediction horizon using a least-squares linear trend per dimension.
func predictDemand(component string, history []usagePoint, horizon, cycleInterval time.Duration, now time.Time) ResourceDemand {
	steps := 1.0
	if cycleInterval > 0 {
		steps = float64(horizon) / float64(cycleInterval)
		if steps < 1 {
			steps = 1
		}
	}

	confidence := float64(len(history)) / confidenceSaturation
	if confidence > 1 {
		confidence = 1
	}

	window := history
	if len(window) > predictionWindow {
		window = window[len(window)-predictionWindow:]
	}

	return ResourceDemand{
		Component:            component,
		PredictedCPUPercent:  extrapolate(window, steps, func(u ComponentUsage) float64 { return u.CPUPercent }),
		PredictedMemoryMB:    extrapolate(window, steps, func(u ComponentUsage) float64 { return u.MemoryMB }),
		PredictedDiskIOPS:    extrapolate(window, steps, func(u ComponentUsage) float64 { return u.DiskIOPS }),
		PredictedNetworkMBps: extrapolate(window, steps, func(u ComponentUsage) float64 { return u.NetworkMBps }),
		Confidence:           confidence,
		Horizon:              horizon,
		ComputedAt:           now,
	}
}

// extrapolate fits y = a + b*x over the window indices and evaluates the
// line `steps` cycles past the last observation. Negative extrapolations
// floor at zero.
func extrapolate(window []usagePoint, steps float64, value func(ComponentUsage) float64) float64 {
	n := float64(len(window))
	if n == 0 {
		return 0
	}
	last := value(window[len(window)-1].usage)
	if n < 2 {
		return last
	}

	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, p := range window {
		x := float64(i)
		y := value(p.usage)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return last
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	predicted := intercept + slope*(n-1+steps)
	if predicted < 0 {
		return 0
	}
	return predicted
}
