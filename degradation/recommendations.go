package degradation

import "fmt"

// recommendations generates operator guidance from the current mode and
// per-service statuses. Pure, no side effects.
func recommendations(mode Mode, services []serviceSnapshot) []string {
	var recs []string

	switch mode {
	case ModeEmergency:
		recs = append(recs,
			"a critical service is unhealthy: route traffic to fallbacks and page the on-call operator",
			"suspend non-essential background processing until the critical path recovers",
		)
	case ModeMinimal:
		recs = append(recs,
			"run essential workloads only; defer batch and analytical jobs",
			"verify dependency connectivity for degraded critical services",
		)
	case ModePartial:
		recs = append(recs,
			"some services are running on fallbacks; expect reduced data freshness",
		)
	case ModeNormal:
		if len(services) == 0 {
			recs = append(recs, "no services registered for health monitoring")
		}
	}

	for _, s := range services {
		switch s.status {
		case StatusUnhealthy:
			recs = append(recs, fmt.Sprintf("service %q is unhealthy: check its dependencies and recent error logs", s.name))
		case StatusDegraded:
			recs = append(recs, fmt.Sprintf("service %q is degraded: monitor for recovery or escalation", s.name))
		case StatusUnknown:
			recs = append(recs, fmt.Sprintf("service %q has no health signal: register a health check or circuit breaker", s.name))
		}
	}

	return recs
}
