package app

import (
	"context"
	"time"
)

const probeTimeout = 2 * time.Second

// HealthProbe reports the reachability of one backend.
type HealthProbe interface {
	Name() string
	Healthy(ctx context.Context) error
}

// HealthStatus is the aggregate readiness report.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
}

// CheckHealth probes every backend with a bounded timeout and aggregates the
// results. The report is healthy only if every probe passes.
func CheckHealth(ctx context.Context, probes ...HealthProbe) HealthStatus {
	status := HealthStatus{
		Healthy:    true,
		Components: make(map[string]string, len(probes)),
	}
	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Healthy(probeCtx)
		cancel()
		if err != nil {
			status.Healthy = false
			status.Components[p.Name()] = err.Error()
			continue
		}
		status.Components[p.Name()] = "ok"
	}
	return status
}
