package registry

import (
	"context"
	"time"
)

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthCheck is a named dependency probe run by Health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthOutput is the result of Health.
type HealthOutput struct {
	Status     string          `json:"status"`
	Clients    int             `json:"clients"`
	MaxClients uint64          `json:"maxClients"`
	Checks     map[string]bool `json:"checks"`
	Timestamp  string          `json:"timestamp"`
}

// Health reports the registry occupancy together with the result of each
// check. The status is unhealthy when any check fails or when no identity is
// left to allocate.
func (r *Registry) Health(ctx context.Context, checks ...HealthCheck) *HealthOutput {
	n := r.Len()
	out := &HealthOutput{
		Status:     HealthStatusHealthy,
		Clients:    n,
		MaxClients: r.config.MaxClients,
		Checks:     make(map[string]bool, len(checks)+1),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	out.Checks["identities"] = uint64(n) < r.config.MaxClients
	for _, c := range checks {
		out.Checks[c.Name] = c.Check(ctx) == nil
	}
	for _, ok := range out.Checks {
		if !ok {
			out.Status = HealthStatusUnhealthy
			break
		}
	}
	return out
}
