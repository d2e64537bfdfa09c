package supervisor

import "context"

// Status is a lifecycle state as tracked by the manager (or self-reported by a service).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
	// StatusUnhealthy only ever appears in a service's own health report.
	StatusUnhealthy Status = "unhealthy"
)

// Reported maps a tracked status onto the health contract, which has no idle state.
func (s Status) Reported() Status {
	if s == StatusIdle {
		return StatusStopped
	}
	return s
}

// Health is what a health check returns.
type Health struct {
	Status  Status         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// Service is a named unit the manager supervises.
//
// Start is the startup call for a persistent service and the whole execution
// for a scheduled one. All three calls must honour ctx cancellation.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) (Health, error)
}

// Waiter is implemented by persistent services that can exit on their own.
// Wait blocks until the service exits: nil for a clean exit, an error for a failure.
// It must return promptly once ctx is cancelled.
//
// Services without Wait are considered running until stopped.
type Waiter interface {
	Wait(ctx context.Context) error
}
