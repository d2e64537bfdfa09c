package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// RestartPolicy governs whether a persistent service is relaunched after its run ends.
type RestartPolicy string

const (
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartNo            RestartPolicy = "no"
)

// ParseRestartPolicy accepts the canonical names; empty means on-failure.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RestartOnFailure, nil
	case RestartAlways, RestartUnlessStopped, RestartOnFailure, RestartNo:
		return p, nil
	case "unless_stopped":
		return RestartUnlessStopped, nil
	case "on_failure":
		return RestartOnFailure, nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

// OverlapPolicy governs a schedule tick that fires while an execution is still in flight.
type OverlapPolicy string

const (
	OverlapSkip              OverlapPolicy = "skip"
	OverlapQueue             OverlapPolicy = "queue"
	OverlapTerminatePrevious OverlapPolicy = "terminate-previous"
)

// ParseOverlapPolicy accepts the canonical names; empty means skip.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverlapSkip, nil
	case OverlapSkip, OverlapQueue, OverlapTerminatePrevious:
		return p, nil
	case "terminate_previous", "replace":
		return OverlapTerminatePrevious, nil
	}
	return "", fmt.Errorf("unknown overlap policy %q", s)
}

// Config is attached to a service at registration.
type Config struct {
	RestartPolicy RestartPolicy
	// MaxRetries bounds automatic relaunches under on-failure. <=0 means unbounded.
	MaxRetries int
	// Schedule makes the service schedule-driven. Nil means persistent.
	Schedule Schedule
	// RunTimeout bounds one scheduled execution, or startup of a persistent service.
	RunTimeout time.Duration
	Overlap    OverlapPolicy

	// Backoff overrides; zero falls back to the manager defaults.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// normalize canonicalizes policy names and fills defaults.
func (c Config) normalize(base, max time.Duration) (Config, error) {
	rp, err := ParseRestartPolicy(string(c.RestartPolicy))
	if err != nil {
		return c, err
	}
	op, err := ParseOverlapPolicy(string(c.Overlap))
	if err != nil {
		return c, err
	}
	if c.RunTimeout < 0 {
		return c, fmt.Errorf("run timeout must be >= 0")
	}
	c.RestartPolicy, c.Overlap = rp, op
	if c.BaseDelay <= 0 {
		c.BaseDelay = base
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = max
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c, nil
}
