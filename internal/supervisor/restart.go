package supervisor

import "time"

// Decision is the restart engine's verdict on a finished persistent run.
type Decision struct {
	Relaunch bool
	Delay    time.Duration
	// Exhausted is set when on-failure gave up after MaxRetries relaunches.
	Exhausted bool
	// RestartCount is the entry's counter after the decision.
	RestartCount int
}

// Decide applies the restart policy to one run outcome.
//
// On a failure-triggered relaunch restartCount is incremented before the delay
// is computed, so the first retry waits exactly baseDelay. A success-triggered
// relaunch carries no delay and resets the counter.
func Decide(cfg Config, outcome Outcome, manualStop bool, restartCount int) Decision {
	d := Decision{RestartCount: restartCount}
	if outcome == OutcomeInterrupted || manualStop {
		return d
	}

	switch cfg.RestartPolicy {
	case RestartNo:
		return d
	case RestartAlways, RestartUnlessStopped:
		if outcome == OutcomeSuccess {
			d.Relaunch = true
			d.RestartCount = 0
			return d
		}
	case RestartOnFailure, "":
		if outcome == OutcomeSuccess {
			return d
		}
		if cfg.MaxRetries > 0 && restartCount >= cfg.MaxRetries {
			d.Exhausted = true
			return d
		}
	default:
		return d
	}

	d.Relaunch = true
	d.RestartCount = restartCount + 1
	d.Delay = BackoffDelay(cfg.BaseDelay, cfg.MaxDelay, d.RestartCount)
	return d
}

// BackoffDelay returns min(base * 2^(n-1), max) for the n-th consecutive relaunch (n >= 1).
func BackoffDelay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && max < base {
		max = base
	}
	d := base
	for i := 1; i < n; i++ {
		if max > 0 && d >= max {
			return max
		}
		// Overflow guard for unbounded max.
		if d > (1<<62)/2 {
			return d
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
