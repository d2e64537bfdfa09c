package supervisor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound           = errors.New("service not found")
	ErrAlreadyExists      = errors.New("service already exists")
	ErrStartupFailure     = errors.New("startup failure")
	ErrShutdownFailure    = errors.New("shutdown failure")
	ErrHealthCheckFailure = errors.New("health check failure")
	ErrTimeoutExceeded    = errors.New("timeout exceeded")
	ErrRetryExhausted     = errors.New("retries exhausted")
	ErrScheduleInvalid    = errors.New("invalid schedule")

	// ErrInterrupted marks a run cancelled by stop/remove. It never drives a restart.
	ErrInterrupted = errors.New("interrupted")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("supervisor closed")
	// ErrNotScheduled is returned by Trigger for persistent services.
	ErrNotScheduled = errors.New("service is not schedule-driven")
	// ErrStartPending is returned while an abandoned Start of the service has not returned.
	ErrStartPending = errors.New("previous start still in progress")
)

// ServiceError ties a failure to a service and operation.
// errors.Is matches both the kind (ErrStartupFailure, ...) and the underlying cause.
type ServiceError struct {
	Service string
	Op      string
	Kind    error
	Err     error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newServiceError(service, op string, kind, err error) *ServiceError {
	return &ServiceError{Service: service, Op: op, Kind: kind, Err: err}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// BatchError aggregates per-service failures of a batch operation.
type BatchError struct {
	Op       string
	Failures map[string]error
}

// Services returns the failed service names, sorted.
func (e *BatchError) Services() []string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *BatchError) Error() string {
	names := e.Services()
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d service(s) failed: ", e.Op, len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s (%v)", n, e.Failures[n])
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	names := e.Services()
	out := make([]error, 0, len(names))
	for _, n := range names {
		out = append(out, e.Failures[n])
	}
	return out
}
