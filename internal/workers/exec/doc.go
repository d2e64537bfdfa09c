// Package exec runs a child process as a supervised service.
//
// In persistent mode Start spawns the process and returns, Wait reports its
// exit and Stop sends SIGTERM, killing it after a grace period. In oneshot
// mode (schedule-driven services) Start runs the process to completion.
package exec
