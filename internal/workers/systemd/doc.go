// Package systemd supervises a systemd unit over D-Bus.
//
// Start and Stop enqueue jobs and wait for their result, HealthCheck maps
// ActiveState/SubState onto supervisor statuses and Wait polls until the unit
// leaves the active state.
package systemd
