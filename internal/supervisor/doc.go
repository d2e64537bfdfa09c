// Package supervisor is the service supervision engine.
//
// A Manager owns a registry of services. Each registered service has an entry
// holding its lifecycle state, restart bookkeeping and handles to in-flight work:
//
//   - persistent services are started once and relaunched by the restart
//     policy (always, unless-stopped, on-failure, no) with capped exponential backoff;
//   - schedule-driven services (CronSchedule or IntervalSchedule) are armed on
//     registration and run one bounded execution per tick, subject to an
//     overlap policy (skip, queue, terminate-previous).
//
// Every launched piece of work (run, relaunch timer, schedule loop) is a
// cancellable, joinable task; stop and remove cancel and join it before the
// service's own Stop is awaited.
package supervisor
