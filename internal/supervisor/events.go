package supervisor

import (
	"time"

	"supd/internal/eventbus"
)

// Event types published on the bus.
const (
	EventAdded             = "service.added"
	EventRemoved           = "service.removed"
	EventState             = "service.state"
	EventRelaunchScheduled = "service.relaunch_scheduled"
	EventRetryExhausted    = "service.retry_exhausted"
	EventTickSkipped       = "service.tick_skipped"
)

// Event is the payload of every supervisor bus event.
type Event struct {
	Service      string        `json:"service"`
	From         Status        `json:"from,omitempty"`
	To           Status        `json:"to,omitempty"`
	RestartCount int           `json:"restart_count"`
	Delay        time.Duration `json:"delay,omitempty"`
	Error        string        `json:"error,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

func (m *Manager) publish(typ string, ev Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
