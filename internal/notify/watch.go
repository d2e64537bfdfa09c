package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"supd/internal/eventbus"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

// Watch feeds supervisor events from bus into the notifier until ctx is done.
func (n *Notifier) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(128, "service")
	defer unsub()

	down := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			nt, ok := alertFor(ev, down, n.config().NotifyRecovery)
			if !ok {
				continue
			}
			if err := n.Notify(ctx, nt); err != nil && !errors.Is(err, ErrDisabled) {
				n.log.Debug("alert not queued", logx.Service(nt.Service), logx.Err(err))
			}
		}
	}
}

// alertFor maps a bus event to an alert. down tracks services currently crashed
// so a later recovery can be reported once.
func alertFor(ev eventbus.Event, down map[string]bool, recovery bool) (Notification, bool) {
	if !ev.HasPrefix("service.") {
		return Notification{}, false
	}
	data, ok := ev.Data.(supervisor.Event)
	if !ok {
		return Notification{}, false
	}
	name := data.Service

	switch ev.Type {
	case supervisor.EventRetryExhausted:
		down[name] = true
		return Notification{
			Service:  name,
			Priority: PriorityCritical,
			Key:      "exhausted",
			Text:     fmt.Sprintf("%s gave up after %d restarts%s", name, data.RestartCount, suffix(data.Error)),
		}, true

	case supervisor.EventState:
		switch {
		case data.To == supervisor.StatusCrashed:
			down[name] = true
			return Notification{
				Service:  name,
				Priority: PriorityWarning,
				Key:      "crashed",
				Text:     fmt.Sprintf("%s crashed (was %s)%s", name, data.From, suffix(data.Error)),
			}, true
		case data.To == supervisor.StatusRunning && down[name]:
			delete(down, name)
			if !recovery {
				return Notification{}, false
			}
			return Notification{
				Service:  name,
				Priority: PriorityInfo,
				Key:      "recovered",
				Text:     fmt.Sprintf("%s is running again (restarts: %d)", name, data.RestartCount),
			}, true
		case data.To == supervisor.StatusStopped:
			delete(down, name)
		}

	case supervisor.EventRemoved:
		delete(down, name)
	}
	return Notification{}, false
}

func suffix(errText string) string {
	errText = strings.TrimSpace(errText)
	if errText == "" {
		return ""
	}
	return ": " + errText
}
