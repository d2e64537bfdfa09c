package app

import (
	"context"
	"time"

	"supd/internal/eventbus"
	"supd/internal/storage"
	"supd/internal/supervisor"
	"supd/pkg/logx"
)

// startRecorder persists every supervisor event so the history survives restarts.
func (a *App) startRecorder() {
	ch, unsub := a.bus.Subscribe(256, "service")
	a.group.Go("events.record", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				rec, ok := eventRecord(ev)
				if !ok {
					continue
				}
				wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				if err := a.store.AppendEvent(wctx, rec); err != nil {
					a.log.Warn("event not recorded", logx.Service(rec.Service), logx.String("type", rec.Type), logx.Err(err))
				}
				cancel()
			}
		}
	})
}

func eventRecord(ev eventbus.Event) (storage.EventRecord, bool) {
	if !ev.HasPrefix("service.") {
		return storage.EventRecord{}, false
	}
	data, ok := ev.Data.(supervisor.Event)
	if !ok {
		return storage.EventRecord{}, false
	}
	return storage.EventRecord{
		At:           ev.Time,
		Type:         ev.Type,
		Service:      data.Service,
		From:         string(data.From),
		To:           string(data.To),
		RestartCount: data.RestartCount,
		Delay:        data.Delay,
		Reason:       data.Reason,
		Error:        data.Error,
	}, true
}
