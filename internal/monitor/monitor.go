package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trend-core/internal/events"
)

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  zerolog.Logger
}

var alertTopics = []events.Event{
	events.EventKillSwitchFired,
	events.EventKillSwitchKilled,
	events.EventRiskAlert,
}

// Start forwards alert-worthy events to the sink until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		m.Log.Warn().Msg("monitor not fully configured; skipping")
		return
	}
	for _, topic := range alertTopics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go m.forward(ctx, topic, stream, unsub)
	}
}

func (m *Monitor) forward(ctx context.Context, topic events.Event, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			line, ok := alertFor(events.Message{Event: topic, Payload: payload})
			if !ok {
				continue
			}
			if err := m.Sink.Send(formatAlert(line)); err != nil {
				m.Log.Error().Err(err).Msg("alert delivery failed")
			}
		}
	}
}

func formatAlert(line string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + line
}
