package monitor

import (
	"fmt"

	"github.com/rs/zerolog"

	"trend-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warn().Str("alert", message).Msg("alert")
	return nil
}

// alertFor turns a bus message into an alert line. Routine events return
// false.
func alertFor(msg events.Message) (string, bool) {
	switch p := msg.Payload.(type) {
	case events.KillSwitchChanged:
		switch msg.Event {
		case events.EventKillSwitchFired:
			return fmt.Sprintf("kill switch TRIGGERED: %s (equity %.2f, drawdown %.2f%%)", p.Reason, p.Equity, p.Drawdown*100), true
		case events.EventKillSwitchKilled:
			return fmt.Sprintf("kill switch closed %d/%d positions", p.Closed, p.Attempted), true
		}
	case string:
		if msg.Event == events.EventRiskAlert {
			return p, true
		}
	}
	return "", false
}
