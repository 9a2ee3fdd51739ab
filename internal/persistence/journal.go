package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"trend-core/internal/events"
	"trend-core/pkg/db"
)

// Journal records session events to SQLite through a BatchWriter.
type Journal struct {
	Bus    *events.Bus
	Writer *BatchWriter
	Log    zerolog.Logger
}

// NewJournal wires a journal to bus.
func NewJournal(bus *events.Bus, writer *BatchWriter, log zerolog.Logger) *Journal {
	return &Journal{Bus: bus, Writer: writer, Log: log.With().Str("component", "journal").Logger()}
}

// Start consumes bus events until ctx is done. The returned channel closes
// after the last event has been queued.
func (j *Journal) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if j.Bus == nil || j.Writer == nil {
		j.Log.Warn().Msg("journal not fully configured; skipping")
		close(done)
		return done
	}
	stream, unsub := j.Bus.SubscribeAll(256)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				j.drain(stream)
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				j.Record(msg)
			}
		}
	}()
	return done
}

func (j *Journal) drain(stream <-chan events.Message) {
	for {
		select {
		case msg, ok := <-stream:
			if !ok {
				return
			}
			j.Record(msg)
		default:
			return
		}
	}
}

// Record queues the statement for one bus message. Topics without a table
// are ignored.
func (j *Journal) Record(msg events.Message) {
	switch p := msg.Payload.(type) {
	case events.SessionChanged:
		if msg.Event == events.EventSessionStarted {
			j.Writer.WriteQuery(db.InsertSessionSQL, p.SessionID, p.Symbol, p.Timeframe, p.Magic, p.Equity, p.At)
			return
		}
		j.Writer.WriteQuery(db.CloseSessionSQL, p.Equity, p.Balance, p.At, p.SessionID)
	case events.PositionOpened:
		j.Writer.WriteQuery(db.InsertPositionSQL, p.SessionID, p.Ticket, p.Symbol, p.Direction, p.Volume,
			p.Entry, p.StopLoss, p.TakeProfit, p.RiskDistance, p.Comment, p.At)
	case events.PositionClosed:
		j.Writer.WriteQuery(db.ClosePositionSQL, p.At, p.Reason, p.SessionID, p.Ticket)
	case events.StopModified:
		j.Writer.WriteQuery(db.InsertStopUpdateSQL, p.SessionID, p.Ticket, p.Previous, p.Stop, p.Reason, p.ProfitRR, p.At)
		j.Writer.WriteQuery(db.MovePositionStopSQL, p.Stop, p.SessionID, p.Ticket)
	case events.KillSwitchChanged:
		j.Writer.WriteQuery(db.InsertKillSwitchEventSQL, p.SessionID, p.State, p.StartingEquity, p.Equity,
			p.Drawdown, p.Reason, p.Attempted, p.Closed, orNow(p.At))
	}
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
