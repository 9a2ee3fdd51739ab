package events

// Event enumerates topics published by the trading session.
type Event string

const (
	EventBarProcessed     Event = "bar.processed"
	EventSignal           Event = "signal.emitted"
	EventRiskLevels       Event = "risk.levels"
	EventPositionOpened   Event = "position.opened"
	EventPositionClosed   Event = "position.closed"
	EventStopModified     Event = "stop.modified"
	EventBreakeven        Event = "stop.breakeven"
	EventKillSwitchArmed  Event = "killswitch.armed"
	EventKillSwitchFired  Event = "killswitch.triggered"
	EventKillSwitchKilled Event = "killswitch.executed"
	EventRiskAlert        Event = "risk.alert"
	EventSessionStarted   Event = "session.started"
	EventSessionStopped   Event = "session.stopped"
)
