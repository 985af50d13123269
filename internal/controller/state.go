package controller

type State int

const (
	// Idle means there is no credential or no counterparty selected.
	Idle State = iota
	// AwaitingHistory means a history load for the selection is in flight.
	AwaitingHistory
	// Live means history is loaded and live events are being merged.
	Live
	// Failed means the last history load failed. Nothing is subscribed and
	// the transcript is empty until Retry or another selection.
	Failed
	// Disconnected means history may be shown but the channel is down, so
	// no live events arrive. Retry or another selection redials.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingHistory:
		return "awaiting history"
	case Live:
		return "live"
	case Failed:
		return "failed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
