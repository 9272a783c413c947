package agent

// EventType tags one streamed turn event.
type EventType string

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventType = "text-delta"
	// EventToolStart marks a tool invocation starting. Results are not
	// streamed, only the start/end markers.
	EventToolStart EventType = "tool-start"
	// EventToolEnd marks a tool invocation finishing.
	EventToolEnd EventType = "tool-end"
	// EventStatus marks an iteration boundary.
	EventStatus EventType = "status"
	// EventDone carries the full final text and the turn telemetry.
	EventDone EventType = "done"
)

// Event is one entry in a streaming turn's event sequence.
type Event struct {
	Type      EventType
	Text      string // text-delta fragment, or full final text on done
	Tool      string // tool-start / tool-end
	CallID    string // tool-start / tool-end
	Iteration int    // status, tool-start, tool-end
	Err       string // tool-end, set when the tool failed
	Telemetry *TurnTelemetry // done only
}
