package patrol

import "context"

type EventType string

const (
	EventStarted           EventType = "patrol.started"
	EventResumed           EventType = "patrol.resumed"
	EventSample            EventType = "patrol.sample"
	EventCheckpointReached EventType = "patrol.checkpoint_reached"
	EventCompleted         EventType = "patrol.completed"
	EventSourceError       EventType = "patrol.source_error"
	EventSampleRejected    EventType = "patrol.sample_rejected"
)

// Event describes a change to a patrol. Session is a snapshot taken when
// the event was produced; receivers may keep it.
type Event struct {
	Type         EventType  `json:"type"`
	GuardID      string     `json:"guard_id"`
	SessionID    string     `json:"session_id"`
	At           int64      `json:"at"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
	Sample       *GeoSample `json:"sample,omitempty"`
	Session      *Session   `json:"session,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Publisher receives tracker events. Publish must not block for long; it
// is called outside the tracker lock but on the caller's goroutine.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
