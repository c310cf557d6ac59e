package protocol

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

// EventMessage is the Kafka envelope for tracker events
type EventMessage struct {
	Source      string       `json:"source"`
	PublishedAt time.Time    `json:"published_at"`
	Event       patrol.Event `json:"event"`
}

// EncodeEventMessage encodes an EventMessage to JSON
func EncodeEventMessage(msg *EventMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeEventMessage decodes JSON to EventMessage
func DecodeEventMessage(data []byte) (*EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MissedCheckpointReport is what the notification service mails when a
// completed patrol skipped checkpoints
type MissedCheckpointReport struct {
	SessionID    string    `json:"session_id"`
	GuardID      string    `json:"guard_id"`
	GuardName    string    `json:"guard_name"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Reached      int       `json:"reached"`
	Total        int       `json:"total"`
	MissedIDs    []string  `json:"missed_ids"`
	MissedNames  []string  `json:"missed_names"`
	SamplesTaken int       `json:"samples_taken"`
}

// NewMissedCheckpointReport builds a report for a sealed session, or nil
// if every checkpoint was reached. names maps checkpoint ids to display
// names; unknown ids are reported by id.
func NewMissedCheckpointReport(s *patrol.Session, names map[string]string) *MissedCheckpointReport {
	if s == nil || s.EndTime == nil {
		return nil
	}
	r := &MissedCheckpointReport{
		SessionID:    s.ID,
		GuardID:      s.GuardID,
		GuardName:    s.GuardName,
		StartedAt:    time.UnixMilli(s.StartTime).UTC(),
		EndedAt:      time.UnixMilli(*s.EndTime).UTC(),
		Reached:      s.ReachedCount(),
		Total:        len(s.Checkpoints),
		SamplesTaken: len(s.Points),
	}
	for _, v := range s.Checkpoints {
		if v.Reached() {
			continue
		}
		name := names[v.CheckpointID]
		if name == "" {
			name = v.CheckpointID
		}
		r.MissedIDs = append(r.MissedIDs, v.CheckpointID)
		r.MissedNames = append(r.MissedNames, name)
	}
	if len(r.MissedIDs) == 0 {
		return nil
	}
	return r
}
