package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

// MessageType represents the type of message
type MessageType string

const (
	// Device to Server
	MsgTypeIdentify    MessageType = "identify"
	MsgTypePosition    MessageType = "position"
	MsgTypeKeepalive   MessageType = "keepalive"
	MsgTypeStartPatrol MessageType = "start_patrol"
	MsgTypeStopPatrol  MessageType = "stop_patrol"

	// Server to Device
	MsgTypeAck MessageType = "ack"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is sent by the handset on connection
type IdentifyMessage struct {
	Type      MessageType `json:"type"`
	GuardID   string      `json:"guard_id"`
	GuardName string      `json:"guard_name"`
	DeviceID  string      `json:"device_id,omitempty"`
}

// PositionData is one GPS fix. Coordinates are pointers so a missing field
// is distinguishable from 0.
type PositionData struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Sample converts a validated PositionData into a patrol sample.
func (p PositionData) Sample() patrol.GeoSample {
	s := patrol.GeoSample{Timestamp: p.Timestamp, Accuracy: p.Accuracy}
	if p.Lat != nil {
		s.Lat = *p.Lat
	}
	if p.Lng != nil {
		s.Lng = *p.Lng
	}
	return s
}

// PositionMessage is sent by the handset whenever the GPS reports a fix
type PositionMessage struct {
	Type MessageType  `json:"type"`
	Data PositionData `json:"data"`
}

// KeepaliveMessage is sent by the handset every 30-60 seconds
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// PatrolCommand starts or stops the identified guard's patrol
type PatrolCommand struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to messages
type AckMessage struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAlive      = "alive"
	AckStatusAccepted   = "accepted"
	AckStatusStarted    = "started"
	AckStatusStopped    = "stopped"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if err := validateIdentify(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypePosition:
		var msg PositionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid position message: %w", err)
		}
		if err := validatePosition(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: base.Type}, nil

	case MsgTypeStartPatrol, MsgTypeStopPatrol:
		return &PatrolCommand{Type: base.Type}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// validateIdentify validates an identify message
func validateIdentify(msg *IdentifyMessage) error {
	if msg.GuardID == "" {
		return fmt.Errorf("guard_id is required")
	}
	if msg.GuardName == "" {
		return fmt.Errorf("guard_name is required")
	}
	return nil
}

// validatePosition validates a position message
func validatePosition(msg *PositionMessage) error {
	if msg.Data.Lat == nil || msg.Data.Lng == nil {
		return fmt.Errorf("lat and lng are required")
	}
	if err := msg.Data.Sample().Validate(); err != nil {
		return err
	}
	if msg.Data.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required (epoch milliseconds)")
	}
	return nil
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewErrorAck creates an error acknowledgment carrying a reason
func NewErrorAck(reason string) *AckMessage {
	return &AckMessage{
		Type:    MsgTypeAck,
		Status:  AckStatusError,
		Message: reason,
	}
}
