package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"CoinScout/pkg/util"
)

// MessageType enumerates envelope payload kinds.
type MessageType string

const (
	MessageScanResult  MessageType = "scan_result"
	MessageOpportunity MessageType = "opportunity"
	MessageNewsEvent   MessageType = "news_event"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageError       MessageType = "error"
)

// SchemaVersion is stamped on every envelope.
const SchemaVersion = "1.0"

// Known reports whether t is a recognised message type.
func (t MessageType) Known() bool {
	switch t {
	case MessageScanResult, MessageOpportunity, MessageNewsEvent, MessageHeartbeat, MessageError:
		return true
	}
	return false
}

// Envelope wraps every message published on the bus.
type Envelope struct {
	MessageID     string            `json:"message_id" validate:"required"`
	MessageType   MessageType       `json:"message_type" validate:"required"`
	Source        string            `json:"source" validate:"required"`
	Timestamp     string            `json:"timestamp" validate:"required"`
	SchemaVersion string            `json:"schema_version" validate:"required"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var envelopeValidator = validator.New()

// ErrInvalidEnvelope is wrapped by every Validate failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Validate checks required headers, the message type and the timestamp.
func (e *Envelope) Validate() error {
	if err := envelopeValidator.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !e.MessageType.Known() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidEnvelope, e.MessageType)
	}
	if _, ok := util.ParseTime(e.Timestamp); !ok {
		return fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidEnvelope, e.Timestamp)
	}
	return nil
}

// DecodePayload unmarshals the payload into dest.
func (e *Envelope) DecodePayload(dest interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	return json.Unmarshal(e.Payload, dest)
}

// DecodeEnvelope parses and validates a wire envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Heartbeat is published on the status topic after every cycle.
type Heartbeat struct {
	State             ScannerState `json:"state"`
	Cycles            int64        `json:"cycles"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	ConnectedAdapters []string     `json:"connected_adapters"`
	Timestamp         time.Time    `json:"timestamp"`
}

// ErrorReport is the payload of error envelopes.
type ErrorReport struct {
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
