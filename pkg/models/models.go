package models

import (
	"encoding/json"
	"time"
)

// ParticipantRecord is one entry of the external directory: an identity the
// relay will accept connections from and route messages to. Records are
// immutable once materialized; a refresh produces new values, never mutates.
type ParticipantRecord struct {
	ID                        string `json:"id"`
	Name                      string `json:"name"`
	AuthenticationCertificate string `json:"authenticationCertificate"`
	CreatedAt                 string `json:"createdAt"`
	UpdatedAt                 string `json:"updatedAt"`
	Deleted                   bool   `json:"deleted,omitempty"`
}

// DirectoryDiff is the delta between two consecutive directory snapshots.
type DirectoryDiff struct {
	Added   []ParticipantRecord `json:"added"`
	Removed []ParticipantRecord `json:"removed"`
}

// Empty reports whether the diff carries no changes.
func (d DirectoryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// MessageType classifies the payload envelope.
type MessageType string

const (
	MessageTypeEncrypted MessageType = "encrypted"
	MessageTypeSystem    MessageType = "system"
)

// ValidTypes lists the message types the relay accepts.
var ValidTypes = []MessageType{MessageTypeEncrypted, MessageTypeSystem}

// AgentMessage is the wire-level message exchanged between participants.
// Payload is opaque to the relay: it is forwarded byte-for-byte, never
// inspected or decrypted.
type AgentMessage struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Timestamp   string          `json:"timestamp"`
	ReceivedAt  string          `json:"receivedAt,omitempty"`
}

// ValidationErrorType identifies why a message was refused.
type ValidationErrorType string

const (
	ErrSchemaInvalid    ValidationErrorType = "SCHEMA_INVALID"
	ErrUnknownSender    ValidationErrorType = "UNKNOWN_SENDER"
	ErrUnknownRecipient ValidationErrorType = "UNKNOWN_RECIPIENT"
	ErrDecryptionFailed ValidationErrorType = "DECRYPTION_FAILED"
	ErrSignatureInvalid ValidationErrorType = "SIGNATURE_INVALID"
	ErrTokenExpired     ValidationErrorType = "TOKEN_EXPIRED"
)

// ValidationError is attached to failed messages, never to validated ones.
type ValidationError struct {
	Type    ValidationErrorType `json:"type"`
	Message string              `json:"message"`
}

// ValidationFailure wraps a rejected raw message together with its errors for
// the validation-failures queue. The original payload is preserved verbatim
// for diagnostics.
type ValidationFailure struct {
	ID         string            `json:"id"`
	Errors     []ValidationError `json:"errors"`
	ReceivedAt string            `json:"receivedAt"`
	Message    json.RawMessage   `json:"message"`
}

// JwtClaims are the verified claims of a participant token.
type JwtClaims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Socket event names. These are part of the external contract with agents.
const (
	EventFullAgentList     = "fullAgentList"
	EventPartialAgentList  = "partialAgentList"
	EventMessageToServer   = "messageToDmrServer"
	EventMessageFromServer = "messageFromDmrServer"
	EventAck               = "ack"
)

// Envelope is the framing for every message on the websocket channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a framed socket event.
func NewEnvelope(event string, data interface{}) Envelope {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Envelope{Event: event, Data: raw}
}

// AckStatus is the synchronous per-message acknowledgment result.
type AckStatus string

const (
	AckOK    AckStatus = "OK"
	AckError AckStatus = "ERROR"
)

// Ack is sent back to the producing agent for every inbound message.
type Ack struct {
	Event  string            `json:"event"`
	ID     string            `json:"id,omitempty"`
	Status AckStatus         `json:"status"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Now returns the current UTC instant in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
