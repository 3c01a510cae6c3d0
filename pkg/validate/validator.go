package validate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buerokratt/DMR/pkg/models"
)

// Directory answers whether a participant id is currently live.
type Directory interface {
	Lookup(id string) (models.ParticipantRecord, bool)
}

// Validator checks inbound messages against the protocol schema and the
// current directory. It never touches any queue: the caller routes failures.
type Validator struct {
	Directory Directory
}

func New(dir Directory) *Validator {
	return &Validator{Directory: dir}
}

// Validate runs the checks in order, short-circuiting on the first failure:
// structural schema, sender identity, recipient identity, timestamp. The
// sender identity is taken from the verified connection claims, not from the
// payload: a payload senderId contradicting the claims is a failure.
func (v *Validator) Validate(raw json.RawMessage, claims models.JwtClaims) (models.AgentMessage, []models.ValidationError) {
	var msg models.AgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fail(models.ErrSchemaInvalid, "message is not a JSON object: %v", err)
	}
	if errs := checkSchema(msg); errs != nil {
		return msg, errs
	}

	if msg.SenderID == "" {
		msg.SenderID = claims.Sub
	}
	if msg.SenderID != claims.Sub {
		return msg, fail(models.ErrUnknownSender, "senderId %s does not match authenticated participant %s", msg.SenderID, claims.Sub)
	}
	if _, ok := v.Directory.Lookup(msg.SenderID); !ok {
		return msg, fail(models.ErrUnknownSender, "sender %s is not in the directory", msg.SenderID)
	}

	if _, ok := v.Directory.Lookup(msg.RecipientID); !ok {
		return msg, fail(models.ErrUnknownRecipient, "recipient %s is not in the directory", msg.RecipientID)
	}

	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		return msg, fail(models.ErrSchemaInvalid, "timestamp is not a valid RFC 3339 instant: %v", err)
	}
	return msg, nil
}

func checkSchema(msg models.AgentMessage) []models.ValidationError {
	if msg.ID == "" {
		return fail(models.ErrSchemaInvalid, "id is required")
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return fail(models.ErrSchemaInvalid, "id must be a UUID: %v", err)
	}
	if !validType(msg.Type) {
		return fail(models.ErrSchemaInvalid, "unknown message type %q", msg.Type)
	}
	if len(msg.Payload) == 0 {
		return fail(models.ErrSchemaInvalid, "payload is required")
	}
	if msg.RecipientID == "" {
		return fail(models.ErrSchemaInvalid, "recipientId is required")
	}
	if _, err := uuid.Parse(msg.RecipientID); err != nil {
		return fail(models.ErrSchemaInvalid, "recipientId must be a UUID: %v", err)
	}
	if msg.SenderID != "" {
		if _, err := uuid.Parse(msg.SenderID); err != nil {
			return fail(models.ErrSchemaInvalid, "senderId must be a UUID: %v", err)
		}
	}
	if msg.Timestamp == "" {
		return fail(models.ErrSchemaInvalid, "timestamp is required")
	}
	return nil
}

func validType(t models.MessageType) bool {
	for _, known := range models.ValidTypes {
		if t == known {
			return true
		}
	}
	return false
}

func fail(errType models.ValidationErrorType, format string, args ...interface{}) []models.ValidationError {
	return []models.ValidationError{{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}}
}
