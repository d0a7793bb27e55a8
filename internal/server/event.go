package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// EventType tags the payload carried by an Event frame.
type EventType string

// Event types understood on the wire.
const (
	TypeText       EventType = "Text"
	TypeUserStatus EventType = "UserStatus"
	TypeError      EventType = "Error"
)

// Event is one frame exchanged with a client. Data holds a TextData,
// UserStatusData or ErrorData matching Type.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// TextData is a chat message. Clients send only Content and an optional
// ReceiverID; the relay fills the remaining fields on delivery.
type TextData struct {
	Content          string     `json:"content"`
	ReceiverID       *uuid.UUID `json:"receiver_id,omitempty"`
	ID               *uuid.UUID `json:"id,omitempty"`
	SenderID         *uuid.UUID `json:"sender_id,omitempty"`
	SenderUsername   string     `json:"sender_username,omitempty"`
	ReceiverUsername string     `json:"receiver_username,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
}

// UserStatusData announces a presence change.
type UserStatusData struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username,omitempty"`
	IsOnline bool      `json:"is_online"`
}

// ErrorData is a notice sent back to the client that caused a problem.
type ErrorData struct {
	Message string `json:"message"`
}

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type inboundText struct {
	Content    *string    `json:"content"`
	ReceiverID *uuid.UUID `json:"receiver_id"`
}

// TextEvent wraps data as a Text frame.
func TextEvent(data TextData) Event { return Event{Type: TypeText, Data: data} }

// StatusEvent builds the presence frame for user.
func StatusEvent(user uuid.UUID, username string, online bool) Event {
	return Event{Type: TypeUserStatus, Data: UserStatusData{UserID: user, Username: username, IsOnline: online}}
}

// ErrorEvent builds an error notice.
func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Data: ErrorData{Message: message}}
}

// DeliveryEvent renders a persisted message as the Text frame recipients see.
func DeliveryEvent(msg store.Message, senderName, receiverName string) Event {
	id, sender, created := msg.ID, msg.SenderID, msg.CreatedAt
	return TextEvent(TextData{
		Content:          msg.Content,
		ReceiverID:       msg.ReceiverID,
		ID:               &id,
		SenderID:         &sender,
		SenderUsername:   senderName,
		ReceiverUsername: receiverName,
		CreatedAt:        &created,
	})
}

// Encode serializes e into a single text frame.
func (e Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return payload, nil
}

// DecodeClientFrame parses a frame sent by a client. Only Text frames with a
// content field are accepted; anything else is apperror.ErrMalformed.
func DecodeClientFrame(raw []byte) (TextData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TextData{}, apperror.ErrMalformed.WithMessage("invalid frame").WithError(err)
	}

	switch env.Type {
	case TypeText:
	case "":
		return TextData{}, apperror.ErrMalformed.WithMessage("missing event type")
	case TypeUserStatus, TypeError:
		return TextData{}, apperror.ErrMalformed.WithMessage(fmt.Sprintf("%s events cannot be sent by clients", env.Type))
	default:
		return TextData{}, apperror.ErrMalformed.WithMessage(fmt.Sprintf("unknown event type %q", env.Type))
	}

	var in inboundText
	if len(env.Data) == 0 {
		return TextData{}, apperror.ErrMalformed.WithMessage("missing event data")
	}
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return TextData{}, apperror.ErrMalformed.WithMessage("invalid Text data").WithError(err)
	}
	if in.Content == nil {
		return TextData{}, apperror.ErrMalformed.WithMessage("Text data requires content")
	}

	return TextData{Content: *in.Content, ReceiverID: in.ReceiverID}, nil
}

// DecodeEvent parses any server frame into an Event with typed Data. It is
// the client-side counterpart of Encode.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, apperror.ErrMalformed.WithError(err)
	}

	var data any
	switch env.Type {
	case TypeText:
		var d TextData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, apperror.ErrMalformed.WithError(err)
		}
		data = d
	case TypeUserStatus:
		var d UserStatusData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, apperror.ErrMalformed.WithError(err)
		}
		data = d
	case TypeError:
		var d ErrorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{}, apperror.ErrMalformed.WithError(err)
		}
		data = d
	default:
		return Event{}, apperror.ErrMalformed.WithMessage(fmt.Sprintf("unknown event type %q", env.Type))
	}
	return Event{Type: env.Type, Data: data}, nil
}
