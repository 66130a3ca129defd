package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire message types. The set is closed: every inbound frame must decode into
// one of the variants below or it is dropped at the boundary as a protocol
// error. Internal code never branches on untyped data.
const (
	MessageTypeAuth                  = "auth"
	MessageTypePresenceUpdate        = "presence_update"
	MessageTypePresenceBatch         = "presence_batch"
	MessageTypeTyping                = "typing"
	MessageTypeCollaborationEdit     = "collaboration_edit"
	MessageTypeCollaborationCursor   = "collaboration_cursor"
	MessageTypeCollaborationPresence = "collaboration_presence"
	MessageTypeMessage               = "message"
	MessageTypeStatusUpdate          = "status_update"
)

// wire envelope, both directions
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	// unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// first frame sent on a new transport. The server echoes it back verbatim.
type Auth struct {
	ByJwt      string `json:"byJwt"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion"`
}

type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusOffline PresenceStatus = "offline"
	PresenceStatusBusy    PresenceStatus = "busy"
)

// partial presence update for one user. Nil fields are "no change".
// `ClearResource` distinguishes "leave the resource" from "no change".
type PresenceUpdate struct {
	UserId        string         `json:"userId"`
	UserName      string         `json:"userName,omitempty"`
	Status        PresenceStatus `json:"status,omitempty"`
	Resource      *ResourceRef   `json:"resource,omitempty"`
	ClearResource bool           `json:"clearResource,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type PresenceBatch struct {
	Updates []*PresenceUpdate `json:"updates"`
}

type Typing struct {
	UserId   string      `json:"userId"`
	Resource ResourceRef `json:"resource"`
	Typing   bool        `json:"typing"`
}

type CollaborationEdit struct {
	UserId     string           `json:"userId"`
	Resource   ResourceRef      `json:"resource"`
	Operations []*EditOperation `json:"operations"`
	Cursor     *CursorPosition  `json:"cursor,omitempty"`
}

type CollaborationCursor struct {
	UserId   string         `json:"userId"`
	Resource ResourceRef    `json:"resource"`
	Cursor   CursorPosition `json:"cursor"`
}

type CollaborationPresence struct {
	UserId   string      `json:"userId"`
	UserName string      `json:"userName,omitempty"`
	Resource ResourceRef `json:"resource"`
	Active   bool        `json:"active"`
}

// an inbox message delivered to the client. Consumed by the external data
// layer via Subscribe; the core only routes it.
type InboxMessage struct {
	MessageId Id     `json:"messageId"`
	ThreadId  string `json:"threadId"`
	SenderId  string `json:"senderId"`
	Channel   string `json:"channel,omitempty"`
	Body      string `json:"body"`
}

// a server-side status change on a resource (e.g. a note was saved or locked
// elsewhere). Consumed by external layers via Subscribe.
type StatusUpdate struct {
	Resource ResourceRef `json:"resource"`
	Status   string      `json:"status"`
}

func ToEnvelope(message any) (*Envelope, error) {
	var messageType string
	switch v := message.(type) {
	case *Auth:
		messageType = MessageTypeAuth
	case *PresenceUpdate:
		messageType = MessageTypePresenceUpdate
	case *PresenceBatch:
		messageType = MessageTypePresenceBatch
	case *Typing:
		messageType = MessageTypeTyping
	case *CollaborationEdit:
		messageType = MessageTypeCollaborationEdit
	case *CollaborationCursor:
		messageType = MessageTypeCollaborationCursor
	case *CollaborationPresence:
		messageType = MessageTypeCollaborationPresence
	case *InboxMessage:
		messageType = MessageTypeMessage
	case *StatusUpdate:
		messageType = MessageTypeStatusUpdate
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      messageType,
		Data:      b,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func RequireToEnvelope(message any) *Envelope {
	envelope, err := ToEnvelope(message)
	if err != nil {
		panic(err)
	}
	return envelope
}

func FromEnvelope(envelope *Envelope) (any, error) {
	var message any
	switch envelope.Type {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypePresenceUpdate:
		message = &PresenceUpdate{}
	case MessageTypePresenceBatch:
		message = &PresenceBatch{}
	case MessageTypeTyping:
		message = &Typing{}
	case MessageTypeCollaborationEdit:
		message = &CollaborationEdit{}
	case MessageTypeCollaborationCursor:
		message = &CollaborationCursor{}
	case MessageTypeCollaborationPresence:
		message = &CollaborationPresence{}
	case MessageTypeMessage:
		message = &InboxMessage{}
	case MessageTypeStatusUpdate:
		message = &StatusUpdate{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", envelope.Type)
	}
	err := json.Unmarshal(envelope.Data, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

// a frame is either one envelope (json object) or a batch of envelopes
// (json array). The flush side emits an array only when more than one
// envelope is pending; the receive side must accept either shape.
func EncodeFrame(envelopes []*Envelope) ([]byte, error) {
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if len(envelopes) == 1 {
		return json.Marshal(envelopes[0])
	}
	return json.Marshal(envelopes)
}

func DecodeFrame(b []byte) ([]*Envelope, error) {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			var envelopes []*Envelope
			if err := json.Unmarshal(b, &envelopes); err != nil {
				return nil, err
			}
			return envelopes, nil
		case '{':
			envelope := &Envelope{}
			if err := json.Unmarshal(b, envelope); err != nil {
				return nil, err
			}
			return []*Envelope{envelope}, nil
		default:
			return nil, fmt.Errorf("malformed frame")
		}
	}
	return nil, fmt.Errorf("empty frame")
}
