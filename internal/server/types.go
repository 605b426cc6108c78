package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/chatgate/internal/identity"
)

// Inbound event names.
const (
	EventRegister          = "register"
	EventMessage           = "message"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventGetConnectedUsers = "getConnectedUsers"
)

// Outbound event names. EventMessage is used in both directions.
const (
	EventRegistered        = "registered"
	EventUserJoined        = "userJoined"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventConnectedUsers    = "connectedUsers"
	EventUserLeft          = "userLeft"
	EventError             = "error"
)

var (
	// ErrInvalidPayload is returned when a frame or event payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownEvent is returned for event names outside the protocol.
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: payload})
}

// InboundEvent is one decoded client event. The set of implementations is closed.
type InboundEvent interface {
	EventName() string
}

// RegisterEvent asks the gateway to register the connection under a display name.
type RegisterEvent struct {
	DisplayName string
	Identity    *identity.Identity
}

// MessageEvent is a chat message. Timestamp is informational only.
type MessageEvent struct {
	Body      string
	Identity  *identity.Identity
	Timestamp *time.Time
}

type TypingEvent struct{}

type StopTypingEvent struct{}

type GetConnectedUsersEvent struct{}

func (RegisterEvent) EventName() string          { return EventRegister }
func (MessageEvent) EventName() string           { return EventMessage }
func (TypingEvent) EventName() string            { return EventTyping }
func (StopTypingEvent) EventName() string        { return EventStopTyping }
func (GetConnectedUsersEvent) EventName() string { return EventGetConnectedUsers }

// wireIdentity accepts both the current identity field names and the legacy
// profile names (name, avatar).
type wireIdentity struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"displayName"`
	Name        string            `json:"name"`
	Email       string            `json:"email"`
	AvatarURL   string            `json:"avatarURL"`
	Avatar      string            `json:"avatar"`
	Provider    identity.Provider `json:"provider"`
	Username    string            `json:"username"`
}

func (w *wireIdentity) toIdentity() *identity.Identity {
	if w == nil {
		return nil
	}
	id := identity.Identity{
		ID:          w.ID,
		DisplayName: strings.TrimSpace(w.DisplayName),
		Email:       w.Email,
		AvatarURL:   w.AvatarURL,
		Provider:    w.Provider,
		Username:    w.Username,
	}
	if id.DisplayName == "" {
		id.DisplayName = strings.TrimSpace(w.Name)
	}
	if id.AvatarURL == "" {
		id.AvatarURL = w.Avatar
	}
	return &id
}

type registerPayload struct {
	DisplayName string        `json:"displayName"`
	Username    string        `json:"username"`
	Identity    *wireIdentity `json:"identity"`
	UserProfile *wireIdentity `json:"userProfile"`
}

type messagePayload struct {
	Body        *string         `json:"body"`
	Message     string          `json:"message"`
	Identity    *wireIdentity   `json:"identity"`
	UserProfile *wireIdentity   `json:"userProfile"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// DecodeInbound parses a raw frame into its typed event. Payloads for
// register and message may be a bare JSON string or an object.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Event {
	case EventRegister:
		return decodeRegister(env.Data)
	case EventMessage:
		return decodeMessage(env.Data)
	case EventTyping:
		return TypingEvent{}, nil
	case EventStopTyping:
		return StopTypingEvent{}, nil
	case EventGetConnectedUsers:
		return GetConnectedUsersEvent{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeRegister(data json.RawMessage) (InboundEvent, error) {
	name, ok, err := decodeString(data)
	if err != nil {
		return nil, err
	}
	if ok {
		return RegisterEvent{DisplayName: strings.TrimSpace(name)}, nil
	}

	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: register: %v", ErrInvalidPayload, err)
	}
	name = p.DisplayName
	if name == "" {
		name = p.Username
	}
	override := p.Identity
	if override == nil {
		override = p.UserProfile
	}
	return RegisterEvent{DisplayName: strings.TrimSpace(name), Identity: override.toIdentity()}, nil
}

func decodeMessage(data json.RawMessage) (InboundEvent, error) {
	body, ok, err := decodeString(data)
	if err != nil {
		return nil, err
	}
	if ok {
		return MessageEvent{Body: body}, nil
	}

	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrInvalidPayload, err)
	}
	body = p.Message
	if p.Body != nil {
		body = *p.Body
	}
	override := p.Identity
	if override == nil {
		override = p.UserProfile
	}
	return MessageEvent{Body: body, Identity: override.toIdentity(), Timestamp: parseClientTimestamp(p.Timestamp)}, nil
}

// parseClientTimestamp accepts RFC 3339 strings and unix milliseconds. Anything
// else is ignored rather than rejecting the message.
func parseClientTimestamp(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var ts time.Time
	if err := json.Unmarshal(raw, &ts); err == nil {
		return &ts
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		ts = time.UnixMilli(millis)
		return &ts
	}
	return nil
}

// decodeString reports ok when data is a JSON string. Absent data and null
// decode as the empty string.
func decodeString(data json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", true, nil
	}
	if trimmed[0] != '"' {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s, true, nil
}

// RegisteredPayload confirms a register to its sender.
type RegisteredPayload struct {
	DisplayName      string            `json:"displayName"`
	IsNewDisplayName bool              `json:"isNewDisplayName"`
	Identity         identity.Identity `json:"identity"`
}

type UserJoinedPayload struct {
	DisplayName string            `json:"displayName"`
	Provider    identity.Provider `json:"provider"`
	Avatar      string            `json:"avatar,omitempty"`
}

// ChatMessagePayload is the broadcast form of a chat message.
type ChatMessagePayload struct {
	From      string            `json:"from"`
	Body      string            `json:"body"`
	Identity  identity.Identity `json:"identity"`
	Timestamp time.Time         `json:"timestamp"`
}

type UserTypingPayload struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type UserStoppedTypingPayload struct {
	DisplayName string `json:"displayName"`
}

// ConnectedUser is one entry of the connectedUsers reply.
type ConnectedUser struct {
	DisplayName string            `json:"displayName"`
	Avatar      string            `json:"avatar,omitempty"`
	Provider    identity.Provider `json:"provider,omitempty"`
	ConnectedAt time.Time         `json:"connectedAt"`
}

type UserLeftPayload struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Reason      string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
