package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatgate/internal/identity"
	"github.com/Tyrowin/chatgate/internal/registry"
)

var (
	// ErrAuthenticationRequired is returned when a connection carries no usable credential.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrUnregisteredSender is returned for a message received before register.
	ErrUnregisteredSender = errors.New("not registered")
	// ErrRegistryInconsistency signals a registered session missing from the registry.
	ErrRegistryInconsistency = errors.New("registry inconsistency")
	// ErrEmptyMessageBody is returned for messages that are blank after trimming.
	// It is never reported to the client.
	ErrEmptyMessageBody = errors.New("empty message body")
)

const maxDisplayNameLength = 64

// Disconnect reasons carried by userLeft.
const (
	ReasonClientDisconnect = "client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
	ReasonMessageTooBig    = "message too big"
	ReasonServerShutdown   = "server shutdown"
	ReasonTransportError   = "transport error"
)

// Broadcaster fans an event out to every registered connection except exclude.
// An empty exclude delivers to all of them.
type Broadcaster interface {
	Broadcast(event string, payload any, exclude registry.Handle)
}

// Replier delivers an event to the session's own connection only.
type Replier interface {
	Send(event string, payload any) bool
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateRegistered
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the gateway state machine for one connection. It is driven by the
// connection's read loop and is not safe for concurrent use.
type Session struct {
	handle   registry.Handle
	state    sessionState
	identity identity.Identity

	registry *registry.Registry
	bus      Broadcaster
	out      Replier
	log      *slog.Logger
	metrics  *Metrics
	validate *validator.Validate
	now      func() time.Time
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// NewSession creates a session in the connecting state.
func NewSession(handle registry.Handle, reg *registry.Registry, bus Broadcaster, out Replier, log *slog.Logger, metrics *Metrics) *Session {
	return &Session{
		handle:   handle,
		state:    stateConnecting,
		registry: reg,
		bus:      bus,
		out:      out,
		log:      log.With("handle", string(handle)),
		metrics:  metrics,
		validate: payloadValidator,
		now:      time.Now,
	}
}

// Handle returns the connection handle of the session.
func (s *Session) Handle() registry.Handle {
	return s.handle
}

// Authenticate moves a connecting session to the authenticated state.
func (s *Session) Authenticate(id identity.Identity) error {
	if s.state != stateConnecting {
		return fmt.Errorf("cannot authenticate session in state %s", s.state)
	}
	s.identity = id
	s.state = stateAuthenticated
	s.log.Info("Connection authenticated", "user", id.DisplayName, "provider", id.Provider)
	return nil
}

// HandleFrame decodes one raw client frame and dispatches it. Frames are
// ignored before authentication and after Close.
func (s *Session) HandleFrame(raw []byte) {
	if !s.accepting() {
		return
	}
	ev, err := DecodeInbound(raw)
	if err != nil {
		s.log.Debug("Rejected inbound frame", "error", err)
		s.replyError(err.Error())
		return
	}
	s.HandleEvent(ev)
}

func (s *Session) accepting() bool {
	return s.state == stateAuthenticated || s.state == stateRegistered
}

// HandleEvent applies one inbound event. Failures are reported to this
// connection only and never end the session.
func (s *Session) HandleEvent(ev InboundEvent) {
	if !s.accepting() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic while handling event", "event", ev.EventName(), "panic", r)
			s.replyError("internal error")
		}
	}()

	s.metrics.EventReceived(ev.EventName())

	var err error
	switch e := ev.(type) {
	case RegisterEvent:
		err = s.register(e)
	case MessageEvent:
		err = s.message(e)
	case TypingEvent:
		err = s.typing(true)
	case StopTypingEvent:
		err = s.typing(false)
	case GetConnectedUsersEvent:
		s.connectedUsers()
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}

	s.handleError(ev.EventName(), err)
}

func (s *Session) handleError(event string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyMessageBody):
		s.log.Debug("Dropped empty message")
	case errors.Is(err, ErrRegistryInconsistency):
		s.log.Error("Registry lookup failed for registered session", "event", event, "error", err)
		s.replyError("internal error")
	case errors.Is(err, ErrUnregisteredSender):
		s.log.Warn("Message from unregistered connection")
		s.replyError(ErrUnregisteredSender.Error())
	default:
		s.log.Warn("Event rejected", "event", event, "error", err)
		s.replyError(err.Error())
	}
}

func (s *Session) register(ev RegisterEvent) error {
	resolved := s.identity
	if ev.Identity != nil {
		resolved = ev.Identity.Merge(s.identity)
		// The connection's authenticated subject and provider cannot be overridden.
		resolved.ID = s.identity.ID
		resolved.Provider = s.identity.Provider
	}

	if name := strings.TrimSpace(ev.DisplayName); name != "" {
		resolved.DisplayName = name
	}
	if resolved.DisplayName == "" {
		return fmt.Errorf("%w: display name required", ErrInvalidPayload)
	}
	if len([]rune(resolved.DisplayName)) > maxDisplayNameLength {
		return fmt.Errorf("%w: display name longer than %d characters", ErrInvalidPayload, maxDisplayNameLength)
	}
	if err := s.validate.Struct(resolved); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	isNew := s.registry.Upsert(s.handle, resolved)
	s.state = stateRegistered

	s.out.Send(EventRegistered, RegisteredPayload{
		DisplayName:      resolved.DisplayName,
		IsNewDisplayName: isNew,
		Identity:         resolved,
	})

	if resolved.IsFederated() {
		s.bus.Broadcast(EventUserJoined, UserJoinedPayload{
			DisplayName: resolved.DisplayName,
			Provider:    resolved.Provider,
			Avatar:      resolved.AvatarURL,
		}, s.handle)
	}

	s.log.Info("User registered", "user", resolved.DisplayName, "provider", resolved.Provider, "new", isNew)
	return nil
}

func (s *Session) message(ev MessageEvent) error {
	if s.state != stateRegistered {
		return ErrUnregisteredSender
	}

	body := strings.TrimSpace(ev.Body)
	if body == "" {
		return ErrEmptyMessageBody
	}

	rec, err := s.registered()
	if err != nil {
		return err
	}

	sender := rec.Identity
	if ev.Identity != nil {
		sender = rec.Identity.Merge(*ev.Identity)
	}

	s.bus.Broadcast(EventMessage, ChatMessagePayload{
		From:      rec.Identity.DisplayName,
		Body:      body,
		Identity:  sender,
		Timestamp: s.now().UTC(),
	}, "")

	s.log.Info("Message relayed", "user", rec.Identity.DisplayName, "preview", lo.Ellipsis(body, 50))
	return nil
}

// typing relays typing (started true) or stopTyping to the other connections.
// Events from unregistered connections are ignored.
func (s *Session) typing(started bool) error {
	if s.state != stateRegistered {
		return nil
	}

	rec, err := s.registered()
	if err != nil {
		return err
	}

	if started {
		s.bus.Broadcast(EventUserTyping, UserTypingPayload{
			DisplayName: rec.Identity.DisplayName,
			Avatar:      rec.Identity.AvatarURL,
		}, s.handle)
		return nil
	}
	s.bus.Broadcast(EventUserStoppedTyping, UserStoppedTypingPayload{
		DisplayName: rec.Identity.DisplayName,
	}, s.handle)
	return nil
}

func (s *Session) connectedUsers() {
	users := lo.Map(s.registry.SnapshotAll(), func(rec registry.SessionRecord, _ int) ConnectedUser {
		return ConnectedUser{
			DisplayName: rec.Identity.DisplayName,
			Avatar:      rec.Identity.AvatarURL,
			Provider:    rec.Identity.Provider,
			ConnectedAt: rec.ConnectedAt,
		}
	})
	s.out.Send(EventConnectedUsers, users)
}

func (s *Session) registered() (registry.SessionRecord, error) {
	rec, err := s.registry.Get(s.handle)
	if err != nil {
		return registry.SessionRecord{}, fmt.Errorf("%w: %v", ErrRegistryInconsistency, err)
	}
	return rec, nil
}

// Close ends the session. A registered session is removed from the registry
// and a userLeft notice goes to the other connections. Calling Close again is
// a no-op.
func (s *Session) Close(reason string) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed

	rec, err := s.registry.Remove(s.handle)
	if err != nil {
		s.log.Info("Connection closed before register", "reason", reason)
		return
	}

	s.bus.Broadcast(EventUserLeft, UserLeftPayload{
		DisplayName: rec.Identity.DisplayName,
		Avatar:      rec.Identity.AvatarURL,
		Reason:      reason,
	}, s.handle)
	s.log.Info("User left", "user", rec.Identity.DisplayName, "reason", reason)
}

func (s *Session) replyError(message string) {
	s.out.Send(EventError, ErrorPayload{Message: message})
}
