package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatgate/internal/identity"
	"github.com/Tyrowin/chatgate/internal/registry"
)

type broadcastCall struct {
	event   string
	payload any
	exclude registry.Handle
}

type fakeBus struct {
	calls []broadcastCall
	panic bool
}

func (b *fakeBus) Broadcast(event string, payload any, exclude registry.Handle) {
	if b.panic {
		panic("bus exploded")
	}
	b.calls = append(b.calls, broadcastCall{event: event, payload: payload, exclude: exclude})
}

type sentEvent struct {
	event   string
	payload any
}

type fakeReplier struct {
	sent []sentEvent
}

func (r *fakeReplier) Send(event string, payload any) bool {
	r.sent = append(r.sent, sentEvent{event: event, payload: payload})
	return true
}

func (r *fakeReplier) last(t *testing.T) sentEvent {
	t.Helper()
	require.NotEmpty(t, r.sent)
	return r.sent[len(r.sent)-1]
}

var fixedNow = time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC)

type sessionFixture struct {
	session  *Session
	registry *registry.Registry
	bus      *fakeBus
	out      *fakeReplier
}

func newSessionFixture(t *testing.T, id identity.Identity) sessionFixture {
	t.Helper()
	reg := registry.New()
	bus := &fakeBus{}
	out := &fakeReplier{}
	session := NewSession(registry.NewHandle(), reg, bus, out, logs.GetLoggerFromLevel(slog.LevelDebug), nil)
	session.now = func() time.Time { return fixedNow }
	if id.ID != "" {
		require.NoError(t, session.Authenticate(id))
	}
	return sessionFixture{session: session, registry: reg, bus: bus, out: out}
}

func ana() identity.Identity {
	return identity.Identity{
		ID:          "42",
		DisplayName: "Ana",
		Email:       "ana@example.com",
		AvatarURL:   "https://example.com/ana.png",
		Provider:    identity.ProviderGoogle,
	}
}

func TestSessionRegisterFederatedUser(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	// When Ana registers with a bare display name
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})

	// Then she is confirmed as a new display name with her identity
	reply := f.out.last(t)
	req.Equal(EventRegistered, reply.event)
	payload := reply.payload.(RegisteredPayload)
	req.Equal("Ana", payload.DisplayName)
	req.True(payload.IsNewDisplayName)
	req.Equal(ana(), payload.Identity)
	req.Equal(stateRegistered, f.session.state)

	// And the others are told she joined
	req.Len(f.bus.calls, 1)
	call := f.bus.calls[0]
	req.Equal(EventUserJoined, call.event)
	req.Equal(f.session.Handle(), call.exclude)
	req.Equal(UserJoinedPayload{
		DisplayName: "Ana",
		Provider:    identity.ProviderGoogle,
		Avatar:      "https://example.com/ana.png",
	}, call.payload)

	rec, err := f.registry.Get(f.session.Handle())
	req.NoError(err)
	req.Equal("Ana", rec.Identity.DisplayName)
}

func TestSessionRegisterLocalUserDoesNotAnnounce(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, identity.Local("bob"))

	f.session.HandleEvent(RegisterEvent{DisplayName: "bob"})

	req.Equal(EventRegistered, f.out.last(t).event)
	req.Empty(f.bus.calls)
}

func TestSessionRegisterBlankNameFallsBackToIdentity(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	f.session.HandleEvent(RegisterEvent{DisplayName: "   "})

	payload := f.out.last(t).payload.(RegisteredPayload)
	req.Equal("Ana", payload.DisplayName)
}

func TestSessionRegisterWithoutAnyNameIsAnError(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, identity.Identity{ID: "7", Provider: identity.ProviderGitHub})

	f.session.HandleEvent(RegisterEvent{})

	reply := f.out.last(t)
	req.Equal(EventError, reply.event)
	req.Contains(reply.payload.(ErrorPayload).Message, "display name required")
	req.Equal(stateAuthenticated, f.session.state)
	req.Zero(f.registry.Len())
}

func TestSessionRegisterRejectsOverlongName(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	long := make([]rune, maxDisplayNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	f.session.HandleEvent(RegisterEvent{DisplayName: string(long)})

	req.Equal(EventError, f.out.last(t).event)
	req.Zero(f.registry.Len())
}

func TestSessionRegisterOverrideKeepsSubjectAndProvider(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	// Given a structured payload that tries to change every field
	f.session.HandleEvent(RegisterEvent{
		DisplayName: "Ana B",
		Identity: &identity.Identity{
			ID:        "99",
			AvatarURL: "https://example.com/other.png",
			Provider:  identity.ProviderGitHub,
			Username:  "anab",
		},
	})

	// Then profile fields come from the payload, the subject from the token
	payload := f.out.last(t).payload.(RegisteredPayload)
	req.Equal("Ana B", payload.DisplayName)
	req.Equal("42", payload.Identity.ID)
	req.Equal(identity.ProviderGoogle, payload.Identity.Provider)
	req.Equal("https://example.com/other.png", payload.Identity.AvatarURL)
	req.Equal("anab", payload.Identity.Username)
	req.Equal("ana@example.com", payload.Identity.Email)
}

func TestSessionReregisterUpdatesInPlace(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana Maria"})

	snapshot := f.registry.SnapshotAll()
	req.Len(snapshot, 1)
	req.Equal("Ana Maria", snapshot[0].Identity.DisplayName)
	req.True(f.out.last(t).payload.(RegisteredPayload).IsNewDisplayName)
}

func TestSessionRegisterReportsTakenDisplayName(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.registry.Upsert(registry.NewHandle(), identity.Local("Ana"))

	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})

	req.False(f.out.last(t).payload.(RegisteredPayload).IsNewDisplayName)
}

func TestSessionMessageBeforeRegisterIsRejected(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	f.session.HandleEvent(MessageEvent{Body: "hi"})

	reply := f.out.last(t)
	req.Equal(EventError, reply.event)
	req.Equal(ErrorPayload{Message: "not registered"}, reply.payload)
	req.Empty(f.bus.calls)
}

func TestSessionMessageIsBroadcastToEveryone(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil

	// When a padded body arrives with a client timestamp
	clientTime := fixedNow.Add(-time.Hour)
	f.session.HandleEvent(MessageEvent{Body: "  hi  ", Timestamp: &clientTime})

	// Then it is trimmed, stamped by the server and sent to all connections
	req.Len(f.bus.calls, 1)
	call := f.bus.calls[0]
	req.Equal(EventMessage, call.event)
	req.Equal(registry.Handle(""), call.exclude)
	req.Equal(ChatMessagePayload{
		From:      "Ana",
		Body:      "hi",
		Identity:  ana(),
		Timestamp: fixedNow,
	}, call.payload)
}

func TestSessionMessageRegistryIdentityWins(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil

	f.session.HandleEvent(MessageEvent{
		Body:     "hi",
		Identity: &identity.Identity{DisplayName: "Mallory", Username: "ana42"},
	})

	payload := f.bus.calls[0].payload.(ChatMessagePayload)
	req.Equal("Ana", payload.From)
	req.Equal("Ana", payload.Identity.DisplayName)
	req.Equal("ana42", payload.Identity.Username)
}

func TestSessionWhitespaceMessageIsDroppedSilently(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil
	sentBefore := len(f.out.sent)

	f.session.HandleEvent(MessageEvent{Body: " \t\n "})

	req.Empty(f.bus.calls)
	req.Len(f.out.sent, sentBefore)
}

func TestSessionTypingExcludesSender(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	// Typing before register is ignored
	f.session.HandleEvent(TypingEvent{})
	req.Empty(f.bus.calls)
	req.Empty(f.out.sent)

	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil

	f.session.HandleEvent(TypingEvent{})
	f.session.HandleEvent(StopTypingEvent{})

	req.Len(f.bus.calls, 2)
	req.Equal(broadcastCall{
		event:   EventUserTyping,
		payload: UserTypingPayload{DisplayName: "Ana", Avatar: "https://example.com/ana.png"},
		exclude: f.session.Handle(),
	}, f.bus.calls[0])
	req.Equal(broadcastCall{
		event:   EventUserStoppedTyping,
		payload: UserStoppedTypingPayload{DisplayName: "Ana"},
		exclude: f.session.Handle(),
	}, f.bus.calls[1])
}

func TestSessionGetConnectedUsersRepliesToCaller(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.registry.Upsert(registry.NewHandle(), identity.Local("bob"))
	f.bus.calls = nil

	f.session.HandleEvent(GetConnectedUsersEvent{})

	req.Empty(f.bus.calls)
	reply := f.out.last(t)
	req.Equal(EventConnectedUsers, reply.event)
	users := reply.payload.([]ConnectedUser)
	req.Len(users, 2)
	names := []string{users[0].DisplayName, users[1].DisplayName}
	req.ElementsMatch([]string{"Ana", "bob"}, names)
}

func TestSessionCloseAnnouncesDepartureOnce(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil

	f.session.Close(ReasonClientDisconnect)
	f.session.Close(ReasonTransportClose)

	req.Len(f.bus.calls, 1)
	req.Equal(broadcastCall{
		event: EventUserLeft,
		payload: UserLeftPayload{
			DisplayName: "Ana",
			Avatar:      "https://example.com/ana.png",
			Reason:      ReasonClientDisconnect,
		},
		exclude: f.session.Handle(),
	}, f.bus.calls[0])
	req.Zero(f.registry.Len())

	// Events after close are ignored
	f.session.HandleEvent(MessageEvent{Body: "ghost"})
	req.Len(f.bus.calls, 1)
}

func TestSessionCloseUnregisteredIsSilent(t *testing.T) {
	f := newSessionFixture(t, ana())

	f.session.Close(ReasonTransportClose)

	require.Empty(t, f.bus.calls)
}

func TestSessionRegistryInconsistencyKeepsSessionAlive(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.calls = nil

	// Given the record vanished behind the session's back
	_, err := f.registry.Remove(f.session.Handle())
	req.NoError(err)

	f.session.HandleEvent(MessageEvent{Body: "hi"})

	req.Empty(f.bus.calls)
	req.Equal(ErrorPayload{Message: "internal error"}, f.out.last(t).payload)
	req.Equal(stateRegistered, f.session.state)
}

func TestSessionRecoversFromPanics(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())
	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})
	f.bus.panic = true

	req.NotPanics(func() { f.session.HandleEvent(MessageEvent{Body: "hi"}) })
	req.Equal(ErrorPayload{Message: "internal error"}, f.out.last(t).payload)

	f.bus.panic = false
	f.session.HandleEvent(MessageEvent{Body: "again"})
	req.Len(f.bus.calls, 1)
}

func TestSessionIgnoresEventsBeforeAuthentication(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, identity.Identity{})

	f.session.HandleEvent(RegisterEvent{DisplayName: "Ana"})

	req.Empty(f.out.sent)
	req.Zero(f.registry.Len())

	// Authentication happens once
	req.NoError(f.session.Authenticate(ana()))
	req.Error(f.session.Authenticate(ana()))
}

func TestSessionHandleFrameReportsBadFrames(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, ana())

	f.session.HandleFrame([]byte("not json"))
	req.Equal(EventError, f.out.last(t).event)

	f.session.HandleFrame([]byte(`{"event":"dance"}`))
	reply := f.out.last(t)
	req.Equal(EventError, reply.event)
	req.Contains(reply.payload.(ErrorPayload).Message, "unknown event")

	f.session.HandleFrame([]byte(`{"event":"register","data":"Ana"}`))
	req.Equal(EventRegistered, f.out.last(t).event)
}

func TestSessionHandleFrameIgnoredOutsideLiveStates(t *testing.T) {
	req := require.New(t)

	// Given a connection that never authenticated
	pending := newSessionFixture(t, identity.Identity{})
	pending.session.HandleFrame([]byte("not json"))
	req.Empty(pending.out.sent)

	// Given a registered session that has closed
	f := newSessionFixture(t, ana())
	f.session.HandleFrame([]byte(`{"event":"register","data":"Ana"}`))
	f.session.Close(ReasonClientDisconnect)
	sentBefore := len(f.out.sent)

	// When late frames arrive, bad or good
	f.session.HandleFrame([]byte("not json"))
	f.session.HandleFrame([]byte(`{"event":"dance"}`))
	f.session.HandleFrame([]byte(`{"event":"message","data":"too late"}`))

	// Then nothing is replied
	req.Len(f.out.sent, sentBefore)
}
