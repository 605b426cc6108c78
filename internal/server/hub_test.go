package server

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatgate/internal/identity"
	"github.com/Tyrowin/chatgate/internal/registry"
)

func newTestHub(t *testing.T) (*Hub, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	return NewHub(reg, logs.GetLoggerFromLevel(slog.LevelDebug), nil), reg
}

// addTestClient inserts a connection-less client straight into the hub map
// and optionally registers it.
func addTestClient(t *testing.T, hub *Hub, reg *registry.Registry, name string, buffer int) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SendBufferSize = buffer
	handle := registry.NewHandle()
	client := NewClient(nil, handle, hub, name, cfg, hub.log, nil)
	hub.clients[handle] = client
	if name != "" {
		reg.Upsert(handle, identity.Local(name))
	}
	return client
}

func receiveEvent(t *testing.T, client *Client) outboundEnvelope {
	t.Helper()
	select {
	case frame, ok := <-client.send:
		require.True(t, ok, "send channel closed")
		var env outboundEnvelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return outboundEnvelope{}
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 4)
	bob := addTestClient(t, hub, reg, "bob", 4)

	frame, err := encodeEnvelope(EventUserTyping, UserTypingPayload{DisplayName: "alice"})
	req.NoError(err)
	hub.handleBroadcast(hub.newBroadcastRequest(EventUserTyping, frame, alice.handle))

	req.Equal(EventUserTyping, receiveEvent(t, bob).Event)
	req.Empty(alice.send)
}

func TestHubBroadcastWithoutExcludeReachesEveryone(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 4)
	bob := addTestClient(t, hub, reg, "bob", 4)

	frame, err := encodeEnvelope(EventMessage, ChatMessagePayload{From: "alice", Body: "hi"})
	req.NoError(err)
	hub.handleBroadcast(hub.newBroadcastRequest(EventMessage, frame, ""))

	req.Equal(EventMessage, receiveEvent(t, alice).Event)
	req.Equal(EventMessage, receiveEvent(t, bob).Event)
}

func TestHubBroadcastSkipsUnregisteredConnections(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 4)
	anonymous := addTestClient(t, hub, reg, "", 4)

	frame, err := encodeEnvelope(EventMessage, ChatMessagePayload{From: "alice", Body: "hi"})
	req.NoError(err)
	hub.handleBroadcast(hub.newBroadcastRequest(EventMessage, frame, ""))

	req.Equal(EventMessage, receiveEvent(t, alice).Event)
	req.Empty(anonymous.send)
}

func TestHubBroadcastSkipsSessionsRegisteredAfterTheCall(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 4)
	carol := addTestClient(t, hub, reg, "", 4)

	// Given a message queued while carol is connected but not registered
	hub.Broadcast(EventMessage, ChatMessagePayload{From: "alice", Body: "before carol joined"}, "")

	// When carol registers before the hub drains the queue
	reg.Upsert(carol.handle, identity.Local("carol"))
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	// Then only alice receives it
	req.Equal(EventMessage, receiveEvent(t, alice).Event)
	hub.Broadcast(EventUserTyping, UserTypingPayload{DisplayName: "alice"}, alice.handle)
	req.Equal(EventUserTyping, receiveEvent(t, carol).Event, "carol's first event must postdate her registration")
}

func TestHubDropsSlowRecipientWithoutBlockingOthers(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	slow := addTestClient(t, hub, reg, "slow", 1)
	fast := addTestClient(t, hub, reg, "fast", 4)

	frame, err := encodeEnvelope(EventMessage, ChatMessagePayload{From: "fast", Body: "one"})
	req.NoError(err)

	// Given the slow client's single buffer slot is filled
	hub.handleBroadcast(hub.newBroadcastRequest(EventMessage, frame, ""))

	// When another broadcast arrives
	hub.handleBroadcast(hub.newBroadcastRequest(EventMessage, frame, ""))

	// Then the fast client got both and the slow one was dropped
	req.Len(fast.send, 2)
	req.True(slow.isClosed())
	_, stillThere := hub.clients[slow.handle]
	req.False(stillThere)

	<-slow.send
	_, ok := <-slow.send
	req.False(ok, "send channel should be closed after the buffered frame")
}

func TestHubRunPreservesBroadcastOrder(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 64)
	bob := addTestClient(t, hub, reg, "bob", 64)

	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	for i := 0; i < 20; i++ {
		hub.Broadcast(EventMessage, ChatMessagePayload{From: "alice", Body: string(rune('a' + i))}, "")
	}

	for _, client := range []*Client{alice, bob} {
		for i := 0; i < 20; i++ {
			env := receiveEvent(t, client)
			payload := env.Data.(map[string]any)
			req.Equal(string(rune('a'+i)), payload["body"])
		}
	}
}

func TestHubRegisterAndUnregister(t *testing.T) {
	req := require.New(t)
	hub, _ := newTestHub(t)
	go hub.Run()

	client := NewClient(nil, registry.NewHandle(), hub, "test", DefaultConfig(), hub.log, nil)
	req.True(hub.Register(client))
	req.Eventually(func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unregister(client)
	req.Eventually(func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	req.True(client.isClosed())

	// Unregistering twice is harmless
	hub.Unregister(client)

	req.NoError(hub.Shutdown(time.Second))

	// After shutdown the hub refuses new clients without blocking
	req.False(hub.Register(NewClient(nil, registry.NewHandle(), hub, "late", DefaultConfig(), hub.log, nil)))
	hub.Broadcast(EventMessage, ChatMessagePayload{Body: "nobody"}, "")
}

func TestHubShutdownClosesClientBuffers(t *testing.T) {
	req := require.New(t)
	hub, reg := newTestHub(t)
	alice := addTestClient(t, hub, reg, "alice", 4)
	go hub.Run()

	req.NoError(hub.Shutdown(time.Second))
	req.True(alice.isClosed())
	req.Zero(hub.ClientCount())
}
