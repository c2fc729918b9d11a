package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuchat-ai/docuchat/internal/event"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

var upgrader = websocket.Upgrader{}

// wsServer is an in-process chat service endpoint. Accepted connections are
// handed to the test through the conns channel.
type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func writeEvent(t *testing.T, ws *websocket.Conn, name string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: name, Data: payload})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// statusRecorder collects connection-status events from the bus.
func statusRecorder(bus *event.Bus) chan *types.ConnectionStatusData {
	ch := make(chan *types.ConnectionStatusData, 16)
	bus.Subscribe(types.EventConnectionStatus, func(evt event.Event) {
		if d, ok := evt.Data.(*types.ConnectionStatusData); ok {
			ch <- d
		}
	})
	return ch
}

func waitStatus(t *testing.T, ch chan *types.ConnectionStatusData, want string) *types.ConnectionStatusData {
	t.Helper()
	for {
		select {
		case d := <-ch:
			if d.Status == want {
				return d
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for status %q", want)
			return nil
		}
	}
}

func fastReconnect(attempts int) ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestConn_ConnectAndReceive(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()
	statuses := statusRecorder(bus)

	greetings := make(chan *types.ConnectedData, 1)
	bus.Subscribe(types.EventConnected, func(evt event.Event) {
		greetings <- evt.Data.(*types.ConnectedData)
	})

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(3)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempt())
	waitStatus(t, statuses, types.StatusConnected)

	server := srv.accept(t)
	writeEvent(t, server, types.EventConnected, types.ConnectedData{
		Message: "Connected to chat service", SID: "sid-1",
	})

	select {
	case d := <-greetings:
		assert.Equal(t, "sid-1", d.SID)
	case <-time.After(2 * time.Second):
		t.Fatal("greeting never dispatched")
	}
}

func TestConn_ConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()
	statuses := statusRecorder(bus)

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(3)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, types.StatusConnected)

	require.NoError(t, c.Connect(context.Background()))

	// Only one socket was ever dialed.
	srv.accept(t)
	select {
	case <-srv.conns:
		t.Fatal("idempotent Connect dialed a second socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_SendQuery(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(3)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	server := srv.accept(t)

	req := types.QueryRequest{
		Question:         "What is the warranty period?",
		DocumentID:       12,
		ConversationID:   3,
		UseCache:         true,
		IncludeCitations: true,
	}
	require.NoError(t, c.SendQuery(req))

	_, raw, err := server.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "query", env.Event)

	var got types.QueryRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, req, got)
}

func TestConn_SendQueryValidation(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	c := NewConn(Config{URL: "ws://localhost:1"}, bus, nil)

	assert.Error(t, c.SendQuery(types.QueryRequest{DocumentID: 1, ConversationID: 1}))
	assert.Error(t, c.SendQuery(types.QueryRequest{Question: "q", ConversationID: 1}))
	assert.Error(t, c.SendQuery(types.QueryRequest{Question: "q", DocumentID: 1}))

	err := c.SendQuery(types.QueryRequest{Question: "q", DocumentID: 1, ConversationID: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_ReconnectBudgetExhaustion(t *testing.T) {
	// A server that is already gone: every dial fails fast.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	bus := event.NewBus()
	defer bus.Close()
	statuses := statusRecorder(bus)

	c := NewConn(Config{URL: url, Reconnect: fastReconnect(5)}, bus, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 5 attempts")

	assert.Equal(t, StateErroring, c.State())
	assert.Equal(t, 5, c.ReconnectAttempt())
	assert.NotEmpty(t, c.LastError())
	assert.False(t, c.IsConnected())

	// Terminal erroring status is published exactly once, and no automatic
	// attempts continue afterwards.
	waitStatus(t, statuses, types.StatusError)
	select {
	case d := <-statuses:
		t.Fatalf("unexpected extra status after terminal error: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}

	// A fresh manual Connect starts a new budget.
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5, c.ReconnectAttempt())
}

func TestConn_AutoReconnectAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()
	statuses := statusRecorder(bus)

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(5)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	waitStatus(t, statuses, types.StatusConnected)

	// Server drops the connection mid-stream.
	first := srv.accept(t)
	first.Close()

	waitStatus(t, statuses, types.StatusDisconnected)
	waitStatus(t, statuses, types.StatusConnected)

	// The replacement socket is live.
	second := srv.accept(t)
	events := make(chan *types.QueryProgressData, 1)
	bus.Subscribe(types.EventQueryProgress, func(evt event.Event) {
		events <- evt.Data.(*types.QueryProgressData)
	})
	writeEvent(t, second, types.EventQueryProgress, types.QueryProgressData{Stage: "retrieval"})

	select {
	case d := <-events:
		assert.Equal(t, "retrieval", d.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("event on reconnected socket never dispatched")
	}
}

func TestConn_DisconnectStopsDelivery(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()

	delivered := make(chan string, 8)
	bus.SubscribeAll(func(evt event.Event) { delivered <- evt.Name })

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(3)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	srv.accept(t)

	// Drain the connected status.
	<-delivered

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.Equal(t, StateDisconnected, c.State())

	// The disconnected status flows, then nothing else does.
	name := <-delivered
	assert.Equal(t, types.EventConnectionStatus, name)

	select {
	case name := <-delivered:
		t.Fatalf("event %q delivered after disconnect", name)
	case <-time.After(100 * time.Millisecond):
	}

	// Frames racing teardown carry a stale generation and are dropped
	// before dispatch.
	frame, _ := json.Marshal(Envelope{Event: types.EventQueryProgress, Data: []byte(`{}`)})
	c.dispatch(frame, 0)
	select {
	case name := <-delivered:
		t.Fatalf("stale-generation frame dispatched as %q", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConn_UnknownAndMalformedFramesDropped(t *testing.T) {
	srv := newWSServer(t)
	bus := event.NewBus()
	defer bus.Close()

	delivered := make(chan string, 8)
	bus.SubscribeAll(func(evt event.Event) { delivered <- evt.Name })

	c := NewConn(Config{URL: srv.wsURL(), Reconnect: fastReconnect(3)}, bus, nil)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	server := srv.accept(t)
	<-delivered // connected status

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	writeEvent(t, server, "settings:changed", map[string]any{})
	writeEvent(t, server, types.EventQueryProgress, types.QueryProgressData{Stage: "ok"})

	// Only the decodable, known event comes through.
	select {
	case name := <-delivered:
		assert.Equal(t, types.EventQueryProgress, name)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never dispatched")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "erroring", StateErroring.String())
}
