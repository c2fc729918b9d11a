// Package transport owns the websocket channel to the chat service: the
// connection state machine, the bounded reconnect policy, and the decode of
// raw frames into typed events published on the bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/docuchat-ai/docuchat/internal/event"
	"github.com/docuchat-ai/docuchat/internal/logging"
	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

// ErrNotConnected is returned by writes when there is no live channel.
var ErrNotConnected = errors.New("transport: not connected")

// queryEventName is the outbound socket event carrying a QueryRequest.
const queryEventName = "query"

// State is the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// ReconnectConfig bounds the automatic reconnection policy.
type ReconnectConfig struct {
	// MaxAttempts is the number of consecutive failed dials tolerated before
	// the connection goes terminal. Default 5.
	MaxAttempts int
	// InitialInterval is the delay before the second attempt. Default 1s.
	InitialInterval time.Duration
	// MaxInterval caps the backoff. Default 30s.
	MaxInterval time.Duration
	// Multiplier grows the delay between attempts. Default 2.0.
	Multiplier float64
}

// Config configures a Conn.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8004/socket.io.
	URL string
	// HandshakeTimeout bounds the websocket handshake. Default 45s.
	HandshakeTimeout time.Duration
	Reconnect        ReconnectConfig
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 45 * time.Second
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = time.Second
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = 30 * time.Second
	}
	if c.Reconnect.Multiplier <= 0 {
		c.Reconnect.Multiplier = 2.0
	}
	return c
}

// Conn owns one websocket channel. It is a constructed value: callers build
// one per session and inject it where needed, there is no process-wide
// connection.
type Conn struct {
	cfg Config
	bus *event.Bus
	m   *metrics.Metrics
	log zerolog.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	state      State
	attempt    int
	lastError  string
	generation uint64

	writeMu sync.Mutex
}

// NewConn creates a disconnected Conn publishing into bus. Metrics may be
// nil.
func NewConn(cfg Config, bus *event.Bus, m *metrics.Metrics) *Conn {
	return &Conn{
		cfg: cfg.withDefaults(),
		bus: bus,
		m:   m,
		log: logging.With().Str("component", "transport").Logger(),
	}
}

// Connect establishes the channel. It is idempotent: calling it while
// connecting or connected is a no-op. It blocks until the handshake
// succeeds, the attempt budget is exhausted, or ctx is cancelled. After the
// budget is exhausted the connection is left erroring and a fresh Connect is
// required to resume; the new call starts with a fresh budget.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempt = 0
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	return c.connectLoop(ctx, gen)
}

// connectLoop dials until success or the attempt budget runs out. gen
// identifies the connect session; a Disconnect during the loop invalidates
// it.
func (c *Conn) connectLoop(ctx context.Context, gen uint64) error {
	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	bo := c.newReconnectBackoff()

	for {
		c.mu.Lock()
		if c.generation != gen || c.state != StateConnecting {
			c.mu.Unlock()
			return nil // torn down while connecting
		}
		c.mu.Unlock()

		ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			return c.install(ctx, ws, gen)
		}

		c.mu.Lock()
		c.attempt++
		attempts := c.attempt
		c.lastError = err.Error()
		c.mu.Unlock()

		if c.m != nil {
			c.m.ReconnectAttempts.Inc()
		}
		c.log.Warn().Err(err).Int("attempt", attempts).Msg("dial failed")

		if attempts >= c.cfg.Reconnect.MaxAttempts {
			return c.giveUp(gen, err)
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			c.teardownTo(gen, StateDisconnected)
			return ctx.Err()
		}
	}
}

// install publishes the connected transition and starts the read loop.
func (c *Conn) install(ctx context.Context, ws *websocket.Conn, gen uint64) error {
	c.mu.Lock()
	if c.generation != gen || c.state != StateConnecting {
		// Disconnect raced the handshake; the frames from this socket must
		// never be delivered.
		c.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	c.ws = ws
	c.state = StateConnected
	c.attempt = 0
	c.lastError = ""
	c.mu.Unlock()

	if c.m != nil {
		c.m.Connected.Set(1)
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	c.publishStatus(types.StatusConnected, "")

	go c.readLoop(ctx, ws, gen)
	return nil
}

// giveUp marks the connection terminally erroring. The erroring status is
// published exactly once per exhausted budget.
func (c *Conn) giveUp(gen uint64, err error) error {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	c.state = StateErroring
	c.mu.Unlock()

	c.log.Error().Err(err).Int("attempts", c.cfg.Reconnect.MaxAttempts).
		Msg("reconnect budget exhausted")
	c.publishStatus(types.StatusError,
		fmt.Sprintf("connection failed after %d attempts: %v", c.cfg.Reconnect.MaxAttempts, err))
	return fmt.Errorf("transport: connect failed after %d attempts: %w",
		c.cfg.Reconnect.MaxAttempts, err)
}

// teardownTo moves the connection to a final state if gen is still current.
func (c *Conn) teardownTo(gen uint64, s State) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.state = s
	c.mu.Unlock()
}

// readLoop reads frames until the socket dies, then drives reconnection.
// It is the single producer of inbound events: dispatch for one frame is
// fully synchronous.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, gen uint64) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleReadExit(ctx, gen, err)
			return
		}
		c.dispatch(raw, gen)
	}
}

// dispatch decodes one frame and fans it out. Frames read after a teardown
// carry a stale generation and are dropped, not delivered.
func (c *Conn) dispatch(raw []byte, gen uint64) {
	c.mu.Lock()
	live := c.generation == gen && c.state == StateConnected
	c.mu.Unlock()
	if !live {
		if c.m != nil {
			c.m.DroppedFrames.Inc()
		}
		return
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		if c.m != nil {
			c.m.DecodeErrors.Inc()
		}
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	payload, err := decodePayload(env.Event, env.Data)
	if err != nil {
		var unknown *ErrUnknownEvent
		if errors.As(err, &unknown) {
			c.log.Debug().Str("event", env.Event).Msg("dropping unknown event")
			return
		}
		if c.m != nil {
			c.m.DecodeErrors.Inc()
		}
		c.log.Warn().Err(err).Str("event", env.Event).Msg("dropping undecodable payload")
		return
	}

	if c.m != nil {
		c.m.EventsReceived.WithLabelValues(env.Event).Inc()
	}
	c.bus.Publish(env.Event, payload)
}

// handleReadExit runs when the socket dies mid-stream. Unless the teardown
// was deliberate, it publishes the disconnect and re-enters the reconnect
// loop with a fresh attempt budget.
func (c *Conn) handleReadExit(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		// Deliberate Disconnect already handled the transition.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.generation++
	newGen := c.generation
	c.state = StateConnecting
	c.attempt = 0
	c.lastError = err.Error()
	c.mu.Unlock()

	if c.m != nil {
		c.m.Connected.Set(0)
	}
	c.log.Warn().Err(err).Msg("connection lost")
	c.publishStatus(types.StatusDisconnected, err.Error())

	if ctx.Err() != nil {
		c.teardownTo(newGen, StateDisconnected)
		return
	}
	if err := c.connectLoop(ctx, newGen); err != nil {
		c.log.Error().Err(err).Msg("reconnect failed")
	}
}

// Disconnect tears the channel down deterministically. Inbound frames that
// race the teardown are dropped. Safe to call in any state.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.ws = nil
	c.generation++
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}

	if c.m != nil {
		c.m.Connected.Set(0)
	}
	if wasConnected {
		c.publishStatus(types.StatusDisconnected, "")
	}
	c.log.Info().Msg("disconnected")
}

// IsConnected reports whether the channel is currently established.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns the number of failed dials in the current budget.
func (c *Conn) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastError returns the most recent transport-level error message, if any.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// SendQuery writes a query request over the channel. The write is
// fire-and-forget: the server acknowledges with query:started and all
// results arrive as events.
func (c *Conn) SendQuery(req types.QueryRequest) error {
	if req.Question == "" {
		return fmt.Errorf("transport: question is required")
	}
	if req.DocumentID == 0 {
		return fmt.Errorf("transport: document id is required")
	}
	if req.ConversationID == 0 {
		return fmt.Errorf("transport: conversation id is required")
	}

	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	frame, err := json.Marshal(Envelope{Event: queryEventName, Data: mustMarshal(req)})
	if err != nil {
		return fmt.Errorf("transport: encode query: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: write query: %w", err)
	}

	if c.m != nil {
		c.m.QueriesSent.Inc()
	}
	return nil
}

func (c *Conn) publishStatus(status, msg string) {
	c.bus.Publish(types.EventConnectionStatus, &types.ConnectionStatusData{
		Status:  status,
		Message: msg,
	})
}

// newReconnectBackoff builds the delay policy between dial attempts:
// exponential with jitter, capped, no overall elapsed-time limit (the
// attempt budget bounds the loop instead).
func (c *Conn) newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Reconnect.InitialInterval
	b.MaxInterval = c.cfg.Reconnect.MaxInterval
	b.Multiplier = c.cfg.Reconnect.Multiplier
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// QueryRequest contains only plain fields; this cannot fail.
		panic(err)
	}
	return b
}
