// Package docchat is the public client for the document question-answering
// service. It wires the websocket transport, the event dispatcher, the
// streaming query tracker, and the job progress multiplexer into one
// injectable value; nothing in it is process-global, so applications and
// tests can run any number of isolated clients.
package docchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docuchat-ai/docuchat/internal/event"
	"github.com/docuchat-ai/docuchat/internal/job"
	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/internal/query"
	"github.com/docuchat-ai/docuchat/internal/transport"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

// Callbacks re-exports the query tracker hooks for consumers.
type Callbacks = query.Callbacks

// Options configures a Client.
type Options struct {
	// Config is required; use config.Load or build one directly.
	Config *types.Config

	// Query carries the streaming and terminal callbacks for questions.
	Query Callbacks

	// OnJobUpdate receives a snapshot after every merged job event.
	OnJobUpdate func(types.Job)

	// OnStatus receives connection-status transitions.
	OnStatus func(status, message string)

	// Metrics enables prometheus instrumentation when non-nil.
	Metrics *metrics.Metrics
}

// Client is one session against the chat service.
type Client struct {
	cfg     *types.Config
	bus     *event.Bus
	conn    *transport.Conn
	tracker *query.Tracker
	jobs    *job.Multiplexer

	mu     sync.Mutex
	sid    string
	unsubs []func()
}

// New builds a Client from options. The client owns its bus, transport, and
// trackers; Close releases all of them.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("docchat: config is required")
	}

	tcfg, err := transportConfig(opts.Config)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	c := &Client{
		cfg:     opts.Config,
		bus:     bus,
		conn:    transport.NewConn(tcfg, bus, opts.Metrics),
		tracker: query.NewTracker(opts.Query, opts.Metrics),
		jobs:    job.NewMultiplexer(opts.OnJobUpdate, opts.Metrics),
	}

	c.tracker.Attach(bus)
	c.jobs.Attach(bus)

	c.unsubs = append(c.unsubs, bus.Subscribe(types.EventConnected, func(evt event.Event) {
		if d, ok := evt.Data.(*types.ConnectedData); ok {
			c.mu.Lock()
			c.sid = d.SID
			c.mu.Unlock()
		}
	}))
	if opts.OnStatus != nil {
		onStatus := opts.OnStatus
		c.unsubs = append(c.unsubs, bus.Subscribe(types.EventConnectionStatus, func(evt event.Event) {
			if d, ok := evt.Data.(*types.ConnectionStatusData); ok {
				onStatus(d.Status, d.Message)
			}
		}))
	}

	return c, nil
}

func transportConfig(cfg *types.Config) (transport.Config, error) {
	out := transport.Config{URL: cfg.ServerURL}
	out.Reconnect.MaxAttempts = cfg.Reconnect.MaxAttempts
	out.Reconnect.Multiplier = cfg.Reconnect.Multiplier

	var err error
	if out.Reconnect.InitialInterval, err = parseInterval(cfg.Reconnect.InitialInterval); err != nil {
		return out, fmt.Errorf("docchat: reconnect.initial_interval: %w", err)
	}
	if out.Reconnect.MaxInterval, err = parseInterval(cfg.Reconnect.MaxInterval); err != nil {
		return out, fmt.Errorf("docchat: reconnect.max_interval: %w", err)
	}
	return out, nil
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Connect establishes the channel. Idempotent; blocks until the handshake
// succeeds or the reconnect budget is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect tears the channel down and evicts every in-flight question and
// tracked job. Events replayed after a later Connect never resume the
// evicted records; their terminal callbacks simply never fire.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
	c.tracker.Reset()
	c.jobs.Reset()
}

// IsConnected reports whether the channel is established.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// SessionID returns the server-assigned session id from the connected
// greeting, if one has arrived.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Ask submits a question about a document. The returned question id
// correlates the eventual OnAnswer or OnError callback; results never come
// back through Ask itself.
func (c *Client) Ask(question string, documentID, conversationID int64) (string, error) {
	if question == "" {
		return "", fmt.Errorf("docchat: question is required")
	}
	if documentID == 0 {
		return "", fmt.Errorf("docchat: document id is required")
	}
	if conversationID == 0 {
		return "", fmt.Errorf("docchat: conversation id is required")
	}

	questionID := c.tracker.Expect(conversationID)

	req := types.QueryRequest{
		Question:         question,
		DocumentID:       documentID,
		ConversationID:   conversationID,
		UseCache:         boolSetting(c.cfg.Query.UseCache, true),
		IncludeCitations: boolSetting(c.cfg.Query.IncludeCitations, true),
	}
	if err := c.conn.SendQuery(req); err != nil {
		c.tracker.Cancel(conversationID)
		return "", err
	}
	return questionID, nil
}

func boolSetting(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Job returns a snapshot of one tracked background job.
func (c *Client) Job(key types.JobKey) (types.Job, bool) {
	return c.jobs.Get(key)
}

// Jobs returns snapshots of every tracked background job.
func (c *Client) Jobs() []types.Job {
	return c.jobs.Jobs()
}

// AckJob releases a job that reached a terminal status.
func (c *Client) AckJob(key types.JobKey) bool {
	return c.jobs.Ack(key)
}

// InFlight returns the number of live questions.
func (c *Client) InFlight() int {
	return c.tracker.InFlight()
}

// Bus exposes the client's event dispatcher so embedding applications can
// subscribe to raw events alongside the built-in trackers.
func (c *Client) Bus() *event.Bus {
	return c.bus
}

// Close disconnects and releases every subscription. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.conn.Disconnect()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.tracker.Detach()
	c.tracker.Reset()
	c.jobs.Detach()
	c.jobs.Reset()
	return c.bus.Close()
}
