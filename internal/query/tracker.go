// Package query assembles the chunked query:* event stream into complete
// answers: one terminal callback per question, built from the full
// accumulated state at completion time.
package query

import (
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/docuchat-ai/docuchat/internal/event"
	"github.com/docuchat-ai/docuchat/internal/logging"
	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

// Callbacks are the consumer hooks. Chunk callbacks fire as fragments
// arrive so a UI can render incrementally; OnAnswer and OnError are
// terminal and fire exactly once per question. Nil callbacks are skipped.
type Callbacks struct {
	OnThinkingChunk func(conversationID int64, chunk string)
	OnNodes         func(conversationID int64, nodes []string)
	OnAnswerChunk   func(conversationID int64, chunk string)
	OnProgress      func(stage, message string)
	OnAnswer        func(answer *types.Answer)
	OnError         func(questionID string, conversationID int64, message string)
}

// record is the single mutable accumulator for one in-flight question. All
// reads at completion time go through the live record, never through a
// snapshot captured while chunks were still arriving.
type record struct {
	questionID string
	question   string
	thinking   strings.Builder
	nodeIDs    []string
	answer     strings.Builder
	phase      types.QueryPhase
}

// Tracker turns the query:* event stream into completed answer records. One
// question is in flight per conversation; events for questions already
// completed or failed are silently discarded.
type Tracker struct {
	mu      sync.Mutex
	live    map[int64]*record // conversation id -> in-flight question
	pending map[int64]string  // conversation id -> client-generated question id

	cb     Callbacks
	m      *metrics.Metrics
	log    zerolog.Logger
	unsubs []func()
}

// NewTracker creates a tracker with the given consumer callbacks. Metrics
// may be nil.
func NewTracker(cb Callbacks, m *metrics.Metrics) *Tracker {
	return &Tracker{
		live:    make(map[int64]*record),
		pending: make(map[int64]string),
		cb:      cb,
		m:       m,
		log:     logging.With().Str("component", "query").Logger(),
	}
}

// Attach subscribes the tracker's handlers on the bus.
func (t *Tracker) Attach(bus *event.Bus) {
	t.unsubs = append(t.unsubs,
		bus.Subscribe(types.EventQueryStarted, t.handleStarted),
		bus.Subscribe(types.EventQueryThinkingStream, t.handleThinking),
		bus.Subscribe(types.EventQueryNodes, t.handleNodes),
		bus.Subscribe(types.EventQueryAnswerStream, t.handleAnswer),
		bus.Subscribe(types.EventQueryAnswerComplete, t.handleComplete),
		bus.Subscribe(types.EventQueryCompleted, t.handleCompleted),
		bus.Subscribe(types.EventQueryProgress, t.handleProgress),
		bus.Subscribe(types.EventQueryError, t.handleError),
		bus.Subscribe(types.EventError, t.handleRejection),
	)
}

// Detach removes the tracker's subscriptions.
func (t *Tracker) Detach() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

// Expect registers a client-generated question id for a conversation before
// the query is sent, so the echoed query:started can be correlated back to
// it. Returns the new question id.
func (t *Tracker) Expect(conversationID int64) string {
	id := ulid.Make().String()
	t.mu.Lock()
	t.pending[conversationID] = id
	t.mu.Unlock()
	return id
}

// Cancel withdraws a pending expectation, e.g. when the send that followed
// Expect failed. A conversation with no pending id is a no-op.
func (t *Tracker) Cancel(conversationID int64) {
	t.mu.Lock()
	delete(t.pending, conversationID)
	t.mu.Unlock()
}

// Reset evicts every live question and pending expectation without firing
// terminal callbacks. Called on explicit disconnect: events replayed after a
// later reconnect must never resume pre-disconnect accumulation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	evicted := len(t.live) + len(t.pending)
	t.live = make(map[int64]*record)
	t.pending = make(map[int64]string)
	t.mu.Unlock()

	if evicted > 0 {
		t.log.Debug().Int("evicted", evicted).Msg("tracker reset")
	}
}

// Phase reports the lifecycle phase of the in-flight question for a
// conversation, if any.
func (t *Tracker) Phase(conversationID int64) (types.QueryPhase, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.live[conversationID]
	if !ok {
		return "", false
	}
	return rec.phase, true
}

// InFlight returns the number of in-flight questions: live records plus
// submissions still awaiting their query:started echo. A conversation with
// both counts once.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.live)
	for id := range t.pending {
		if _, ok := t.live[id]; !ok {
			n++
		}
	}
	return n
}

func (t *Tracker) handleStarted(evt event.Event) {
	d, ok := evt.Data.(*types.QueryStartedData)
	if !ok {
		return
	}

	t.mu.Lock()
	if prev, exists := t.live[d.ConversationID]; exists {
		// A new question supersedes any still-streaming one on the same
		// conversation.
		t.log.Warn().Int64("conversation", d.ConversationID).
			Str("question_id", prev.questionID).Msg("superseding in-flight question")
	}
	id := t.pending[d.ConversationID]
	delete(t.pending, d.ConversationID)
	if id == "" {
		// Server-initiated echo with no local submission (another client on
		// the same conversation); track it anyway.
		id = ulid.Make().String()
	}
	t.live[d.ConversationID] = &record{
		questionID: id,
		question:   d.Question,
		phase:      types.QueryPhaseStarted,
	}
	t.mu.Unlock()

	t.log.Debug().Int64("conversation", d.ConversationID).Str("question_id", id).
		Msg("query started")
}

func (t *Tracker) handleThinking(evt event.Event) {
	d, ok := evt.Data.(*types.ThinkingStreamData)
	if !ok {
		return
	}

	t.mu.Lock()
	rec, ok := t.live[d.ConversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.thinking.WriteString(d.Chunk)
	if rec.phase == types.QueryPhaseStarted {
		rec.phase = types.QueryPhaseStreaming
	}
	t.mu.Unlock()

	if t.cb.OnThinkingChunk != nil {
		t.cb.OnThinkingChunk(d.ConversationID, d.Chunk)
	}
}

func (t *Tracker) handleNodes(evt event.Event) {
	d, ok := evt.Data.(*types.QueryNodesData)
	if !ok {
		return
	}

	t.mu.Lock()
	rec, ok := t.live[d.ConversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	// Wholesale replacement: a later nodes event fully supersedes an earlier
	// one, it is never additive.
	rec.nodeIDs = append([]string(nil), d.NodeList...)
	t.mu.Unlock()

	if t.cb.OnNodes != nil {
		t.cb.OnNodes(d.ConversationID, d.NodeList)
	}
}

func (t *Tracker) handleAnswer(evt event.Event) {
	d, ok := evt.Data.(*types.AnswerStreamData)
	if !ok {
		return
	}

	t.mu.Lock()
	rec, ok := t.live[d.ConversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.answer.WriteString(d.Chunk)
	if rec.phase == types.QueryPhaseStarted {
		rec.phase = types.QueryPhaseStreaming
	}
	t.mu.Unlock()

	if t.cb.OnAnswerChunk != nil {
		t.cb.OnAnswerChunk(d.ConversationID, d.Chunk)
	}
}

func (t *Tracker) handleComplete(evt event.Event) {
	d, ok := evt.Data.(*types.AnswerCompleteData)
	if !ok {
		return
	}

	t.mu.Lock()
	rec, ok := t.live[d.ConversationID]
	if !ok {
		// Already terminal or never tracked: duplicate delivery after a
		// reconnect replay. Discard.
		t.mu.Unlock()
		return
	}
	// Build the final record from the live accumulators under the lock, so
	// it includes every chunk up to and including the last answer_stream.
	answer := &types.Answer{
		QuestionID:     rec.questionID,
		ConversationID: d.ConversationID,
		Question:       rec.question,
		Thinking:       rec.thinking.String(),
		NodeIDs:        rec.nodeIDs,
		Text:           rec.answer.String(),
		Citations:      d.Citations,
		TokensUsed:     d.TokensUsed,
		Cost:           d.Cost,
		Cached:         d.Cached,
	}
	rec.phase = types.QueryPhaseCompleted
	delete(t.live, d.ConversationID)
	t.mu.Unlock()

	if t.m != nil {
		t.m.QueriesCompleted.Inc()
	}
	t.log.Info().Int64("conversation", d.ConversationID).
		Str("question_id", answer.QuestionID).Int("tokens", d.TokensUsed).
		Float64("cost", d.Cost).Bool("cached", d.Cached).Msg("answer complete")

	if t.cb.OnAnswer != nil {
		t.cb.OnAnswer(answer)
	}
}

// handleCompleted consumes the server's post-persistence bookkeeping event.
// The question is already evicted by answer_complete, so this never mutates
// tracker state.
func (t *Tracker) handleCompleted(evt event.Event) {
	d, ok := evt.Data.(*types.QueryCompletedData)
	if !ok {
		return
	}
	t.log.Debug().Int64("conversation", d.ConversationID).Msg("query persisted")
}

func (t *Tracker) handleProgress(evt event.Event) {
	d, ok := evt.Data.(*types.QueryProgressData)
	if !ok {
		return
	}
	if t.cb.OnProgress != nil {
		t.cb.OnProgress(d.Stage, d.Message)
	}
}

func (t *Tracker) handleError(evt event.Event) {
	d, ok := evt.Data.(*types.QueryErrorData)
	if !ok {
		return
	}

	t.mu.Lock()
	rec := t.live[d.ConversationID]
	pendingID, hasPending := t.pending[d.ConversationID]
	if rec == nil && !hasPending {
		// Late error for an already-terminal question: no observable change.
		t.mu.Unlock()
		return
	}
	questionID := pendingID
	if rec != nil {
		questionID = rec.questionID
		rec.phase = types.QueryPhaseFailed
	}
	delete(t.live, d.ConversationID)
	delete(t.pending, d.ConversationID)
	t.mu.Unlock()

	if t.m != nil {
		t.m.QueriesFailed.Inc()
	}
	t.log.Warn().Int64("conversation", d.ConversationID).
		Str("question_id", questionID).Str("message", d.Message).Msg("query failed")

	// Partial accumulation is discarded; the message reaches the consumer
	// verbatim.
	if t.cb.OnError != nil {
		t.cb.OnError(questionID, d.ConversationID, d.Message)
	}
}

// handleRejection consumes the bare error event the service emits when it
// rejects a submission before echoing query:started. The payload carries no
// conversation id; with exactly one expectation outstanding the attribution
// is unambiguous, otherwise the event is logged and dropped.
func (t *Tracker) handleRejection(evt event.Event) {
	d, ok := evt.Data.(*types.ErrorData)
	if !ok {
		return
	}

	t.mu.Lock()
	if len(t.pending) != 1 {
		outstanding := len(t.pending)
		t.mu.Unlock()
		t.log.Warn().Int("pending", outstanding).Str("message", d.Message).
			Msg("unattributable server rejection")
		return
	}
	var conversationID int64
	var questionID string
	for id, qid := range t.pending {
		conversationID, questionID = id, qid
	}
	delete(t.pending, conversationID)
	t.mu.Unlock()

	if t.m != nil {
		t.m.QueriesFailed.Inc()
	}
	t.log.Warn().Int64("conversation", conversationID).
		Str("message", d.Message).Msg("query rejected")

	if t.cb.OnError != nil {
		t.cb.OnError(questionID, conversationID, d.Message)
	}
}
