// Package job tracks long-running server-side jobs (document ingest, tree
// generation) from their progress events. Jobs are independent per key and
// their status never regresses out of a terminal state.
package job

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/docuchat-ai/docuchat/internal/event"
	"github.com/docuchat-ai/docuchat/internal/logging"
	"github.com/docuchat-ai/docuchat/internal/metrics"
	"github.com/docuchat-ai/docuchat/pkg/types"
)

// UpdateFunc receives a snapshot of a job after each merged event.
type UpdateFunc func(job types.Job)

// Multiplexer fans the document:update and tree:* event streams out into
// per-key job records. Any number of jobs can be in flight at once; events
// after a terminal status are ignored.
type Multiplexer struct {
	mu   sync.Mutex
	jobs map[types.JobKey]*types.Job

	onUpdate UpdateFunc
	m        *metrics.Metrics
	log      zerolog.Logger
	unsubs   []func()
}

// NewMultiplexer creates a multiplexer delivering snapshots to onUpdate.
// Both onUpdate and metrics may be nil.
func NewMultiplexer(onUpdate UpdateFunc, m *metrics.Metrics) *Multiplexer {
	return &Multiplexer{
		jobs:     make(map[types.JobKey]*types.Job),
		onUpdate: onUpdate,
		m:        m,
		log:      logging.With().Str("component", "job").Logger(),
	}
}

// Attach subscribes the multiplexer's handlers on the bus.
func (x *Multiplexer) Attach(bus *event.Bus) {
	x.unsubs = append(x.unsubs,
		bus.Subscribe(types.EventDocumentUpdate, x.handleDocument),
		bus.Subscribe(types.EventTreeStarted, x.handleTree),
		bus.Subscribe(types.EventTreeProgress, x.handleTree),
		bus.Subscribe(types.EventTreeCompleted, x.handleTree),
		bus.Subscribe(types.EventTreeError, x.handleTree),
	)
}

// Detach removes the multiplexer's subscriptions.
func (x *Multiplexer) Detach() {
	for _, unsub := range x.unsubs {
		unsub()
	}
	x.unsubs = nil
}

// Reset drops every tracked job without firing update callbacks. Called on
// explicit disconnect so events replayed after a later reconnect start from
// clean records.
func (x *Multiplexer) Reset() {
	x.mu.Lock()
	if x.m != nil {
		for _, j := range x.jobs {
			if !j.Status.Terminal() {
				x.m.JobsActive.Dec()
			}
		}
	}
	x.jobs = make(map[types.JobKey]*types.Job)
	x.mu.Unlock()
}

// Get returns a snapshot of one tracked job.
func (x *Multiplexer) Get(key types.JobKey) (types.Job, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	j, ok := x.jobs[key]
	if !ok {
		return types.Job{}, false
	}
	return snapshot(j), true
}

// Jobs returns snapshots of every tracked job.
func (x *Multiplexer) Jobs() []types.Job {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]types.Job, 0, len(x.jobs))
	for _, j := range x.jobs {
		out = append(out, snapshot(j))
	}
	return out
}

// Ack releases a job that reached completed or error. The multiplexer does
// not retain terminal jobs forever; the owning collaborator acknowledges
// them once it has consumed the outcome. Returns false while the job is
// still running or unknown.
func (x *Multiplexer) Ack(key types.JobKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	j, ok := x.jobs[key]
	if !ok || !j.Status.Terminal() {
		return false
	}
	delete(x.jobs, key)
	return true
}

// update is a field-wise merge: absent incoming fields keep prior values.
type update struct {
	status   types.JobStatus
	percent  *float64
	message  string
	rawState string
	result   *types.JobResult
}

func (x *Multiplexer) apply(key types.JobKey, u update) {
	x.mu.Lock()
	j, ok := x.jobs[key]
	if !ok {
		j = &types.Job{Key: key, Status: types.JobStarted}
		x.jobs[key] = j
		if x.m != nil {
			x.m.JobsActive.Inc()
		}
	}
	if j.Status.Terminal() {
		// Late event after completion or error: ignored, never a regression.
		x.mu.Unlock()
		return
	}

	j.Status = u.status
	if u.percent != nil {
		p := *u.percent
		j.Percent = &p
	}
	if u.message != "" {
		j.Message = u.message
	}
	if u.rawState != "" {
		j.RawState = u.rawState
	}
	if u.result != nil {
		if j.Result == nil {
			j.Result = &types.JobResult{}
		}
		if u.result.TreeID != 0 {
			j.Result.TreeID = u.result.TreeID
		}
		if u.result.NumNodes != 0 {
			j.Result.NumNodes = u.result.NumNodes
		}
		if u.result.NumPages != 0 {
			j.Result.NumPages = u.result.NumPages
		}
	}

	if j.Status.Terminal() && x.m != nil {
		x.m.JobsActive.Dec()
	}
	snap := snapshot(j)
	x.mu.Unlock()

	x.log.Debug().Str("kind", string(key.Kind)).Int64("doc", key.DocID).
		Str("status", string(snap.Status)).Msg("job update")
	if x.onUpdate != nil {
		x.onUpdate(snap)
	}
}

func (x *Multiplexer) handleDocument(evt event.Event) {
	d, ok := evt.Data.(*types.DocumentUpdateData)
	if !ok {
		return
	}

	u := update{
		status:   documentStatus(d.Status),
		percent:  d.Progress,
		message:  d.Message,
		rawState: d.Status,
	}
	if d.NumPages != 0 {
		u.result = &types.JobResult{NumPages: d.NumPages}
	}
	x.apply(types.JobKey{Kind: types.JobDocument, DocID: d.DocID}, u)
}

func (x *Multiplexer) handleTree(evt event.Event) {
	d, ok := evt.Data.(*types.TreeEventData)
	if !ok {
		return
	}

	u := update{
		status:  treeStatus(evt.Name),
		percent: d.Progress,
		message: d.Message,
	}
	if d.TreeID != 0 || d.NumNodes != 0 || d.NumPages != 0 {
		u.result = &types.JobResult{
			TreeID:   d.TreeID,
			NumNodes: d.NumNodes,
			NumPages: d.NumPages,
		}
	}
	x.apply(types.JobKey{Kind: types.JobTree, DocID: d.DocumentID}, u)
}

// documentStatus maps the server's free-form document state strings onto the
// job lifecycle. Unknown states count as processing.
func documentStatus(s string) types.JobStatus {
	switch strings.ToLower(s) {
	case "started", "uploaded":
		return types.JobStarted
	case "completed", "processed", "indexed":
		return types.JobCompleted
	case "error", "failed":
		return types.JobError
	default:
		return types.JobProcessing
	}
}

func treeStatus(eventName string) types.JobStatus {
	switch eventName {
	case types.EventTreeStarted:
		return types.JobStarted
	case types.EventTreeCompleted:
		return types.JobCompleted
	case types.EventTreeError:
		return types.JobError
	default:
		return types.JobProcessing
	}
}

func snapshot(j *types.Job) types.Job {
	out := *j
	if j.Percent != nil {
		p := *j.Percent
		out.Percent = &p
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}
