package types

// JobKind distinguishes the two long-running pipelines that report progress
// for a document: the ingest pipeline (document:update) and tree generation
// (tree:*). The two share the document id space but are independent jobs.
type JobKind string

const (
	JobDocument JobKind = "document"
	JobTree     JobKind = "tree"
)

// JobKey identifies one tracked background job.
type JobKey struct {
	Kind  JobKind
	DocID int64
}

// JobStatus is the lifecycle of a tracked job. Completed and Error are
// terminal: once reached, later events for the key are ignored.
type JobStatus string

const (
	JobStarted    JobStatus = "started"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether s permits no further mutation.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// JobResult summarizes a finished job. Only fields the server reported are
// set.
type JobResult struct {
	TreeID   int64 `json:"tree_id,omitempty"`
	NumNodes int   `json:"num_nodes,omitempty"`
	NumPages int   `json:"num_pages,omitempty"`
}

// Job is an observable snapshot of one background job. Percent is nil until
// the server has reported progress for the key.
type Job struct {
	Key      JobKey
	Status   JobStatus
	Percent  *float64
	Message  string
	RawState string // server-reported status string, verbatim (document jobs)
	Result   *JobResult
}
