package types

// Event names pushed by the chat service. These are part of the wire contract
// and must match the server byte for byte.
const (
	EventConnectionStatus = "connection-status"
	EventConnected        = "connected"
	EventError            = "error"

	EventQueryStarted        = "query:started"
	EventQueryThinkingStream = "query:thinking_stream"
	EventQueryNodes          = "query:nodes"
	EventQueryAnswerStream   = "query:answer_stream"
	EventQueryAnswerComplete = "query:answer_complete"
	EventQueryCompleted      = "query:completed"
	EventQueryProgress       = "query:progress"
	EventQueryError          = "query:error"

	EventDocumentUpdate = "document:update"
	EventTreeStarted    = "tree:started"
	EventTreeProgress   = "tree:progress"
	EventTreeCompleted  = "tree:completed"
	EventTreeError      = "tree:error"
)

// ConnectionStatus values carried by connection-status events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ConnectionStatusData is the payload of connection-status events. The
// transport synthesizes these locally on every state transition so
// collaborators can react without polling.
type ConnectionStatusData struct {
	Status  string `json:"status"` // "connected" | "disconnected" | "error"
	Message string `json:"message,omitempty"`
}

// ConnectedData is the greeting the chat service sends once the channel is
// established.
type ConnectedData struct {
	Message string `json:"message"`
	SID     string `json:"sid"`
}

// ErrorData is the bare error event the service emits when it rejects a
// submission before query:started (server-side validation). It carries no
// conversation id.
type ErrorData struct {
	Message string `json:"message"`
}

// QueryStartedData echoes a submitted question back to the client.
type QueryStartedData struct {
	Question       string `json:"question"`
	ConversationID int64  `json:"conversation_id"`
}

// ThinkingStreamData carries one incremental fragment of the model's thinking
// text.
type ThinkingStreamData struct {
	Chunk          string `json:"chunk"`
	ConversationID int64  `json:"conversation_id"`
}

// QueryNodesData carries the full set of tree nodes selected for a question.
// A later event fully supersedes an earlier one; the list is never additive.
type QueryNodesData struct {
	NodeList       []string `json:"node_list"`
	ConversationID int64    `json:"conversation_id"`
}

// AnswerStreamData carries one incremental fragment of the answer text.
type AnswerStreamData struct {
	Chunk          string `json:"chunk"`
	ConversationID int64  `json:"conversation_id"`
}

// Citation references a span of the source document backing part of an answer.
type Citation struct {
	NodeID    string `json:"node_id"`
	Section   string `json:"section"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
}

// AnswerCompleteData closes out a streamed answer with its metadata.
type AnswerCompleteData struct {
	Question       string     `json:"question,omitempty"`
	Citations      []Citation `json:"citations"`
	TokensUsed     int        `json:"tokens_used"`
	Cost           float64    `json:"cost"`
	Cached         bool       `json:"cached"`
	RelevantNodes  []string   `json:"relevant_nodes,omitempty"`
	ConversationID int64      `json:"conversation_id"`
}

// QueryCompletedData is the bookkeeping event the server emits after
// answer_complete, once the exchange has been persisted server-side.
type QueryCompletedData struct {
	ConversationID int64   `json:"conversation_id"`
	TokensUsed     int     `json:"tokens_used"`
	Cost           float64 `json:"cost"`
}

// QueryProgressData is a coarse stage notification emitted while the query
// service is working (retrieval, reasoning, generation).
type QueryProgressData struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// QueryErrorData reports a failed question. Message is surfaced to the
// consumer verbatim.
type QueryErrorData struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversation_id"`
}

// DocumentUpdateData reports a document pipeline status change (upload,
// processing, indexing).
type DocumentUpdateData struct {
	DocID    int64    `json:"doc_id"`
	Status   string   `json:"status"`
	Message  string   `json:"message,omitempty"`
	NumPages int      `json:"num_pages,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

// TreeEventData is the shared payload of tree:started, tree:progress,
// tree:completed and tree:error events emitted during tree generation.
type TreeEventData struct {
	DocumentID int64    `json:"document_id"`
	TreeID     int64    `json:"tree_id,omitempty"`
	Message    string   `json:"message,omitempty"`
	Progress   *float64 `json:"progress,omitempty"`
	NumNodes   int      `json:"num_nodes,omitempty"`
	NumPages   int      `json:"num_pages,omitempty"`
}

// QueryRequest is the outbound query operation sent over the channel. The
// write is fire-and-forget; the server acknowledges with query:started.
type QueryRequest struct {
	Question         string `json:"question"`
	DocumentID       int64  `json:"document_id"`
	ConversationID   int64  `json:"conversation_id"`
	UseCache         bool   `json:"use_cache"`
	IncludeCitations bool   `json:"include_citations"`
}
