package types

// QueryPhase describes where an in-flight question is in its lifecycle.
type QueryPhase string

const (
	QueryPhaseStarted   QueryPhase = "started"
	QueryPhaseStreaming QueryPhase = "streaming"
	QueryPhaseCompleted QueryPhase = "completed"
	QueryPhaseFailed    QueryPhase = "failed"
)

// Answer is the assembled result of one question: every streamed chunk in
// arrival order plus the completion metadata. It is built from the live
// accumulator state at the moment query:answer_complete arrives.
type Answer struct {
	QuestionID     string     `json:"questionID"`
	ConversationID int64      `json:"conversation_id"`
	Question       string     `json:"question"`
	Thinking       string     `json:"thinking"`
	NodeIDs        []string   `json:"node_ids"`
	Text           string     `json:"answer"`
	Citations      []Citation `json:"citations"`
	TokensUsed     int        `json:"tokens_used"`
	Cost           float64    `json:"cost"`
	Cached         bool       `json:"cached"`
}
