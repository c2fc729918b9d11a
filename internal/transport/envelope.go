package transport

import (
	"encoding/json"
	"fmt"

	"github.com/docuchat-ai/docuchat/pkg/types"
)

// Envelope is the wire frame: every message on the channel is a named event
// with a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrUnknownEvent marks frames whose event name the client does not decode.
// They are dropped at the boundary, never dispatched.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// decodePayload validates a frame at the transport boundary and produces the
// tagged variant for its event name. Application code downstream never sees
// raw JSON.
func decodePayload(name string, data json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if len(data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return v, nil
	}

	switch name {
	case types.EventConnected:
		return unmarshal(&types.ConnectedData{})
	case types.EventError:
		return unmarshal(&types.ErrorData{})
	case types.EventQueryStarted:
		return unmarshal(&types.QueryStartedData{})
	case types.EventQueryThinkingStream:
		return unmarshal(&types.ThinkingStreamData{})
	case types.EventQueryNodes:
		return unmarshal(&types.QueryNodesData{})
	case types.EventQueryAnswerStream:
		return unmarshal(&types.AnswerStreamData{})
	case types.EventQueryAnswerComplete:
		return unmarshal(&types.AnswerCompleteData{})
	case types.EventQueryCompleted:
		return unmarshal(&types.QueryCompletedData{})
	case types.EventQueryProgress:
		return unmarshal(&types.QueryProgressData{})
	case types.EventQueryError:
		return unmarshal(&types.QueryErrorData{})
	case types.EventDocumentUpdate:
		return unmarshal(&types.DocumentUpdateData{})
	case types.EventTreeStarted, types.EventTreeProgress,
		types.EventTreeCompleted, types.EventTreeError:
		return unmarshal(&types.TreeEventData{})
	default:
		return nil, &ErrUnknownEvent{Name: name}
	}
}

// parseEnvelope parses one raw websocket frame.
func parseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}
