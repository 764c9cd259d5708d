package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Wire format: versioned, self-describing JSON. Any two replicas running the
// same codec version can exchange envelopes with no shared process state.
const (
	wireVersion = 1

	kindCall   = "call"
	kindAnswer = "answer"
)

// CallEnvelope is the fan-out half of a broadcast: one logical invocation
// addressed to every replica subscribed to Channel. Immutable once encoded.
type CallEnvelope struct {
	Version       int                        `json:"v"`
	Kind          string                     `json:"kind"`
	CallID        uuid.UUID                  `json:"call_id"`
	Channel       string                     `json:"channel"`
	Args          []json.RawMessage          `json:"args,omitempty"`
	Kwargs        map[string]json.RawMessage `json:"kwargs,omitempty"`
	ExpectAnswers bool                       `json:"expect_answers"`
}

// AnswerEnvelope is one replica's reply to a call. Result holds the
// handler's encoded return value; Error is non-empty when the handler
// failed, in which case Result is null.
type AnswerEnvelope struct {
	Version  int             `json:"v"`
	Kind     string          `json:"kind"`
	CallID   uuid.UUID       `json:"call_id"`
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Failed reports whether the replica's handler returned an error or panicked.
func (a AnswerEnvelope) Failed() bool { return a.Error != "" }

// DecodeResult unmarshals the replica's result into v.
func (a AnswerEnvelope) DecodeResult(v any) error {
	if len(a.Result) == 0 {
		return fmt.Errorf("broadcast: answer from %s carries no result", a.WorkerID)
	}
	return json.Unmarshal(a.Result, v)
}

// EncodeCall serializes a call envelope, stamping the wire version and kind.
func EncodeCall(env CallEnvelope) ([]byte, error) {
	env.Version = wireVersion
	env.Kind = kindCall
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode call envelope: %w", err)
	}
	return b, nil
}

// EncodeAnswer serializes an answer envelope, stamping the wire version and kind.
func EncodeAnswer(env AnswerEnvelope) ([]byte, error) {
	env.Version = wireVersion
	env.Kind = kindAnswer
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode answer envelope: %w", err)
	}
	return b, nil
}

// Decode interprets transport bytes as one of the two envelope kinds.
// It returns *CallEnvelope or *AnswerEnvelope, or a *DecodeError for
// malformed bytes, unknown kinds, or incompatible versions.
func Decode(payload []byte) (any, error) {
	var probe struct {
		Version int    `json:"v"`
		Kind    string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if probe.Version != wireVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported wire version %d", probe.Version)}
	}
	switch probe.Kind {
	case kindCall:
		var env CallEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &DecodeError{Reason: "malformed call envelope", Err: err}
		}
		if env.CallID == uuid.Nil || env.Channel == "" {
			return nil, &DecodeError{Reason: "call envelope missing call_id or channel"}
		}
		return &env, nil
	case kindAnswer:
		var env AnswerEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &DecodeError{Reason: "malformed answer envelope", Err: err}
		}
		if env.CallID == uuid.Nil {
			return nil, &DecodeError{Reason: "answer envelope missing call_id"}
		}
		return &env, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown envelope kind %q", probe.Kind)}
	}
}

func marshalValue(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return b, nil
}
