package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingKind indicates a frame without a "kind" field.
	ErrMissingKind = errors.New("protocol: missing kind field")
	// ErrUnknownKind indicates a frame whose kind is not a v1 message kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrMalformed indicates a frame that is not valid JSON.
	ErrMalformed = errors.New("protocol: malformed frame")
)

// Encode serializes a message to its wire form with the "kind" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	kind, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, fmt.Errorf("encode kind: %w", err)
	}

	out := make([]byte, 0, len(body)+len(kind)+9)
	out = append(out, `{"kind":`...)
	out = append(out, kind...)
	if len(body) > 2 { // body is not the empty object "{}"
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a wire frame into its concrete message type. Frames with a
// missing or unknown kind are refused; v1 accepts no extensions.
func Decode(data []byte) (Message, error) {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch env.Kind {
	case "":
		return nil, ErrMissingKind
	case KindForwarderHello:
		m = &ForwarderHello{}
	case KindForwarderEventBatch:
		m = &ForwarderEventBatch{}
	case KindForwarderAck:
		m = &ForwarderAck{}
	case KindReceiverHello:
		m = &ReceiverHello{}
	case KindReceiverSubscribe:
		m = &ReceiverSubscribe{}
	case KindReceiverEventBatch:
		m = &ReceiverEventBatch{}
	case KindReceiverAck:
		m = &ReceiverAck{}
	case KindHeartbeat:
		m = &Heartbeat{}
	case KindError:
		m = &ErrorMessage{}
	case KindEpochResetCommand:
		m = &EpochResetCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}
