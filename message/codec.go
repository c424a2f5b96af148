package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage indicates the payload could not be decoded.
	ErrMalformedMessage = errors.New("malformed cluster message")

	// ErrForeignGroup indicates the envelope belongs to another cluster group.
	ErrForeignGroup = errors.New("message from foreign group")
)

// Envelope is the wire frame around every message.
type Envelope struct {
	Group   string          `json:"group"`
	Kind    Kind            `json:"kind"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames msg for the given group and sender.
func Encode(group, sender string, msg Message) ([]byte, error) {
	if _, ok := msg.(Unknown); ok {
		return nil, fmt.Errorf("cannot encode message of unknown kind %q", msg.Kind())
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Kind(), err)
	}

	data, err := json.Marshal(Envelope{
		Group:   group,
		Kind:    msg.Kind(),
		Sender:  sender,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return data, nil
}

// Decode parses a frame produced by Encode.
// Returns ErrForeignGroup if the frame was sent to another group and
// ErrMalformedMessage if it cannot be parsed. Unrecognized kinds decode into Unknown.
func Decode(group string, data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if env.Group != group {
		return env, nil, fmt.Errorf("%w: %q", ErrForeignGroup, env.Group)
	}

	var (
		msg Message
		err error
	)
	switch env.Kind {
	case KindCancelTask:
		msg, err = decodeAs[CancelTask](env.Payload)
	case KindProfileSelected:
		msg, err = decodeAs[ProfileSelected](env.Payload)
	case KindTaskAdded:
		msg, err = decodeAs[TaskAdded](env.Payload)
	case KindTaskCompleted:
		msg, err = decodeAs[TaskCompleted](env.Payload)
	case KindTaskState:
		msg, err = decodeAs[TaskStateUpdate](env.Payload)
	default:
		var head struct {
			MessageID string `json:"id"`
		}
		_ = json.Unmarshal(env.Payload, &head)
		msg = Unknown{MessageID: head.MessageID, Tag: env.Kind}
	}
	if err != nil {
		return env, nil, err
	}

	return env, msg, nil
}

func decodeAs[T Message](payload json.RawMessage) (Message, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}
