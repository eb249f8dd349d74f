// Package message defines the message object passed between flow nodes.
//
// A Message is a free-form map in the Node-RED style: a primary "payload"
// property, a unique "_msgid", and any number of named properties that nodes
// read and write through property paths such as "payload.device.id" or
// "data[0]['name']".
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Well-known message properties
const (
	KeyID          = "_msgid"
	KeyPayload     = "payload"
	KeyTopic       = "topic"
	KeyStatusCode  = "statusCode"
	KeyHeaders     = "headers"
	KeyResponseURL = "responseUrl"
	KeyError       = "error"
)

// Message is a flow message
type Message map[string]any

// New creates a message carrying the given payload and a fresh id
func New(payload any) Message {
	return Message{
		KeyID:      uuid.New().String(),
		KeyPayload: payload,
	}
}

// FromMap wraps an existing map as a message, assigning an id if it has none
func FromMap(m map[string]any) Message {
	if m == nil {
		m = make(map[string]any)
	}
	msg := Message(m)
	if id, _ := msg[KeyID].(string); id == "" {
		msg[KeyID] = uuid.New().String()
	}
	return msg
}

// Parse decodes a JSON document into a message. A JSON object becomes the
// message itself; any other JSON value becomes its payload.
func Parse(data []byte) (Message, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if obj, ok := raw.(map[string]any); ok {
		return FromMap(obj), nil
	}
	return New(raw), nil
}

// ID returns the message id
func (m Message) ID() string {
	id, _ := m[KeyID].(string)
	return id
}

// Payload returns the primary payload
func (m Message) Payload() any {
	return m[KeyPayload]
}

// SetPayload replaces the primary payload
func (m Message) SetPayload(v any) {
	m[KeyPayload] = v
}

// Topic returns the topic property as a string, or "" when unset
func (m Message) Topic() string {
	topic, _ := m[KeyTopic].(string)
	return topic
}

// Get resolves a property path against the message. The boolean reports
// whether every segment of the path was present.
func (m Message) Get(path string) (any, bool) {
	segments, err := ParsePath(path)
	if err != nil || len(segments) == 0 {
		return nil, false
	}
	return lookup(map[string]any(m), segments)
}

// Set writes a value at a property path, creating intermediate objects as
// needed.
func (m Message) Set(path string, value any) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("empty property path")
	}
	return assign(map[string]any(m), segments, value)
}

// Delete removes a top-level property
func (m Message) Delete(key string) {
	delete(m, key)
}

// Clone returns a deep copy of the message. The id is preserved.
func (m Message) Clone() Message {
	return Message(cloneValue(map[string]any(m)).(map[string]any))
}

// CloneValue deep copies maps, slices and buffers of a message value
func CloneValue(v any) any {
	return cloneValue(v)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Message:
		return Message(cloneValue(map[string]any(val)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case map[string][]string:
		out := make(map[string][]string, len(val))
		for k, item := range val {
			out[k] = append([]string(nil), item...)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	default:
		return v
	}
}

// Blank reports whether a resolved value counts as absent: nil, the empty
// string or an empty buffer.
func Blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []byte:
		return len(val) == 0
	}
	return false
}

// TypeName returns the JavaScript-style type name of a value, as shown in
// user-facing error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return "number"
	case func(), func(any) any:
		return "function"
	}
	return "object"
}
