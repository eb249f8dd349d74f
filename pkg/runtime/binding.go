package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SourceKind tells how a binding's value is interpreted
type SourceKind string

const (
	// SourceLiteral uses the configured string verbatim
	SourceLiteral SourceKind = "str"

	// SourceMessage resolves the configured string as a path into the message
	SourceMessage SourceKind = "msg"
)

// ValueSource is either a literal string or a message path
type ValueSource struct {
	Kind  SourceKind
	Value string
}

// Literal returns a literal value source
func Literal(value string) ValueSource {
	return ValueSource{Kind: SourceLiteral, Value: value}
}

// MessagePath returns a message path value source
func MessagePath(path string) ValueSource {
	return ValueSource{Kind: SourceMessage, Value: path}
}

// Binding tells the dispatcher where one operation parameter comes from
type Binding struct {
	Source ValueSource

	// Fallback substitutes msg.payload when the source resolves to a blank value
	Fallback bool
}

// Bind returns a binding with payload fallback enabled
func Bind(source ValueSource) Binding {
	return Binding{Source: source, Fallback: true}
}

// Bindings maps parameter names to bindings
type Bindings map[string]Binding

// Names returns the bound parameter names sorted
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type persistedBinding struct {
	Value    string     `json:"value"`
	Type     SourceKind `json:"type"`
	Fallback bool       `json:"fallback"`
}

// MarshalJSON writes the persisted {value, type, fallback} form
func (b Binding) MarshalJSON() ([]byte, error) {
	return json.Marshal(persistedBinding{Value: b.Source.Value, Type: b.Source.Kind, Fallback: b.Fallback})
}

// UnmarshalJSON reads the persisted form or a bare literal string
func (b *Binding) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := DecodeBinding(raw)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DecodeBinding builds a binding from flow parameters. A bare scalar of any
// kind is a literal. A map carries "value", "type" ("str" or "msg", default
// "str") and an optional "fallback" flag (default true).
func DecodeBinding(raw any) (Binding, error) {
	switch v := raw.(type) {
	case nil:
		return Bind(Literal("")), nil
	case string:
		return Bind(Literal(v)), nil
	case []interface{}:
		return Binding{}, fmt.Errorf("unsupported binding %T", raw)
	case map[string]interface{}:
		b := Bind(Literal(""))

		switch value := v["value"].(type) {
		case nil:
		case string:
			b.Source.Value = value
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(value)
			if err != nil {
				return Binding{}, fmt.Errorf("invalid binding value: %w", err)
			}
			b.Source.Value = string(data)
		default:
			b.Source.Value = fmt.Sprint(value)
		}

		if t, ok := v["type"]; ok && t != nil {
			kind, ok := t.(string)
			if !ok {
				return Binding{}, fmt.Errorf("binding type must be a string, got %T", t)
			}
			switch SourceKind(strings.ToLower(kind)) {
			case "", SourceLiteral:
			case SourceMessage:
				b.Source.Kind = SourceMessage
			default:
				return Binding{}, fmt.Errorf("unknown binding type: %s", kind)
			}
		}

		if fb, ok := v["fallback"]; ok {
			flag, ok := fb.(bool)
			if !ok {
				return Binding{}, fmt.Errorf("binding fallback must be a boolean, got %T", fb)
			}
			b.Fallback = flag
		}
		return b, nil
	default:
		return Bind(Literal(fmt.Sprint(v))), nil
	}
}

// DecodeBindings decodes a map of parameter name to binding
func DecodeBindings(raw map[string]interface{}) (Bindings, error) {
	out := make(Bindings, len(raw))
	for name, v := range raw {
		b, err := DecodeBinding(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}
