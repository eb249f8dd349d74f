package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBinding(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Binding
	}{
		{"bare string is a literal", "dev-1", Bind(Literal("dev-1"))},
		{"number is a literal", 10, Bind(Literal("10"))},
		{"unsigned is a literal", uint64(18446744073709551615), Bind(Literal("18446744073709551615"))},
		{"float32 is a literal", float32(2.5), Bind(Literal("2.5"))},
		{"bool is a literal", true, Bind(Literal("true"))},
		{"nil is an empty literal", nil, Bind(Literal(""))},
		{"default type is str", map[string]interface{}{"value": "x"}, Bind(Literal("x"))},
		{"msg type", map[string]interface{}{"value": "topic", "type": "msg"}, Bind(MessagePath("topic"))},
		{"fallback off", map[string]interface{}{"value": "a.b", "type": "msg", "fallback": false},
			Binding{Source: MessagePath("a.b"), Fallback: false}},
		{"object value is kept as JSON", map[string]interface{}{"value": map[string]interface{}{"name": "n"}},
			Bind(Literal(`{"name":"n"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBinding(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []any{
			map[string]interface{}{"value": "x", "type": "env"},
			map[string]interface{}{"value": "x", "type": 3},
			map[string]interface{}{"value": "x", "fallback": "yes"},
			[]any{"x"},
		} {
			_, err := DecodeBinding(raw)
			assert.Error(t, err, "%v", raw)
		}
	})
}

func TestDecodeBindings(t *testing.T) {
	b, err := DecodeBindings(map[string]interface{}{
		"deviceId": map[string]interface{}{"value": "topic", "type": "msg"},
		"scope":    "SERVER_SCOPE",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deviceId", "scope"}, b.Names())

	_, err = DecodeBindings(map[string]interface{}{"x": map[string]interface{}{"type": "nope"}})
	assert.ErrorContains(t, err, "parameter x")
}

func TestBindingJSON(t *testing.T) {
	data, err := json.Marshal(Bind(MessagePath("topic")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"topic","type":"msg","fallback":true}`, string(data))

	var b Binding
	require.NoError(t, json.Unmarshal([]byte(`{"value":"payload.id","type":"msg","fallback":false}`), &b))
	assert.Equal(t, Binding{Source: MessagePath("payload.id")}, b)

	require.NoError(t, json.Unmarshal([]byte(`"literal"`), &b))
	assert.Equal(t, Bind(Literal("literal")), b)
}
