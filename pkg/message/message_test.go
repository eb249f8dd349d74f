package message

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		expr     string
		expected []any
	}{
		{"payload", []any{"payload"}},
		{"msg.topic", []any{"topic"}},
		{"payload.device.id", []any{"payload", "device", "id"}},
		{"data[0]['name']", []any{"data", 0, "name"}},
		{`headers["x-request-id"]`, []any{"headers", "x-request-id"}},
		{"a[1][2].b", []any{"a", 1, 2, "b"}},
		{"", nil},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			segments, err := ParsePath(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, segments)
		})
	}

	for _, bad := range []string{"a..b", "a.", "[0]", "a[", "a['b'", "a[x]", "a]b", "a[0]b"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParsePath(bad)
			assert.Error(t, err)
		})
	}
}

func TestMessageGet(t *testing.T) {
	msg := Message{
		"payload": map[string]any{
			"device": map[string]any{"id": "dev-1"},
			"list":   []any{"a", map[string]any{"name": "b"}},
		},
		"topic":   "dev-123",
		"headers": http.Header{"X-Request-Id": []string{"r1"}},
		"typed":   map[string]string{"k": "v"},
	}

	v, ok := msg.Get("topic")
	assert.True(t, ok)
	assert.Equal(t, "dev-123", v)

	v, ok = msg.Get("payload.device.id")
	assert.True(t, ok)
	assert.Equal(t, "dev-1", v)

	v, ok = msg.Get("payload.list[1].name")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = msg.Get("headers['x-request-id']")
	assert.True(t, ok)
	assert.Equal(t, "r1", v)

	v, ok = msg.Get("typed.k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = msg.Get("payload.missing")
	assert.False(t, ok)

	_, ok = msg.Get("payload.list[5]")
	assert.False(t, ok)

	_, ok = msg.Get("topic.deeper")
	assert.False(t, ok)

	_, ok = msg.Get("")
	assert.False(t, ok)
}

func TestMessageSet(t *testing.T) {
	msg := New("hello")

	require.NoError(t, msg.Set("a.b.c", 1))
	v, ok := msg.Get("a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	msg["list"] = []any{nil, "x"}
	require.NoError(t, msg.Set("list[0].name", "first"))
	v, _ = msg.Get("list[0].name")
	assert.Equal(t, "first", v)

	assert.Error(t, msg.Set("list[9]", "oob"))
	assert.Error(t, msg.Set("payload.x", 1))
	assert.Error(t, msg.Set("", 1))
}

func TestNewAndFromMap(t *testing.T) {
	msg := New(42)
	assert.NotEmpty(t, msg.ID())
	assert.Equal(t, 42, msg.Payload())

	wrapped := FromMap(map[string]any{"_msgid": "fixed", "topic": "t"})
	assert.Equal(t, "fixed", wrapped.ID())
	assert.Equal(t, "t", wrapped.Topic())

	fresh := FromMap(nil)
	assert.NotEmpty(t, fresh.ID())
}

func TestParse(t *testing.T) {
	msg, err := Parse([]byte(`{"payload":{"a":1},"topic":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Topic())
	assert.NotEmpty(t, msg.ID())

	msg, err = Parse([]byte(`"plain"`))
	require.NoError(t, err)
	assert.Equal(t, "plain", msg.Payload())

	_, err = Parse([]byte(`{`))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	orig := Message{
		"_msgid":  "id-1",
		"payload": map[string]any{"list": []any{1, 2}},
		"raw":     []byte("abc"),
	}
	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	clone["payload"].(map[string]any)["list"].([]any)[0] = 99
	clone["raw"].([]byte)[0] = 'z'
	assert.Equal(t, 1, orig["payload"].(map[string]any)["list"].([]any)[0])
	assert.Equal(t, byte('a'), orig["raw"].([]byte)[0])
	assert.Equal(t, "id-1", clone.ID())
}

func TestBlankAndTypeName(t *testing.T) {
	assert.True(t, Blank(nil))
	assert.True(t, Blank(""))
	assert.True(t, Blank([]byte{}))
	assert.False(t, Blank(0))
	assert.False(t, Blank(false))
	assert.False(t, Blank("x"))
	assert.False(t, Blank(map[string]any{}))

	assert.Equal(t, "undefined", TypeName(nil))
	assert.Equal(t, "string", TypeName("s"))
	assert.Equal(t, "number", TypeName(1.5))
	assert.Equal(t, "number", TypeName(3))
	assert.Equal(t, "boolean", TypeName(true))
	assert.Equal(t, "object", TypeName(map[string]any{}))
	assert.Equal(t, "object", TypeName([]any{}))
}
