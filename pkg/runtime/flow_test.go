package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// recorderNode keeps every message it receives
type recorderNode struct {
	id   string
	msgs chan message.Message
}

func (n *recorderNode) ID() string   { return n.id }
func (n *recorderNode) Type() string { return "recorder" }
func (n *recorderNode) Close() error { return nil }
func (n *recorderNode) Receive(_ context.Context, msg message.Message) {
	n.msgs <- msg
}

func recorderFactory(nodes map[string]*recorderNode) NodeFactory {
	return func(id string, _ map[string]interface{}, _ Host, _ *Env) (Node, error) {
		n := &recorderNode{id: id, msgs: make(chan message.Message, 16)}
		nodes[id] = n
		return n, nil
	}
}

func receive(t *testing.T, ch <-chan message.Message) message.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestFlowWiring(t *testing.T) {
	flow := NewFlow("test", nil)
	defer flow.Close()

	recorders := map[string]*recorderNode{}
	flow.RegisterType("recorder", recorderFactory(recorders))

	require.NoError(t, flow.AddNode("fn", FunctionNodeType, map[string]interface{}{
		"script": "msg.payload = msg.payload + 1; return msg;",
	}))
	require.NoError(t, flow.AddNode("a", "recorder", nil))
	require.NoError(t, flow.AddNode("b", "recorder", nil))
	require.NoError(t, flow.Wire("fn", "a", "b"))

	events, unsubscribe := flow.Events().Subscribe(16)
	defer unsubscribe()

	require.NoError(t, flow.Inject(context.Background(), "fn", message.Message{"payload": int64(1), "nested": map[string]any{"k": "v"}}))

	a := receive(t, recorders["a"].msgs)
	b := receive(t, recorders["b"].msgs)
	assert.Equal(t, int64(2), a.Payload())
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.ID())

	a["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", b["nested"].(map[string]any)["k"], "fan-out clones the message")

	ev := <-events
	assert.Equal(t, EventSend, ev.Type)
	assert.Equal(t, "fn", ev.NodeID)

	infos := flow.Nodes()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, []string{"a", "b"}, infos[2].Wires)
}

func TestFlowErrors(t *testing.T) {
	flow := NewFlow("test", nil)
	defer flow.Close()

	assert.ErrorContains(t, flow.AddNode("x", "nope", nil), "unknown node type")
	require.NoError(t, flow.AddNode("dbg", DebugNodeType, nil))
	assert.ErrorContains(t, flow.AddNode("dbg", DebugNodeType, nil), "duplicate node id")
	assert.ErrorIs(t, flow.Wire("dbg", "missing"), ErrNodeNotFound)
	assert.ErrorIs(t, flow.Wire("missing", "dbg"), ErrNodeNotFound)
	assert.ErrorIs(t, flow.Inject(context.Background(), "missing", message.New(nil)), ErrNodeNotFound)
	assert.ErrorContains(t, flow.AddNode("fn", FunctionNodeType, nil), "script parameter is required")
}

func TestFlowEvents(t *testing.T) {
	caller := &fakeCaller{}
	flow := NewFlow("devices", &Env{
		Servers:       map[string]tbclient.Config{"tb": {URL: "https://tb"}},
		ClientFactory: caller.factory,
	})
	defer flow.Close()

	require.NoError(t, flow.AddNode("device", ThingsBoardNodeType, map[string]interface{}{
		"server": "tb",
		"method": "saveDeviceUsingPOST",
	}))
	require.NoError(t, flow.AddNode("out", DebugNodeType, nil))
	require.NoError(t, flow.Wire("device", "out"))

	events, unsubscribe := flow.Events().Subscribe(32)
	defer unsubscribe()

	require.NoError(t, flow.Inject(context.Background(), "device", message.New("not-an-object")))

	ev := <-events
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "device", ev.NodeID)
	assert.Equal(t, "Unsupported type: 'string', msg.payload must be JSON object or buffer.", ev.Error)

	ev = <-events
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, StatusError, *ev.Status)
	assert.Equal(t, StatusError, flow.Nodes()[0].Status)

	require.NoError(t, flow.Inject(context.Background(), "device", message.New(map[string]any{"name": "x"})))

	var types []EventType
	deadline := time.After(5 * time.Second)
	for len(types) < 4 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []EventType{EventStatus, EventStatus, EventSend, EventDebug}, types)
	assert.Len(t, caller.Calls(), 1)
}

func TestEventsNonBlocking(t *testing.T) {
	bus := NewEvents()
	ch, unsubscribe := bus.Subscribe(1)

	bus.Publish(Event{Type: EventDebug})
	bus.Publish(Event{Type: EventDebug})
	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, 1, bus.Subscribers())

	ev := <-ch
	assert.False(t, ev.Time.IsZero())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}
