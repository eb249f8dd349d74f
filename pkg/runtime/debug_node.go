package runtime

import (
	"context"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
)

// DebugNodeType is the type name of the debug sink
const DebugNodeType = "debug"

// DebugNode publishes a property of each message on the debug channel
type DebugNode struct {
	id       string
	host     Host
	property string
	complete bool
	log      bool
}

// NewDebugNode creates a debug node. "property" defaults to payload;
// "complete: true" publishes the whole message.
func NewDebugNode(id string, params map[string]interface{}, host Host, _ *Env) (Node, error) {
	property := stringParam(params, "property", message.KeyPayload)
	if _, err := message.ParsePath(property); err != nil {
		return nil, err
	}
	return &DebugNode{
		id:       id,
		host:     host,
		property: property,
		complete: boolParam(params, "complete", false),
		log:      boolParam(params, "log", true),
	}, nil
}

func (n *DebugNode) ID() string   { return n.id }
func (n *DebugNode) Type() string { return DebugNodeType }
func (n *DebugNode) Close() error { return nil }

// Receive implements Node
func (n *DebugNode) Receive(_ context.Context, msg message.Message) {
	var data any
	if n.complete {
		data = map[string]any(msg.Clone())
	} else {
		data, _ = msg.Get(n.property)
	}

	n.host.Debug(data, msg)
	if n.log {
		n.host.Logger().Debug("debug", logging.F("msg_id", msg.ID()), logging.F(n.property, data))
	}
}
