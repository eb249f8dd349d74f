package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
)

// FunctionNodeType is the type name of the JavaScript transform node
const FunctionNodeType = "function"

// FunctionNode runs a JavaScript function body against each message. The
// body sees `msg` and returns a message object, an array of messages to
// send in turn, or null to drop the message.
type FunctionNode struct {
	id      string
	host    Host
	program *goja.Program
	timeout time.Duration
}

// NewFunctionNode compiles the script from flow parameters
func NewFunctionNode(id string, params map[string]interface{}, host Host, _ *Env) (Node, error) {
	script, ok := params["script"].(string)
	if !ok || script == "" {
		return nil, fmt.Errorf("script parameter is required and must be a string")
	}
	timeout, err := durationParam(params, "timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}

	program, err := goja.Compile(id, "(function(msg) {\n"+script+"\n})", false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &FunctionNode{id: id, host: host, program: program, timeout: timeout}, nil
}

func (n *FunctionNode) ID() string   { return n.id }
func (n *FunctionNode) Type() string { return FunctionNodeType }
func (n *FunctionNode) Close() error { return nil }

// Receive implements Node
func (n *FunctionNode) Receive(_ context.Context, msg message.Message) {
	out, err := n.Run(msg)
	if err != nil {
		n.host.Error(err, msg)
		return
	}
	for _, m := range out {
		n.host.Send(m)
	}
}

// Run executes the script and returns the messages to send
func (n *FunctionNode) Run(msg message.Message) ([]message.Message, error) {
	vm := goja.New()
	logger := n.host.Logger()

	node := vm.NewObject()
	_ = node.Set("log", func(call goja.FunctionCall) goja.Value {
		logger.Info("function log", logging.F("args", exportArgs(call)))
		return goja.Undefined()
	})
	_ = node.Set("warn", func(call goja.FunctionCall) goja.Value {
		logger.Warn("function warning", logging.F("args", exportArgs(call)))
		return goja.Undefined()
	})
	vm.Set("node", node)

	console := vm.NewObject()
	_ = console.Set("log", node.Get("log"))
	vm.Set("console", console)

	if n.timeout > 0 {
		timer := time.AfterFunc(n.timeout, func() {
			vm.Interrupt("script timed out")
		})
		defer timer.Stop()
	}

	fnValue, err := vm.RunProgram(n.program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute function script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("function script did not evaluate to a function")
	}

	result, err := fn(goja.Undefined(), vm.ToValue(map[string]any(msg)))
	if err != nil {
		return nil, fmt.Errorf("failed to execute function script: %w", err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return toMessages(result.Export(), msg.ID())
}

func exportArgs(call goja.FunctionCall) []interface{} {
	parts := make([]interface{}, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.Export())
	}
	return parts
}

func toMessages(v any, id string) ([]message.Message, error) {
	switch out := v.(type) {
	case map[string]interface{}:
		if _, ok := out[message.KeyID]; !ok && id != "" {
			out[message.KeyID] = id
		}
		return []message.Message{message.FromMap(out)}, nil
	case []interface{}:
		var msgs []message.Message
		for _, item := range out {
			if item == nil {
				continue
			}
			m, err := toMessages(item, id)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m...)
		}
		return msgs, nil
	}
	return nil, fmt.Errorf("function must return a message object, an array or null, got %T", v)
}
