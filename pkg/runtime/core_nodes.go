package runtime

import (
	"fmt"

	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// DefaultServer is the server name thingsboard nodes use when they name none
const DefaultServer = "default"

// CoreNodeTypes returns a map of built-in node types
func CoreNodeTypes() map[string]NodeFactory {
	return map[string]NodeFactory{
		ThingsBoardNodeType: NewThingsBoardNodeFactory,
		InjectNodeType:      NewInjectNode,
		FunctionNodeType:    NewFunctionNode,
		DebugNodeType:       NewDebugNode,
		MQTTInNodeType:      NewMQTTInNode,
		MQTTOutNodeType:     NewMQTTOutNode,
		DelayNodeType:       NewDelayNode,
	}
}

// NewThingsBoardNodeFactory creates a dispatcher from flow parameters:
//
//	server:   name of a declared server, or an inline server block
//	method:   operation name
//	bindings: parameter name -> {value, type, fallback}
func NewThingsBoardNodeFactory(id string, params map[string]interface{}, host Host, env *Env) (Node, error) {
	env = env.withDefaults()

	method := stringParam(params, "method", "")
	if method == "" {
		return nil, fmt.Errorf("method parameter is required")
	}

	server, err := ResolveServer(params["server"], env.Servers)
	if err != nil {
		return nil, err
	}

	var bindings Bindings
	switch raw := params["bindings"].(type) {
	case nil:
	case map[string]interface{}:
		bindings, err = DecodeBindings(raw)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("bindings must be a map, got %T", raw)
	}

	cfg := ThingsBoardConfig{Server: server, Method: method, Bindings: bindings}
	return NewThingsBoardNode(id, cfg, host,
		WithRegistry(env.Registry),
		WithClientFactory(env.ClientFactory),
		WithJournal(env.Journal),
	), nil
}

// ResolveServer returns the server a node refers to: a declared server by
// name, an inline block, or the default server when unset.
func ResolveServer(raw any, servers map[string]tbclient.Config) (tbclient.Config, error) {
	switch v := raw.(type) {
	case nil:
		if cfg, ok := servers[DefaultServer]; ok {
			return cfg, nil
		}
		return tbclient.Config{}, fmt.Errorf("server parameter is required")
	case string:
		cfg, ok := servers[v]
		if !ok {
			return tbclient.Config{}, fmt.Errorf("unknown server: %s", v)
		}
		return cfg, nil
	case map[string]interface{}:
		return DecodeServer(v)
	}
	return tbclient.Config{}, fmt.Errorf("invalid server parameter: %T", raw)
}

// DecodeServer reads a server block: url, token, timeout, max_retries,
// retry_wait and headers. Durations are strings like "30s" or milliseconds.
func DecodeServer(raw map[string]interface{}) (tbclient.Config, error) {
	cfg := tbclient.Config{
		URL:        stringParam(raw, "url", ""),
		Token:      stringParam(raw, "token", ""),
		MaxRetries: intParam(raw, "max_retries", 0),
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("server url is required")
	}
	if cfg.MaxRetries < 0 {
		return cfg, fmt.Errorf("max_retries must not be negative")
	}

	var err error
	if cfg.Timeout, err = durationParam(raw, "timeout", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryWait, err = durationParam(raw, "retry_wait", 0); err != nil {
		return cfg, err
	}

	if headers, ok := raw["headers"].(map[string]interface{}); ok {
		cfg.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			cfg.Headers[k] = fmt.Sprint(v)
		}
	}
	return cfg, nil
}
