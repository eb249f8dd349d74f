package loader

import (
	"fmt"
	"os"
	"sort"

	"github.com/tcmartin/tbflow/pkg/runtime"
	"github.com/tcmartin/tbflow/pkg/tbclient"
	"gopkg.in/yaml.v3"
)

// DefaultYAMLLoader implements the YAMLLoader interface
type DefaultYAMLLoader struct {
	env       *runtime.Env
	nodeTypes map[string]runtime.NodeFactory
	lookupEnv func(string) (string, bool)
}

// NewYAMLLoader creates a loader whose flows share env. Servers already in
// env act as defaults that a flow's own servers override.
func NewYAMLLoader(env *runtime.Env) *DefaultYAMLLoader {
	if env == nil {
		env = &runtime.Env{}
	}
	return &DefaultYAMLLoader{
		env:       env,
		nodeTypes: runtime.CoreNodeTypes(),
		lookupEnv: os.LookupEnv,
	}
}

// RegisterNodeType makes an extra node type available to parsed flows
func (l *DefaultYAMLLoader) RegisterNodeType(name string, factory runtime.NodeFactory) {
	l.nodeTypes[name] = factory
}

// LoadFile reads and parses a flow file
func (l *DefaultYAMLLoader) LoadFile(path string) (*runtime.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return l.Parse(string(data))
}

// Parse converts a YAML string into a wired flow
func (l *DefaultYAMLLoader) Parse(yamlContent string) (*runtime.Flow, error) {
	flowDef, servers, err := l.decode(yamlContent)
	if err != nil {
		return nil, err
	}

	env := *l.env
	env.Servers = servers

	flow := runtime.NewFlow(flowDef.Metadata.Name, &env)
	for name, factory := range l.nodeTypes {
		if !flow.HasType(name) {
			flow.RegisterType(name, factory)
		}
	}

	names := make([]string, 0, len(flowDef.Nodes))
	for name := range flowDef.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		nodeDef := flowDef.Nodes[name]
		if err := flow.AddNode(name, nodeDef.Type, nodeDef.Params); err != nil {
			flow.Close()
			return nil, err
		}
	}
	for _, name := range names {
		if wires := flowDef.Nodes[name].Wires; len(wires) > 0 {
			if err := flow.Wire(name, wires...); err != nil {
				flow.Close()
				return nil, err
			}
		}
	}
	return flow, nil
}

// Validate checks if a YAML string conforms to the schema
func (l *DefaultYAMLLoader) Validate(yamlContent string) error {
	_, _, err := l.decode(yamlContent)
	return err
}

// Definition parses a flow document without building it
func (l *DefaultYAMLLoader) Definition(yamlContent string) (*FlowDefinition, error) {
	flowDef, _, err := l.decode(yamlContent)
	return flowDef, err
}

func (l *DefaultYAMLLoader) decode(yamlContent string) (*FlowDefinition, map[string]tbclient.Config, error) {
	var flowDef FlowDefinition
	if err := yaml.Unmarshal([]byte(yamlContent), &flowDef); err != nil {
		return nil, nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if flowDef.Metadata.Name == "" {
		return nil, nil, fmt.Errorf("flow name is required")
	}
	if len(flowDef.Nodes) == 0 {
		return nil, nil, fmt.Errorf("flow must have at least one node")
	}

	servers := make(map[string]tbclient.Config, len(l.env.Servers)+len(flowDef.Servers))
	for name, cfg := range l.env.Servers {
		servers[name] = cfg
	}
	for name, raw := range flowDef.Servers {
		cfg, err := runtime.DecodeServer(l.expand(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("server '%s': %w", name, err)
		}
		servers[name] = cfg
	}

	for nodeName, nodeDef := range flowDef.Nodes {
		if nodeDef.Type == "" {
			return nil, nil, fmt.Errorf("node '%s' has no type", nodeName)
		}
		if _, exists := l.nodeTypes[nodeDef.Type]; !exists {
			return nil, nil, fmt.Errorf("unknown node type '%s' in node '%s'", nodeDef.Type, nodeName)
		}
		for _, target := range nodeDef.Wires {
			if _, exists := flowDef.Nodes[target]; !exists {
				return nil, nil, fmt.Errorf("node '%s' is wired to non-existent node '%s'", nodeName, target)
			}
		}
		if nodeDef.Type == runtime.ThingsBoardNodeType {
			if err := validateThingsBoardNode(nodeName, nodeDef, servers); err != nil {
				return nil, nil, err
			}
		}
	}
	return &flowDef, servers, nil
}

func validateThingsBoardNode(nodeName string, nodeDef NodeDefinition, servers map[string]tbclient.Config) error {
	if method, _ := nodeDef.Params["method"].(string); method == "" {
		return fmt.Errorf("node '%s' has no method", nodeName)
	}
	if _, err := runtime.ResolveServer(nodeDef.Params["server"], servers); err != nil {
		return fmt.Errorf("node '%s': %w", nodeName, err)
	}
	if raw, ok := nodeDef.Params["bindings"]; ok && raw != nil {
		bindings, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("node '%s': bindings must be a map", nodeName)
		}
		if _, err := runtime.DecodeBindings(bindings); err != nil {
			return fmt.Errorf("node '%s': %w", nodeName, err)
		}
	}
	return nil
}

// expand substitutes ${VAR} references in string settings
func (l *DefaultYAMLLoader) expand(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = os.Expand(val, func(name string) string {
				value, _ := l.lookupEnv(name)
				return value
			})
		case map[string]interface{}:
			out[k] = l.expand(val)
		default:
			out[k] = v
		}
	}
	return out
}
