package loader

import (
	"github.com/tcmartin/tbflow/pkg/runtime"
)

// YAMLLoader parses YAML flow definitions into runnable flows.
type YAMLLoader interface {
	// Parse converts a YAML string into a wired flow
	Parse(yamlContent string) (*runtime.Flow, error)

	// Validate checks if a YAML string conforms to the schema
	Validate(yamlContent string) error
}

// FlowDefinition represents a parsed flow definition from YAML
type FlowDefinition struct {
	// Metadata about the flow
	Metadata FlowMetadata `yaml:"metadata" json:"metadata"`

	// Servers are the ThingsBoard connections nodes refer to by name
	Servers map[string]map[string]interface{} `yaml:"servers" json:"servers,omitempty"`

	// Nodes in the flow
	Nodes map[string]NodeDefinition `yaml:"nodes" json:"nodes"`
}

// FlowMetadata contains information about the flow
type FlowMetadata struct {
	// Name of the flow
	Name string `yaml:"name" json:"name"`

	// Description of the flow
	Description string `yaml:"description" json:"description"`

	// Version of the flow
	Version string `yaml:"version" json:"version"`
}

// NodeDefinition is one node of a flow
type NodeDefinition struct {
	// Type selects the node factory
	Type string `yaml:"type" json:"type"`

	// Params are handed to the factory
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`

	// Wires lists the nodes that receive this node's output
	Wires []string `yaml:"wires" json:"wires,omitempty"`
}
