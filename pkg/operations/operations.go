// Package operations holds the table of ThingsBoard REST operations that the
// thingsboard node can dispatch to. Each operation maps a name to an HTTP
// method, a path template and an ordered parameter list.
package operations

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Location says where a parameter goes in the HTTP request
type Location string

const (
	InPath   Location = "path"
	InQuery  Location = "query"
	InBody   Location = "body"
	InHeader Location = "header"
)

// Param describes one parameter of an operation
type Param struct {
	// Name of the parameter as configured on the node
	Name string `yaml:"name" json:"name"`

	// In is the request location
	In Location `yaml:"in" json:"in"`

	// Required parameters must resolve to a non-blank value
	Required bool `yaml:"required" json:"required"`

	// Type is the schema type: string, integer, number, boolean, object or array
	Type string `yaml:"type" json:"type"`

	// Description of the parameter
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// IsBody reports whether the parameter carries the request body
func (p Param) IsBody() bool {
	return p.In == InBody
}

// Operation is one REST endpoint
type Operation struct {
	// Name is the operation id, e.g. getDeviceByIdUsingGET
	Name string `yaml:"name" json:"name"`

	// Tag is the API controller the operation belongs to
	Tag string `yaml:"-" json:"tag"`

	// Method is the HTTP method
	Method string `yaml:"method" json:"method"`

	// Path is the URL path template with {param} placeholders
	Path string `yaml:"path" json:"path"`

	// Summary is a one-line description
	Summary string `yaml:"summary,omitempty" json:"summary,omitempty"`

	// Params in declaration order
	Params []Param `yaml:"params" json:"params"`
}

// BodyParam returns the body parameter, if the operation has one
func (o *Operation) BodyParam() (Param, bool) {
	for _, p := range o.Params {
		if p.IsBody() {
			return p, true
		}
	}
	return Param{}, false
}

// Param returns the named parameter
func (o *Operation) Param(name string) (Param, bool) {
	for _, p := range o.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Params is a resolved parameter set, keyed by parameter name
type Params map[string]any

// Registry is a lookup table of operations
type Registry struct {
	byName map[string]*Operation
	names  []string
}

type catalogDocument struct {
	Tags []struct {
		Name       string      `yaml:"name"`
		Operations []Operation `yaml:"operations"`
	} `yaml:"tags"`
}

var placeholderPattern = regexp.MustCompile(`\{([^}]+)\}`)

// Parse builds a registry from a catalog document
func Parse(data []byte) (*Registry, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse operation catalog: %w", err)
	}

	r := &Registry{byName: make(map[string]*Operation)}
	for _, tag := range doc.Tags {
		for i := range tag.Operations {
			op := tag.Operations[i]
			op.Tag = tag.Name
			op.Method = strings.ToUpper(op.Method)
			for j := range op.Params {
				if op.Params[j].Type == "" {
					op.Params[j].Type = "string"
				}
			}
			if err := validate(&op); err != nil {
				return nil, err
			}
			if _, exists := r.byName[op.Name]; exists {
				return nil, fmt.Errorf("duplicate operation '%s'", op.Name)
			}
			r.byName[op.Name] = &op
			r.names = append(r.names, op.Name)
		}
	}
	sort.Strings(r.names)
	return r, nil
}

func validate(op *Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation with path '%s' has no name", op.Path)
	}
	if op.Method == "" || op.Path == "" {
		return fmt.Errorf("operation '%s' requires method and path", op.Name)
	}

	pathParams := make(map[string]bool)
	bodies := 0
	seen := make(map[string]bool)
	for _, p := range op.Params {
		if seen[p.Name] {
			return fmt.Errorf("operation '%s' declares parameter '%s' twice", op.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.In {
		case InPath:
			pathParams[p.Name] = true
		case InBody:
			bodies++
		case InQuery, InHeader:
		default:
			return fmt.Errorf("operation '%s' parameter '%s' has unknown location '%s'", op.Name, p.Name, p.In)
		}
	}
	if bodies > 1 {
		return fmt.Errorf("operation '%s' declares more than one body parameter", op.Name)
	}

	for _, m := range placeholderPattern.FindAllStringSubmatch(op.Path, -1) {
		if !pathParams[m[1]] {
			return fmt.Errorf("operation '%s' path placeholder '{%s}' has no path parameter", op.Name, m[1])
		}
		delete(pathParams, m[1])
	}
	for name := range pathParams {
		return fmt.Errorf("operation '%s' path parameter '%s' is not in the path", op.Name, name)
	}
	return nil
}

var defaultRegistry *Registry

func init() {
	r, err := Parse(catalogYAML)
	if err != nil {
		panic(err)
	}
	defaultRegistry = r
}

// Default returns the registry built from the embedded ThingsBoard PE catalog
func Default() *Registry {
	return defaultRegistry
}

// Lookup returns the operation with the given name
func (r *Registry) Lookup(name string) (*Operation, bool) {
	op, ok := r.byName[name]
	return op, ok
}

// Names returns all operation names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// List returns all operations sorted by name
func (r *Registry) List() []*Operation {
	out := make([]*Operation, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

// ByTag returns the operations of one controller, sorted by name
func (r *Registry) ByTag(tag string) []*Operation {
	var out []*Operation
	for _, name := range r.names {
		if op := r.byName[name]; strings.EqualFold(op.Tag, tag) {
			out = append(out, op)
		}
	}
	return out
}

// Tags returns the distinct controller tags
func (r *Registry) Tags() []string {
	seen := make(map[string]bool)
	var tags []string
	for _, op := range r.byName {
		if !seen[op.Tag] {
			seen[op.Tag] = true
			tags = append(tags, op.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of operations
func (r *Registry) Len() int {
	return len(r.names)
}
