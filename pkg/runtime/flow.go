package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tcmartin/tbflow/pkg/journal"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/operations"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// ErrNodeNotFound is returned when a node id is not part of the flow
var ErrNodeNotFound = errors.New("node not found")

// NodeFactory creates a node of one type
type NodeFactory func(id string, params map[string]interface{}, host Host, env *Env) (Node, error)

// Env carries the shared collaborators node factories draw from
type Env struct {
	// Servers are the ThingsBoard servers a flow declares, by name
	Servers map[string]tbclient.Config

	// Registry is the operation table, operations.Default() when nil
	Registry *operations.Registry

	// ClientFactory builds a REST client per dispatch
	ClientFactory ClientFactory

	// Journal receives a record of every dispatch, optional
	Journal journal.Journal

	// MQTT connects mqtt nodes to a broker, optional
	MQTT MQTTDialer

	// Logger is the base logger, logging.Nop() when nil
	Logger logging.Logger
}

func (e *Env) withDefaults() *Env {
	out := Env{}
	if e != nil {
		out = *e
	}
	if out.Registry == nil {
		out.Registry = operations.Default()
	}
	if out.ClientFactory == nil {
		out.ClientFactory = DefaultClientFactory
	}
	if out.Logger == nil {
		out.Logger = logging.Nop()
	}
	if out.Servers == nil {
		out.Servers = map[string]tbclient.Config{}
	}
	return &out
}

// NodeInfo describes a node for listings
type NodeInfo struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Wires  []string `json:"wires"`
	Status Status   `json:"status"`
}

// Flow owns a set of wired nodes
type Flow struct {
	id     string
	env    *Env
	logger logging.Logger
	events *Events
	types  map[string]NodeFactory

	mu       sync.RWMutex
	nodes    map[string]Node
	wires    map[string][]string
	statuses map[string]Status
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewFlow creates an empty flow using the core node types
func NewFlow(id string, env *Env) *Flow {
	env = env.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		id:       id,
		env:      env,
		logger:   env.Logger.WithFields(logging.F("flow_id", id)),
		events:   NewEvents(),
		types:    CoreNodeTypes(),
		nodes:    make(map[string]Node),
		wires:    make(map[string][]string),
		statuses: make(map[string]Status),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the flow id
func (f *Flow) ID() string {
	return f.id
}

// Events returns the flow's event bus
func (f *Flow) Events() *Events {
	return f.events
}

// RegisterType adds or replaces a node type
func (f *Flow) RegisterType(name string, factory NodeFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types[name] = factory
}

// HasType reports whether a node type is known to the flow
func (f *Flow) HasType(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.types[name]
	return ok
}

// AddNode creates a node through its type's factory
func (f *Flow) AddNode(id, nodeType string, params map[string]interface{}) error {
	f.mu.RLock()
	factory, ok := f.types[nodeType]
	_, exists := f.nodes[id]
	f.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown node type: %s", nodeType)
	}
	if exists {
		return fmt.Errorf("duplicate node id: %s", id)
	}

	host := &nodeHost{
		flow:   f,
		id:     id,
		logger: f.logger.WithFields(logging.F("node_id", id), logging.F("node_type", nodeType)),
	}
	node, err := factory(id, params, host, f.env)
	if err != nil {
		return fmt.Errorf("failed to create node %s: %w", id, err)
	}

	f.mu.Lock()
	f.nodes[id] = node
	f.mu.Unlock()
	return nil
}

// Wire connects the output of one node to the inputs of others
func (f *Flow) Wire(from string, to ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	for _, target := range to {
		if _, ok := f.nodes[target]; !ok {
			return fmt.Errorf("%w: %s (wired from %s)", ErrNodeNotFound, target, from)
		}
	}
	f.wires[from] = append(f.wires[from], to...)
	return nil
}

// Node returns a node by id
func (f *Flow) Node(id string) (Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes lists the flow's nodes sorted by id
func (f *Flow) Nodes() []NodeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	infos := make([]NodeInfo, 0, len(f.nodes))
	for id, n := range f.nodes {
		wires := append([]string{}, f.wires[id]...)
		infos = append(infos, NodeInfo{ID: id, Type: n.Type(), Wires: wires, Status: f.statuses[id]})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Start starts every node that produces messages on its own
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	f.cancel()
	f.ctx, f.cancel = context.WithCancel(ctx)
	runCtx := f.ctx
	count := len(f.nodes)
	starters := make(map[string]Starter)
	for id, n := range f.nodes {
		if s, ok := n.(Starter); ok {
			starters[id] = s
		}
	}
	f.mu.Unlock()

	for id, s := range starters {
		if err := s.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start node %s: %w", id, err)
		}
	}

	f.logger.LogSystemEvent("flow started", map[string]interface{}{"flow_id": f.id, "nodes": count})
	return nil
}

// Inject delivers a message to a node as if it had been sent to it
func (f *Flow) Inject(ctx context.Context, nodeID string, msg message.Message) error {
	n, ok := f.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if msg.ID() == "" {
		msg[message.KeyID] = message.New(nil).ID()
	}
	n.Receive(ctx, msg)
	return nil
}

// Close stops the flow and closes every node
func (f *Flow) Close() error {
	f.mu.Lock()
	f.cancel()
	nodes := make([]Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		nodes = append(nodes, n)
	}
	f.mu.Unlock()

	var errs []error
	for _, n := range nodes {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Flow) send(from string, msg message.Message) {
	f.mu.RLock()
	targets := f.wires[from]
	nodes := make([]Node, 0, len(targets))
	for _, t := range targets {
		if n, ok := f.nodes[t]; ok {
			nodes = append(nodes, n)
		}
	}
	ctx := f.ctx
	f.mu.RUnlock()

	f.events.Publish(Event{
		Type:      EventSend,
		FlowID:    f.id,
		NodeID:    from,
		MessageID: messageID(msg),
		Data:      map[string]any{"to": targets},
	})

	for i, n := range nodes {
		m := msg
		if i > 0 {
			m = msg.Clone()
		}
		n.Receive(ctx, m)
	}
}

func (f *Flow) setStatus(nodeID string, status Status) {
	f.mu.Lock()
	if status.IsZero() {
		delete(f.statuses, nodeID)
	} else {
		f.statuses[nodeID] = status
	}
	f.mu.Unlock()

	f.events.Publish(Event{Type: EventStatus, FlowID: f.id, NodeID: nodeID, Status: &status})
}

// nodeHost is the Host handed to each node of a flow
type nodeHost struct {
	flow   *Flow
	id     string
	logger logging.Logger
}

func (h *nodeHost) NodeID() string {
	return h.id
}

func (h *nodeHost) Send(msg message.Message) {
	h.flow.send(h.id, msg)
}

func (h *nodeHost) Error(err error, msg message.Message) {
	h.logger.Error("node error", logging.Err(err), logging.F("msg_id", messageID(msg)))
	h.flow.events.Publish(Event{
		Type:      EventError,
		FlowID:    h.flow.id,
		NodeID:    h.id,
		MessageID: messageID(msg),
		Error:     err.Error(),
	})
}

func (h *nodeHost) Status(status Status) {
	h.flow.setStatus(h.id, status)
}

func (h *nodeHost) Debug(data any, msg message.Message) {
	h.flow.events.Publish(Event{
		Type:      EventDebug,
		FlowID:    h.flow.id,
		NodeID:    h.id,
		MessageID: messageID(msg),
		Data:      data,
	})
}

func (h *nodeHost) Logger() logging.Logger {
	return h.logger
}
