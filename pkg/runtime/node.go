// Package runtime hosts flow nodes and the thingsboard REST dispatcher.
package runtime

import (
	"context"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
)

// Node is one instance of a node type inside a flow
type Node interface {
	// ID returns the node id from the flow definition
	ID() string

	// Type returns the node type name
	Type() string

	// Receive handles one incoming message. Failures are reported through the
	// node's Host, never returned.
	Receive(ctx context.Context, msg message.Message)

	// Close releases resources held by the node
	Close() error
}

// Starter is implemented by nodes that produce messages on their own, such
// as schedules and subscriptions
type Starter interface {
	Start(ctx context.Context) error
}

// Host exposes the runtime primitives a node uses to talk to its flow
type Host interface {
	// NodeID returns the id of the node this host belongs to
	NodeID() string

	// Send delivers a message to every node wired to this one
	Send(msg message.Message)

	// Error reports a failure for a message
	Error(err error, msg message.Message)

	// Status updates the node's visible status
	Status(status Status)

	// Debug publishes a value on the debug channel
	Debug(data any, msg message.Message)

	// Logger returns a logger scoped to the node
	Logger() logging.Logger
}

// Status is the indicator shown next to a node. The zero value clears it.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// IsZero reports whether the status is cleared
func (s Status) IsZero() bool {
	return s == Status{}
}

var (
	// StatusRequesting is shown while a remote call is in flight
	StatusRequesting = Status{Fill: "blue", Shape: "dot", Text: "requesting"}

	// StatusError is shown after a failed dispatch
	StatusError = Status{Fill: "red", Shape: "ring", Text: "error"}

	// StatusConnected is shown by nodes holding a live connection
	StatusConnected = Status{Fill: "green", Shape: "dot", Text: "connected"}

	// StatusDisconnected is shown when a connection is lost
	StatusDisconnected = Status{Fill: "red", Shape: "ring", Text: "disconnected"}
)
