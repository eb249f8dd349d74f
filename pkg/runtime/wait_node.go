package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tcmartin/tbflow/pkg/message"
)

// DelayNodeType holds messages for a while before passing them on
const DelayNodeType = "delay"

// DelayNode forwards every message after a fixed duration or at a fixed time.
// Pending messages are dropped when the node closes or the caller's context
// ends first.
type DelayNode struct {
	id       string
	host     Host
	duration time.Duration
	until    time.Time
	now      func() time.Time

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

// NewDelayNode creates a delay node. Parameters:
//
//	duration: "500ms", "2s" or milliseconds, default 1s
//	until:    RFC3339 time, overrides duration
func NewDelayNode(id string, params map[string]interface{}, host Host, _ *Env) (Node, error) {
	duration, err := durationParam(params, "duration", time.Second)
	if err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, fmt.Errorf("duration must not be negative")
	}

	n := &DelayNode{
		id:       id,
		host:     host,
		duration: duration,
		now:      time.Now,
		pending:  make(map[*time.Timer]struct{}),
	}

	if raw := stringParam(params, "until", ""); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid until, expected RFC3339 (e.g., 2006-01-02T15:04:05Z): %w", err)
		}
		n.until = until
	}
	return n, nil
}

func (n *DelayNode) ID() string   { return n.id }
func (n *DelayNode) Type() string { return DelayNodeType }

// wait returns how long a message received now is held
func (n *DelayNode) wait() time.Duration {
	if n.until.IsZero() {
		return n.duration
	}
	if d := n.until.Sub(n.now()); d > 0 {
		return d
	}
	return 0
}

// Receive implements Node
func (n *DelayNode) Receive(ctx context.Context, msg message.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(n.wait(), func() {
		n.mu.Lock()
		_, live := n.pending[timer]
		delete(n.pending, timer)
		count := len(n.pending)
		n.mu.Unlock()

		n.report(count)
		if !live || ctx.Err() != nil {
			return
		}
		n.host.Send(msg)
	})
	n.pending[timer] = struct{}{}
	n.host.Status(Status{Fill: "blue", Shape: "ring", Text: fmt.Sprintf("%d", len(n.pending))})
}

func (n *DelayNode) report(count int) {
	if count == 0 {
		n.host.Status(Status{})
		return
	}
	n.host.Status(Status{Fill: "blue", Shape: "ring", Text: fmt.Sprintf("%d", count)})
}

// Pending returns the number of held messages
func (n *DelayNode) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close drops every held message
func (n *DelayNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for timer := range n.pending {
		timer.Stop()
		delete(n.pending, timer)
	}
	return nil
}
