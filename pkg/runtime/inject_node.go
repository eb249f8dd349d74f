package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
)

// InjectNodeType is the type name of the scheduled message source
const InjectNodeType = "inject"

// InjectNode emits a configured message on a cron schedule, once at start,
// or whenever it receives a message
type InjectNode struct {
	id          string
	host        Host
	schedule    cron.Schedule
	spec        string
	once        bool
	payload     any
	payloadType string
	topic       string

	mu      sync.Mutex
	cron    *cron.Cron
	emitted int
}

// parseSchedule accepts six fields (with seconds) or the standard five
func parseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
	if err == nil {
		return sched, nil
	}
	sched, stdErr := cron.ParseStandard(spec)
	if stdErr != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewInjectNode creates an inject node from flow parameters
func NewInjectNode(id string, params map[string]interface{}, host Host, _ *Env) (Node, error) {
	n := &InjectNode{
		id:          id,
		host:        host,
		payload:     params["payload"],
		payloadType: stringParam(params, "payload_type", ""),
		topic:       stringParam(params, "topic", ""),
		once:        boolParam(params, "once", false),
	}

	switch n.payloadType {
	case "", "json", "str":
	case "date":
	default:
		return nil, fmt.Errorf("unknown payload_type: %s", n.payloadType)
	}

	if spec := stringParam(params, "schedule", ""); spec != "" {
		sched, err := parseSchedule(spec)
		if err != nil {
			return nil, err
		}
		n.schedule = sched
		n.spec = spec
	}
	return n, nil
}

func (n *InjectNode) ID() string   { return n.id }
func (n *InjectNode) Type() string { return InjectNodeType }

// Next returns the next scheduled emission after t, zero without a schedule
func (n *InjectNode) Next(t time.Time) time.Time {
	if n.schedule == nil {
		return time.Time{}
	}
	return n.schedule.Next(t)
}

// Start implements Starter
func (n *InjectNode) Start(ctx context.Context) error {
	if n.once {
		n.Emit()
	}
	if n.schedule == nil {
		return nil
	}

	n.mu.Lock()
	if n.cron != nil {
		n.mu.Unlock()
		return nil
	}
	c := cron.New(cron.WithSeconds())
	c.Schedule(n.schedule, cron.FuncJob(n.Emit))
	c.Start()
	n.cron = c
	n.mu.Unlock()

	n.host.Logger().Info("inject schedule started", logging.F("schedule", n.spec), logging.F("next", n.Next(time.Now())))

	go func() {
		<-ctx.Done()
		n.stop()
	}()
	return nil
}

// Receive emits the configured message, ignoring the input
func (n *InjectNode) Receive(_ context.Context, _ message.Message) {
	n.Emit()
}

// Emit sends one message
func (n *InjectNode) Emit() {
	var payload any
	switch n.payloadType {
	case "date":
		payload = time.Now().UnixMilli()
	default:
		payload = message.CloneValue(n.payload)
	}

	msg := message.New(payload)
	if n.topic != "" {
		msg[message.KeyTopic] = n.topic
	}

	n.mu.Lock()
	n.emitted++
	n.mu.Unlock()

	n.host.Send(msg)
}

// Emitted returns the number of messages sent so far
func (n *InjectNode) Emitted() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.emitted
}

func (n *InjectNode) stop() {
	n.mu.Lock()
	c := n.cron
	n.cron = nil
	n.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Close implements Node
func (n *InjectNode) Close() error {
	n.stop()
	return nil
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func boolParam(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func intParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func durationParam(params map[string]interface{}, key string, def time.Duration) (time.Duration, error) {
	switch v := params[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid %s: %v", key, params[key])
}
