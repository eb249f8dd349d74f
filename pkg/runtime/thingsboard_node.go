package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/tbflow/pkg/journal"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/metrics"
	"github.com/tcmartin/tbflow/pkg/operations"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// ThingsBoardNodeType is the type name of the REST dispatcher node
const ThingsBoardNodeType = "thingsboard"

var (
	// ErrUnknownOperation is reported when the configured operation is not in the table
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrUnsupportedBody is matched by BodyTypeError
	ErrUnsupportedBody = errors.New("unsupported body type")
)

// BodyTypeError is reported when a body parameter does not resolve to an
// object or a buffer
type BodyTypeError struct {
	Type string
}

func (e *BodyTypeError) Error() string {
	return fmt.Sprintf("Unsupported type: '%s', msg.payload must be JSON object or buffer.", e.Type)
}

// Is makes errors.Is(err, ErrUnsupportedBody) match
func (e *BodyTypeError) Is(target error) bool {
	return target == ErrUnsupportedBody
}

// CallError is reported when the remote call fails. Its text is the message
// the server put in the error body, when there is one.
type CallError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	return e.Message
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Caller performs one REST operation
type Caller interface {
	Call(ctx context.Context, op *operations.Operation, params operations.Params) (*tbclient.Response, error)
}

// ClientFactory builds a Caller for a server configuration
type ClientFactory func(cfg tbclient.Config) Caller

// DefaultClientFactory returns a tbclient.Client
func DefaultClientFactory(cfg tbclient.Config) Caller {
	return tbclient.New(cfg)
}

// ThingsBoardConfig is the static configuration of a dispatcher node
type ThingsBoardConfig struct {
	// Server is the connection the node calls
	Server tbclient.Config

	// Method names the operation, e.g. getDeviceByIdUsingGET
	Method string

	// Bindings maps operation parameter names to their sources
	Bindings Bindings
}

// Resolve builds the parameter set for one message. Every parameter of the
// operation takes its source's value, falling back to msg.payload when it is
// blank and the binding allows it. An unbound parameter is an empty literal,
// so it takes the payload. Body values must be objects or buffers.
func Resolve(op *operations.Operation, bindings Bindings, msg message.Message) (operations.Params, error) {
	params := make(operations.Params, len(op.Params))

	for _, p := range op.Params {
		b, bound := bindings[p.Name]
		if !bound {
			b = Bind(Literal(""))
		}

		value := resolveBinding(b, p, msg)
		if p.IsBody() {
			body, err := bodyValue(value)
			if err != nil {
				return nil, err
			}
			value = body
		}
		params[p.Name] = value
	}
	return params, nil
}

func resolveBinding(b Binding, p operations.Param, msg message.Message) any {
	var value any
	switch b.Source.Kind {
	case SourceMessage:
		if b.Source.Value != "" {
			v, ok := msg.Get(b.Source.Value)
			if ok {
				value = v
			}
		}
	default:
		value = b.Source.Value
		if p.IsBody() && b.Source.Value != "" {
			var parsed any
			if err := json.Unmarshal([]byte(b.Source.Value), &parsed); err == nil {
				value = parsed
			}
		}
	}

	if message.Blank(value) && b.Fallback {
		value = msg.Payload()
	}
	return value
}

func bodyValue(v any) (any, error) {
	switch body := v.(type) {
	case map[string]any, []any, []byte:
		return body, nil
	case message.Message:
		return map[string]any(body), nil
	}
	return nil, &BodyTypeError{Type: message.TypeName(v)}
}

// ThingsBoardNode dispatches every incoming message to one REST operation
type ThingsBoardNode struct {
	id        string
	config    ThingsBoardConfig
	op        *operations.Operation
	host      Host
	newClient ClientFactory
	journal   journal.Journal
	now       func() time.Time
}

// ThingsBoardOption customizes a ThingsBoardNode
type ThingsBoardOption func(*ThingsBoardNode)

// WithClientFactory replaces the REST client constructor
func WithClientFactory(factory ClientFactory) ThingsBoardOption {
	return func(n *ThingsBoardNode) {
		if factory != nil {
			n.newClient = factory
		}
	}
}

// WithJournal records every dispatch outcome
func WithJournal(j journal.Journal) ThingsBoardOption {
	return func(n *ThingsBoardNode) {
		n.journal = j
	}
}

// WithRegistry looks operations up in a custom table
func WithRegistry(r *operations.Registry) ThingsBoardOption {
	return func(n *ThingsBoardNode) {
		if r != nil {
			n.op, _ = r.Lookup(n.config.Method)
		}
	}
}

// NewThingsBoardNode creates a dispatcher. An unknown operation does not fail
// construction; every message is rejected instead.
func NewThingsBoardNode(id string, cfg ThingsBoardConfig, host Host, opts ...ThingsBoardOption) *ThingsBoardNode {
	if cfg.Bindings == nil {
		cfg.Bindings = Bindings{}
	}
	n := &ThingsBoardNode{
		id:        id,
		config:    cfg,
		host:      host,
		newClient: DefaultClientFactory,
		now:       time.Now,
	}
	n.op, _ = operations.Default().Lookup(cfg.Method)
	for _, opt := range opts {
		opt(n)
	}

	if n.op == nil {
		host.Logger().Warn("unknown operation configured", logging.F("operation", cfg.Method))
	} else {
		for _, name := range cfg.Bindings.Names() {
			if _, ok := n.op.Param(name); !ok {
				host.Logger().Warn("binding does not match any parameter", logging.F("operation", cfg.Method), logging.F("param", name))
			}
		}
	}
	return n
}

// ID implements Node
func (n *ThingsBoardNode) ID() string { return n.id }

// Type implements Node
func (n *ThingsBoardNode) Type() string { return ThingsBoardNodeType }

// Config returns the node configuration
func (n *ThingsBoardNode) Config() ThingsBoardConfig { return n.config }

// Operation returns the selected operation, nil when the name is unknown
func (n *ThingsBoardNode) Operation() *operations.Operation { return n.op }

// Receive implements Node
func (n *ThingsBoardNode) Receive(ctx context.Context, msg message.Message) {
	n.Input(ctx, msg)
}

// Close implements Node
func (n *ThingsBoardNode) Close() error { return nil }

// Input resolves the parameters of one message and starts the remote call.
// Configuration errors are reported before Input returns and no call is
// made. The returned Call completes when the outcome has been projected
// onto the message. Calls for different messages may complete in any order.
func (n *ThingsBoardNode) Input(ctx context.Context, msg message.Message) *Call {
	call := newCall(msg)

	if n.op == nil {
		n.reject(call, fmt.Errorf("%w '%s'", ErrUnknownOperation, n.config.Method))
		return call
	}

	params, err := Resolve(n.op, n.config.Bindings, msg)
	if err != nil {
		n.reject(call, err)
		return call
	}
	call.params = params

	client := n.client()
	n.host.Status(StatusRequesting)

	go func() {
		start := n.now()
		resp, err := client.Call(ctx, n.op, params)
		elapsed := n.now().Sub(start)

		if err != nil {
			callErr := n.callError(msg, err)
			n.host.Error(callErr, msg)
			n.host.Status(StatusError)
			n.record(ctx, msg, callErr.StatusCode, callErr, elapsed)
			call.complete(callErr)
			return
		}

		project(msg, resp)
		n.record(ctx, msg, resp.StatusCode, nil, elapsed)
		n.host.Status(Status{})
		n.host.Send(msg)
		call.complete(nil)
	}()

	return call
}

func (n *ThingsBoardNode) client() Caller {
	cfg := n.config.Server
	if tbclient.TokenExpired(cfg.Token, n.now()) {
		exp, _ := tbclient.TokenExpiry(cfg.Token)
		n.host.Logger().Warn("access token has expired", logging.F("expired_at", exp))
	}
	return n.newClient(cfg)
}

func (n *ThingsBoardNode) reject(call *Call, err error) {
	n.host.Error(err, call.msg)
	n.host.Status(StatusError)
	n.record(context.Background(), call.msg, 0, err, 0)
	call.complete(err)
}

func (n *ThingsBoardNode) callError(msg message.Message, err error) *CallError {
	var apiErr *tbclient.APIError
	if errors.As(err, &apiErr) {
		msg[message.KeyStatusCode] = apiErr.StatusCode
		if len(apiErr.Headers) > 0 {
			msg[message.KeyHeaders] = flattenHeaders(apiErr.Headers)
		}
		return &CallError{Message: apiErr.Message(), StatusCode: apiErr.StatusCode, Err: err}
	}
	return &CallError{Message: err.Error(), Err: err}
}

// project copies a successful response onto the message
func project(msg message.Message, resp *tbclient.Response) {
	msg.SetPayload(resp.Body)
	if resp.StatusCode != 0 {
		msg[message.KeyStatusCode] = resp.StatusCode
	}
	if resp.Headers != nil {
		msg[message.KeyHeaders] = flattenHeaders(resp.Headers)
	}
	if resp.URL != "" {
		msg[message.KeyResponseURL] = resp.URL
	}
}

func flattenHeaders(h map[string][]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = append([]string{}, v...)
		}
	}
	return out
}

// outcome classifies a dispatch for metrics
func outcome(err error) string {
	var callErr *CallError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &callErr) && callErr.StatusCode > 0:
		return metrics.OutcomeAPIError
	case callErr != nil:
		return metrics.OutcomeTransportError
	}
	return metrics.OutcomeConfigError
}

func (n *ThingsBoardNode) record(ctx context.Context, msg message.Message, status int, err error, elapsed time.Duration) {
	result := outcome(err)
	metrics.DispatchCount.WithLabelValues(n.id, n.config.Method, result).Inc()
	if result != metrics.OutcomeConfigError {
		metrics.DispatchTime.WithLabelValues(n.config.Method).Observe(elapsed.Seconds())
	}

	if n.journal == nil {
		return
	}
	rec := journal.Record{
		ID:         uuid.NewString(),
		NodeID:     n.id,
		Operation:  n.config.Method,
		MessageID:  msg.ID(),
		StatusCode: status,
		Duration:   elapsed,
		Time:       n.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := n.journal.Append(context.WithoutCancel(ctx), rec); jerr != nil {
		n.host.Logger().Warn("failed to record call", logging.Err(jerr))
	}
}

// Call is the pending outcome of one dispatch
type Call struct {
	msg    message.Message
	params operations.Params
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func newCall(msg message.Message) *Call {
	return &Call{msg: msg, done: make(chan struct{})}
}

func (c *Call) complete(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Done returns a channel closed when the call has completed
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes or ctx is done
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the dispatch error, nil while pending or on success
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Message returns the message the call was made for
func (c *Call) Message() message.Message {
	return c.msg
}

// Params returns the resolved parameter set, nil when resolution failed
func (c *Call) Params() operations.Params {
	return c.params
}
