package runtime

import (
	"context"
	"sync"

	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/operations"
	"github.com/tcmartin/tbflow/pkg/tbclient"
)

// fakeHost records everything a node reports
type fakeHost struct {
	mu       sync.Mutex
	id       string
	sent     []message.Message
	errs     []error
	statuses []Status
	debug    []any
}

func newFakeHost(id string) *fakeHost {
	return &fakeHost{id: id}
}

func (h *fakeHost) NodeID() string { return h.id }

func (h *fakeHost) Send(msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
}

func (h *fakeHost) Error(err error, _ message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *fakeHost) Status(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, s)
}

func (h *fakeHost) Debug(data any, _ message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debug = append(h.debug, data)
}

func (h *fakeHost) Logger() logging.Logger { return logging.Nop() }

func (h *fakeHost) Sent() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Message{}, h.sent...)
}

func (h *fakeHost) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error{}, h.errs...)
}

func (h *fakeHost) Statuses() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status{}, h.statuses...)
}

func (h *fakeHost) Debugged() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any{}, h.debug...)
}

// fakeCaller stands in for the REST client
type fakeCaller struct {
	mu     sync.Mutex
	calls  []operations.Params
	config tbclient.Config
	resp   *tbclient.Response
	err    error
	gate   func(params operations.Params)
}

func (c *fakeCaller) factory(cfg tbclient.Config) Caller {
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return c
}

func (c *fakeCaller) Call(_ context.Context, _ *operations.Operation, params operations.Params) (*tbclient.Response, error) {
	if c.gate != nil {
		c.gate(params)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, params)
	if c.err != nil {
		return nil, c.err
	}
	if c.resp == nil {
		return &tbclient.Response{StatusCode: 200}, nil
	}
	return c.resp, nil
}

func (c *fakeCaller) Calls() []operations.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]operations.Params{}, c.calls...)
}

// fakeMQTT is an in-memory broker connection
type fakeMQTT struct {
	mu        sync.Mutex
	dialed    []string
	published []fakePublish
	handlers  map[string]func(string, []byte)
	closed    bool
	dialErr   error
}

type fakePublish struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

func (f *fakeMQTT) Dial(clientID string) (MQTTClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.dialed = append(f.dialed, clientID)
	if f.handlers == nil {
		f.handlers = make(map[string]func(string, []byte))
	}
	return f, nil
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return nil
}

func (f *fakeMQTT) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMQTT) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}
