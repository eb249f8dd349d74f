package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
)

const (
	MQTTInNodeType  = "mqtt in"
	MQTTOutNodeType = "mqtt out"
)

var errMQTTNotConfigured = errors.New("mqtt broker is not configured")

// MQTTClient is the subset of a broker connection the mqtt nodes use
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
	Close()
}

// MQTTDialer opens broker connections
type MQTTDialer interface {
	Dial(clientID string) (MQTTClient, error)
}

// PahoDialer connects to a broker with the Eclipse Paho client
type PahoDialer struct {
	Broker         string
	ClientIDPrefix string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Dial implements MQTTDialer
func (d *PahoDialer) Dial(clientID string) (MQTTClient, error) {
	if d.Broker == "" {
		return nil, errMQTTNotConfigured
	}
	if d.ClientIDPrefix != "" {
		clientID = d.ClientIDPrefix + "-" + clientID
	}

	opts := mqtt.NewClientOptions().AddBroker(d.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	if d.Username != "" {
		opts.SetUsername(d.Username)
		opts.SetPassword(d.Password)
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", d.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &pahoClient{client: c}, nil
}

type pahoClient struct {
	client mqtt.Client
}

func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tok := c.client.Publish(topic, qos, retained, payload)
	tok.Wait()
	return tok.Error()
}

func (c *pahoClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	tok.Wait()
	return tok.Error()
}

func (c *pahoClient) Unsubscribe(topics ...string) error {
	tok := c.client.Unsubscribe(topics...)
	tok.Wait()
	return tok.Error()
}

func (c *pahoClient) Close() {
	c.client.Disconnect(250)
}

// mqttNode holds the connection shared by both mqtt node types
type mqttNode struct {
	id     string
	host   Host
	dialer MQTTDialer
	topic  string
	qos    byte

	mu     sync.Mutex
	client MQTTClient
}

func newMQTTNode(id string, params map[string]interface{}, host Host, env *Env) (*mqttNode, error) {
	if env == nil || env.MQTT == nil {
		return nil, errMQTTNotConfigured
	}
	qos := intParam(params, "qos", 0)
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid qos: %d", qos)
	}
	return &mqttNode{
		id:     id,
		host:   host,
		dialer: env.MQTT,
		topic:  stringParam(params, "topic", ""),
		qos:    byte(qos),
	}, nil
}

func (n *mqttNode) connect() (MQTTClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		return n.client, nil
	}
	c, err := n.dialer.Dial(n.id)
	if err != nil {
		n.host.Status(StatusDisconnected)
		return nil, err
	}
	n.client = c
	n.host.Status(StatusConnected)
	return c, nil
}

func (n *mqttNode) Close() error {
	n.mu.Lock()
	c := n.client
	n.client = nil
	n.mu.Unlock()
	if c != nil {
		c.Close()
	}
	return nil
}

// MQTTInNode turns broker messages into flow messages
type MQTTInNode struct {
	*mqttNode
}

// NewMQTTInNode creates a subscriber node. "topic" is required.
func NewMQTTInNode(id string, params map[string]interface{}, host Host, env *Env) (Node, error) {
	base, err := newMQTTNode(id, params, host, env)
	if err != nil {
		return nil, err
	}
	if base.topic == "" {
		return nil, fmt.Errorf("topic parameter is required")
	}
	return &MQTTInNode{mqttNode: base}, nil
}

func (n *MQTTInNode) ID() string   { return n.id }
func (n *MQTTInNode) Type() string { return MQTTInNodeType }

// Start implements Starter
func (n *MQTTInNode) Start(_ context.Context) error {
	c, err := n.connect()
	if err != nil {
		return err
	}
	if err := c.Subscribe(n.topic, n.qos, n.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.topic, err)
	}
	n.host.Logger().Info("subscribed", logging.F("topic", n.topic))
	return nil
}

func (n *MQTTInNode) handle(topic string, payload []byte) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = string(payload)
	}
	msg := message.New(value)
	msg[message.KeyTopic] = topic
	msg["qos"] = int(n.qos)
	n.host.Send(msg)
}

// Receive ignores input; subscriber nodes only emit
func (n *MQTTInNode) Receive(_ context.Context, _ message.Message) {}

// Close unsubscribes and disconnects
func (n *MQTTInNode) Close() error {
	n.mu.Lock()
	c := n.client
	n.mu.Unlock()
	if c != nil {
		if err := c.Unsubscribe(n.topic); err != nil {
			n.host.Logger().Warn("unsubscribe failed", logging.Err(err))
		}
	}
	return n.mqttNode.Close()
}

// MQTTOutNode publishes message payloads to the broker
type MQTTOutNode struct {
	*mqttNode
	retain bool
}

// NewMQTTOutNode creates a publisher node. Without a "topic" parameter the
// message's topic is used.
func NewMQTTOutNode(id string, params map[string]interface{}, host Host, env *Env) (Node, error) {
	base, err := newMQTTNode(id, params, host, env)
	if err != nil {
		return nil, err
	}
	return &MQTTOutNode{mqttNode: base, retain: boolParam(params, "retain", false)}, nil
}

func (n *MQTTOutNode) ID() string   { return n.id }
func (n *MQTTOutNode) Type() string { return MQTTOutNodeType }

// Start implements Starter
func (n *MQTTOutNode) Start(_ context.Context) error {
	_, err := n.connect()
	return err
}

// Receive implements Node
func (n *MQTTOutNode) Receive(_ context.Context, msg message.Message) {
	topic := n.topic
	if topic == "" {
		topic = msg.Topic()
	}
	if topic == "" {
		n.host.Error(fmt.Errorf("no topic to publish to"), msg)
		return
	}

	data, err := encodePayload(msg.Payload())
	if err != nil {
		n.host.Error(err, msg)
		return
	}

	c, err := n.connect()
	if err != nil {
		n.host.Error(err, msg)
		return
	}
	if err := c.Publish(topic, n.qos, n.retain, data); err != nil {
		n.host.Error(fmt.Errorf("failed to publish to %s: %w", topic, err), msg)
	}
}

func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
