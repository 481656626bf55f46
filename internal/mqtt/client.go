// Package mqtt connects rules to an MQTT broker: topics are exposed as event
// sources and notifications can be published to per-channel topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const operationTimeout = 10 * time.Second

// Config holds broker connection settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MessageHandler receives a message published on a subscribed topic filter
type MessageHandler func(topic string, payload []byte)

type handlerEntry struct {
	id      int
	handler MessageHandler
}

// Client wraps a paho client. Several handlers may share one topic filter; the
// broker subscription is made for the first and dropped with the last.
type Client struct {
	client paho.Client
	qos    byte
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[string][]handlerEntry
}

// NewClient creates a Client for the configured broker. Call Connect before use.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := newClient(nil, cfg.QoS, logger)
	opts.SetOnConnectHandler(func(paho.Client) { c.resubscribe() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	c.client = paho.NewClient(opts)
	return c
}

// NewClientWith wraps an existing paho client
func NewClientWith(client paho.Client, qos byte, logger *zap.Logger) *Client {
	return newClient(client, qos, logger)
}

func newClient(client paho.Client, qos byte, logger *zap.Logger) *Client {
	return &Client{
		client:   client,
		qos:      qos,
		logger:   logger.Named("mqtt"),
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect connects to the broker
func (c *Client) Connect() error {
	if err := wait(c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	c.logger.Info("Connected to MQTT broker")
	return nil
}

// Disconnect closes the broker connection
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Subscribe registers handler for topic (wildcards allowed). The returned func
// removes the handler.
func (c *Client) Subscribe(topic string, handler MessageHandler) (func() error, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.handlers[topic]) == 0
	c.handlers[topic] = append(c.handlers[topic], handlerEntry{id: id, handler: handler})
	c.mu.Unlock()

	if first {
		if err := wait(c.client.Subscribe(topic, c.qos, c.route(topic))); err != nil {
			c.remove(topic, id)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		c.logger.Debug("Subscribed", zap.String("topic", topic))
	}

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = c.unsubscribe(topic, id) })
		return err
	}, nil
}

func (c *Client) unsubscribe(topic string, id int) error {
	if !c.remove(topic, id) {
		return nil
	}
	if err := wait(c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	c.logger.Debug("Unsubscribed", zap.String("topic", topic))
	return nil
}

// remove drops handler id and reports whether topic has no handlers left
func (c *Client) remove(topic string, id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.handlers[topic]
	for i, entry := range entries {
		if entry.id == id {
			c.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[topic]) == 0 {
		delete(c.handlers, topic)
		return true
	}
	return false
}

func (c *Client) route(filter string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c.mu.Lock()
		entries := append([]handlerEntry(nil), c.handlers[filter]...)
		c.mu.Unlock()

		for _, entry := range entries {
			entry.handler(msg.Topic(), msg.Payload())
		}
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		if err := wait(c.client.Subscribe(topic, c.qos, c.route(topic))); err != nil {
			c.logger.Error("Failed to resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Publish sends payload to topic. Strings and byte slices are sent as is,
// anything else is JSON encoded.
func (c *Client) Publish(ctx context.Context, topic string, payload interface{}, retained bool) error {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", topic, err)
		}
		body = data
	}

	token := c.client.Publish(topic, c.qos, retained, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func wait(token paho.Token) error {
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timed out after %s", operationTimeout)
	}
	return token.Error()
}
