// Package mqtt wraps the paho client with auto-reconnect and resubscription,
// exposing just the subscribe surface the room controllers need.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler receives one decoded message from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Subscriber is the surface room controllers use.
type Subscriber interface {
	Subscribe(topic string, handler MessageHandler) error
}

// Config holds broker connection settings.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// Client is a thin wrapper over paho that re-establishes subscriptions after
// a reconnect.
type Client struct {
	client pahomqtt.Client
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
}

// NewClient connects to the broker. The connection keeps retrying in the
// background once established; the initial connect failing is fatal.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	c := &Client{
		logger:        logger.Named("mqtt"),
		subscriptions: make(map[string]MessageHandler),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	c.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return c, nil
}

// Subscribe registers a handler for a topic. The subscription survives
// reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.logger.Debug("Subscribed", zap.String("topic", topic))
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *Client) onConnect(_ pahomqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.Error("Failed to restore subscription", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost, reconnecting", zap.Error(err))
}
