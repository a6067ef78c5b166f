// Package mqtt wraps the paho client for the camera driver, notifications and status
// publishing.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"allsky/internal/config"
)

// ErrNotConnected is returned by Publish and Subscribe before Connect succeeds.
var ErrNotConnected = errors.New("mqtt client not connected")

// MessageHandler receives the topic and raw payload of a message.
type MessageHandler func(topic string, payload []byte) error

// Publisher is the publishing half of Client.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// PubSub is the part of Client the camera driver needs.
type PubSub interface {
	Publisher
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Client wraps a paho client with slog logging.
type Client struct {
	client  paho.Client
	log     *slog.Logger
	broker  string
	timeout time.Duration
}

// NewClient prepares a client from the mqtt config section. It does not connect.
func NewClient(cfg config.MQTT, log *slog.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := seconds(cfg.ConnectTimeout, 10*time.Second)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(seconds(cfg.KeepAlive, 30*time.Second))
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Error("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Info("MQTT connected", "broker", cfg.BrokerURL)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		log.Info("MQTT reconnecting")
	})

	return &Client{client: paho.NewClient(opts), log: log, broker: cfg.BrokerURL, timeout: timeout}, nil
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	c.log.Info("Connecting to MQTT broker", "broker", c.broker)
	token := c.client.Connect()
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt connect timeout after %v", c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection with a short grace period.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends payload and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error("MQTT publish failed", "topic", topic, "error", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.log.Debug("MQTT message published", "topic", topic, "size", len(payload))
	return nil
}

// PublishJSON marshals payload before publishing.
func PublishJSON(p Publisher, topic string, qos byte, retained bool, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(topic, qos, retained, data)
}

// Subscribe registers handler for topic. Handler errors are logged.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	cb := func(_ paho.Client, msg paho.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log.Error("MQTT handler error", "topic", msg.Topic(), "error", err)
		}
	}
	token := c.client.Subscribe(topic, qos, cb)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.log.Info("Subscribed to topic", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}
