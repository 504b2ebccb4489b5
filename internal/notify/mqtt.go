package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout   = 5 * time.Second
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Broker is the message transport used by the notifier and the control handler.
type Broker interface {
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Broker address, host:port or a full URL (tcp://, ssl://, ws://)
	Broker string
	// ClientID defaults to "camgrab"
	ClientID string
	Username string
	Password string
}

// MQTT is a Broker backed by paho with automatic reconnection.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

var _ Broker = (*MQTT)(nil)

// NewMQTT creates an unconnected client.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "camgrab"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{cfg: cfg, logger: logger}
}

// brokerURL adds the tcp:// scheme to a bare host:port.
func brokerURL(broker string) string {
	for _, scheme := range []string{"tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://", "mqtts://"} {
		if strings.HasPrefix(broker, scheme) {
			return broker
		}
	}
	return "tcp://" + broker
}

// Connect establishes the connection, waiting at most 5 seconds.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("notify: mqtt connection established",
			"broker", m.cfg.Broker,
			"client_id", m.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("notify: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", m.cfg.Broker,
		)
	}

	m.client = mqtt.NewClient(opts)
	m.logger.Info("notify: connecting to mqtt broker", "broker", m.cfg.Broker)

	token := m.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("notify: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

// Publish sends payload and waits for the delivery token.
func (m *MQTT) Publish(topic string, qos byte, payload []byte) error {
	if !m.isConnected() {
		m.countError()
		return fmt.Errorf("notify: mqtt not connected")
	}
	token := m.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.countError()
		return fmt.Errorf("notify: publish to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("notify: publish to %s: %w", topic, err)
	}
	m.mu.Lock()
	m.published++
	m.mu.Unlock()
	return nil
}

// Subscribe registers handler for topic.
func (m *MQTT) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	if m.client == nil {
		return fmt.Errorf("notify: mqtt not connected")
	}
	token := m.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("notify: subscribe to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: subscribe to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription of topic.
func (m *MQTT) Unsubscribe(topic string) error {
	if m.client == nil || !m.client.IsConnected() {
		return nil
	}
	token := m.client.Unsubscribe(topic)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("notify: unsubscribe from %s timeout", topic)
	}
	return token.Error()
}

// Disconnect closes the connection with a 250ms grace period.
func (m *MQTT) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("notify: mqtt disconnected")
	}
	m.setConnected(false)
}

// MQTTStats contains client counters.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns a snapshot of the client counters.
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MQTTStats{Connected: m.connected, Published: m.published, Errors: m.errors}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
