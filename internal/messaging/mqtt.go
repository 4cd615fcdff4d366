package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"detectx/internal/config"
)

// ErrNotConnected is returned while the broker connection is down
var ErrNotConnected = errors.New("mqtt not connected")

// Presence is the retained message on connect/<device>
type Presence struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

// MQTTPublisher publishes crops, events and summaries to an MQTT broker
type MQTTPublisher struct {
	cfg     config.MQTTConfig
	device  string
	address string
	client  mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTPublisher creates a publisher for device. Connect must be called before use.
func NewMQTTPublisher(cfg config.MQTTConfig, device, address string) *MQTTPublisher {
	return &MQTTPublisher{
		cfg:       cfg,
		device:    device,
		address:   address,
		published: make(map[string]uint64),
	}
}

// PresenceTopic returns connect/<device>
func (p *MQTTPublisher) PresenceTopic() string {
	return "connect/" + p.device
}

// BrokerURL adds a tcp:// scheme when the broker is a bare host:port
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its own
// afterwards and republishes presence every time it does.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	will, err := json.Marshal(Presence{Connected: false})
	if err != nil {
		return fmt.Errorf("failed to marshal will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(p.PresenceTopic(), will, p.cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		log.Info().
			Str("component", "mqtt").
			Str("broker", p.cfg.Broker).
			Str("client_id", p.cfg.ClientID).
			Msg("MQTT connection established")
		go p.announce(true)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		log.Warn().
			Str("component", "mqtt").
			Err(err).
			Str("broker", p.cfg.Broker).
			Msg("MQTT connection lost, will auto-reconnect")
	}

	p.client = mqtt.NewClient(opts)

	log.Info().Str("component", "mqtt").Str("broker", p.cfg.Broker).Msg("Connecting to MQTT broker")

	token := p.client.Connect()
	if err := wait(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Publish sends payload to topic with the configured QoS
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if p.client == nil || !p.isConnected() {
		p.countError()
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if err := wait(ctx, token, p.cfg.PublishTimeoutDuration()); err != nil {
		p.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	log.Debug().
		Str("component", "mqtt").
		Str("topic", topic).
		Int("size", len(payload)).
		Bool("retained", retained).
		Msg("Message published")
	return nil
}

// Close publishes the disconnected presence message and disconnects
func (p *MQTTPublisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnected() {
		p.announce(false)
		p.client.Disconnect(250)
		log.Info().Str("component", "mqtt").Msg("MQTT disconnected")
	}
	p.setConnected(false)
	return nil
}

// Stats returns publisher statistics
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{
		Connected: p.connected,
		Published: published,
		Errors:    p.errors,
	}
}

func (p *MQTTPublisher) announce(connected bool) {
	msg := Presence{Connected: connected}
	if connected {
		msg.Address = p.address
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeoutDuration())
	defer cancel()
	if err := p.Publish(ctx, p.PresenceTopic(), data, true); err != nil {
		log.Warn().Str("component", "mqtt").Err(err).Msg("Failed to publish presence")
	}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// wait blocks until token completes, the timeout passes or ctx is done
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
