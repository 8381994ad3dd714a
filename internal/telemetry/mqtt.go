package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errNotConnected = errors.New("telemetry: mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTPublisher publishes reports to an MQTT broker at QoS 0.
type MQTTPublisher struct {
	log       *slog.Logger
	broker    string
	client    mqtt.Client
	connected atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
}

// NewMQTTPublisher configures a publisher for broker. A broker without a
// scheme is taken as tcp://. Nothing is dialed until Connect.
func NewMQTTPublisher(broker, clientID string, log *slog.Logger) *MQTTPublisher {
	if log == nil {
		log = slog.Default()
	}
	p := &MQTTPublisher{
		log:    log.With("component", "mqtt", "broker", broker),
		broker: brokerURL(broker),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		p.log.Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}
	p.client = mqtt.NewClient(opts)
	return p
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect dials the broker, giving up after connectTimeout or when ctx
// ends.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connect %s: timeout", p.broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.broker, err)
	}
	p.connected.Store(true)
	return nil
}

// Start connects in the background and returns at once. Publish fails
// with errNotConnected until the broker is reached; the client keeps
// retrying until Close.
func (p *MQTTPublisher) Start(ctx context.Context) {
	go func() {
		if err := p.Connect(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("mqtt broker unavailable, retrying in background", "error", err)
		}
	}()
}

// Publish sends payload to topic.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.connected.Load() {
		p.failed.Add(1)
		return errNotConnected
	}
	token := p.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

// Close disconnects with a short grace period, abandoning any connect
// attempt still in progress.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	p.connected.Store(false)
	p.log.Info("mqtt disconnected", "published", p.published.Load(), "failed", p.failed.Load())
}
