// Package sink forwards monitor readings to external systems: an MQTT
// broker and an InfluxDB v3 database.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string // topic prefix; readings go to <prefix>/<pid>
	QoS      byte
}

// publisher is the part of MQTT.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

// MQTTPublisher publishes each reading as JSON on a per-PID topic.
type MQTTPublisher struct {
	client MQTT.Client
	pub    publisher
	prefix string
	qos    byte
}

// Payload is the JSON body of a published reading.
type Payload struct {
	PID   string   `json:"pid"`
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
	Raw   string   `json:"raw"`
	Stamp int64    `json:"stamp"` // Unix ms
}

// NewMQTTPublisher configures a client for cfg. Nothing is dialed until
// Connect.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(MQTT.Client) {
		log.Printf("[mqtt] connected to %s", cfg.Broker)
	})

	c := MQTT.NewClient(opts)
	return &MQTTPublisher{client: c, pub: c, prefix: strings.TrimSuffix(cfg.Prefix, "/"), qos: cfg.QoS}
}

// Connect dials the broker. With connect-retry enabled the token only
// completes once a connection succeeds, so ctx bounds the wait.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	tok := p.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("sink: mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink: mqtt connect: %w", ctx.Err())
	}
}

// Topic returns the topic a PID is published on.
func (p *MQTTPublisher) Topic(pid string) string {
	if p.prefix == "" {
		return pid
	}
	return p.prefix + "/" + pid
}

// Publish sends r without waiting for the broker. Its signature matches
// monitor.Listener; delivery failures are logged.
func (p *MQTTPublisher) Publish(r obd.Reading) {
	body, err := json.Marshal(Payload{
		PID:   r.PID,
		Value: r.Value,
		Unit:  r.Unit,
		Raw:   r.Raw,
		Stamp: r.Timestamp.UnixMilli(),
	})
	if err != nil {
		log.Printf("[mqtt] marshal %s: %v", r.PID, err)
		return
	}
	topic := p.Topic(r.PID)
	tok := p.pub.Publish(topic, p.qos, false, body)
	go func(t MQTT.Token) {
		if t.WaitTimeout(time.Second) && t.Error() != nil {
			log.Printf("[mqtt] publish %s: %v", topic, t.Error())
		}
	}(tok)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(500)
	}
}
