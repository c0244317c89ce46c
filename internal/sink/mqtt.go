package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
)

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Disconnect()
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultPublishTimeout = 10 * time.Second
)

// FrameMessage is the JSON payload published per image.
type FrameMessage struct {
	RunID      string                `json:"run_id"`
	Index      int                   `json:"index"`
	Name       string                `json:"name"`
	Detections []detection.Detection `json:"detections"`
}

// RunMessage is published to <topic>/run at the start and end of a run.
type RunMessage struct {
	RunID     string `json:"run_id"`
	Event     string `json:"event"` // started | finished | failed
	Mode      string `json:"mode,omitempty"`
	Total     int    `json:"total,omitempty"`
	Processed int    `json:"processed,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MQTTSink publishes detections to a broker.
type MQTTSink struct {
	pub    Publisher
	topic  string
	qos    byte
	retain bool
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(ctx context.Context, cfg MQTTConfig) (*MQTTSink, error) {
	pub, err := dialPaho(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewMQTTSinkWithPublisher(pub, cfg.Topic, cfg.QoS, cfg.Retain), nil
}

// NewMQTTSinkWithPublisher builds a sink over an existing publisher.
func NewMQTTSinkWithPublisher(pub Publisher, topic string, qos byte, retain bool) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, qos: qos, retain: retain}
}

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Start(ctx context.Context, run RunInfo) error {
	return m.publish(ctx, m.topic+"/run", RunMessage{
		RunID: run.ID,
		Event: "started",
		Mode:  run.Mode,
		Total: run.Total,
	})
}

func (m *MQTTSink) Save(ctx context.Context, item Item) error {
	dets := item.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	return m.publish(ctx, m.topic, FrameMessage{
		RunID:      item.RunID,
		Index:      item.Index,
		Name:       item.Name,
		Detections: dets,
	})
}

func (m *MQTTSink) Finish(ctx context.Context, summary Summary) error {
	msg := RunMessage{
		RunID:     summary.RunID,
		Event:     "finished",
		Processed: summary.Processed,
		ElapsedMs: summary.Elapsed.Milliseconds(),
	}
	if summary.Err != nil {
		msg.Event = "failed"
		msg.Error = errors.ScrubMessage(summary.Err.Error())
	}
	return m.publish(context.WithoutCancel(ctx), m.topic+"/run", msg)
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() error {
	m.pub.Disconnect()
	return nil
}

func (m *MQTTSink) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.New(err).
			Component("sink").
			Category(errors.CategoryProcessing).
			Context("operation", "marshal").
			Build()
	}
	if err := m.pub.Publish(ctx, topic, m.qos, m.retain, payload); err != nil {
		return errors.New(err).
			Component("sink").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	return nil
}

// pahoPublisher adapts a paho client to Publisher.
type pahoPublisher struct {
	client         mqtt.Client
	publishTimeout time.Duration
}

func dialPaho(ctx context.Context, cfg MQTTConfig) (*pahoPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "detectpipe-" + uuid.NewString()[:8]
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	log := GetLogger().Module("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to MQTT broker", logger.String("broker", errors.ScrubMessage(cfg.Broker)))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", logger.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token, connectTimeout); err != nil {
		return nil, errors.New(fmt.Errorf("connection error: %w", err)).
			Component("sink").
			Category(errors.CategoryMQTTConnect).
			Context("broker", errors.ScrubMessage(cfg.Broker)).
			Build()
	}

	return &pahoPublisher{client: client, publishTimeout: publishTimeout}, nil
}

func (p *pahoPublisher) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}
	return waitToken(ctx, p.client.Publish(topic, qos, retain, payload), p.publishTimeout)
}

func (p *pahoPublisher) Disconnect() {
	p.client.Disconnect(250)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	}
}
