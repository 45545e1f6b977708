package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/logger"
)

// LogSink writes each event as an info line.
type LogSink struct {
	Log *logger.Logger
}

// Send logs e.
func (s LogSink) Send(_ context.Context, e Event) error {
	s.Log.Info().
		Str("event", e.ID.String()).
		Str("detector", e.Detector).
		Str("label", e.Label).
		Float32("confidence", e.Confidence).
		Msg(e.Message)
	return nil
}

// MQTTClient is the subset of mqtt.Client used by MQTTSink.
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	// Broker is host:port.
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	// Topic prefix; events go to <Topic>/<detector>.
	Topic   string        `yaml:"topic" json:"topic"`
	QoS     byte          `yaml:"qos" json:"qos" validate:"lte=2"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// MQTTSink publishes events as JSON to an MQTT broker.
type MQTTSink struct {
	client  MQTTClient
	topic   string
	qos     byte
	timeout time.Duration

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTSink wraps an existing client.
func NewMQTTSink(client MQTTClient, topic string, qos byte, timeout time.Duration) *MQTTSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTSink{client: client, topic: topic, qos: qos, timeout: timeout}
}

// DialMQTT connects to the broker with auto-reconnect and returns a sink.
//
// Arguments:
//   - opts: The broker, client id, topic and QoS.
//   - log: Connection state changes are logged here.
//
// Returns:
//   - *MQTTSink: The sink.
//   - mqtt.Client: The client, for Disconnect at shutdown.
//   - error: An error if the first connection fails or times out.
func DialMQTT(opts MQTTOptions, log *logger.Logger) (*MQTTSink, mqtt.Client, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)

	co.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", opts.Broker).Msg("mqtt connection established")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", opts.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, errors.Wrap(err, "mqtt connection failed")
	}

	return NewMQTTSink(client, opts.Topic, opts.QoS, opts.Timeout), client, nil
}

// Send publishes e to <topic>/<detector>.
func (s *MQTTSink) Send(_ context.Context, e Event) error {
	if !s.client.IsConnected() {
		s.count(false)
		return errors.New("mqtt not connected")
	}

	payload, err := json.Marshal(e)
	if err != nil {
		s.count(false)
		return errors.Wrap(err, "failed to marshal alert")
	}

	topic := s.topic
	if e.Detector != "" {
		topic = fmt.Sprintf("%s/%s", s.topic, e.Detector)
	}

	token := s.client.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		s.count(false)
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.count(false)
		return errors.Wrap(err, "publish failed")
	}

	s.count(true)
	return nil
}

// Counts returns published and failed totals.
func (s *MQTTSink) Counts() (published, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published, s.errors
}

func (s *MQTTSink) count(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.published++
	} else {
		s.errors++
	}
}
