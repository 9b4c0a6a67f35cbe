package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTDialer subscribes to <TopicPrefix>/<pool> on an MQTT broker, one
// client per feed. Paho's own auto-reconnect is disabled; the feed loop
// owns retry and backoff.
type MQTTDialer struct {
	Broker         string // e.g. tcp://localhost:1883
	TopicPrefix    string // e.g. zfs/iostat
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// NewMQTTDialer returns a dialer for broker using the given topic prefix
func NewMQTTDialer(broker, topicPrefix string) *MQTTDialer {
	return &MQTTDialer{
		Broker:         broker,
		TopicPrefix:    topicPrefix,
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// Topic returns the topic carrying samples for resource
func (d *MQTTDialer) Topic(resource string) string {
	return strings.TrimRight(d.TopicPrefix, "/") + "/" + resource
}

// Dial connects to the broker and subscribes to the pool's topic
func (d *MQTTDialer) Dial(ctx context.Context, resource string) (Stream, error) {
	topic := d.Topic(resource)
	stream := &mqttStream{
		topic: topic,
		msgs:  make(chan []byte, 256),
		errs:  make(chan error, 1),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.Broker)
	opts.SetClientID(fmt.Sprintf("zfsdash-%s-%d", resource, time.Now().UnixNano()))
	opts.SetKeepAlive(d.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(d.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		stream.fail(fmt.Errorf("mqtt connection lost: %w", err))
	})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		// Disconnect aborts an attempt still in flight; it blocks until the
		// attempt settles, which the cancelled feed must not wait for.
		go client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", d.Broker, err)
	}

	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		stream.deliver(msg.Payload())
	})
	if err := waitToken(ctx, token); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}

	log.Printf("[MQTT] subscribed to %s", topic)
	stream.client = client
	return stream, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttStream struct {
	client mqtt.Client
	topic  string
	msgs   chan []byte
	errs   chan error

	closeOnce sync.Once
	dropped   uint64
	mu        sync.Mutex
}

func (s *mqttStream) deliver(payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case s.msgs <- data:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n == 1 || n%100 == 0 {
			log.Printf("[MQTT] %s: consumer behind, dropped %d messages", s.topic, n)
		}
	}
}

func (s *mqttStream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *mqttStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.msgs:
		return data, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *mqttStream) Close() error {
	s.closeOnce.Do(func() {
		if s.client != nil && s.client.IsConnected() {
			s.client.Unsubscribe(s.topic)
			s.client.Disconnect(250)
		}
	})
	return nil
}
