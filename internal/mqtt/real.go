package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// bufferCapacity bounds how many messages are held while the broker
// is unreachable.
const bufferCapacity = 256

// Options configures the real publisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// RealPublisher publishes to an actual MQTT broker. Messages sent
// while disconnected are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	prefix string

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher creates a publisher connected to the given broker.
// The system topic carries a last-will so consumers see an unclean
// exit.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.ClientID == "" {
		o.ClientID = "fermd"
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = DefaultTopicPrefix
	}

	p := &RealPublisher{
		prefix: o.TopicPrefix,
		buf:    newRingBuffer(bufferCapacity),
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(SystemTopic(o.TopicPrefix), string(WillPayload()), 1, true).
		SetOnConnectHandler(p.onConnect)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Publish sends a message to the MQTT broker, buffering it if the
// connection is down.
func (p *RealPublisher) Publish(msg Message) error {
	if !p.client.IsConnected() {
		p.mu.Lock()
		p.buf.push(msg)
		n := p.buf.len()
		p.mu.Unlock()
		log.Printf("mqtt: disconnected, buffered %s (%d pending)", msg.Topic, n)
		return nil
	}

	token := p.client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
// QoS 1 (at-least-once) so startup and shutdown are not lost.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.Publish(Message{
		Topic:    SystemTopic(p.prefix),
		Payload:  payload,
		QoS:      1,
		Retained: event.Retained,
	})
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

// onConnect replays anything buffered while disconnected.
func (p *RealPublisher) onConnect(client paho.Client) {
	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Printf("mqtt: reconnected, replaying %d buffered messages", len(pending))
	for _, msg := range pending {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
		if !token.WaitTimeout(5 * time.Second) {
			log.Printf("mqtt: replay timeout on %s", msg.Topic)
			continue
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: replay %s: %v", msg.Topic, err)
		}
	}
}
