// Package telemetry mirrors a balancing run onto MQTT: loop snapshots and
// fall events are published for dashboards and navigation layers, and steering
// commands are accepted on a topic.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/BalanGo/internal/balance"
	"github.com/cjeanneret/BalanGo/internal/debug"
)

// Config holds the broker connection and topic layout.
type Config struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QueueSize   int    `yaml:"queue_size"`
}

// Topic names under TopicPrefix.
const (
	TopicState = "state"
	TopicFall  = "fall"
	TopicSteer = "steer"
)

const publishTimeout = 2 * time.Second

// fallQueueTimeout bounds how long OnFallen, which runs on the loop
// goroutine, waits for room in a full queue.
const fallQueueTimeout = 500 * time.Millisecond

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Steerer receives steering commands from the steer topic.
type Steerer interface {
	Steer(left, right float64)
}

// StatePayload is published on <prefix>/state.
type StatePayload struct {
	RunID string `json:"run_id"`
	balance.Snapshot
}

// FallPayload is published on <prefix>/fall.
type FallPayload struct {
	RunID     string             `json:"run_id"`
	Reason    balance.FallReason `json:"reason"`
	ElapsedMs int64              `json:"elapsed_ms"`
	Tilt      float64            `json:"tilt"`
	Ticks     int64              `json:"ticks"`
}

// SteerPayload is accepted on <prefix>/steer.
type SteerPayload struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

type message struct {
	topic    string
	retained bool
	payload  interface{}
}

// Publisher sends loop telemetry from a background goroutine so the control
// loop never waits on the network. When the queue is full snapshots are
// dropped; fall events wait a bounded time for room before being dropped.
type Publisher struct {
	client Client
	cfg    Config
	runID  string

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	queue   chan message
	wg      sync.WaitGroup
	dropped atomic.Int64

	fallWait time.Duration
}

// Connect dials the broker and returns a running publisher.
func Connect(cfg Config, runID string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	debug.Info("Connected to MQTT broker %s as %s", cfg.Broker, cfg.ClientID)
	return NewPublisher(client, cfg, runID), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client Client, cfg Config, runID string) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "balango"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	p := &Publisher{
		client: client,
		cfg:    cfg,
		runID:  runID,
		queue:  make(chan message, cfg.QueueSize),

		fallWait: fallQueueTimeout,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic returns the full topic name for name.
func (p *Publisher) Topic(name string) string {
	return p.cfg.TopicPrefix + "/" + name
}

// Publish queues a snapshot. It never blocks.
func (p *Publisher) Publish(s balance.Snapshot) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- message{topic: p.Topic(TopicState), retained: true, payload: StatePayload{RunID: p.runID, Snapshot: s}}:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			debug.Live("MQTT queue full, %d snapshots dropped", n)
		}
	}
}

// OnFallen queues the fall event, waiting at most fallQueueTimeout for room.
func (p *Publisher) OnFallen(ev balance.FallEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	msg := message{topic: p.Topic(TopicFall), payload: FallPayload{
		RunID:     p.runID,
		Reason:    ev.Reason,
		ElapsedMs: ev.ElapsedMs(),
		Tilt:      ev.Tilt,
		Ticks:     ev.Ticks,
	}}

	timer := time.NewTimer(p.fallWait)
	defer timer.Stop()
	select {
	case p.queue <- msg:
	case <-timer.C:
		debug.Error(fmt.Errorf("mqtt queue full, fall event of run %s dropped", p.runID))
	}
}

// Dropped returns the number of snapshots discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// SubscribeSteer forwards every valid message on the steer topic to s.
func (p *Publisher) SubscribeSteer(s Steerer) error {
	topic := p.Topic(TopicSteer)
	token := p.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd SteerPayload
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			debug.Error(fmt.Errorf("mqtt steer payload: %w", err))
			return
		}
		s.Steer(cmd.Left, cmd.Right)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	debug.Info("Subscribed to %s", topic)
	return nil
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for m := range p.queue {
		payload, err := json.Marshal(m.payload)
		if err != nil {
			debug.Error(fmt.Errorf("mqtt encode %s: %w", m.topic, err))
			continue
		}
		token := p.client.Publish(m.topic, 0, m.retained, payload)
		if !token.WaitTimeout(publishTimeout) {
			debug.Live("MQTT publish %s timed out", m.topic)
			continue
		}
		if err := token.Error(); err != nil {
			debug.Error(fmt.Errorf("mqtt publish %s: %w", m.topic, err))
		}
	}
}

// Close drains the queue and disconnects. Publish and OnFallen become no-ops.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.client.Disconnect(250)
}
