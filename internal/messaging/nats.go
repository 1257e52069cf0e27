// Package messaging provides the NATS client shared by the chat services. It
// carries two kinds of traffic: moderation work units on a durable JetStream
// work queue (at-least-once, bounded redelivery), and fire-and-forget delivery
// events on per-room and per-user core subjects.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across chat services.
const (
	SubjectModerationJob = "moderation.message" // JetStream work queue
	SubjectRoomPrefix    = "room."              // + <room_id>, broadcast delivery
	SubjectUserPrefix    = "user."              // + <user_id>, private delivery
)

// Moderation stream/consumer names.
const (
	ModerationStream   = "MODERATION"
	ModerationConsumer = "moderators"
)

// WorkUnit is the queued request to moderate one message. Delivered
// at-least-once; consumers must tolerate duplicates.
type WorkUnit struct {
	MessageID string `json:"message_id"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)

	// Work-queue redelivery policy.
	MaxDeliver int             // total delivery attempts per work unit
	AckWait    time.Duration   // hard per-unit processing limit before redelivery
	Backoff    []time.Duration // redelivery delays, len < MaxDeliver
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "gatechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		MaxDeliver:    4, // first attempt + 3 retries
		AckWait:       30 * time.Second,
		Backoff:       []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
	}
}

// Client wraps the NATS connection with helpers for the moderation queue and
// the delivery subjects.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config Config
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		js:     js,
		config: config,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// EnsureModerationStream creates the MODERATION work-queue stream if it does
// not exist yet. Work-queue retention removes a unit once it is acked, so a
// unit survives consumer crashes but is processed to completion exactly once
// per successful ack.
func (c *Client) EnsureModerationStream() error {
	_, err := c.js.StreamInfo(ModerationStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("nats stream info: %w", err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      ModerationStream,
		Subjects:  []string{SubjectModerationJob},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("nats add stream: %w", err)
	}

	log.Printf("[nats] created stream %s", ModerationStream)
	return nil
}

// EnqueueModeration publishes a work unit for the given message. The
// JetStream publish waits for broker acknowledgment, so a nil return means
// the unit is durably queued.
func (c *Client) EnqueueModeration(messageID string) error {
	data, err := json.Marshal(WorkUnit{MessageID: messageID})
	if err != nil {
		return fmt.Errorf("nats marshal work unit: %w", err)
	}
	if _, err := c.js.Publish(SubjectModerationJob, data); err != nil {
		return fmt.Errorf("nats enqueue moderation: %w", err)
	}
	return nil
}

// SubscribeModerationJobs attaches a durable queue consumer to the moderation
// stream. The handler must Ack or Nak each message explicitly; unanswered
// messages are redelivered after AckWait. MaxDeliver bounds total attempts
// and Backoff spaces the retries.
func (c *Client) SubscribeModerationJobs(handler func(msg *nats.Msg)) error {
	sub, err := c.js.QueueSubscribe(SubjectModerationJob, ModerationConsumer, handler,
		nats.Durable(ModerationConsumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.config.AckWait),
		nats.MaxDeliver(c.config.MaxDeliver),
		nats.BackOff(c.config.Backoff),
		nats.MaxAckPending(64),
	)
	if err != nil {
		return fmt.Errorf("nats subscribe moderation jobs: %w", err)
	}

	c.mu.Lock()
	c.subs[SubjectModerationJob] = sub
	c.mu.Unlock()
	return nil
}

// PublishRoomEvent publishes a delivery event to every server instance with
// subscribers in the room. Fire-and-forget core NATS.
func (c *Client) PublishRoomEvent(roomID string, data []byte) error {
	return c.conn.Publish(SubjectRoomPrefix+roomID, data)
}

// PublishUserEvent publishes a private delivery event for one user.
func (c *Client) PublishUserEvent(userID string, data []byte) error {
	return c.conn.Publish(SubjectUserPrefix+userID, data)
}

// SubscribeRoom subscribes this server instance to a room's delivery subject.
func (c *Client) SubscribeRoom(roomID string, handler func(data []byte)) error {
	return c.subscribe(SubjectRoomPrefix+roomID, handler)
}

// UnsubscribeRoom drops this server's subscription to a room's subject.
func (c *Client) UnsubscribeRoom(roomID string) error {
	return c.unsubscribe(SubjectRoomPrefix + roomID)
}

// SubscribeUser subscribes this server instance to a user's private subject.
func (c *Client) SubscribeUser(userID string, handler func(data []byte)) error {
	return c.subscribe(SubjectUserPrefix+userID, handler)
}

// UnsubscribeUser drops this server's subscription to a user's subject.
func (c *Client) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUserPrefix + userID)
}

// subscribe registers a core NATS handler for the subject and stores the
// subscription for later cleanup. Subscribing to an already-subscribed
// subject replaces the previous subscription.
func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
