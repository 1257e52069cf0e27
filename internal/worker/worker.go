// Package worker consumes moderation work units from the durable queue, runs
// the moderation pipeline for each message under the store's pessimistic
// lock, and publishes the resulting delivery events: approved messages to the
// room subject, rejections privately to the author subject.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gatechat/chat-backend/internal/messaging"
	"github.com/gatechat/chat-backend/internal/metrics"
	"github.com/gatechat/chat-backend/internal/moderation"
	"github.com/gatechat/chat-backend/internal/protocol"
	"github.com/gatechat/chat-backend/internal/store"
)

// Processing outcomes, as reported by Process and in logs.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped" // duplicate delivery of an already-moderated message
	OutcomeFailed   = "failed"  // attempt errored; the queue decides on retry
)

// Store is the persistence surface the worker needs.
type Store interface {
	ProcessPending(ctx context.Context, messageID string, decide func(content string) moderation.Result) (*store.ModeratedMessage, bool, error)
}

// Moderator produces a verdict for message content. The coordinator
// implements it and always returns a result, falling back internally.
type Moderator interface {
	Moderate(ctx context.Context, content string) moderation.Result
}

// Publisher sends delivery events to the fan-out subjects.
type Publisher interface {
	PublishRoomEvent(roomID string, data []byte) error
	PublishUserEvent(userID string, data []byte) error
}

// Config holds worker tuning parameters.
type Config struct {
	SoftLimit  time.Duration // log a warning if one unit takes longer than this
	HardLimit  time.Duration // context deadline per unit; matches the queue's AckWait
	MaxDeliver int           // total attempts per unit; matches the queue consumer
}

// DefaultConfig returns limits aligned with messaging.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		SoftLimit:  20 * time.Second,
		HardLimit:  30 * time.Second,
		MaxDeliver: 4,
	}
}

// Worker moderates queued messages.
type Worker struct {
	store     Store
	moderator Moderator
	publisher Publisher
	config    Config
}

// New creates a worker.
func New(st Store, mod Moderator, pub Publisher, cfg Config) *Worker {
	return &Worker{store: st, moderator: mod, publisher: pub, config: cfg}
}

// Process moderates one message and publishes its delivery event. It is safe
// against duplicate deliveries: a message that already left PENDING reports
// OutcomeSkipped and produces no second log entry or delivery event.
func (w *Worker) Process(ctx context.Context, messageID string) (string, error) {
	start := time.Now()

	var result moderation.Result
	mm, transitioned, err := w.store.ProcessPending(ctx, messageID, func(content string) moderation.Result {
		result = w.moderator.Moderate(ctx, content)
		return result
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(OutcomeFailed).Inc()
		return "", fmt.Errorf("worker: process message %s: %w", messageID, err)
	}

	if !transitioned {
		metrics.MessagesTotal.WithLabelValues(OutcomeSkipped).Inc()
		return OutcomeSkipped, nil
	}

	metrics.ModerationLatency.WithLabelValues(result.Provider).Observe(time.Since(start).Seconds())

	switch mm.Status {
	case store.StatusApproved:
		metrics.MessagesTotal.WithLabelValues(OutcomeApproved).Inc()
		w.publishBroadcast(mm)
		return OutcomeApproved, nil
	case store.StatusRejected:
		metrics.MessagesTotal.WithLabelValues(OutcomeRejected).Inc()
		w.publishRejection(mm, result.Reason)
		return OutcomeRejected, nil
	default:
		return "", fmt.Errorf("worker: message %s transitioned to unexpected status %q", messageID, mm.Status)
	}
}

// publishBroadcast delivers an approved message to every room subscriber.
// Delivery is fire-and-forget: the verdict is already committed, so a publish
// failure is logged but never retried through the work queue (a retry would
// be skipped by the idempotency guard anyway).
func (w *Worker) publishBroadcast(mm *store.ModeratedMessage) {
	data := protocol.NewMessageBroadcast(protocol.BroadcastMessage{
		ID:      mm.ID,
		Content: mm.Content,
		Author: protocol.Author{
			ID:    mm.AuthorID,
			Name:  mm.AuthorName,
			Email: mm.AuthorEmail,
		},
		Status:    mm.Status,
		CreatedAt: protocol.FormatTime(mm.CreatedAt),
	})
	if err := w.publisher.PublishRoomEvent(mm.RoomID, data); err != nil {
		log.Printf("[worker] broadcast publish failed message=%s room=%s: %v", mm.ID, mm.RoomID, err)
	}
}

// publishRejection notifies only the author that their message bounced.
func (w *Worker) publishRejection(mm *store.ModeratedMessage, reason string) {
	data := protocol.NewMessageRejected(protocol.RejectedMessage{
		ID:        mm.ID,
		Content:   mm.Content,
		Reason:    reason,
		CreatedAt: protocol.FormatTime(mm.CreatedAt),
	})
	if err := w.publisher.PublishUserEvent(mm.AuthorID, data); err != nil {
		log.Printf("[worker] rejection publish failed message=%s user=%s: %v", mm.ID, mm.AuthorID, err)
	}
}

// HandleWork is the queue subscription callback. It owns the ack protocol:
// Ack on success or duplicate, Nak on transient failure so the queue
// redelivers with backoff, Term when the unit is malformed, refers to a
// missing message, or has used its last attempt.
func (w *Worker) HandleWork(msg *nats.Msg) {
	var unit messaging.WorkUnit
	if err := json.Unmarshal(msg.Data, &unit); err != nil {
		log.Printf("[worker] malformed work unit, dropping: %v", err)
		_ = msg.Term()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	if attempt > 1 {
		metrics.ModerationRetries.Inc()
		log.Printf("[worker] redelivery message=%s attempt=%d/%d", unit.MessageID, attempt, w.config.MaxDeliver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.HardLimit)
	defer cancel()

	soft := time.AfterFunc(w.config.SoftLimit, func() {
		log.Printf("[worker] slow moderation message=%s still running after %s", unit.MessageID, w.config.SoftLimit)
	})
	defer soft.Stop()

	outcome, err := w.Process(ctx, unit.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[worker] message %s not found, dropping work unit", unit.MessageID)
			_ = msg.Term()
			return
		}
		if attempt >= w.config.MaxDeliver {
			// Attempts exhausted. The message stays PENDING for operator
			// review; it is never auto-rejected.
			metrics.ModerationExhausted.Inc()
			log.Printf("[worker] ALERT attempts exhausted message=%s, left PENDING: %v", unit.MessageID, err)
			_ = msg.Term()
			return
		}
		log.Printf("[worker] processing failed message=%s attempt=%d: %v", unit.MessageID, attempt, err)
		_ = msg.Nak()
		return
	}

	log.Printf("[worker] message=%s outcome=%s attempt=%d", unit.MessageID, outcome, attempt)
	_ = msg.Ack()
}
