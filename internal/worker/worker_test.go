package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gatechat/chat-backend/internal/metrics"
	"github.com/gatechat/chat-backend/internal/moderation"
	"github.com/gatechat/chat-backend/internal/protocol"
	"github.com/gatechat/chat-backend/internal/store"
)

type fakeStore struct {
	msg     *store.ModeratedMessage
	pending bool // whether the message is still PENDING when locked
	err     error
}

func (f *fakeStore) ProcessPending(ctx context.Context, messageID string, decide func(content string) moderation.Result) (*store.ModeratedMessage, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if !f.pending {
		return f.msg, false, nil
	}
	res := decide(f.msg.Content)
	m := *f.msg
	m.Status = res.Verdict
	return &m, true, nil
}

type fakeModerator struct {
	result moderation.Result
}

func (f fakeModerator) Moderate(ctx context.Context, content string) moderation.Result {
	return f.result
}

type fakePublisher struct {
	roomEvents map[string][][]byte
	userEvents map[string][][]byte
	err        error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		roomEvents: make(map[string][][]byte),
		userEvents: make(map[string][][]byte),
	}
}

func (f *fakePublisher) PublishRoomEvent(roomID string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.roomEvents[roomID] = append(f.roomEvents[roomID], data)
	return nil
}

func (f *fakePublisher) PublishUserEvent(userID string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.userEvents[userID] = append(f.userEvents[userID], data)
	return nil
}

func pendingMessage() *store.ModeratedMessage {
	return &store.ModeratedMessage{
		Message: store.Message{
			ID:        "msg-1",
			RoomID:    "room-1",
			AuthorID:  "user-1",
			Content:   "hello",
			Status:    store.StatusPending,
			CreatedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		},
		AuthorName:  "Alice",
		AuthorEmail: "alice@example.com",
	}
}

func TestWorker_ApprovedMessageBroadcastsToRoom(t *testing.T) {
	pub := newFakePublisher()
	w := New(
		&fakeStore{msg: pendingMessage(), pending: true},
		fakeModerator{result: moderation.Result{Verdict: moderation.VerdictApproved, Provider: moderation.ProviderLocal, Reason: "clean_content"}},
		pub,
		DefaultConfig(),
	)

	outcome, err := w.Process(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeApproved {
		t.Errorf("outcome = %q, want approved", outcome)
	}

	events := pub.roomEvents["room-1"]
	if len(events) != 1 {
		t.Fatalf("room events = %d, want 1", len(events))
	}
	var ev protocol.MessageBroadcastEvent
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if ev.Type != protocol.TypeMessageBroadcast {
		t.Errorf("type = %q, want chat_message", ev.Type)
	}
	if ev.Message.Status != store.StatusApproved {
		t.Errorf("status = %q, want APPROVED", ev.Message.Status)
	}
	if ev.Message.Author.Name != "Alice" || ev.Message.Author.Email != "alice@example.com" {
		t.Errorf("author = %+v", ev.Message.Author)
	}
	if len(pub.userEvents) != 0 {
		t.Error("approved message produced a private event")
	}
}

func TestWorker_RejectedMessageNotifiesAuthorOnly(t *testing.T) {
	pub := newFakePublisher()
	w := New(
		&fakeStore{msg: pendingMessage(), pending: true},
		fakeModerator{result: moderation.Result{Verdict: moderation.VerdictRejected, Provider: moderation.ProviderLocal, Reason: "Palavra proibida detectada: palavrão"}},
		pub,
		DefaultConfig(),
	)

	outcome, err := w.Process(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeRejected {
		t.Errorf("outcome = %q, want rejected", outcome)
	}

	events := pub.userEvents["user-1"]
	if len(events) != 1 {
		t.Fatalf("user events = %d, want 1", len(events))
	}
	var ev protocol.MessageRejectedEvent
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if ev.Type != protocol.TypeMessageRejected {
		t.Errorf("type = %q, want message_rejected", ev.Type)
	}
	if ev.Message.Reason != "Palavra proibida detectada: palavrão" {
		t.Errorf("reason = %q", ev.Message.Reason)
	}
	if len(pub.roomEvents) != 0 {
		t.Error("rejected message was broadcast to the room")
	}
}

func TestWorker_DuplicateDeliveryIsSkipped(t *testing.T) {
	already := pendingMessage()
	already.Status = store.StatusApproved

	pub := newFakePublisher()
	w := New(&fakeStore{msg: already, pending: false}, fakeModerator{}, pub, DefaultConfig())

	outcome, err := w.Process(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", outcome)
	}
	if len(pub.roomEvents) != 0 || len(pub.userEvents) != 0 {
		t.Error("skipped message produced delivery events")
	}
}

func TestWorker_StoreErrorPropagates(t *testing.T) {
	w := New(&fakeStore{err: store.ErrNotFound}, fakeModerator{}, newFakePublisher(), DefaultConfig())

	_, err := w.Process(context.Background(), "msg-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWorker_FailedAttemptCountsAsFailed(t *testing.T) {
	failed := metrics.MessagesTotal.WithLabelValues(OutcomeFailed)
	before := testutil.ToFloat64(failed)

	w := New(&fakeStore{err: errors.New("db down")}, fakeModerator{}, newFakePublisher(), DefaultConfig())
	if _, err := w.Process(context.Background(), "msg-1"); err == nil {
		t.Fatal("Process succeeded, want error")
	}

	if got := testutil.ToFloat64(failed) - before; got != 1 {
		t.Errorf("failed outcome counter moved by %v, want 1", got)
	}
}

func TestWorker_PublishFailureDoesNotFailTheUnit(t *testing.T) {
	pub := newFakePublisher()
	pub.err = errors.New("nats down")

	w := New(
		&fakeStore{msg: pendingMessage(), pending: true},
		fakeModerator{result: moderation.Result{Verdict: moderation.VerdictApproved, Provider: moderation.ProviderLocal}},
		pub,
		DefaultConfig(),
	)

	// The verdict is committed; a redelivery would be skipped without
	// re-publishing, so the unit must not be retried for a publish error.
	outcome, err := w.Process(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outcome != OutcomeApproved {
		t.Errorf("outcome = %q, want approved", outcome)
	}
}
