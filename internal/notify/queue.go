package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// queueBuf bounds the async queue. Bursts beyond it drop the oldest-first
// semantics in favor of dropping the new message so delivery never blocks
// trading paths.
const queueBuf = 256

// sendTimeout caps each background delivery so a slow webhook cannot stall
// the drain loop indefinitely.
const sendTimeout = 10 * time.Second

type queuedMessage struct {
	event   string
	title   string
	message string
	all     bool
}

// Queue wraps a Notifier with a bounded, fire-and-forget delivery queue.
// Enqueue never blocks; when the buffer is full the message is dropped and
// counted. Run drains the queue until the context is cancelled.
type Queue struct {
	notifier *Notifier
	ch       chan queuedMessage
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewQueue wraps the given notifier with an async queue.
func NewQueue(notifier *Notifier, logger *slog.Logger) *Queue {
	return &Queue{
		notifier: notifier,
		ch:       make(chan queuedMessage, queueBuf),
		logger:   logger.With(slog.String("component", "notify_queue")),
	}
}

// Notify enqueues a filtered notification. It never blocks and always
// returns nil; delivery errors are logged by the drain loop.
func (q *Queue) Notify(_ context.Context, event, title, message string) error {
	q.enqueue(queuedMessage{event: event, title: title, message: message})
	return nil
}

// NotifyAll enqueues an unfiltered notification.
func (q *Queue) NotifyAll(_ context.Context, title, message string) error {
	q.enqueue(queuedMessage{title: title, message: message, all: true})
	return nil
}

// Dropped reports how many messages were discarded due to a full buffer.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

func (q *Queue) enqueue(msg queuedMessage) {
	select {
	case q.ch <- msg:
	default:
		n := q.dropped.Add(1)
		if n%50 == 1 {
			q.logger.Warn("notification queue full, dropping",
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Run drains the queue, delivering each message with a per-send timeout.
// It returns when ctx is cancelled; queued messages are abandoned at that
// point since notifications are best-effort.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.ch:
			q.deliver(ctx, msg)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg queuedMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var err error
	if msg.all {
		err = q.notifier.NotifyAll(sendCtx, msg.title, msg.message)
	} else {
		err = q.notifier.Notify(sendCtx, msg.event, msg.title, msg.message)
	}
	if err != nil {
		q.logger.Error("async notification failed",
			slog.String("title", msg.title),
			slog.String("error", err.Error()),
		)
	}
}
