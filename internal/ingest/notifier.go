package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/resilience"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// IndexCompleteEvent is published once a document is both indexed and
// persisted.
type IndexCompleteEvent struct {
	DocID     string    `json:"doc_id"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Notifier publishes an IndexCompleteEvent for every added document. It
// implements engine.Observer.
type Notifier struct {
	pub     Publisher
	timeout time.Duration
	backoff resilience.Backoff
	now     func() time.Time
	logger  *slog.Logger
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{
		pub:     pub,
		timeout: defaultPublishTimeout,
		backoff: resilience.DefaultBackoff,
		now:     time.Now,
		logger:  slog.Default().With("component", "index-notifier"),
	}
}

// DocumentAdded publishes synchronously, retrying with backoff, under its
// own timeout. The caller's cancellation is ignored: the document is
// already durable, and the event should go out even if the request that
// added it has gone away. Publish failures are logged, never returned.
func (n *Notifier) DocumentAdded(ctx context.Context, doc document.Document) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	event := kafka.Event{
		Key: doc.ID,
		Value: IndexCompleteEvent{
			DocID:     doc.ID,
			IndexedAt: n.now().UTC(),
		},
	}
	err := resilience.Retry(ctx, "publish index-complete", n.backoff, func(ctx context.Context) error {
		return n.pub.Publish(ctx, event)
	})
	if err != nil {
		n.logger.Error("failed to publish index-complete event",
			"doc_id", doc.ID,
			"error", err,
		)
	}
}
