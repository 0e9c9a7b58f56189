// Package ingest connects the engine to Kafka: documents arriving on the
// ingest topic are added, and every successful add is announced on the
// index-complete topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/metrics"
)

// Adder is the part of the engine the consumer drives.
type Adder interface {
	AddDocument(ctx context.Context, doc document.Document) error
}

// HandleMessage returns a MessageHandler that decodes each message value as
// a document and adds it. Malformed or invalid documents are logged and
// skipped so they do not block the partition; any other failure is returned
// and the message stays uncommitted.
func HandleMessage(adder Adder, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "ingest-consumer")
	count := func(status string) {
		if m != nil {
			m.IngestMessagesTotal.WithLabelValues(status).Inc()
		}
	}
	return func(ctx context.Context, key []byte, value []byte) error {
		doc, err := kafka.DecodeJSON[document.Document](value)
		if err != nil {
			logger.Error("failed to decode document",
				"error", err,
				"key", string(key),
			)
			count("invalid")
			return nil
		}

		if err := adder.AddDocument(ctx, doc); err != nil {
			if errors.Is(err, document.ErrInvalid) {
				logger.Warn("skipping invalid document",
					"doc_id", doc.ID,
					"error", err,
				)
				count("invalid")
				return nil
			}
			count("failed")
			return fmt.Errorf("adding document %s: %w", doc.ID, err)
		}

		count("added")
		logger.Debug("document ingested", "doc_id", doc.ID)
		return nil
	}
}
