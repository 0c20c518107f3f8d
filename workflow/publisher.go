package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/books_ledger/config"
	"github.com/sirupsen/logrus"
)

// Publisher delivers one ledger message and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, msg config.LedgerMessage) (string, error)
}

// PubSubPublisher sends to the PUBSUB_TOPIC topic.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, msg config.LedgerMessage) (string, error) {
	return config.PublishLedgerMessageWithResult(ctx, msg)
}

// LogPublisher writes messages to the log. It is used when no topic is configured.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg config.LedgerMessage) (string, error) {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"institution_id": msg.InstitutionId,
			"event_type":     msg.EventType,
			"reference_id":   msg.ReferenceId,
			"correlation_id": msg.CorrelationId,
		}).Info("outbox.message")
	}
	return "log-" + msg.ID, nil
}

// PublisherFromEnv picks Pub/Sub when a topic is configured.
func PublisherFromEnv(logger *logrus.Logger) Publisher {
	if config.PubSubTopic() != "" {
		return PubSubPublisher{}
	}
	return LogPublisher{Logger: logger}
}
