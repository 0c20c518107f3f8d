package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// LedgerMessage is the envelope published for every committed ledger write.
type LedgerMessage struct {
	ID            string          `json:"id"`
	InstitutionId string          `json:"institution_id"`
	EventType     string          `json:"event_type"`
	ReferenceId   string          `json:"reference_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

var (
	pubsubClient   *pubsub.Client
	ledgerTopic    *pubsub.Topic
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

// PubSubTopic is the topic ledger messages go to; empty disables publishing.
func PubSubTopic() string {
	return os.Getenv("PUBSUB_TOPIC")
}

// GetPubSubClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// PublishLedgerMessageWithResult publishes and returns the Pub/Sub server-assigned message ID.
// Messages of one institution share an ordering key.
func PublishLedgerMessageWithResult(ctx context.Context, msg LedgerMessage) (string, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := PubSubTopic()
	if topicName == "" {
		return "", errors.New("PUBSUB_TOPIC is required")
	}

	t, err := getLedgerTopic(ctx, client, topicName)
	if err != nil {
		return "", err
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:        msgJSON,
		OrderingKey: msg.InstitutionId,
		Attributes: map[string]string{
			"event_type":     msg.EventType,
			"correlation_id": msg.CorrelationId,
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		t.ResumePublish(msg.InstitutionId)
	}
	return id, err
}

// getLedgerTopic returns the shared ordered topic handle. With
// PUBSUB_CREATE_TOPIC=true a missing topic is created on first use.
func getLedgerTopic(ctx context.Context, c *pubsub.Client, name string) (*pubsub.Topic, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if ledgerTopic != nil && ledgerTopic.ID() == name {
		return ledgerTopic, nil
	}

	t := c.Topic(name)
	if boolFromEnv("PUBSUB_CREATE_TOPIC") {
		var err error
		if t, err = CreateTopicIfNotExists(ctx, c, name); err != nil {
			return nil, err
		}
	}
	t.EnableMessageOrdering = true
	if ledgerTopic != nil {
		ledgerTopic.Stop()
	}
	ledgerTopic = t
	return t, nil
}

func ClosePubSub() error {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if ledgerTopic != nil {
		ledgerTopic.Stop()
		ledgerTopic = nil
	}
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}
