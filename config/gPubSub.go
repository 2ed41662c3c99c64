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

// PubSubMessage is the envelope of a matching event. ID is the outbox row id.
type PubSubMessage struct {
	ID              int       `json:"id"`
	BusinessId      string    `json:"business_id"`
	EventDateTime   time.Time `json:"event_date_time"`
	ReferenceId     int       `json:"reference_id"`
	ReferenceType   string    `json:"reference_type"`
	Action          string    `json:"action"`
	PurchaseOrderId int       `json:"purchase_order_id"`
	CorrelationId   string    `json:"correlation_id"`
}

// OrderingKey keeps events of one purchase order in publish order.
func (m PubSubMessage) OrderingKey() string {
	return fmt.Sprintf("%s:%d", m.BusinessId, m.PurchaseOrderId)
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// GetPubSubClient returns the shared client, creating it with retries on first use.
// Credentials come from PUBSUB_CREDENTIALS_JSON, or Application Default Credentials.
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

	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	var attempt int
	for {
		attempt++
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := backoff(attempt)
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

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}
	sub := client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:                 topic,
			AckDeadline:           30 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// PublishMatchEventWithResult publishes msg to PUBSUB_TOPIC and returns the server-assigned message id.
func PublishMatchEventWithResult(ctx context.Context, msg PubSubMessage) (string, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	topicName := os.Getenv("PUBSUB_TOPIC")
	if topicName == "" {
		return "", errors.New("PUBSUB_TOPIC is required")
	}

	t := client.Topic(topicName)
	t.EnableMessageOrdering = true
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: msg.OrderingKey(),
		Attributes: map[string]string{
			"reference_type": msg.ReferenceType,
			"business_id":    msg.BusinessId,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// an ordering key stays paused after a failed publish until resumed
		t.ResumePublish(msg.OrderingKey())
	}
	return id, err
}

// ReceiveMatchEvents runs a streaming pull on PUBSUB_SUBSCRIPTION until ctx is done.
// handle returning an error nacks the message for redelivery.
func ReceiveMatchEvents(ctx context.Context, handle func(context.Context, PubSubMessage) error) error {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	subName := os.Getenv("PUBSUB_SUBSCRIPTION")
	if subName == "" {
		return errors.New("PUBSUB_SUBSCRIPTION is required")
	}
	topic, err := CreateTopicIfNotExists(ctx, client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := CreateSubscriptionIfNotExists(ctx, client, subName, topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = intFromEnv("PUBSUB_MAX_OUTSTANDING", 10)

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var msg PubSubMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			LogError(GetLogger(), "config", "ReceiveMatchEvents", "malformed message", string(m.Data), err)
			m.Ack()
			return
		}
		if err := handle(ctx, msg); err != nil {
			LogError(GetLogger(), "config", "ReceiveMatchEvents", "handle message", msg, err)
			m.Nack()
			return
		}
		m.Ack()
	})
}
