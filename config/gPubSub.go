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
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

const pubsubMaxConnectAttempts = 5

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	pubsubTopics = map[string]*pubsub.Topic{}
)

func init() {
	godotenv.Load()
}

func pubsubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// pubsubTopic returns the cached handle for name, connecting the client on first use.
// Topics publish with message ordering so events of one owner arrive in order.
func pubsubTopic(ctx context.Context, name string) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()

	if t, ok := pubsubTopics[name]; ok {
		return t, nil
	}
	if pubsubClient == nil {
		c, err := connectPubSub(ctx)
		if err != nil {
			return nil, err
		}
		pubsubClient = c
	}
	t := pubsubClient.Topic(name)
	t.EnableMessageOrdering = true
	pubsubTopics[name] = t
	return t, nil
}

// connectPubSub uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is set.
func connectPubSub(ctx context.Context) (*pubsub.Client, error) {
	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	var lastErr error
	for attempt := 1; attempt <= pubsubMaxConnectAttempts; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c, nil
		}
		lastErr = err
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("pubsub client unavailable after %d attempts: %w", pubsubMaxConnectAttempts, lastErr)
}

// PublishJSON publishes obj as JSON under orderingKey and waits for the server message id.
// A failed publish pauses the key inside the client, so it is resumed before returning.
func PublishJSON(ctx context.Context, topicName string, orderingKey string, obj any, attrs map[string]string) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	t, err := pubsubTopic(ctx, topicName)
	if err != nil {
		return "", err
	}

	id, err := t.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs, OrderingKey: orderingKey}).Get(ctx)
	if err != nil && orderingKey != "" {
		t.ResumePublish(orderingKey)
	}
	return id, err
}

// ClosePubSub flushes pending messages and closes the client. Safe when nothing was published.
func ClosePubSub() error {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	for name, t := range pubsubTopics {
		t.Stop()
		delete(pubsubTopics, name)
	}
	if pubsubClient == nil {
		return nil
	}
	err := pubsubClient.Close()
	pubsubClient = nil
	return err
}
