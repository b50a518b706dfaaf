package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// NewPubSubClient uses Application Default Credentials unless CredentialsJSON is provided.
func NewPubSubClient(ctx context.Context, cfg PubSubConfig, logg *logrus.Logger) (*pubsub.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var lastErr error
	for attempt := 1; attempt <= defaultConnectAttempts; attempt++ {
		var (
			c   *pubsub.Client
			err error
		)
		if cfg.CredentialsJSON != "" {
			c, err = pubsub.NewClient(ctx, cfg.ProjectID, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, cfg.ProjectID)
		}
		if err == nil {
			if logg != nil {
				logg.WithFields(logrus.Fields{"project_id": cfg.ProjectID, "attempt": attempt}).Info("pubsub client ready")
			}
			return c, nil
		}
		lastErr = err

		sleep := backoff(attempt)
		if logg != nil {
			logg.WithFields(logrus.Fields{
				"project_id": cfg.ProjectID,
				"attempt":    attempt,
				"retryIn":    sleep.String(),
			}).Warnf("failed to init pubsub client: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("init pubsub client: %w", lastErr)
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
