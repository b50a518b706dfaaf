package trigger

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
)

// Publisher hands a queued run to whichever worker consumes the topic.
type Publisher interface {
	Publish(ctx context.Context, msg RunMessage) error
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher uses cfg.Topic, creating it first when cfg.CreateTopic is set.
func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, cfg config.PubSubConfig) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if cfg.Topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	topic := client.Topic(cfg.Topic)
	if cfg.CreateTopic {
		var err error
		topic, err = config.CreateTopicIfNotExists(ctx, client, cfg.Topic)
		if err != nil {
			return nil, err
		}
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg RunMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job": msg.Job, "runId": msg.RunId},
	})
	_, err = res.Get(ctx)
	return err
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}
