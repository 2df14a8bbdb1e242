package watermillevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const claimTopic = "covenant_claims"

type eventBus struct {
	pubsub *gochannel.GoChannel
}

// NewEventBus returns an in-process claim events bus, every subscriber gets
// a copy of each published event in publishing order. Publishing returns once
// every subscriber handled the event.
func NewEventBus() ports.EventPublisher {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NopLogger{},
	)
	return &eventBus{pubsub}
}

func (b *eventBus) PublishClaim(_ context.Context, event ports.ClaimEvent) error {
	if event.MessageId == "" {
		event.MessageId = uuid.New().String()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize claim event: %s", err)
	}

	return b.pubsub.Publish(claimTopic, message.NewMessage(event.MessageId, payload))
}

// SubscribeClaims runs the handler for every claim event until the context
// is done or the bus is closed.
func (b *eventBus) SubscribeClaims(
	ctx context.Context, handler func(ports.ClaimEvent),
) error {
	messages, err := b.pubsub.Subscribe(ctx, claimTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event ports.ClaimEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.WithError(err).Warnf("dropping malformed claim event %s", msg.UUID)
				msg.Ack()
				continue
			}
			handler(event)
			msg.Ack()
		}
	}()

	return nil
}

func (b *eventBus) Close() error {
	return b.pubsub.Close()
}
