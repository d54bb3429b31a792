// Package redis carries fleet events over a redis pub/sub channel and keeps
// the advisory recently-seen cache, so multiple service instances share one
// event stream and one view of recent heartbeats.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetd/internal/core/domain"
	"fleetd/internal/core/logger"
)

const (
	eventChannel   = "fleet:events"
	seenKeyPrefix  = "fleet:agent:seen:"
)

type Adapter struct {
	client *redis.Client
}

func NewAdapter(url string) (*Adapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Adapter{client: client}, client, nil
}

// Publisher implementation

func (a *Adapter) Publish(ctx context.Context, event domain.FleetEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, eventChannel, data).Err()
}

// Subscriber implementation

func (a *Adapter) Subscribe(ctx context.Context) (<-chan domain.FleetEvent, error) {
	pubsub := a.client.Subscribe(ctx, eventChannel)
	ch := make(chan domain.FleetEvent, 64)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event domain.FleetEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("dropping malformed fleet event", "error", err)
					continue
				}
				select {
				case ch <- event:
				default:
					// Slow consumer; events are advisory, drop instead of
					// backing up the subscription.
				}
			}
		}
	}()
	return ch, nil
}

// StatusCache implementation

func (a *Adapter) MarkSeen(ctx context.Context, agentID string, ttl time.Duration) error {
	return a.client.Set(ctx, seenKeyPrefix+agentID, time.Now().Format(time.RFC3339Nano), ttl).Err()
}

func (a *Adapter) RecentlySeen(ctx context.Context, agentID string) (bool, error) {
	n, err := a.client.Exists(ctx, seenKeyPrefix+agentID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *Adapter) Forget(ctx context.Context, agentID string) error {
	return a.client.Del(ctx, seenKeyPrefix+agentID).Err()
}
