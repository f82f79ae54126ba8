package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	userChannel    = "chat:users"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance delivery.
type redisPayload struct {
	Origin string          `json:"origin"`
	UserID uuid.UUID       `json:"user_id"`
	Frame  json.RawMessage `json:"frame"`
	At     int64           `json:"at"`
}

// RedisPubSub fans user-addressed frames out to the other server instances.
type RedisPubSub struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewRedisPubSub creates the bridge. Each instance gets a random origin ID so
// it can skip its own publications.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, origin: uuid.NewString(), logger: logger}
}

// PublishUserFrame implements Fanout.
func (r *RedisPubSub) PublishUserFrame(userID uuid.UUID, payload []byte) error {
	body, err := encodeRedisPayload(r.origin, userID, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, userChannel, body).Err()
}

// Subscribe delivers frames published by other instances until ctx is done.
func (r *RedisPubSub) Subscribe(ctx context.Context, deliver func(userID uuid.UUID, payload []byte)) error {
	pubsub := r.client.Subscribe(ctx, userChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				userID, frame, ok := decodeRedisPayload(r.origin, []byte(msg.Payload))
				if !ok {
					continue
				}
				deliver(userID, frame)
			}
		}
	}()
	r.logger.Info("subscribed to user channel", zap.String("channel", userChannel), zap.String("origin", r.origin))
	return nil
}

func encodeRedisPayload(origin string, userID uuid.UUID, frame []byte) ([]byte, error) {
	return json.Marshal(redisPayload{Origin: origin, UserID: userID, Frame: frame, At: time.Now().Unix()})
}

// decodeRedisPayload drops malformed messages and the instance's own publications.
func decodeRedisPayload(origin string, raw []byte) (uuid.UUID, []byte, bool) {
	var p redisPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return uuid.Nil, nil, false
	}
	if p.Origin == origin || p.UserID == uuid.Nil || len(p.Frame) == 0 {
		return uuid.Nil, nil, false
	}
	return p.UserID, p.Frame, true
}

// AttachRedis wires the bridge into the registry in both directions.
func AttachRedis(ctx context.Context, registry *Registry, bridge *RedisPubSub) error {
	if err := bridge.Subscribe(ctx, func(userID uuid.UUID, payload []byte) {
		registry.deliverLocal(userID, payload)
	}); err != nil {
		return err
	}
	registry.SetFanout(bridge)
	return nil
}
