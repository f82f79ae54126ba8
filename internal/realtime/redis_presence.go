package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "chat:presence:"
	instanceKeyPrefix = "chat:instance:"
	instanceTTL       = 30 * time.Second
)

// RedisPresence implements PresenceCluster with one Redis set per user
// holding the IDs of the instances the user is connected to. Each instance
// keeps a heartbeat key alive; members whose key has expired are pruned so a
// crashed instance cannot pin a user online.
type RedisPresence struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

func NewRedisPresence(client *redis.Client, logger *zap.Logger) *RedisPresence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPresence{client: client, instance: uuid.NewString(), logger: logger}
}

func presenceKey(userID uuid.UUID) string { return presenceKeyPrefix + userID.String() }

func instanceKey(instance string) string { return instanceKeyPrefix + instance }

// Join implements PresenceCluster.
func (p *RedisPresence) Join(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := presenceKey(userID)
	var members *redis.StringSliceCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, instanceKey(p.instance), time.Now().Unix(), instanceTTL)
		pipe.SAdd(ctx, key, p.instance)
		members = pipe.SMembers(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	others, err := p.liveOthers(ctx, key, members.Val())
	if err != nil {
		return false, err
	}
	return others == 0, nil
}

// Leave implements PresenceCluster.
func (p *RedisPresence) Leave(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := presenceKey(userID)
	var members *redis.StringSliceCmd
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, p.instance)
		members = pipe.SMembers(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	others, err := p.liveOthers(ctx, key, members.Val())
	if err != nil {
		return false, err
	}
	return others == 0, nil
}

// liveOthers counts members other than this instance whose heartbeat is alive
// and drops the rest from the set.
func (p *RedisPresence) liveOthers(ctx context.Context, key string, members []string) (int, error) {
	others := otherInstances(members, p.instance)
	if len(others) == 0 {
		return 0, nil
	}
	checks := make([]*redis.IntCmd, len(others))
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range others {
			checks[i] = pipe.Exists(ctx, instanceKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	live := 0
	var dead []any
	for i, id := range others {
		if checks[i].Val() > 0 {
			live++
		} else {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		if err := p.client.SRem(ctx, key, dead...).Err(); err != nil {
			p.logger.Warn("prune presence members", zap.String("key", key), zap.Error(err))
		}
	}
	return live, nil
}

func otherInstances(members []string, self string) []string {
	var out []string
	for _, m := range members {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// Run refreshes the instance heartbeat until ctx is done, then removes it.
func (p *RedisPresence) Run(ctx context.Context) {
	ticker := time.NewTicker(instanceTTL / 3)
	defer ticker.Stop()
	for {
		if err := p.client.Set(ctx, instanceKey(p.instance), time.Now().Unix(), instanceTTL).Err(); err != nil && ctx.Err() == nil {
			p.logger.Warn("presence heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), clusterTimeout)
			_ = p.client.Del(cleanup, instanceKey(p.instance)).Err()
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// AttachRedisPresence makes the registry's presence announcements cluster-wide
// and keeps the instance heartbeat alive until ctx is done.
func AttachRedisPresence(ctx context.Context, registry *Registry, p *RedisPresence) {
	registry.SetCluster(p)
	go p.Run(ctx)
}
