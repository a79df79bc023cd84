package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("coord: invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coord: redis unreachable: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger.With(slog.String("component", "coord_redis")),
	}, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// windowAdmitScript runs the whole admission sequence server-side so two
// concurrent callers on the same key cannot interleave between the count and
// the add. Returns {allowed, count_after, oldest_score}.
var windowAdmitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	redis.call('ZADD', key, now, member)
	local count = redis.call('ZCARD', key)

	if count > limit then
		-- Rejected attempts must not consume a slot.
		redis.call('ZREM', key, member)
		count = count - 1
	end
	redis.call('PEXPIRE', key, ttl_ms)

	local oldest = 0
	local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if first and #first >= 2 then
		oldest = tonumber(first[2])
	end

	if count < limit then
		return {1, count, oldest}
	end
	-- count == limit: the just-added entry was the last allowed one only if
	-- it survived; a surviving member means this call was admitted.
	local kept = redis.call('ZSCORE', key, member)
	if kept then
		return {1, count, oldest}
	end
	return {0, count, oldest}
`)

func (s *RedisStore) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())
	// TTL is the window plus slack so an idle key expires on its own.
	ttl := window + window/2

	res, err := windowAdmitScript.Run(ctx, s.client,
		[]string{key},
		nowMs,
		now.Add(-window).UnixMilli(),
		limit,
		ttl.Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("coord: unexpected window script reply length %d", len(res))
	}

	return WindowResult{
		Allowed:         res[0] == 1,
		Count:           int(res[1]),
		OldestUnixMilli: res[2],
	}, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) BacklogAdd(ctx context.Context, key string, score int64, member string, maxLen int, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member})
	if maxLen > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-maxLen-1))
	}
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) BacklogNewest(ctx context.Context, key string, limit int) ([]string, error) {
	return s.client.ZRevRange(ctx, key, 0, int64(limit)-1).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	pubsub := s.client.Subscribe(ctx, channel)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 64),
	}
	go sub.pump(ctx)
	return sub
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
