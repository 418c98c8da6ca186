package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// leaveScript decrements a presence counter and drops the field at zero so
// HGETALL only ever lists online users.
var leaveScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
return n
`)

// Redis fans deliveries out over a pub/sub channel and keeps presence counts
// in a hash named "<channel>:presence".
type Redis struct {
	rdb         *redis.Client
	channel     string
	presenceKey string
	logger      *slog.Logger
}

func NewRedis(rdb *redis.Client, channel string, logger *slog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("broker: redis client is nil")
	}
	if channel == "" {
		return nil, errors.New("broker: redis channel is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		rdb:         rdb,
		channel:     channel,
		presenceKey: channel + ":presence",
		logger:      logger.With("component", "broker", "kind", "redis", "channel", channel),
	}, nil
}

func (r *Redis) Publish(ctx context.Context, d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}
	return errors.Wrap(r.rdb.Publish(ctx, r.channel, b).Err(), "redis publish")
}

func (r *Redis) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}

	out := make(chan Delivery, subscriberBuffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(m.Payload), &d); err != nil {
					r.logger.Warn("undecodable delivery", "err", err)
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Join(ctx context.Context, userID int64) (int64, error) {
	n, err := r.rdb.HIncrBy(ctx, r.presenceKey, strconv.FormatInt(userID, 10), 1).Result()
	return n, errors.Wrap(err, "redis presence join")
}

func (r *Redis) Leave(ctx context.Context, userID int64) (int64, error) {
	n, err := leaveScript.Run(ctx, r.rdb, []string{r.presenceKey}, strconv.FormatInt(userID, 10)).Int64()
	return n, errors.Wrap(err, "redis presence leave")
}

func (r *Redis) Online(ctx context.Context) ([]int64, error) {
	all, err := r.rdb.HGetAll(ctx, r.presenceKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis presence list")
	}
	ids := make([]int64, 0, len(all))
	for field, count := range all {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		if n, err := strconv.ParseInt(count, 10, 64); err != nil || n <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close leaves the shared redis client open; its owner closes it.
func (r *Redis) Close() error { return nil }
