package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/observability"
)

// envelope is the Redis wire format. Origin lets a relay discard its own
// messages, which the local hub already delivered.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors events across coordinator replicas over a Redis pub/sub
// channel. Outbound: Publish sends local events to the channel. Inbound: Run
// feeds events from other replicas into the local hub.
type RedisRelay struct {
	cli     *redis.Client
	channel string
	origin  string
	hub     *Hub
	log     *zap.SugaredLogger
}

// NewRedisRelay connects to Redis and returns a relay for the given channel.
// origin must be unique per coordinator instance.
func NewRedisRelay(addr, channel, origin string, hub *Hub, log *zap.SugaredLogger) (*RedisRelay, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisRelay{cli: cli, channel: channel, origin: origin, hub: hub, log: log}, nil
}

// Publish sends the event to the Redis channel. Best-effort per the hub
// contract; the caller logs and drops any error.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	return r.cli.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the channel and republishes remote events into the local
// hub until the context is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.cli.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warnf("relay: dropping malformed event: %v", err)
				observability.EventPublishFailures.WithLabelValues("relay_decode").Inc()
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Publish(env.Event)
		}
	}
}

// Close releases the Redis connection.
func (r *RedisRelay) Close() error {
	return r.cli.Close()
}
