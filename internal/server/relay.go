package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	TargetRoom = "room"
	TargetUser = "user"

	relayChannelPrefix = "chat:"
)

// Envelope is an event addressed to a group, as exchanged between instances.
type Envelope struct {
	Origin   string          `json:"origin"`
	Target   string          `json:"-"`
	Id       int             `json:"-"`
	SkipUser int             `json:"skip_user,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Relay carries group deliveries between server instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls handle for every envelope received until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
	Close() error
}

type RedisRelay struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisRelay(logger *slog.Logger, addr string) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisRelay{rdb: rdb, log: logger}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	return r.rdb.Publish(ctx, relayChannel(env.Target, env.Id), payload).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+TargetRoom+":*", relayChannelPrefix+TargetUser+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			env, err := decodeEnvelope(msg.Channel, []byte(msg.Payload))
			if err != nil {
				r.log.Warn("dropping relay message", "channel", msg.Channel, "err", err)
				continue
			}
			handle(env)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

func relayChannel(target string, id int) string {
	return relayChannelPrefix + target + ":" + strconv.Itoa(id)
}

// decodeEnvelope restores the target from the channel name the envelope was
// published on.
func decodeEnvelope(channel string, payload []byte) (Envelope, error) {
	var env Envelope
	rest, ok := strings.CutPrefix(channel, relayChannelPrefix)
	if !ok {
		return env, fmt.Errorf("unexpected channel %q", channel)
	}

	target, idStr, ok := strings.Cut(rest, ":")
	if !ok || (target != TargetRoom && target != TargetUser) {
		return env, fmt.Errorf("unexpected channel %q", channel)
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		return env, fmt.Errorf("channel id: %w", err)
	}

	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	env.Target = target
	env.Id = id

	return env, nil
}
