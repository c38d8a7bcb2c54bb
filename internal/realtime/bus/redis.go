package bus

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/campuspulse/backend/internal/platform/logger"
)

type redisBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisBus connects to redis and returns a pub/sub backed bus. Each topic
// maps to one redis channel, so multiple app instances see the same change
// stream.
func NewRedisBus(log *logger.Logger, addr string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log: log.With("component", "RedisBus"),
		rdb: rdb,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	if b == nil || b.rdb == nil {
		return nil, nil, fmt.Errorf("redis bus not initialized")
	}

	sub := b.rdb.Subscribe(ctx, topic)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, memorySubBuffer)
	subCtx, cancelCtx := context.WithCancel(ctx)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				select {
				case out <- []byte(m.Payload):
				default:
					b.log.Warn("dropping bus message; subscriber buffer full", "topic", topic)
				}
			}
		}
	}()

	return out, cancelCtx, nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
