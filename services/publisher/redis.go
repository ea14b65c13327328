package publisher

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"listingwatch/logger"
)

// RedisPublisher implements Publisher using Redis streams, one stream per
// source adapter under a common prefix.
type RedisPublisher struct {
	client          *redis.Client
	ctx             context.Context
	streamPrefix    string
	streamMaxLength int
	log             *logger.Logger
}

// NewRedisPublisher creates a new Redis publisher
func NewRedisPublisher(ctx context.Context, addr string, db int, streamPrefix string, streamMaxLength int) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	return &RedisPublisher{
		client:          client,
		ctx:             ctx,
		streamPrefix:    streamPrefix,
		streamMaxLength: streamMaxLength,
		log:             logger.ForPublisher(),
	}
}

// Publish appends a listing payload to the stream for the given source,
// e.g. listings:craigslist.
func (p *RedisPublisher) Publish(source string, message []byte) error {
	stream := p.streamPrefix + ":" + strings.ToLower(source)

	err := p.client.XAdd(p.ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"listing": message,
		},
	}).Err()
	if err == nil {
		p.log.Debug().Str("stream", stream).Msg("Published listing")
	}
	return err
}

// TrimStreams trims all streams under the prefix to the configured maximum length
func (p *RedisPublisher) TrimStreams() error {
	pattern := p.streamPrefix + ":*"
	streams, err := p.client.Keys(p.ctx, pattern).Result()
	if err != nil {
		return err
	}

	for _, stream := range streams {
		err := p.client.XTrimMaxLen(p.ctx, stream, int64(p.streamMaxLength)).Err()
		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
