package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis backend. URL (redis:// or rediss://)
// takes precedence over Addr/Password/DB when set.
type RedisOptions struct {
	Addr     string
	URL      string
	Password string
	DB       int
}

// Redis stores each key as a plain string value with no expiry.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects and pings the server so misconfiguration fails at startup
// rather than on the first request.
func NewRedis(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	var ropts *redis.Options

	switch {
	case opts.URL != "":
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("kvstore: parsing redis url: %w", err)
		}

		ropts = parsed
	case opts.Addr != "":
		ropts = &redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	default:
		return nil, errors.New("kvstore: redis backend requires redis_addr or redis_url")
	}

	client := redis.NewClient(ropts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: connecting to redis at %s: %w", ropts.Addr, err)
	}

	logger.Info("using redis store", slog.String("addr", ropts.Addr), slog.Int("db", ropts.DB))

	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("kvstore: reading %s: %w", key, err)
	}

	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: writing %s: %w", key, err)
	}

	r.logger.Debug("stored value", slog.String("key", key), slog.Int("bytes", len(value)))

	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
