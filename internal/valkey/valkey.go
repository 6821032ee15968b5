package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect opens a client against the Valkey node at rawURL and verifies it with a ping. dialTimeout bounds how long
// establishing a new connection may take.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := clientOptions(rawURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// clientOptions parses a connection URL. Deployment configs use the valkey:// scheme, which go-redis does not know,
// so it is rewritten to redis:// first.
func clientOptions(rawURL string) (*redis.Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	if strings.EqualFold(u.Scheme, "valkey") {
		u.Scheme = "redis"
	}

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	return opts, nil
}
