package redis

import (
	"context"
	"time"

	r "gopkg.in/redis.v5"
)

const prefix = "_STUDIFY_"

type Cache struct {
	client *r.Client
}

// NewClient parses a redis:// URL and returns a client for it.
func NewClient(url string) (*r.Client, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return r.NewClient(opts), nil
}

func NewRedisCache(client *r.Client) *Cache {
	return &Cache{client: client}
}

func (c Cache) Get(_ context.Context, key string) ([]byte, error) {
	return c.client.Get(prefix + key).Bytes()
}

func (c Cache) Set(_ context.Context, key string, content []byte, duration time.Duration) error {
	return c.client.Set(prefix+key, content, duration).Err()
}
