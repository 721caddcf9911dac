package flags

import (
	"os"

	"github.com/spf13/pflag"
	r "gopkg.in/redis.v5"

	"github.com/studify-ai/studify/pkg/apis/cache"
	"github.com/studify-ai/studify/pkg/cache/redis"
)

// CacheFlags holds Redis configuration, used for the user cache and shared session locks.
type CacheFlags struct {
	RedisURL string
}

func NewCacheFlags() *CacheFlags {
	return &CacheFlags{}
}

func (f *CacheFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.RedisURL,
		"redis-url",
		os.Getenv("REDIS_URL"),
		"Redis URL for caching and shared session locks")
}

// GetRedisClient returns nil when no Redis URL is configured.
func (f *CacheFlags) GetRedisClient() (*r.Client, error) {
	if f.RedisURL == "" {
		return nil, nil
	}
	return redis.NewClient(f.RedisURL)
}

func (f *CacheFlags) GetCacheClient(client *r.Client) cache.Cache {
	if client == nil {
		return nil
	}
	return redis.NewRedisCache(client)
}
