package storage

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-end-device/internal/config"
)

var (
	redisClient redis.UniversalClient
	keyPrefix   string
	store       DeviceContextStore
)

// Setup configures the storage backend.
func Setup(c config.Config) error {
	log.Info("storage: setting up storage module")

	keyPrefix = c.Storage.Redis.KeyPrefix

	switch c.Storage.Type {
	case "", "memory":
		log.Info("storage: using in-memory device-context store")
		store = NewMemoryStore()
		redisClient = nil
		return nil
	case "redis":
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	log.Info("storage: setting up Redis client")
	if len(c.Storage.Redis.Servers) == 0 {
		return errors.New("at least one redis server must be configured")
	}

	var tlsConfig *tls.Config
	if c.Storage.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	if c.Storage.Redis.Cluster {
		redisClient = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Storage.Redis.Servers,
			PoolSize:  c.Storage.Redis.PoolSize,
			Password:  c.Storage.Redis.Password,
			TLSConfig: tlsConfig,
		})
	} else if c.Storage.Redis.MasterName != "" {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Storage.Redis.MasterName,
			SentinelAddrs:    c.Storage.Redis.Servers,
			SentinelPassword: c.Storage.Redis.Password,
			DB:               c.Storage.Redis.Database,
			PoolSize:         c.Storage.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      c.Storage.Redis.Servers[0],
			DB:        c.Storage.Redis.Database,
			Password:  c.Storage.Redis.Password,
			PoolSize:  c.Storage.Redis.PoolSize,
			TLSConfig: tlsConfig,
		})
	}

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return errors.Wrap(err, "ping redis error")
	}

	store = NewRedisStore(redisClient)

	return nil
}

// RedisClient returns the Redis client (nil when the in-memory store is used).
func RedisClient() redis.UniversalClient {
	return redisClient
}

// Store returns the configured device-context store.
func Store() DeviceContextStore {
	return store
}

// GetRedisKey returns the Redis key given a template and parameters.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return keyPrefix + fmt.Sprintf(tmpl, params...)
}

// Ping checks the connection with the storage backend.
func Ping(ctx context.Context) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Ping(ctx).Err()
}
