package storage

import (
	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds the shared Redis client. The process composition
// root owns the handle and passes it to each store explicitly.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}
