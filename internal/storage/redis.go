package storage

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/fieldmesh/comsrv/errcode"
)

// RedisConn adapts *redis.Client to the narrow Conn interface the writer
// depends on.
type RedisConn struct {
	client *redis.Client
}

func NewRedisConn(client *redis.Client) *RedisConn {
	return &RedisConn{client: client}
}

func (r *RedisConn) HSet(ctx context.Context, key string, values ...any) error {
	return r.client.HSet(ctx, key, values...).Err()
}

func (r *RedisConn) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errcode.Wrap("storage.RedisConn.HGet", errcode.StorageUnavailable, err)
	}
	return v, true, nil
}

func (r *RedisConn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errcode.Wrap("storage.RedisConn.HGetAll", errcode.StorageUnavailable, err)
	}
	return m, nil
}

func (r *RedisConn) RPush(ctx context.Context, key string, value string) error {
	return r.client.RPush(ctx, key, value).Err()
}
