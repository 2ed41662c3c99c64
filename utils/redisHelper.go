package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
)

// GetCacheLifespan reads CACHE_LIFESPAN in hours, default 1.
func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// CacheKey is Type:id, e.g. "Supplier:12".
func CacheKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

// StoreRedis caches obj under Type:id for the cache lifespan.
func StoreRedis[T any](ctx context.Context, obj *T, id int) error {
	return config.SetRedisObject(ctx, CacheKey[T](id), obj, GetCacheLifespan())
}

// RetrieveRedis returns nil when the key is not cached.
func RetrieveRedis[T any](ctx context.Context, id int) (*T, error) {
	var result T
	exists, err := config.GetRedisObject(ctx, CacheKey[T](id), &result)
	if err != nil || !exists {
		return nil, err
	}
	return &result, nil
}

func RemoveRedisItem[T any](ctx context.Context, id int) error {
	return config.RemoveRedisKey(ctx, CacheKey[T](id))
}
