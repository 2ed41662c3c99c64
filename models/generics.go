package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/mrms_backend/utils"
)

// Resource is a business-owned row that may be served from the Redis cache.
type Resource interface {
	GetBusinessId() string
}

// GetResource reads Type:id from Redis, falling back to the database and caching the row.
func GetResource[T Resource](ctx context.Context, id int, associations ...string) (*T, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	result, err := utils.RetrieveRedis[T](ctx, id)
	if err != nil {
		return nil, err
	}
	if result != nil {
		if (*result).GetBusinessId() != businessId {
			return nil, errors.New("cannot access resource owned by other business")
		}
		return result, nil
	}

	result, err = utils.FetchModel[T](ctx, businessId, id, associations...)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedis[T](ctx, result, id); err != nil {
		return nil, err
	}
	return result, nil
}

func requireBusinessId(ctx context.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", errors.New("business id is required")
	}
	return businessId, nil
}
