package utils

import (
	"context"
	"errors"
	"reflect"

	"github.com/mmdatafocus/mrms_backend/config"
)

// ValidateResourceId checks id exists for the business, returning ErrorRecordNotFound otherwise.
func ValidateResourceId[T any](ctx context.Context, businessId string, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, businessId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ValidateResourcesId checks every id exists for the business.
func ValidateResourcesId[M any, ID comparable](ctx context.Context, businessId string, ids []ID) error {
	unqIds := UniqueSlice(ids)
	if len(unqIds) == 0 {
		return nil
	}
	count, err := ResourceCountWhere[M](ctx, businessId, "id IN ?", unqIds)
	if err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return ErrorRecordNotFound
	}
	return nil
}

func ValidateUnique[T any](ctx context.Context, businessId string, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if exceptId == nil || reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, businessId, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, businessId, column+" = ? AND NOT id = ?", value, exceptId)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate " + column)
	}
	return nil
}

// ResourceCountWhere counts rows WHERE business_id = ? AND condition.
// businessId may be blank for admin callers.
func ResourceCountWhere[T any](ctx context.Context, businessId string, condition string, value ...interface{}) (int64, error) {
	var model T
	q := config.GetDB().WithContext(ctx).Model(&model)
	if businessId != "" {
		q = q.Where("business_id = ?", businessId)
	}
	var count int64
	if err := q.Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
