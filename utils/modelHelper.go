package utils

import (
	"context"

	"github.com/mmdatafocus/mrms_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FetchModel loads one row scoped by business id (may return ErrorRecordNotFound).
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](config.GetDB().WithContext(ctx), businessId, id, associations...)
}

// FetchModelTx is FetchModel inside an open transaction.
func FetchModelTx[T any](tx *gorm.DB, businessId string, id int, associations ...string) (*T, error) {
	q := tx.Where("business_id = ?", businessId)
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		return nil, NotFoundOr(err)
	}
	return &result, nil
}

// FetchModelForUpdate loads one row with SELECT ... FOR UPDATE inside tx.
// Writers serialise on the row until tx ends.
func FetchModelForUpdate[T any](tx *gorm.DB, businessId string, id int, associations ...string) (*T, error) {
	return FetchModelTx[T](tx.Clauses(clause.Locking{Strength: "UPDATE"}), businessId, id, associations...)
}

// FetchAllModelsWhere lists rows of a business matching condition, ordered by id.
func FetchAllModelsWhere[T any](ctx context.Context, businessId string, condition string, values ...interface{}) ([]*T, error) {
	q := config.GetDB().WithContext(ctx).Where("business_id = ?", businessId)
	if condition != "" {
		q = q.Where(condition, values...)
	}
	var results []*T
	if err := q.Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
