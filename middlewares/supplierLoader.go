package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/mrms_backend/models"
)

type supplierReader struct {
	fetch func(ctx context.Context, ids []int) ([]*models.Supplier, error)
}

func (r *supplierReader) getSuppliers(ctx context.Context, ids []int) []*dataloader.Result[*models.Supplier] {
	results, err := r.fetch(ctx, ids)
	if err != nil {
		return handleError[*models.Supplier](len(ids), err)
	}
	return generateLoaderResults(results, ids, func(s *models.Supplier) int { return s.ID })
}

func GetSupplier(ctx context.Context, id int) (*models.Supplier, error) {
	loaders := For(ctx)
	return loaders.supplierLoader.Load(ctx, id)()
}

func GetSuppliers(ctx context.Context, ids []int) ([]*models.Supplier, []error) {
	loaders := For(ctx)
	return loaders.supplierLoader.LoadMany(ctx, ids)()
}
