package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/mrms_backend/models"
)

type invoiceDiscrepancyReader struct {
	fetch func(ctx context.Context, invoiceIds []int) ([]*models.Discrepancy, error)
}

func (r *invoiceDiscrepancyReader) getDiscrepancies(ctx context.Context, invoiceIds []int) []*dataloader.Result[[]*models.Discrepancy] {
	results, err := r.fetch(ctx, invoiceIds)
	if err != nil {
		return handleError[[]*models.Discrepancy](len(invoiceIds), err)
	}
	return generateLoaderArrayResults(results, invoiceIds, func(d *models.Discrepancy) int {
		if d.InvoiceId == nil {
			return 0
		}
		return *d.InvoiceId
	})
}

// GetInvoiceDiscrepancies returns a thunk so callers can queue every invoice
// of a page before the batch runs.
func GetInvoiceDiscrepancies(ctx context.Context, invoiceId int) dataloader.Thunk[[]*models.Discrepancy] {
	return For(ctx).invoiceDiscrepancyLoader.Load(ctx, invoiceId)
}
