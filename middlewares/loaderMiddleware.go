package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the per-row lookups of list endpoints into one query per request.
type Loaders struct {
	supplierLoader           *dataloader.Loader[int, *models.Supplier]
	invoiceDiscrepancyLoader *dataloader.Loader[int, []*models.Discrepancy]
}

func NewLoaders() *Loaders {
	supplierReader := &supplierReader{fetch: models.GetSuppliersByIds}
	invoiceDiscrepancyReader := &invoiceDiscrepancyReader{fetch: models.GetDiscrepanciesByInvoiceIds}

	return &Loaders{
		supplierLoader:           dataloader.NewBatchedLoader(supplierReader.getSuppliers, dataloader.WithWait[int, *models.Supplier](time.Millisecond)),
		invoiceDiscrepancyLoader: dataloader.NewBatchedLoader(invoiceDiscrepancyReader.getDiscrepancies, dataloader.WithWait[int, []*models.Discrepancy](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := context.WithValue(c.Request.Context(), loadersKey, NewLoaders())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or fresh ones outside a request.
func For(ctx context.Context) *Loaders {
	if loaders, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return loaders
	}
	return NewLoaders()
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders results by ids. A missing id yields ErrorRecordNotFound.
func generateLoaderResults[T any](results []*T, ids []int, idOf func(*T) int) []*dataloader.Result[*T] {
	resultMap := make(map[int]*T, len(results))
	for _, result := range results {
		resultMap[idOf(result)] = result
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*T]{Error: utils.ErrorRecordNotFound})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: data})
	}
	return loaderResults
}

// each id has many related results
func generateLoaderArrayResults[T any](results []*T, referenceIds []int, referenceOf func(*T) int) []*dataloader.Result[[]*T] {
	resultMap := make(map[int][]*T)
	for _, result := range results {
		ref := referenceOf(result)
		resultMap[ref] = append(resultMap[ref], result)
	}
	loaderResults := make([]*dataloader.Result[[]*T], 0, len(referenceIds))
	for _, id := range referenceIds {
		loaderResults = append(loaderResults, &dataloader.Result[[]*T]{Data: resultMap[id]})
	}
	return loaderResults
}
