// rematch re-runs three-way matching for every invoice of a business, or of
// one purchase order. Use it after changing MATCH_* tolerances.
//
//	go run ./cmd/rematch -business-id acme [-purchase-order-id 42]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	businessID := flag.String("business-id", "", "Business to rematch (required)")
	purchaseOrderID := flag.Int("purchase-order-id", 0, "Optional: only this purchase order")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "-business-id is required")
		os.Exit(2)
	}

	ctx := context.Background()
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	// Redis only holds match summary caches; rematching works without it.
	if err := config.ConnectRedisWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "redis unavailable, caches will not be invalidated: %v\n", err)
	}
	db := config.GetDB()
	logger := config.GetLogger()

	// History rows need an actor; 0 is the system user.
	ctx = utils.SetUserInContext(ctx, *businessID, 0, "system", "Rematch", string(models.UserRoleAdmin))

	var ids []int
	if *purchaseOrderID > 0 {
		ids = []int{*purchaseOrderID}
	} else if err := db.WithContext(ctx).Model(&models.PurchaseOrder{}).
		Where("business_id = ?", *businessID).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list purchase orders: %v\n", err)
		os.Exit(1)
	}

	var invoices, failed int
	for _, id := range ids {
		n, err := models.RematchInvoicesForPurchaseOrder(ctx, id)
		if err != nil {
			failed++
			config.LogError(logger, "cmd/rematch", "main", fmt.Sprintf("purchase order %d", id), nil, err)
			continue
		}
		invoices += n
	}

	logger.WithFields(logrus.Fields{
		"business_id":     *businessID,
		"purchase_orders": len(ids),
		"invoices":        invoices,
		"failed":          failed,
	}).Info("rematch finished")
	if failed > 0 {
		os.Exit(1)
	}
}
