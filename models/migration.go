package models

import (
	"log"

	"github.com/mmdatafocus/mrms_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{}, &History{},
		&Supplier{},
		&PurchaseOrder{}, &PurchaseOrderDetail{},
		&Delivery{}, &DeliveryDetail{},
		&Invoice{}, &InvoiceDetail{},
		&Discrepancy{}, &DiscrepancyEvidence{},
		&PubSubMessageRecord{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
