package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

func purchaseOrderLockName(businessId string, purchaseOrderId int) string {
	return fmt.Sprintf("match:%s:%d", businessId, purchaseOrderId)
}

// AcquirePurchaseOrderLock serializes event processing per purchase order
// across instances using MySQL advisory locks.
// GET_LOCK is connection-scoped, so conn must be a pinned connection (gorm's DB.Connection).
func AcquirePurchaseOrderLock(conn *gorm.DB, businessId string, purchaseOrderId int) error {
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", purchaseOrderLockName(businessId, purchaseOrderId)).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire match lock for business_id=%s purchase_order_id=%d", businessId, purchaseOrderId)
	}
	return nil
}

func ReleasePurchaseOrderLock(conn *gorm.DB, businessId string, purchaseOrderId int) {
	var _ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", purchaseOrderLockName(businessId, purchaseOrderId)).Scan(&_ok).Error
}
