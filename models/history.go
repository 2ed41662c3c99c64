package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
	"gorm.io/gorm"
)

type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	HistoryActionCreate  = "CREATE"
	HistoryActionUpdate  = "UPDATE"
	HistoryActionMatch   = "MATCH"
	HistoryActionApprove = "APPROVE"
	HistoryActionReject  = "REJECT"
)

// createHistory reads business id, user id and user name from the transaction's context.
func createHistory(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) error {

	ctx := tx.Statement.Context
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	history := History{
		BusinessId:    businessId,
		ActionType:    actionType,
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
	}
	if before != nil {
		b, _ := json.Marshal(before)
		history.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		history.After = string(a)
	}
	return tx.Create(&history).Error
}

func SaveHistoryCreate(tx *gorm.DB, id int, referenceType string, obj interface{}, description string) error {
	return createHistory(tx, HistoryActionCreate, id, referenceType, nil, obj, description)
}

func SaveHistoryUpdate(tx *gorm.DB, id int, referenceType string, before interface{}, after interface{}, description string) error {
	return createHistory(tx, HistoryActionUpdate, id, referenceType, before, after, description)
}

// ListHistories returns the audit trail of one document, newest first.
func ListHistories(ctx context.Context, referenceType string, referenceId int) ([]*History, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	var results []*History
	err := config.GetDB().WithContext(ctx).
		Where("business_id = ? AND reference_type = ? AND reference_id = ?", businessId, referenceType, referenceId).
		Order("created_at DESC, id DESC").
		Find(&results).Error
	return results, err
}
