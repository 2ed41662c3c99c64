package models

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
)

// DiscrepancyEvidence is a photo or document attached to a discrepancy.
type DiscrepancyEvidence struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	DiscrepancyId int       `gorm:"index;not null" json:"discrepancy_id"`
	ObjectKey     string    `gorm:"size:500;not null" json:"object_key"`
	ContentType   string    `gorm:"size:100" json:"content_type"`
	EvidenceUrl   string    `gorm:"size:1000" json:"evidence_url"`
	ThumbnailKey  string    `gorm:"size:500" json:"thumbnail_key"`
	ThumbnailUrl  string    `gorm:"size:1000" json:"thumbnail_url"`
	UploadedBy    *int      `json:"uploaded_by"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// EvidenceObjectKey is where an evidence file of a discrepancy is stored.
func EvidenceObjectKey(businessId string, discrepancyId int, filename string) string {
	return path.Join(businessId, "discrepancies", strconv.Itoa(discrepancyId), utils.GenerateUniqueFilename()+"_"+sanitizeFilename(filename))
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// AttachDiscrepancyEvidence records an object already uploaded to storage.
// thumbnailKey is empty for non-image evidence.
func AttachDiscrepancyEvidence(ctx context.Context, discrepancyId int, objectKey string, contentType string, thumbnailKey string) (*DiscrepancyEvidence, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(objectKey, businessId+"/") {
		return nil, errors.New("invalid object key")
	}
	if err := utils.ValidateResourceId[Discrepancy](ctx, businessId, discrepancyId); err != nil {
		return nil, errors.New("discrepancy not found")
	}

	evidence := DiscrepancyEvidence{
		BusinessId:    businessId,
		DiscrepancyId: discrepancyId,
		ObjectKey:     objectKey,
		ContentType:   contentType,
		EvidenceUrl:   utils.BuildObjectAccessURL(objectKey),
		UploadedBy:    userIdPtr(ctx),
	}
	if thumbnailKey != "" {
		evidence.ThumbnailKey = thumbnailKey
		evidence.ThumbnailUrl = utils.BuildObjectAccessURL(thumbnailKey)
	}

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Create(&evidence).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryCreate(tx, discrepancyId, "discrepancies", &evidence, "Attached evidence"); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &evidence, nil
}

func GetDiscrepancyEvidence(ctx context.Context, discrepancyId int) ([]*DiscrepancyEvidence, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchAllModelsWhere[DiscrepancyEvidence](ctx, businessId, "discrepancy_id = ?", discrepancyId)
}

// RemoveDiscrepancyEvidence deletes the row, then the stored objects.
func RemoveDiscrepancyEvidence(ctx context.Context, id int) (*DiscrepancyEvidence, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	evidence, err := utils.FetchModel[DiscrepancyEvidence](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if err := config.GetDB().WithContext(ctx).Delete(evidence).Error; err != nil {
		return nil, err
	}
	logger := config.GetLogger()
	for _, key := range []string{evidence.ObjectKey, evidence.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := utils.DeleteObjectFromGCS(ctx, key); err != nil {
			config.LogError(logger, "models", "RemoveDiscrepancyEvidence", "delete object", key, err)
		}
	}
	return evidence, nil
}
