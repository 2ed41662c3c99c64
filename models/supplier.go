package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
)

// Supplier is the vendor a purchase order is placed with and who invoices against it.
type Supplier struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"size:64;index;not null" json:"business_id"`
	Name          string    `gorm:"size:100;not null" json:"name"`
	ContactPerson string    `gorm:"size:100" json:"contact_person"`
	Email         string    `gorm:"size:100" json:"email"`
	Phone         string    `gorm:"size:20" json:"phone"`
	Address       string    `gorm:"type:text" json:"address"`
	Notes         string    `gorm:"type:text" json:"notes"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSupplier struct {
	Name          string `json:"name" validate:"required,max=100"`
	ContactPerson string `json:"contact_person" validate:"max=100"`
	Email         string `json:"email" validate:"omitempty,email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	Notes         string `json:"notes"`
}

func (s Supplier) GetBusinessId() string {
	return s.BusinessId
}

func (input *NewSupplier) validate(ctx context.Context, businessId string, id int) error {
	if err := utils.Validate(input); err != nil {
		return err
	}
	if err := utils.ValidateUnique[Supplier](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("invalid phone number")
		}
		input.Phone = utils.FormatPhoneNumber(input.Phone, utils.CountryCode)
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	return nil
}

func CreateSupplier(ctx context.Context, input *NewSupplier) (*Supplier, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	supplier := Supplier{
		BusinessId:    businessId,
		Name:          input.Name,
		ContactPerson: input.ContactPerson,
		Email:         input.Email,
		Phone:         input.Phone,
		Address:       input.Address,
		Notes:         input.Notes,
	}
	active := true
	supplier.IsActive = &active

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Create(&supplier).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryCreate(tx, supplier.ID, "suppliers", &supplier, "Created supplier "+supplier.Name); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &supplier, nil
}

func UpdateSupplier(ctx context.Context, id int, input *NewSupplier) (*Supplier, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	old, err := utils.FetchModel[Supplier](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	updated := *old
	updated.Name = input.Name
	updated.ContactPerson = input.ContactPerson
	updated.Email = input.Email
	updated.Phone = input.Phone
	updated.Address = input.Address
	updated.Notes = input.Notes

	tx := config.GetDB().WithContext(ctx).Begin()
	if err := tx.Save(&updated).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SaveHistoryUpdate(tx, id, "suppliers", old, &updated, "Updated supplier "+updated.Name); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[Supplier](ctx, id); err != nil {
		config.LogError(config.GetLogger(), "models", "UpdateSupplier", "remove cached supplier", id, err)
	}
	return &updated, nil
}

func GetSupplier(ctx context.Context, id int) (*Supplier, error) {
	return GetResource[Supplier](ctx, id)
}

func GetSuppliers(ctx context.Context, name *string) ([]*Supplier, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	if name != nil && *name != "" {
		return utils.FetchAllModelsWhere[Supplier](ctx, businessId, "name LIKE ?", "%"+*name+"%")
	}
	return utils.FetchAllModelsWhere[Supplier](ctx, businessId, "")
}

// GetSuppliersByIds is the batch read behind the supplier dataloader.
func GetSuppliersByIds(ctx context.Context, ids []int) ([]*Supplier, error) {
	businessId, err := requireBusinessId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchAllModelsWhere[Supplier](ctx, businessId, "id IN ?", ids)
}
