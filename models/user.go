package models

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/utils"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;index;not null" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username"`
	Name       string    `gorm:"size:100;not null" json:"name"`
	Email      *string   `gorm:"size:100;unique" json:"email"`
	Password   string    `gorm:"size:255;not null" json:"password,omitempty"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	Role       UserRole  `gorm:"type:enum('admin','approver','finance','engineer','integration');not null;default:'engineer'" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	BusinessId string   `json:"business_id" validate:"required"`
	Username   string   `json:"username" validate:"required,min=3,max=100"`
	Name       string   `json:"name" validate:"required"`
	Email      string   `json:"email" validate:"omitempty,email"`
	Password   string   `json:"password" validate:"required,min=8"`
	Role       UserRole `json:"role" validate:"required"`
}

/*
caches:
	User:$username
	Token:$token -> username
	Tokens:$username (set of live tokens)
*/

type LoginInfo struct {
	Token      string   `json:"token"`
	Name       string   `json:"name"`
	Role       UserRole `json:"role"`
	BusinessId string   `json:"business_id"`
}

var ErrInvalidCredentials = errors.New("invalid username or password")

func (u *User) PrepareGive() {
	u.Password = ""
}

func (u User) IsEnabled() bool {
	return u.IsActive == nil || *u.IsActive
}

// GetUserByUsername reads User:$username from Redis, falling back to the database.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject(ctx, "User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}
	if err := config.GetDB().WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	if err := config.SetRedisObject(ctx, "User:"+username, &user, utils.TokenLifespan()); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login checks the password and opens a Redis session keyed by a random token.
func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {
	user, err := GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := utils.ComparePassword(user.Password, password); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsEnabled() {
		return nil, errors.New("user is disabled")
	}

	token := uuid.NewString()
	if err := config.AddRedisSet(ctx, "Tokens:"+user.Username, token); err != nil {
		return nil, err
	}
	if err := config.SetRedisValue(ctx, "Token:"+token, user.Username, utils.TokenLifespan()); err != nil {
		return nil, err
	}

	return &LoginInfo{
		Token:      token,
		Name:       user.Name,
		Role:       user.Role,
		BusinessId: user.BusinessId,
	}, nil
}

// Logout destroys the current session.
func Logout(ctx context.Context) error {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return errors.New("token is required")
	}
	if err := config.RemoveRedisKey(ctx, "Token:"+token); err != nil {
		return err
	}
	username, _ := utils.GetUsernameFromContext(ctx)
	if username == "" {
		return nil
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		return rdb.SRem(ctx, "Tokens:"+username, token).Err()
	}
	return nil
}

// CreateUser is used by cmd/seed-admin and the admin API.
func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	if err := utils.Validate(input); err != nil {
		return nil, err
	}
	if _, ok := userRoles[string(input.Role)]; !ok {
		return nil, errors.New("invalid user role")
	}
	db := config.GetDB()

	email := strings.ToLower(strings.TrimSpace(input.Email))
	var count int64
	q := db.WithContext(ctx).Model(&User{}).Where("username = ?", input.Username)
	if email != "" {
		q = q.Or("email = ?", email)
	}
	if err := q.Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("duplicate username or email")
	}

	hashedPassword, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	active := true
	user := User{
		BusinessId: input.BusinessId,
		Username:   html.EscapeString(strings.TrimSpace(input.Username)),
		Name:       input.Name,
		Password:   string(hashedPassword),
		IsActive:   &active,
		Role:       input.Role,
	}
	if email != "" {
		user.Email = &email
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, errors.New("duplicate username or email")
		}
		return nil, err
	}
	user.PrepareGive()
	return &user, nil
}
