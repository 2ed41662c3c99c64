// seed-admin creates or resets the first admin user of a business.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	SEED_ADMIN_PASSWORD=... go run ./cmd/seed-admin -business-id acme
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Business the admin belongs to (required)")
	username := flag.String("username", "mrmsAdmin", "Admin username")
	name := flag.String("name", "MRMS Admin", "Display name")
	flag.Parse()

	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if strings.TrimSpace(*businessID) == "" || password == "" {
		fmt.Fprintln(os.Stderr, "-business-id and SEED_ADMIN_PASSWORD are required")
		os.Exit(2)
	}

	ctx := context.Background()
	if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	db := config.GetDB()
	models.MigrateTable()

	var existing models.User
	err := db.WithContext(ctx).Where("username = ?", *username).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user, err := models.CreateUser(ctx, &models.NewUser{
			BusinessId: *businessID,
			Username:   *username,
			Name:       *name,
			Password:   password,
			Role:       models.UserRoleAdmin,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: username=%q business=%q id=%d\n", user.Username, user.BusinessId, user.ID)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"password":    string(hashed),
		"name":        *name,
		"is_active":   true,
		"business_id": *businessID,
		"role":        models.UserRoleAdmin,
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	// a cached copy would keep the old password until it expires
	if err := config.ConnectRedisWithRetry(ctx); err == nil {
		_ = config.RemoveRedisKey(ctx, "User:"+existing.Username)
	}
	fmt.Printf("Updated admin user: username=%q business=%q\n", existing.Username, *businessID)
}
