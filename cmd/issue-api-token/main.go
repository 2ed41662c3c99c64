// issue-api-token prints a bearer token for a machine client such as the
// receiving dock scanner or an ERP integration.
//
//	API_SECRET=... go run ./cmd/issue-api-token -business-id acme -role integration -hours 720
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Business the token is scoped to (required)")
	userID := flag.Int("user-id", 0, "User id recorded as the actor of changes made with the token")
	role := flag.String("role", string(models.UserRoleIntegration), "Role carried by the token")
	hours := flag.Int("hours", 24*30, "Token lifetime in hours")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "-business-id is required")
		os.Exit(2)
	}
	var r models.UserRole
	if err := r.UnmarshalJSON([]byte(strconv.Quote(*role))); err != nil {
		fmt.Fprintf(os.Stderr, "invalid role: %v\n", err)
		os.Exit(2)
	}
	if *hours <= 0 {
		fmt.Fprintln(os.Stderr, "-hours must be positive")
		os.Exit(2)
	}

	token, err := utils.JwtGenerate(*userID, string(r), *businessID, time.Duration(*hours)*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
