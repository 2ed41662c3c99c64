package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim identifies an integration client (ERP connector, scanner app)
// calling the API with a bearer token instead of a session.
type JwtCustomClaim struct {
	ID         int    `json:"id"`
	Role       string `json:"role"`
	BusinessId string `json:"business_id"`
	jwt.StandardClaims
}

func getJwtSecret() ([]byte, error) {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return nil, errors.New("API_SECRET is required")
	}
	return []byte(secret), nil
}

// TokenLifespan reads TOKEN_HOUR_LIFESPAN, defaulting to 24 hours.
func TokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(userID int, role string, businessId string, lifespan time.Duration) (string, error) {
	secret, err := getJwtSecret()
	if err != nil {
		return "", err
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:         userID,
		Role:       role,
		BusinessId: businessId,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(secret)
}

// JwtValidate parses and verifies token, returning its claims.
func JwtValidate(token string) (*JwtCustomClaim, error) {
	secret, err := getJwtSecret()
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
