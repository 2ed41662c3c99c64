package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"text/template"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

var validate = validator.New()

// Validate runs the struct's validate tags.
func Validate(s interface{}) error {
	return validate.Struct(s)
}

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err
	}
	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}
	return nil
}

// FormatPhoneNumber returns the E.164 form of a phone number already checked by ValidatePhoneNumber.
func FormatPhoneNumber(phoneNumber, countryCode string) string {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return phoneNumber
	}
	return libphonenumber.Format(p, libphonenumber.E164)
}

func GenerateUniqueFilename() string {
	return fmt.Sprintf("%d_%d", time.Now().UnixNano(), rand.Intn(1000))
}

// ProcessValidationErrors maps validator errors to field -> failed tag.
// Errors of any other type come back under the "error" key.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["error"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// UniqueSlice returns slice without duplicates, keeping first occurrences.
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if !inResult[elm] {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// ExecTemplate executes a text/template (used for report SQL) with data.
func ExecTemplate(tString string, data map[string]interface{}) (string, error) {
	t, err := template.New("sql").Parse(tString)
	if err != nil {
		return "", errors.New("error parsing sql template: " + err.Error())
	}
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", errors.New("failed to execute sql template: " + err.Error())
	}
	return b.String(), nil
}

// DereferencePtr returns *ptr, or the optional default when ptr is nil.
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// ObtainLock takes a short Redis lock on lockType:key. The returned release
// func is safe to call when no lock was taken. When Redis is not connected
// the lock is skipped and callers rely on database locking alone.
func ObtainLock(ctx context.Context, lockType string, key string, ttl time.Duration, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	lock, err := locker.Obtain(ctx, lockKey, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 30),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "could not obtain lock", lockKey, err)
		return nil, fmt.Errorf("%w: %s is busy, try again", err, lockKey)
	} else if err != nil {
		// redis is down; the row lock in the transaction still serializes writers
		config.LogError(logger, moduleName, functionName, "error obtaining lock, continuing without it", lockKey, err)
		return func() {}, nil
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
