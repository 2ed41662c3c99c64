package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// allowedUploadTypes are the content types accepted for discrepancy evidence and report exports.
var allowedUploadTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"image/jpeg": true,
	"image/png":  true,
}

// GetGCSClient prefers GCS_CREDENTIALS_JSON, otherwise Application Default Credentials.
// Callers close the client.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func gcsBucket() (string, error) {
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	return bucketName, nil
}

// DetectUploadContentType sniffs data and rejects types not in the allow list.
// xlsx files sniff as zip and are recognised by objectName.
func DetectUploadContentType(objectName string, data []byte) (string, error) {
	mimeType := http.DetectContentType(data)
	if mimeType == "application/zip" && strings.HasSuffix(objectName, ".xlsx") {
		mimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if !allowedUploadTypes[mimeType] {
		return "", fmt.Errorf("unsupported file type: %s", mimeType)
	}
	return mimeType, nil
}

func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string) error {
	bucketName, err := gcsBucket()
	if err != nil {
		return err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to upload bytes to Google Cloud Storage: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func DeleteObjectFromGCS(ctx context.Context, objectName string) error {
	bucketName, err := gcsBucket()
	if err != nil {
		return err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.Bucket(bucketName).Object(objectName).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// ReadObjectFromGCS reads at most maxBytes of an object.
func ReadObjectFromGCS(ctx context.Context, objectName string, maxBytes int64) ([]byte, error) {
	bucketName, err := gcsBucket()
	if err != nil {
		return nil, err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	reader, err := client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", objectName, maxBytes)
	}
	return data, nil
}
