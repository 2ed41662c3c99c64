package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// MaxEvidenceBytes caps one evidence file, signed or posted.
const MaxEvidenceBytes int64 = 5 * 1024 * 1024

const maxEvidenceURLLifetime = 15 * time.Minute

var ErrUnsupportedEvidenceType = errors.New("unsupported evidence file type")

var evidenceExtensions = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

func IsEvidenceContentType(contentType string) bool {
	_, ok := evidenceExtensions[contentType]
	return ok
}

// EvidenceExtension is the file extension stored for contentType, or "".
func EvidenceExtension(contentType string) string {
	return evidenceExtensions[contentType]
}

// EvidenceUpload is a signed PUT the client sends one evidence file with.
// Every entry of Headers must be sent as is; GCS rejects the PUT otherwise.
type EvidenceUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// SignEvidenceUpload signs a V4 PUT for an evidence object of a discrepancy.
// The signature binds the content type and a length range up to
// MaxEvidenceBytes, so the bucket refuses anything else.
func SignEvidenceUpload(ctx context.Context, objectKey, contentType string, expires time.Duration) (*EvidenceUpload, error) {
	if !IsEvidenceContentType(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvidenceType, contentType)
	}
	if !IsEvidenceObjectKey(objectKey) {
		return nil, fmt.Errorf("object key %q is not a discrepancy evidence key", objectKey)
	}
	if expires <= 0 || expires > maxEvidenceURLLifetime {
		expires = maxEvidenceURLLifetime
	}
	if GetStorageProvider() != StorageProviderGCS {
		return nil, fmt.Errorf("storage provider %q cannot sign evidence uploads", GetStorageProvider())
	}
	bucket, err := gcsBucket()
	if err != nil {
		return nil, err
	}
	signer, err := resolveSigner(ctx)
	if err != nil {
		return nil, err
	}

	lengthRange := fmt.Sprintf("0,%d", MaxEvidenceBytes)
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "PUT",
		Expires:        time.Now().Add(expires),
		ContentType:    contentType,
		Headers:        []string{"x-goog-content-length-range:" + lengthRange},
		GoogleAccessID: signer.email,
		PrivateKey:     signer.privateKey,
		SignBytes:      signer.signBytes,
	}
	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, err
	}

	return &EvidenceUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers: map[string]string{
			"Content-Type":                contentType,
			"x-goog-content-length-range": lengthRange,
		},
		ObjectKey: objectKey,
		AccessURL: BuildObjectAccessURL(objectKey),
		ExpiresAt: opts.Expires,
	}, nil
}

// IsEvidenceObjectKey accepts "<business>/discrepancies/<id>/<file>".
func IsEvidenceObjectKey(objectKey string) bool {
	if objectKey == "" || path.Clean(objectKey) != objectKey {
		return false
	}
	parts := strings.Split(objectKey, "/")
	return len(parts) == 4 && parts[0] != "" && parts[1] == "discrepancies" && parts[2] != "" && parts[3] != ""
}

// gcsSigner holds either a private key or an IAM signBlob func.
type gcsSigner struct {
	email      string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

func resolveSigner(ctx context.Context) (gcsSigner, error) {
	signer, ok, err := signerFromEnv()
	if err != nil || ok {
		return signer, err
	}
	return iamSigner(ctx)
}

// signerFromEnv reads a key from GCS_CREDENTIALS_JSON, or from
// GCS_SIGNER_EMAIL plus GCS_SIGNER_PRIVATE_KEY.
func signerFromEnv() (gcsSigner, bool, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return gcsSigner{}, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return gcsSigner{}, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return gcsSigner{email: key.ClientEmail, privateKey: pemFromEnv(key.PrivateKey)}, true, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || privateKey == "" {
		return gcsSigner{}, false, nil
	}
	return gcsSigner{email: email, privateKey: pemFromEnv(privateKey)}, true, nil
}

// pemFromEnv turns escaped "\n" sequences back into newlines.
func pemFromEnv(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamSigner signs through the IAM credentials API as GCS_SIGNER_EMAIL, or as
// the instance's default service account on Cloud Run and GCE.
func iamSigner(ctx context.Context) (gcsSigner, error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.Email("default")
		if err != nil {
			return gcsSigner{}, fmt.Errorf("default service account email: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return gcsSigner{}, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return gcsSigner{}, fmt.Errorf("load default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return gcsSigner{}, fmt.Errorf("create iamcredentials service: %w", err)
	}

	resource := "projects/-/serviceAccounts/" + email
	return gcsSigner{
		email: email,
		signBytes: func(data []byte) ([]byte, error) {
			resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(data),
			}).Do()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	}, nil
}
