package utils

import (
	"net/url"
	"os"
	"strings"
)

// BuildObjectAccessURL turns an object key into the URL clients load it from.
// STORAGE_ACCESS_BASE_URL may contain an {objectKey} placeholder; otherwise
// GCS_URL and GCS_BUCKET are joined. With neither set the key is returned as is.
func BuildObjectAccessURL(objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		return "https://" + gcsURL + "/" + gcsBucket + "/" + objectKey
	}
	return objectKey
}

// ExtractObjectKeyFromURL reverses BuildObjectAccessURL for the GCS URL forms
// the API hands out. It returns "" when the URL is not ours.
func ExtractObjectKeyFromURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || strings.Contains(rawURL, "..") {
		return ""
	}
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "/") && strings.Contains(rawURL, "/") {
		return rawURL
	}
	if strings.HasPrefix(rawURL, "gs://") {
		parts := strings.SplitN(strings.TrimPrefix(rawURL, "gs://"), "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	}

	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		prefix := "https://" + gcsURL + "/" + gcsBucket + "/"
		if strings.HasPrefix(rawURL, prefix) {
			return strings.TrimPrefix(rawURL, prefix)
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	p := strings.TrimPrefix(parsed.Path, "/")
	switch {
	case host == "storage.googleapis.com" || host == "storage.cloud.google.com":
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	case strings.HasSuffix(host, ".storage.googleapis.com"):
		return p
	}
	return ""
}
