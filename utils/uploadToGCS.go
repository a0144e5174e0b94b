package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GetGCSClient prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// GCS_CREDENTIALS_JSON supplies explicit credentials for local runs.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// WriteObjectOnce stores data at bucket/objectName unless the object already exists.
// written is false when an earlier write won; that is not an error.
func WriteObjectOnce(ctx context.Context, client *storage.Client, bucketName string, objectName string, data []byte, contentType string, metadata map[string]string) (written bool, err error) {
	if client == nil {
		return false, errors.New("gcs client is nil")
	}
	if bucketName == "" {
		return false, errors.New("bucket name is required")
	}

	obj := client.Bucket(bucketName).Object(objectName).If(storage.Conditions{DoesNotExist: true})
	wc := obj.NewWriter(ctx)
	wc.ContentType = contentType
	wc.Metadata = metadata

	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return false, fmt.Errorf("write gs://%s/%s: %w", bucketName, objectName, err)
	}
	if err := wc.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return false, nil
		}
		return false, fmt.Errorf("close gs://%s/%s: %w", bucketName, objectName, err)
	}
	return true, nil
}
