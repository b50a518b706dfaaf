package config

import (
	"context"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// NewStorageClient prefers ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
// Explicit JSON is for running the tools locally.
func NewStorageClient(ctx context.Context, credJSON string) (*storage.Client, error) {
	if strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}
