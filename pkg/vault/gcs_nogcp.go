//go:build !gcp

package vault

import (
	"context"
	"errors"
)

// GCSConfig holds configuration for the GCS vault backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore is unavailable without the gcp build tag.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (BlobStore, error) {
	return nil, errors.New("vault: GCS support not compiled in (build with -tags gcp)")
}
