package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/openclaw/core/pkg/keystore"
)

// Prefix is the top-level key prefix for all vault objects.
const Prefix = "vault"

// Metadata is the plaintext companion record written next to each envelope.
// It carries only non-secret summary data; payloads live solely in the
// encrypted .bin.
type Metadata struct {
	CollectionID  string          `json:"collection_id"`
	StartupID     string          `json:"startup_id"`
	WindowFrom    time.Time       `json:"window_from"`
	WindowTo      time.Time       `json:"window_to"`
	ArtifactCount int             `json:"artifact_count"`
	TotalSize     int64           `json:"total_size_bytes"`
	DocTypes      map[string]int  `json:"doc_types"`
	Artifacts     []ArtifactMeta  `json:"artifacts"`
	EnvelopeMeta  EnvelopeSummary `json:"envelope_meta"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ArtifactMeta is per-artifact summary data (no payloads).
type ArtifactMeta struct {
	RelPath   string  `json:"rel_path"`
	SHA256    string  `json:"sha256"`
	SizeBytes int64   `json:"size_bytes"`
	DocType   string  `json:"doc_type"`
	Confidence float64 `json:"confidence"`
}

// EnvelopeSummary records alg/version/created_at only. The nonce and
// ciphertext stay in the .bin.
type EnvelopeSummary struct {
	Alg        string    `json:"alg"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
}

// Vault writes envelopes and metadata through a BlobStore.
type Vault struct {
	blobs BlobStore
}

// New creates a vault over the given blob backend.
func New(blobs BlobStore) *Vault {
	return &Vault{blobs: blobs}
}

// Paths returns the workdir-relative .bin and .json keys for a collection,
// partitioned by the collection's creation date.
func Paths(startupID, collectionID string, at time.Time) (binKey, metaKey string) {
	day := at.UTC().Format("2006/01/02")
	base := path.Join(Prefix, startupID, day, collectionID)
	return base + ".bin", base + ".json"
}

// WriteEnvelope serializes the envelope as JSON into the .bin key.
func (v *Vault) WriteEnvelope(ctx context.Context, binKey string, env *keystore.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("vault: marshal envelope: %w", err)
	}
	return v.blobs.Put(ctx, binKey, data)
}

// ReadEnvelope loads and parses the envelope at the .bin key.
func (v *Vault) ReadEnvelope(ctx context.Context, binKey string) (*keystore.Envelope, error) {
	data, err := v.blobs.Get(ctx, binKey)
	if err != nil {
		return nil, err
	}
	var env keystore.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("vault: parse envelope %s: %w", binKey, err)
	}
	return &env, nil
}

// WriteMetadata writes the plaintext companion .json.
func (v *Vault) WriteMetadata(ctx context.Context, metaKey string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal metadata: %w", err)
	}
	return v.blobs.Put(ctx, metaKey, data)
}

// ReadMetadata loads the companion .json.
func (v *Vault) ReadMetadata(ctx context.Context, metaKey string) (*Metadata, error) {
	data, err := v.blobs.Get(ctx, metaKey)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("vault: parse metadata %s: %w", metaKey, err)
	}
	return &meta, nil
}

// Sweep removes vault objects whose collection has no matching database row.
// A vault file can be orphaned when the envelope write succeeds but the
// subsequent commit fails; the sweeper reconciles the two. It returns the
// removed keys.
func (v *Vault) Sweep(ctx context.Context, exists func(ctx context.Context, collectionID string) (bool, error)) ([]string, error) {
	keys, err := v.blobs.List(ctx, Prefix+"/")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, key := range keys {
		collectionID, ok := collectionIDFromKey(key)
		if !ok {
			continue
		}
		found, err := exists(ctx, collectionID)
		if err != nil {
			return removed, fmt.Errorf("vault: sweep lookup %s: %w", collectionID, err)
		}
		if found {
			continue
		}
		if err := v.blobs.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("vault: sweep delete %s: %w", key, err)
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// collectionIDFromKey extracts the collection id from
// vault/<sid>/<YYYY>/<MM>/<DD>/<cid>.{bin,json}.
func collectionIDFromKey(key string) (string, bool) {
	base := path.Base(key)
	switch {
	case strings.HasSuffix(base, ".bin"):
		return strings.TrimSuffix(base, ".bin"), true
	case strings.HasSuffix(base, ".json"):
		return strings.TrimSuffix(base, ".json"), true
	}
	return "", false
}
