package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/keystore"
)

var testNow = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func TestPathsLayout(t *testing.T) {
	bin, meta := Paths("acme", "col_1", testNow)
	assert.Equal(t, "vault/acme/2026/02/10/col_1.bin", bin)
	assert.Equal(t, "vault/acme/2026/02/10/col_1.json", meta)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	v := New(NewLocalStore(t.TempDir()))
	ctx := context.Background()

	env := &keystore.Envelope{
		Alg:           "AES-256-GCM",
		KeyVersion:    1,
		NonceB64:      "bm9uY2U=",
		CiphertextB64: "Y2lwaGVy",
		CreatedAt:     testNow,
	}

	bin, _ := Paths("acme", "col_1", testNow)
	require.NoError(t, v.WriteEnvelope(ctx, bin, env))

	got, err := v.ReadEnvelope(ctx, bin)
	require.NoError(t, err)
	assert.Equal(t, env.CiphertextB64, got.CiphertextB64)
	assert.Equal(t, 1, got.KeyVersion)
}

func TestMetadataRoundTrip(t *testing.T) {
	v := New(NewLocalStore(t.TempDir()))
	ctx := context.Background()

	_, metaKey := Paths("acme", "col_1", testNow)
	meta := &Metadata{
		CollectionID:  "col_1",
		StartupID:     "acme",
		ArtifactCount: 2,
		DocTypes:      map[string]int{"ir_deck": 1, "tax_invoice": 1},
		Artifacts: []ArtifactMeta{
			{RelPath: "desktop_common/deck.txt", SHA256: "aa", SizeBytes: 1024, DocType: "ir_deck", Confidence: 0.95},
		},
		EnvelopeMeta: EnvelopeSummary{Alg: "AES-256-GCM", KeyVersion: 1, CreatedAt: testNow},
		CreatedAt:    testNow,
	}
	require.NoError(t, v.WriteMetadata(ctx, metaKey, meta))

	got, err := v.ReadMetadata(ctx, metaKey)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ArtifactCount)
	assert.Len(t, got.Artifacts, 1)
	assert.Equal(t, "AES-256-GCM", got.EnvelopeMeta.Alg)
}

func TestGetMissingBlob(t *testing.T) {
	v := New(NewLocalStore(t.TempDir()))
	_, err := v.ReadEnvelope(context.Background(), "vault/acme/2026/02/10/ghost.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesOrphans(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	v := New(store)
	ctx := context.Background()

	keep := &keystore.Envelope{Alg: "AES-256-GCM"}
	binKeep, metaKeep := Paths("acme", "col_live", testNow)
	require.NoError(t, v.WriteEnvelope(ctx, binKeep, keep))
	require.NoError(t, v.WriteMetadata(ctx, metaKeep, &Metadata{CollectionID: "col_live"}))

	binOrphan, metaOrphan := Paths("acme", "col_orphan", testNow)
	require.NoError(t, v.WriteEnvelope(ctx, binOrphan, keep))
	require.NoError(t, v.WriteMetadata(ctx, metaOrphan, &Metadata{CollectionID: "col_orphan"}))

	removed, err := v.Sweep(ctx, func(ctx context.Context, collectionID string) (bool, error) {
		return collectionID == "col_live", nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{binOrphan, metaOrphan}, removed)

	_, err = v.ReadEnvelope(ctx, binKeep)
	assert.NoError(t, err, "live collection must survive the sweep")
	_, err = v.ReadEnvelope(ctx, binOrphan)
	assert.ErrorIs(t, err, ErrNotFound)
}
