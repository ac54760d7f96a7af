package tiering

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/storage/badger"
)

func newTestService(t *testing.T, cold ObjectStore, thresholdMB int64) (*Service, interfaces.BatchStorage, *common.Config) {
	t.Helper()

	logger := common.GetLogger()
	mgr, err := badger.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	cfg := common.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Tiering.ThresholdMB = thresholdMB

	if cold == nil {
		fs, err := NewFilesystemStore(t.TempDir())
		require.NoError(t, err)
		cold = fs
	}

	return NewService(mgr.BatchStorage(), cold, cfg, logger), mgr.BatchStorage(), cfg
}

func writeHotFile(t *testing.T, dataDir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dataDir, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func completedBatch(id string, paths ...string) *models.Batch {
	now := time.Now()
	b := &models.Batch{
		ID:             id,
		OwnerScope:     "proj-1",
		Kind:           models.BatchKindReportGeneration,
		Status:         models.BatchStatusCompleted,
		CreatedAt:      now,
		LastActivityAt: now,
		CompletedAt:    &now,
	}
	for _, p := range paths {
		b.GeneratedFiles = append(b.GeneratedFiles, models.GeneratedFile{Path: p, CreatedAt: now})
	}
	return b
}

func TestLocate(t *testing.T) {
	assert.Equal(t, TierCold, Locate("cold/proj-1/batch_1/report.pdf"))
	assert.Equal(t, TierHot, Locate("projects/proj-1/batches/batch_1/report.pdf"))
	assert.Equal(t, TierHot, Locate("report.pdf"))
}

func TestClassifyBatch(t *testing.T) {
	assert.Equal(t, TierHot, ClassifyBatch(completedBatch("b1")))
	assert.Equal(t, TierHot, ClassifyBatch(completedBatch("b2", "projects/p/b/a.txt")))
	assert.Equal(t, TierCold, ClassifyBatch(completedBatch("b3", "cold/p/b3/a.txt")))
	assert.Equal(t, TierMixed, ClassifyBatch(completedBatch("b4", "projects/p/b/a.txt", "cold/p/b4/b.txt")))
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "cold/proj-1/batch_1/report.pdf"
	require.NoError(t, store.Put(ctx, key, strings.NewReader("report body")))

	size, err := store.Size(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len("report body")), size)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "report body", string(data))

	require.NoError(t, store.Delete(ctx, key))
	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing object is not an error
	require.NoError(t, store.Delete(ctx, key))
}

func TestTierBatchArtifactsMovesFiles(t *testing.T) {
	svc, batches, cfg := newTestService(t, nil, 0)
	ctx := context.Background()

	b := completedBatch("batch_1",
		"projects/proj-1/batches/batch_1/report.pdf",
		"projects/proj-1/batches/batch_1/data.csv",
	)
	writeHotFile(t, cfg.Storage.DataDir, b.GeneratedFiles[0].Path, "pdf contents")
	writeHotFile(t, cfg.Storage.DataDir, b.GeneratedFiles[1].Path, "csv contents")
	require.NoError(t, batches.SaveBatch(ctx, b))

	require.NoError(t, svc.TierBatchArtifacts(ctx, "batch_1"))

	got, err := batches.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	require.Len(t, got.GeneratedFiles, 2)
	assert.Equal(t, "cold/proj-1/batch_1/report.pdf", got.GeneratedFiles[0].Path)
	assert.Equal(t, "cold/proj-1/batch_1/data.csv", got.GeneratedFiles[1].Path)

	// Hot originals removed
	_, err = os.Stat(filepath.Join(cfg.Storage.DataDir, "projects/proj-1/batches/batch_1/report.pdf"))
	assert.True(t, os.IsNotExist(err))

	// Cold copies retrievable
	size, err := svc.cold.Size(ctx, "cold/proj-1/batch_1/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len("pdf contents")), size)
}

func TestTierBatchArtifactsBelowThreshold(t *testing.T) {
	svc, batches, cfg := newTestService(t, nil, 50)
	ctx := context.Background()

	b := completedBatch("batch_1", "projects/proj-1/batches/batch_1/small.txt")
	writeHotFile(t, cfg.Storage.DataDir, b.GeneratedFiles[0].Path, "tiny")
	require.NoError(t, batches.SaveBatch(ctx, b))

	require.NoError(t, svc.TierBatchArtifacts(ctx, "batch_1"))

	got, err := batches.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, "projects/proj-1/batches/batch_1/small.txt", got.GeneratedFiles[0].Path)

	_, err = os.Stat(filepath.Join(cfg.Storage.DataDir, "projects/proj-1/batches/batch_1/small.txt"))
	assert.NoError(t, err, "hot file stays below threshold")
}

func TestTierBatchArtifactsSkipsNonCompleted(t *testing.T) {
	svc, batches, cfg := newTestService(t, nil, 0)
	ctx := context.Background()

	b := completedBatch("batch_1", "projects/proj-1/batches/batch_1/out.txt")
	b.Status = models.BatchStatusProcessing
	writeHotFile(t, cfg.Storage.DataDir, b.GeneratedFiles[0].Path, "in flight")
	require.NoError(t, batches.SaveBatch(ctx, b))

	require.NoError(t, svc.TierBatchArtifacts(ctx, "batch_1"))

	got, err := batches.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, TierHot, Locate(got.GeneratedFiles[0].Path))
}

// lyingStore reports an inflated size for every object so size verification
// always fails
type lyingStore struct {
	ObjectStore
}

func (s *lyingStore) Size(ctx context.Context, key string) (int64, error) {
	size, err := s.ObjectStore.Size(ctx, key)
	return size + 10_000, err
}

func TestTierBatchArtifactsVerificationFailureKeepsHot(t *testing.T) {
	fs, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	svc, batches, cfg := newTestService(t, &lyingStore{ObjectStore: fs}, 0)
	ctx := context.Background()

	b := completedBatch("batch_1", "projects/proj-1/batches/batch_1/report.pdf")
	writeHotFile(t, cfg.Storage.DataDir, b.GeneratedFiles[0].Path, "pdf contents")
	require.NoError(t, batches.SaveBatch(ctx, b))

	err = svc.TierBatchArtifacts(ctx, "batch_1")
	assert.Error(t, err)

	// Hot original untouched, recorded path unchanged
	_, statErr := os.Stat(filepath.Join(cfg.Storage.DataDir, "projects/proj-1/batches/batch_1/report.pdf"))
	assert.NoError(t, statErr)

	got, err := batches.GetBatch(ctx, "batch_1")
	require.NoError(t, err)
	assert.Equal(t, TierHot, Locate(got.GeneratedFiles[0].Path))

	// Failed cold copy cleaned up
	exists, err := fs.Exists(ctx, "cold/proj-1/batch_1/report.pdf")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaterializeLocally(t *testing.T) {
	svc, _, _ := newTestService(t, nil, 0)
	ctx := context.Background()

	key := "cold/proj-1/batch_1/report.pdf"
	require.NoError(t, svc.cold.Put(ctx, key, strings.NewReader("cold contents")))

	path, err := svc.MaterializeLocally(ctx, key)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cold contents", string(data))
}

func TestMaterializeLocallyRejectsHotPath(t *testing.T) {
	svc, _, _ := newTestService(t, nil, 0)
	_, err := svc.MaterializeLocally(context.Background(), "projects/proj-1/out.txt")
	assert.Error(t, err)
}

func TestMaterializeLocallyMissingObject(t *testing.T) {
	svc, _, _ := newTestService(t, nil, 0)
	_, err := svc.MaterializeLocally(context.Background(), "cold/proj-1/batch_1/missing.pdf")
	assert.Error(t, err)
}

func TestDeleteBatchArtifactsAcrossTiers(t *testing.T) {
	svc, _, cfg := newTestService(t, nil, 0)
	ctx := context.Background()

	b := completedBatch("batch_1",
		"projects/proj-1/batches/batch_1/hot.txt",
		"cold/proj-1/batch_1/cold.txt",
		"projects/proj-1/batches/batch_1/already-gone.txt",
	)
	writeHotFile(t, cfg.Storage.DataDir, "projects/proj-1/batches/batch_1/hot.txt", "hot")
	require.NoError(t, svc.cold.Put(ctx, "cold/proj-1/batch_1/cold.txt", strings.NewReader("cold")))

	deleted := svc.DeleteBatchArtifacts(ctx, b)
	assert.Equal(t, 3, deleted, "missing files count as deleted")

	_, err := os.Stat(filepath.Join(cfg.Storage.DataDir, "projects/proj-1/batches/batch_1/hot.txt"))
	assert.True(t, os.IsNotExist(err))

	exists, err := svc.cold.Exists(ctx, "cold/proj-1/batch_1/cold.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteResultArtifacts(t *testing.T) {
	svc, _, cfg := newTestService(t, nil, 0)
	ctx := context.Background()

	writeHotFile(t, cfg.Storage.DataDir, "downloads/proj-1/bundle.zip", "zip")
	require.NoError(t, svc.cold.Put(ctx, "cold/proj-1/result_1/old.zip", strings.NewReader("zip")))

	record := &models.ResultRecord{
		ID:         "result_1",
		OwnerScope: "proj-1",
		Kind:       "download",
		Status:     models.ResultStatusCompleted,
		FilePaths: []string{
			"downloads/proj-1/bundle.zip",
			"cold/proj-1/result_1/old.zip",
		},
	}

	deleted := svc.DeleteResultArtifacts(ctx, record)
	assert.Equal(t, 2, deleted)
}

func TestShouldTier(t *testing.T) {
	svc, _, cfg := newTestService(t, nil, 1)
	writeHotFile(t, cfg.Storage.DataDir, "projects/p/b/big.bin", strings.Repeat("x", 2*1024*1024))

	b := completedBatch("batch_1", "projects/p/b/big.bin")
	due, total := svc.ShouldTier(b)
	assert.True(t, due)
	assert.Equal(t, int64(2*1024*1024), total)

	small := completedBatch("batch_2", "projects/p/b/missing.bin")
	due, total = svc.ShouldTier(small)
	assert.False(t, due)
	assert.Equal(t, int64(0), total)
}
