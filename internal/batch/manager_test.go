package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/storage/badger"
)

func newTestManager(t *testing.T) (*Manager, interfaces.StorageManager) {
	t.Helper()

	logger := common.GetLogger()
	store, err := badger.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := common.DefaultConfig()
	return NewManager(store.BatchStorage(), cfg, logger), store
}

func createProcessingBatch(t *testing.T, m *Manager, total, activeJobs int) *models.Batch {
	t.Helper()
	ctx := context.Background()

	b, err := m.Create(ctx, models.BatchKindImageProcessing, "proj-1", total, nil)
	require.NoError(t, err)
	require.NoError(t, m.Begin(ctx, b.ID))
	if activeJobs > 0 {
		require.NoError(t, m.IncrementActiveJobs(ctx, b.ID, activeJobs))
	}
	return b
}

func TestCreate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.Create(ctx, models.BatchKindAnalysis, "proj-1", 25, map[string]interface{}{"depth": 3})
	require.NoError(t, err)

	assert.NotEmpty(t, b.ID)
	assert.Equal(t, models.BatchStatusPending, b.Status)
	assert.Equal(t, 25, b.TotalItems)
	assert.Equal(t, 0, b.ProcessedItems)
	assert.Equal(t, 0, b.ActiveJobs)
	assert.Equal(t, "projects/proj-1/batches/"+b.ID, b.StoragePath)
	assert.False(t, b.LastActivityAt.IsZero())
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "unknown_kind", "proj-1", 10, nil)
	assert.Error(t, err)

	_, err = m.Create(ctx, models.BatchKindAnalysis, "", 10, nil)
	assert.Error(t, err)

	_, err = m.Create(ctx, models.BatchKindAnalysis, "proj-1", -1, nil)
	assert.Error(t, err)
}

func TestBegin(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.Create(ctx, models.BatchKindAnalysis, "proj-1", 5, nil)
	require.NoError(t, err)
	require.NoError(t, m.Begin(ctx, b.ID))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	// Begin is not re-entrant
	assert.Error(t, m.Begin(ctx, b.ID))
}

func TestReportOutcomeAutoCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 10, 10)

	for i := 0; i < 7; i++ {
		_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := m.ReportOutcome(ctx, b.ID, OutcomeFailed, fmt.Sprintf("item %d broke", i))
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, got.Status, "one item still outstanding")

	final, err := m.ReportOutcome(ctx, b.ID, OutcomeSkipped, "")
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompletedWithErrors, final.Status)
	assert.Equal(t, 7, final.ProcessedItems)
	assert.Equal(t, 2, final.FailedItems)
	assert.Equal(t, 1, final.SkippedItems)
	assert.Equal(t, 0, final.ActiveJobs)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.ExpiresAt)
	assert.True(t, final.ExpiresAt.After(time.Now()))
	assert.Equal(t, "item 1 broke", final.LastError)
	assert.Len(t, final.ErrorSummary, 2)
}

func TestReportOutcomeCleanCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 3, 3)
	for i := 0; i < 3; i++ {
		_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
}

func TestReportOutcomeAfterTerminalIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 1, 1)
	_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	// Late duplicate report from a retried worker
	late, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCompleted, late.Status)
	assert.Equal(t, 1, late.ProcessedItems, "terminal batch counters are frozen")
	assert.Equal(t, 0, late.ActiveJobs)
}

func TestReportOutcomeClampsUnderflow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Total 2 but only 1 active job registered; second report underflows
	b := createProcessingBatch(t, m, 2, 1)

	_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	got, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveJobs, "clamped at zero")
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
}

func TestConcurrentReportersSingleCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const total = 100
	b := createProcessingBatch(t, m, total, total)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
	assert.Equal(t, total, got.ProcessedItems)
	assert.Equal(t, 0, got.ActiveJobs)
	require.NotNil(t, got.CompletedAt)
}

func TestCancellationDrain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 5, 2)
	require.NoError(t, m.RequestCancellation(ctx, b.ID, "user requested"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelling, got.Status)
	assert.Equal(t, "user requested", got.CancellationReason)
	require.NotNil(t, got.CancellationStartedAt)

	// In-flight workers observe the flag and report skipped
	_, err = m.ReportOutcome(ctx, b.ID, OutcomeSkipped, "")
	require.NoError(t, err)
	final, err := m.ReportOutcome(ctx, b.ID, OutcomeSkipped, "")
	require.NoError(t, err)

	assert.Equal(t, models.BatchStatusCancelled, final.Status)
	assert.Equal(t, 0, final.ActiveJobs)
	require.NotNil(t, final.CompletedAt)
}

func TestCancellationImmediateWhenIdle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.Create(ctx, models.BatchKindAnalysis, "proj-1", 0, nil)
	require.NoError(t, err)
	require.NoError(t, m.RequestCancellation(ctx, b.ID, "nothing to do"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, got.Status)
}

func TestCancellationRejectedForTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 1, 1)
	_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	assert.Error(t, m.RequestCancellation(ctx, b.ID, "too late"))
}

func TestMarkFailed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 10, 4)
	require.NoError(t, m.MarkFailed(ctx, b.ID, "dispatcher gave up"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.Equal(t, 0, got.ActiveJobs)
	assert.Equal(t, "dispatcher gave up", got.LastError)
	require.NotNil(t, got.CompletedAt)

	assert.Error(t, m.MarkFailed(ctx, b.ID, "again"), "already terminal")
}

func TestForceCancel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 5, 3)
	require.NoError(t, m.RequestCancellation(ctx, b.ID, "user requested"))

	assert.Error(t, m.ForceCancel(ctx, "missing", "x"))
	require.NoError(t, m.ForceCancel(ctx, b.ID, "grace period exceeded"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, got.Status)
	assert.Equal(t, 0, got.ActiveJobs)
}

func TestForceCancelRequiresCancelling(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 5, 3)
	assert.Error(t, m.ForceCancel(ctx, b.ID, "not cancelling yet"))
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 5, 0)

	require.NoError(t, m.Pause(ctx, b.ID))
	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPaused, got.Status)

	assert.Error(t, m.Pause(ctx, b.ID), "already paused")

	require.NoError(t, m.Resume(ctx, b.ID))
	got, err = m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)

	assert.Error(t, m.Resume(ctx, b.ID), "not paused")
}

func TestDecrementActiveJobsTriggersCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// All items already accounted for, one stale job handle remaining
	b := createProcessingBatch(t, m, 2, 3)
	_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)
	_, err = m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)
	assert.Equal(t, 1, got.ActiveJobs)

	require.NoError(t, m.DecrementActiveJobs(ctx, b.ID, 1))

	got, err = m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
}

func TestJobTracking(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 5, 0)
	require.NoError(t, m.TrackJob(ctx, b.ID, "job-a"))
	require.NoError(t, m.TrackJob(ctx, b.ID, "job-b"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, got.OutstandingJobIDs)

	require.NoError(t, m.UntrackJob(ctx, b.ID, "job-a"))
	got, err = m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b"}, got.OutstandingJobIDs)
}

func TestAddGeneratedFile(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 1, 0)
	require.NoError(t, m.AddGeneratedFile(ctx, b.ID, "projects/proj-1/out.zip", "archive"))

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.GeneratedFiles, 1)
	assert.Equal(t, "projects/proj-1/out.zip", got.GeneratedFiles[0].Path)
	assert.Equal(t, "archive", got.GeneratedFiles[0].Type)
}

func TestEmergencyCleanup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	active1 := createProcessingBatch(t, m, 10, 5)
	active2 := createProcessingBatch(t, m, 10, 5)

	// A terminal batch in the same scope is left alone
	done := createProcessingBatch(t, m, 1, 1)
	_, err := m.ReportOutcome(ctx, done.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	// Another scope is untouched
	other, err := m.Create(ctx, models.BatchKindAnalysis, "proj-other", 5, nil)
	require.NoError(t, err)

	result, err := m.EmergencyCleanup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.CancelledBatches)

	for _, id := range []string{active1.ID, active2.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusCancelled, got.Status)
		assert.Equal(t, "emergency_cleanup", got.CancellationReason)
	}

	got, err := m.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)

	got, err = m.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b := createProcessingBatch(t, m, 1, 0)
	require.NoError(t, m.Delete(ctx, b.ID))

	_, err := m.Get(ctx, b.ID)
	assert.Error(t, err)
}

func TestNotifierReceivesSummary(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	received := make(chan *models.CompletionSummary, 1)
	m.WithNotifier(notifierFunc(func(ctx context.Context, s *models.CompletionSummary) {
		received <- s
	}))

	b := createProcessingBatch(t, m, 1, 1)
	_, err := m.ReportOutcome(ctx, b.ID, OutcomeProcessed, "")
	require.NoError(t, err)

	select {
	case summary := <-received:
		assert.Equal(t, b.ID, summary.BatchID)
		assert.Equal(t, models.BatchStatusCompleted, summary.Status)
		assert.Equal(t, 1, summary.ProcessedItems)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
}

type notifierFunc func(ctx context.Context, summary *models.CompletionSummary)

func (f notifierFunc) BatchCompleted(ctx context.Context, summary *models.CompletionSummary) {
	f(ctx, summary)
}
