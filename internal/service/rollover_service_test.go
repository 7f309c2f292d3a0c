package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
	"github.com/noah-isme/cca-portal-api/pkg/jobs"
	"github.com/noah-isme/cca-portal-api/pkg/storage"
)

type recordingQueue struct {
	jobs []jobs.Job
	err  error
}

func (q *recordingQueue) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type failingStore struct {
	*storage.LocalStorage
}

func (failingStore) Save(filename string, data []byte) (string, error) {
	return "", errors.New("disk full")
}

type rolloverFixture struct {
	ledger   *fakeLedger
	settings *settingsStub
	queue    *recordingQueue
	store    *storage.LocalStorage
	gate     *RolloverGate
	svc      *RolloverService
	admin    *models.JWTClaims
}

func newRolloverFixture(t *testing.T, activities ...models.Activity) *rolloverFixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &rolloverFixture{
		ledger:   newFakeLedger(activities...),
		settings: &settingsStub{settings: models.EnrollmentSettings{MinSelections: 1, MaxSelections: 3}},
		queue:    &recordingQueue{},
		store:    store,
		gate:     NewRolloverGate(),
		admin:    &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin},
	}
	signer := storage.NewSignedURLSigner("backup-secret", time.Hour)
	f.svc = NewRolloverService(f.ledger, newFakeClasses(class("c1", "4A")), f.settings, store, signer, nil, f.queue,
		nil, NewMetricsService(), nil, nil, RolloverServiceConfig{BatchSize: 400, DownloadPath: "/api/v1/admin/rollover/backups", Gate: f.gate})
	return f
}

func seedSelections(l *fakeLedger, n int, activityIDs ...string) {
	refs := make(models.ActivityRefs, 0, len(activityIDs))
	for _, id := range activityIDs {
		refs = append(refs, models.ActivityRef{ID: id, Name: strings.ToUpper(id)})
	}
	for i := 0; i < n; i++ {
		l.seed(models.Selection{
			StudentUID:   fmt.Sprintf("s%04d", i),
			StudentName:  fmt.Sprintf("Student %04d", i),
			StudentEmail: fmt.Sprintf("s%04d@school.test", i),
			ClassID:      "c1",
			Activities:   refs,
			SubmittedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
			Status:       models.SelectionStatusSubmitted,
		})
	}
}

func (f *rolloverFixture) start(t *testing.T) *models.RolloverRun {
	t.Helper()
	run, err := f.svc.Start(context.Background(), dto.StartRolloverRequest{Confirmation: "deleteALL"}, f.admin)
	require.NoError(t, err)
	return run
}

func TestRolloverBacksUpThenDeletesInBatches(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 500), activity("b", "Band", 600, 500))
	seedSelections(f.ledger, 500, "a", "b")

	run := f.start(t)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, RolloverJobType, f.queue.jobs[0].Type)
	assert.Equal(t, models.RolloverStatusQueued, run.Status)

	require.NoError(t, f.svc.Execute(context.Background(), run.ID))

	status, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloverStatusCompleted, status.Run.Status)
	assert.Equal(t, 500, status.Run.BackedUpCount)
	assert.Equal(t, int64(500), status.Run.DeletedCount)
	assert.Equal(t, 2, status.Run.DeleteBatches)
	assert.Equal(t, []int64{400, 100}, f.ledger.deleteBatches)
	assert.Empty(t, f.ledger.selections)
	assert.Equal(t, 0, f.ledger.enrolled("a"))
	assert.Equal(t, 0, f.ledger.enrolled("b"))
	assert.NotEmpty(t, status.BackupURL)

	data, err := f.store.ReadAll(status.Run.BackupFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(string(data), "\ufeff")), "\n")
	require.Len(t, lines, 501)
	assert.Equal(t, "Student Name,Student Email,Class,CCA 1,CCA 2,CCA 3,Submission Time,Student ID,Status", strings.TrimSpace(lines[0]))
	assert.True(t, strings.HasPrefix(lines[1], "Student 0000,s0000@school.test,4A,A,B,,"))
}

func TestRolloverBackupFailureDeletesNothing(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 3))
	seedSelections(f.ledger, 3, "a")
	f.svc.store = failingStore{f.store}

	run := f.start(t)
	err := f.svc.Execute(context.Background(), run.ID)
	require.Error(t, err)

	assert.Len(t, f.ledger.selections, 3)
	assert.Equal(t, 3, f.ledger.enrolled("a"))
	assert.Zero(t, f.ledger.deleteCalls)
	status, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloverStatusBackingUp, status.Run.Status)
	assert.Contains(t, status.Run.Error, "disk full")
	assert.Empty(t, status.BackupURL)
}

func TestRolloverResumesAfterInterruptedDelete(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 900))
	seedSelections(f.ledger, 900, "a")
	f.ledger.failDeleteAt = 2

	run := f.start(t)
	require.Error(t, f.svc.Execute(context.Background(), run.ID))
	assert.Len(t, f.ledger.selections, 500)
	first, _ := f.svc.Status(context.Background(), run.ID)
	backup := first.Run.BackupFile
	require.NotEmpty(t, backup)

	require.NoError(t, f.svc.Execute(context.Background(), run.ID))
	done, _ := f.svc.Status(context.Background(), run.ID)
	assert.Equal(t, models.RolloverStatusCompleted, done.Run.Status)
	assert.Equal(t, backup, done.Run.BackupFile)
	assert.Equal(t, 900, done.Run.BackedUpCount)
	assert.Equal(t, int64(900), done.Run.DeletedCount)
	assert.Empty(t, f.ledger.selections)
	assert.Equal(t, 0, f.ledger.enrolled("a"))
}

func TestRolloverKeepsDeletingAfterShortBatch(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 500))
	seedSelections(f.ledger, 500, "a")
	f.ledger.deleteCaps = map[int]int{2: 30}

	run := f.start(t)
	require.NoError(t, f.svc.Execute(context.Background(), run.ID))

	status, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloverStatusCompleted, status.Run.Status)
	assert.Equal(t, []int64{400, 30, 70}, f.ledger.deleteBatches)
	assert.Equal(t, 3, status.Run.DeleteBatches)
	assert.Equal(t, int64(500), status.Run.DeletedCount)
	assert.Empty(t, f.ledger.selections)
	assert.Equal(t, 0, f.ledger.enrolled("a"))
}

func TestRolloverDoesNotCompleteWithLeftovers(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 5))
	seedSelections(f.ledger, 5, "a")
	f.ledger.stallDelete = true

	run := f.start(t)
	err := f.svc.Execute(context.Background(), run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "left 5 selection records")

	status, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, status.Run.Finished())
	assert.Contains(t, status.Run.Error, "left 5 selection records")
	assert.True(t, f.gate.Active())

	f.ledger.stallDelete = false
	require.NoError(t, f.svc.Execute(context.Background(), run.ID))
	done, _ := f.svc.Status(context.Background(), run.ID)
	assert.Equal(t, models.RolloverStatusCompleted, done.Run.Status)
	assert.Empty(t, done.Run.Error)
	assert.False(t, f.gate.Active())
}

func TestRolloverBlocksLedgerWritesUntilFinished(t *testing.T) {
	ctx := context.Background()
	f := newRolloverFixture(t, activity("a", "Art", 0, 450))
	seedSelections(f.ledger, 450, "a")

	// settings served from another replica that still reports registration open
	stale := openSettings(1, 3)
	enrollment := NewEnrollmentService(f.ledger, newFakeClasses(class("c1", "4A", "a")), f.ledger.lister(), stale,
		nil, nil, nil, nil, EnrollmentServiceConfig{Gate: f.gate})
	comp := NewCompensationService(f.ledger, f.ledger, nil, nil, nil, RetryPolicy{}, f.gate)
	configRepo := &configurationRepoStub{}
	configSvc := NewConfigurationService(configRepo, nil, nil, ConfigurationServiceConfig{
		Defaults: models.EnrollmentSettings{MinSelections: 1, MaxSelections: 3},
		Gate:     f.gate,
	})

	run := f.start(t)
	require.True(t, f.gate.Active())

	var reopenErr, submitErr, removeErr error
	f.ledger.afterDelete = func(call int) {
		if call != 1 {
			return
		}
		_, reopenErr = configSvc.UpdateEnrollmentSettings(ctx, dto.UpdateEnrollmentSettingsRequest{RegistrationOpen: boolPtr(true)}, f.admin)
		_, submitErr = enrollment.Submit(ctx, student("late"), submitReq("c1", "a"))
		_, removeErr = comp.RemoveActivity(ctx, "s0449", "a")
	}
	require.NoError(t, f.svc.Execute(ctx, run.ID))

	for name, err := range map[string]error{"reopen": reopenErr, "submit": submitErr, "remove": removeErr} {
		assert.True(t, errors.Is(err, appErrors.ErrOperationGuarded), "%s: %v", name, err)
	}
	assert.Empty(t, configRepo.items)
	assert.Empty(t, f.ledger.selections)
	assert.Equal(t, 0, f.ledger.enrolled("a"))
	assert.True(t, f.ledger.countsMatchRecords())
	assert.False(t, f.gate.Active())

	_, err := enrollment.Submit(ctx, student("late"), submitReq("c1", "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.ledger.enrolled("a"))
}

func TestRolloverGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong confirmation", func(t *testing.T) {
		f := newRolloverFixture(t)
		_, err := f.svc.Start(ctx, dto.StartRolloverRequest{Confirmation: "deleteall"}, f.admin)
		assert.True(t, errors.Is(err, appErrors.ErrOperationGuarded))
		assert.Empty(t, f.queue.jobs)
	})

	t.Run("registration open", func(t *testing.T) {
		f := newRolloverFixture(t)
		f.settings.settings.RegistrationOpen = true
		_, err := f.svc.Start(ctx, dto.StartRolloverRequest{Confirmation: "deleteALL"}, f.admin)
		assert.True(t, errors.Is(err, appErrors.ErrOperationGuarded))
	})

	t.Run("run already in flight", func(t *testing.T) {
		f := newRolloverFixture(t)
		f.start(t)
		_, err := f.svc.Start(ctx, dto.StartRolloverRequest{Confirmation: "deleteALL"}, f.admin)
		assert.True(t, errors.Is(err, appErrors.ErrOperationGuarded))
		assert.Len(t, f.queue.jobs, 1)
	})

	t.Run("queue rejects job", func(t *testing.T) {
		f := newRolloverFixture(t)
		f.queue.err = jobs.ErrQueueFull
		_, err := f.svc.Start(ctx, dto.StartRolloverRequest{Confirmation: "deleteALL"}, f.admin)
		assert.True(t, errors.Is(err, appErrors.ErrInternal))
		f.queue.err = nil
		f.start(t)
	})

	t.Run("missing actor", func(t *testing.T) {
		f := newRolloverFixture(t)
		_, err := f.svc.Start(ctx, dto.StartRolloverRequest{Confirmation: "deleteALL"}, nil)
		assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
	})
}

func TestRolloverWorkerMarksFailedOnFinalAttempt(t *testing.T) {
	f := newRolloverFixture(t)
	f.ledger.failListAfter = errors.New("connection refused")
	run := f.start(t)
	worker := NewRolloverWorker(f.svc, 2, nil)
	job := f.queue.jobs[0]

	require.Error(t, worker.Handle(context.Background(), job))
	status, _ := f.svc.Status(context.Background(), run.ID)
	assert.False(t, status.Run.Finished())

	job.Attempt = 2
	require.Error(t, worker.Handle(context.Background(), job))
	status, _ = f.svc.Status(context.Background(), run.ID)
	assert.Equal(t, models.RolloverStatusFailed, status.Run.Status)
	assert.NotNil(t, status.Run.FinishedAt)

	f.ledger.failListAfter = nil
	f.start(t)
}

func TestRolloverWorkerRejectsUnknownJob(t *testing.T) {
	f := newRolloverFixture(t)
	worker := NewRolloverWorker(f.svc, 0, nil)
	assert.Error(t, worker.Handle(context.Background(), jobs.Job{ID: "x", Type: "report"}))
}

func TestRolloverStatusNotFound(t *testing.T) {
	f := newRolloverFixture(t)
	_, err := f.svc.Status(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestRolloverOpenBackup(t *testing.T) {
	f := newRolloverFixture(t, activity("a", "Art", 0, 1))
	seedSelections(f.ledger, 1, "a")
	run := f.start(t)
	require.NoError(t, f.svc.Execute(context.Background(), run.ID))

	status, err := f.svc.Status(context.Background(), run.ID)
	require.NoError(t, err)
	token := strings.TrimPrefix(status.BackupURL, "/api/v1/admin/rollover/backups/")

	download, err := f.svc.OpenBackup(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Student 0000")
	assert.Equal(t, int64(len(body)), download.Size)
	assert.True(t, strings.HasSuffix(download.Filename, ".csv"))

	_, err = f.svc.OpenBackup(context.Background(), token+"x")
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestRolloverPurgeExpiredBackups(t *testing.T) {
	f := newRolloverFixture(t)
	f.svc.cfg.BackupRetention = time.Hour
	_, err := f.store.Save("rollover/old.csv", []byte("x"))
	require.NoError(t, err)
	_, err = f.store.Save("rollover/new.csv", []byte("y"))
	require.NoError(t, err)

	old, err := f.store.Open("rollover/old.csv")
	require.NoError(t, err)
	path := old.Name()
	require.NoError(t, old.Close())
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))

	deleted, err := f.svc.PurgeExpiredBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Contains(t, deleted[0], "old.csv")
	_, err = f.store.Open("rollover/new.csv")
	assert.NoError(t, err)
}
