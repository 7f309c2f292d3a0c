package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
	"github.com/noah-isme/cca-portal-api/pkg/export"
	"github.com/noah-isme/cca-portal-api/pkg/jobs"
	"github.com/noah-isme/cca-portal-api/pkg/storage"
)

// RolloverJobType identifies term rollover jobs on the queue.
const RolloverJobType = "term_rollover"

const minBackupActivityColumns = 3

type rolloverLedger interface {
	ListAfter(ctx context.Context, afterUID string, limit int) ([]models.Selection, error)
	DeleteSelectionBatch(ctx context.Context, limit int) (int64, error)
	ResetEnrolledBatch(ctx context.Context, limit int) (int64, error)
	Remaining(ctx context.Context) (records int64, held int64, err error)
}

type classCatalog interface {
	List(ctx context.Context) ([]models.Class, error)
}

type backupStore interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type backupSigner interface {
	Generate(ownerID, relPath string) (string, time.Time, error)
	Parse(token string) (*storage.SignedDownload, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// RolloverServiceConfig governs term rollover.
type RolloverServiceConfig struct {
	BatchSize          int
	ConfirmationPhrase string
	BackupRetention    time.Duration
	DownloadPath       string
	// Gate is held from Start until the run finishes.
	Gate *RolloverGate
}

// BackupDownload is an opened rollover backup ready to stream.
type BackupDownload struct {
	File     *os.File
	Filename string
	Size     int64
}

// RolloverService backs up and clears all selections at the end of a term.
// Runs execute on the job queue; run progress is kept in memory.
type RolloverService struct {
	ledger    rolloverLedger
	classes   classCatalog
	settings  enrollmentSettingsReader
	store     backupStore
	signer    backupSigner
	exporter  *export.CSVExporter
	queue     jobDispatcher
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       RolloverServiceConfig
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*models.RolloverRun
}

// NewRolloverService constructs the service.
func NewRolloverService(ledger rolloverLedger, classes classCatalog, settings enrollmentSettingsReader, store backupStore, signer backupSigner, exporter *export.CSVExporter, queue jobDispatcher, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg RolloverServiceConfig) *RolloverService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exporter == nil {
		exporter = export.NewCSVExporter(true)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 400
	}
	if cfg.ConfirmationPhrase == "" {
		cfg.ConfirmationPhrase = "deleteALL"
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 90 * 24 * time.Hour
	}
	return &RolloverService{
		ledger:    ledger,
		classes:   classes,
		settings:  settings,
		store:     store,
		signer:    signer,
		exporter:  exporter,
		queue:     queue,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[string]*models.RolloverRun),
	}
}

// SetQueue attaches the dispatcher once the worker queue exists.
func (s *RolloverService) SetQueue(queue jobDispatcher) {
	s.queue = queue
}

// Start checks every guard and queues a rollover run.
func (s *RolloverService) Start(ctx context.Context, req dto.StartRolloverRequest, actor *models.JWTClaims) (*models.RolloverRun, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rollover payload")
	}
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if req.Confirmation != s.cfg.ConfirmationPhrase {
		return nil, appErrors.ForEntity(appErrors.ErrOperationGuarded, "rollover",
			fmt.Sprintf("type %q exactly to confirm the term rollover", s.cfg.ConfirmationPhrase))
	}
	settings, err := s.settings.EnrollmentSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.RegistrationOpen {
		return nil, appErrors.ForEntity(appErrors.ErrOperationGuarded, "rollover", "close registration before rolling over the term")
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "rollover worker unavailable")
	}

	s.mu.Lock()
	for _, existing := range s.runs {
		if !existing.Finished() {
			s.mu.Unlock()
			return nil, appErrors.ForEntity(appErrors.ErrOperationGuarded, existing.ID,
				fmt.Sprintf("rollover %s is already %s", existing.ID, existing.Status))
		}
	}
	run := &models.RolloverRun{
		ID:          uuid.NewString(),
		Status:      models.RolloverStatusQueued,
		RequestedBy: actor.UserID,
		StartedAt:   s.now(),
	}
	s.runs[run.ID] = run
	s.cfg.Gate.enter()
	s.mu.Unlock()

	if err := s.queue.Enqueue(jobs.Job{ID: run.ID, Type: RolloverJobType, Payload: run.ID}); err != nil {
		s.finish(run.ID, err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue rollover")
	}

	s.logger.Warn("term rollover queued", zap.String("run_id", run.ID), zap.String("actor", actor.UserID))
	return s.snapshot(run.ID), nil
}

// Status returns the run and, once its backup exists, a signed download link.
func (s *RolloverService) Status(ctx context.Context, id string) (*dto.RolloverResponse, error) {
	run := s.snapshot(id)
	if run == nil {
		return nil, appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("rollover %s not found", id))
	}
	resp := &dto.RolloverResponse{Run: *run}
	if run.BackupFile != "" && s.signer != nil {
		token, _, err := s.signer.Generate(run.ID, run.BackupFile)
		if err != nil {
			s.logger.Warn("failed to sign backup link", zap.String("run_id", run.ID), zap.Error(err))
		} else {
			resp.BackupURL = s.cfg.DownloadPath + "/" + token
		}
	}
	return resp, nil
}

// OpenBackup resolves a signed token into the backup file it grants.
func (s *RolloverService) OpenBackup(ctx context.Context, token string) (*BackupDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "backup downloads are disabled")
	}
	grant, err := s.signer.Parse(token)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired backup link")
	}
	file, err := s.store.Open(grant.Path)
	if err != nil {
		return nil, appErrors.ForEntity(appErrors.ErrNotFound, grant.OwnerID, "backup file no longer available")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat backup file")
	}
	return &BackupDownload{File: file, Filename: filepath.Base(grant.Path), Size: info.Size()}, nil
}

// PurgeExpiredBackups deletes backups older than the retention window.
func (s *RolloverService) PurgeExpiredBackups(ctx context.Context) ([]string, error) {
	deleted, err := s.store.CleanupOlderThan(s.cfg.BackupRetention)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.logger.Info("expired rollover backups purged", zap.Strings("files", deleted))
	}
	return deleted, nil
}

// Execute runs the rollover phases. It is safe to call again after a failure:
// an existing backup is kept and every batch re-reads what is left.
func (s *RolloverService) Execute(ctx context.Context, runID string) error {
	run := s.snapshot(runID)
	if run == nil {
		return fmt.Errorf("rollover %s not found", runID)
	}
	if run.Finished() {
		return nil
	}

	if run.BackupFile == "" {
		s.update(runID, func(r *models.RolloverRun) { r.Status = models.RolloverStatusBackingUp })
		file, count, err := s.backup(ctx, run)
		if err != nil {
			s.recordError(runID, err)
			return fmt.Errorf("backup selections: %w", err)
		}
		s.update(runID, func(r *models.RolloverRun) {
			r.BackupFile = file
			r.BackedUpCount = count
		})
		s.logger.Info("rollover backup stored", zap.String("run_id", runID), zap.String("file", file), zap.Int("records", count))
	}

	s.update(runID, func(r *models.RolloverRun) { r.Status = models.RolloverStatusDeleting })
	if err := s.drain(ctx, runID, "delete", s.ledger.DeleteSelectionBatch, func(r *models.RolloverRun, n int64) {
		r.DeleteBatches++
		r.DeletedCount += n
	}); err != nil {
		return err
	}

	s.update(runID, func(r *models.RolloverRun) { r.Status = models.RolloverStatusResetting })
	if err := s.drain(ctx, runID, "reset", s.ledger.ResetEnrolledBatch, func(r *models.RolloverRun, n int64) {
		r.ResetBatches++
		r.ResetCount += n
	}); err != nil {
		return err
	}

	records, held, err := s.ledger.Remaining(ctx)
	if err != nil {
		s.recordError(runID, err)
		return fmt.Errorf("verify rollover: %w", err)
	}
	if records > 0 || held > 0 {
		leftover := fmt.Errorf("rollover left %d selection records and %d non-zero counters", records, held)
		s.recordError(runID, leftover)
		return leftover
	}

	s.cache.Invalidate(ctx, availabilityCacheKey)
	s.finish(runID, nil)
	done := s.snapshot(runID)
	s.logger.Warn("term rollover completed",
		zap.String("run_id", runID),
		zap.Int64("deleted", done.DeletedCount),
		zap.Int64("reset", done.ResetCount),
		zap.Int("delete_batches", done.DeleteBatches),
	)
	return nil
}

// MarkFailed records a terminal failure for the run.
func (s *RolloverService) MarkFailed(runID string, err error) {
	s.finish(runID, err)
}

// drain repeats batch until one affects no rows. A short batch does not end the phase.
func (s *RolloverService) drain(ctx context.Context, runID, phase string, batch func(context.Context, int) (int64, error), apply func(*models.RolloverRun, int64)) error {
	for {
		if err := ctx.Err(); err != nil {
			s.recordError(runID, err)
			return err
		}
		n, err := batch(ctx, s.cfg.BatchSize)
		if err != nil {
			s.recordError(runID, err)
			return fmt.Errorf("%s batch: %w", phase, err)
		}
		if n == 0 {
			return nil
		}
		s.update(runID, func(r *models.RolloverRun) { apply(r, n) })
		s.metrics.RecordRolloverBatch(phase)
	}
}

// backup pages through every record and persists one CSV before anything is deleted.
func (s *RolloverService) backup(ctx context.Context, run *models.RolloverRun) (string, int, error) {
	classNames := map[string]string{}
	classes, err := s.classes.List(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list classes: %w", err)
	}
	for _, class := range classes {
		classNames[class.ID] = class.Name
	}

	var records []models.Selection
	after := ""
	for {
		page, err := s.ledger.ListAfter(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return "", 0, fmt.Errorf("page selections: %w", err)
		}
		if len(page) == 0 {
			break
		}
		records = append(records, page...)
		after = page[len(page)-1].StudentUID
	}

	data, err := s.exporter.Render(backupDataset(records, classNames))
	if err != nil {
		return "", 0, err
	}
	name := fmt.Sprintf("rollover/%s-%s.csv", run.StartedAt.Format("20060102T150405Z"), run.ID)
	saved, err := s.store.Save(name, data)
	if err != nil {
		return "", 0, err
	}
	return saved, len(records), nil
}

func backupDataset(records []models.Selection, classNames map[string]string) export.Dataset {
	width := minBackupActivityColumns
	for _, record := range records {
		if len(record.Activities) > width {
			width = len(record.Activities)
		}
	}
	headers := []string{"Student Name", "Student Email", "Class"}
	for i := 1; i <= width; i++ {
		headers = append(headers, "CCA "+strconv.Itoa(i))
	}
	headers = append(headers, "Submission Time", "Student ID", "Status")

	sorted := append([]models.Selection(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StudentName < sorted[j].StudentName })

	data := export.Dataset{Headers: headers}
	for _, record := range sorted {
		className := classNames[record.ClassID]
		if className == "" {
			className = record.ClassID
		}
		row := []string{record.StudentName, record.StudentEmail, className}
		for i := 0; i < width; i++ {
			name := ""
			if i < len(record.Activities) {
				name = record.Activities[i].Name
			}
			row = append(row, name)
		}
		row = append(row, record.SubmittedAt.UTC().Format(time.RFC3339), record.StudentUID, string(record.Status))
		data.Append(row...)
	}
	return data
}

func (s *RolloverService) snapshot(id string) *models.RolloverRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil
	}
	clone := *run
	return &clone
}

func (s *RolloverService) update(id string, fn func(*models.RolloverRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		fn(run)
	}
}

func (s *RolloverService) recordError(id string, err error) {
	s.update(id, func(r *models.RolloverRun) { r.Error = err.Error() })
}

func (s *RolloverService) finish(id string, err error) {
	now := s.now()
	var status models.RolloverStatus
	s.update(id, func(r *models.RolloverRun) {
		if r.Finished() {
			return
		}
		r.FinishedAt = &now
		if err != nil {
			r.Status = models.RolloverStatusFailed
			r.Error = err.Error()
		} else {
			r.Status = models.RolloverStatusCompleted
			r.Error = ""
		}
		status = r.Status
	})
	if status != "" {
		s.cfg.Gate.leave()
		s.metrics.RecordRolloverRun(string(status))
	}
	if err != nil {
		s.logger.Error("term rollover failed", zap.String("run_id", id), zap.Error(err))
	}
}

// RolloverWorker bridges queue jobs to RolloverService.
type RolloverWorker struct {
	service    *RolloverService
	logger     *zap.Logger
	maxRetries int
}

// NewRolloverWorker constructs a worker. maxRetries must match the queue's MaxRetries.
func NewRolloverWorker(service *RolloverService, maxRetries int, logger *zap.Logger) *RolloverWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RolloverWorker{service: service, logger: logger, maxRetries: maxRetries}
}

// Handle processes a queue job. The run is only marked failed once the last attempt fails.
func (w *RolloverWorker) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != RolloverJobType {
		return fmt.Errorf("unexpected job type %q", job.Type)
	}
	err := w.service.Execute(ctx, job.ID)
	if err == nil {
		return nil
	}
	if job.Attempt >= w.maxRetries || errors.Is(err, context.Canceled) {
		w.service.MarkFailed(job.ID, err)
		return err
	}
	w.logger.Warn("rollover attempt failed, will resume", zap.String("run_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	return err
}
