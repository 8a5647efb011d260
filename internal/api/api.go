package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"nextclade-backend/internal/database"
	"nextclade-backend/internal/fasta"
	"nextclade-backend/internal/messaging"
	"nextclade-backend/internal/nextclade"
	"nextclade-backend/internal/storage"
	"nextclade-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxUploadSize caps a single FASTA upload at 512MB.
const maxUploadSize = 512 << 20

type BackendService struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	index     *nextclade.IndexClient

	uploadBucket string
	resultBucket string
}

func NewBackendService(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, index *nextclade.IndexClient, uploadBucket, resultBucket string) *BackendService {
	return &BackendService{
		db:           db,
		storage:      store,
		publisher:    publisher,
		index:        index,
		uploadBucket: uploadBucket,
		resultBucket: resultBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Post("/uploads", RestHandler(s.UploadFasta))
	r.Get("/datasets", RestHandler(s.ListDatasets))
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateRun))
		r.Get("/", RestHandler(s.ListRuns))
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetRun))
			r.Get("/samples", RestHandler(s.GetRunSamples))
			r.Get("/errors", RestHandler(s.GetRunErrors))
			r.Post("/stop", RestHandler(s.StopRun))
			r.Delete("/", RestHandler(s.DeleteRun))
		})
	})
}

// UploadFasta validates and stages a FASTA file. The returned upload id is
// referenced by sample specs when creating a run.
func (s *BackendService) UploadFasta(r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'file' form field: %v", err)
	}
	defer file.Close()

	count, err := fasta.CountRecords(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid fasta file: %v", err)
	}
	if count == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "fasta file contains no sequences")
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error rewinding uploaded file: %v", err)
	}

	ctx := r.Context()

	uploadId := uuid.New()
	filename := filepath.Base(header.Filename)
	key := fmt.Sprintf("%s/%s", uploadId, filename)

	if err := s.storage.PutObject(ctx, s.uploadBucket, key, file); err != nil {
		slog.Error("error staging uploaded fasta", "upload_id", uploadId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store uploaded file")
	}

	upload := database.Upload{
		Id:            uploadId,
		Filename:      filename,
		FastaKey:      key,
		Size:          header.Size,
		SequenceCount: count,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&upload).Error; err != nil {
		slog.Error("error creating upload record", "upload_id", uploadId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create upload record")
	}

	slog.Info("fasta uploaded", "upload_id", uploadId, "filename", filename, "sequences", count)

	return api.UploadResponse{Id: uploadId, SequenceCount: count}, nil
}

func (s *BackendService) CreateRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateRunRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.RunName); err != nil {
		return nil, err
	}

	dataset, err := nextclade.ParseDataset(req.Dataset)
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "%v", err)
	}

	if len(req.Samples) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "at least one sample is required")
	}

	ctx := r.Context()

	runId := uuid.New()
	now := time.Now().UTC()

	seen := make(map[string]bool, len(req.Samples))
	samples := make([]database.Sample, 0, len(req.Samples))
	for _, spec := range req.Samples {
		if err := validateName(spec.Name); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "duplicate sample name '%s'", spec.Name)
		}
		seen[spec.Name] = true

		var upload database.Upload
		if err := s.db.WithContext(ctx).First(&upload, "id = ?", spec.UploadId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, CodedErrorf(http.StatusUnprocessableEntity, "upload %s for sample '%s' not found", spec.UploadId, spec.Name)
			}
			slog.Error("error getting upload", "upload_id", spec.UploadId, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving upload record")
		}

		samples = append(samples, database.Sample{
			RunId:         runId,
			Name:          spec.Name,
			FastaKey:      upload.FastaKey,
			Size:          upload.Size,
			SequenceCount: upload.SequenceCount,
		})
	}

	run := database.Run{
		Id:                runId,
		RunName:           req.RunName,
		Dataset:           dataset.String(),
		Status:            database.JobQueued,
		CreationTime:      now,
		Samples:           samples,
		DatasetFetchTask:  &database.DatasetFetchTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
		PrepareInputsTask: &database.PrepareInputsTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run entry")
	}

	if err := s.publisher.PublishDatasetFetchTask(ctx, messaging.DatasetFetchPayload{RunId: runId}); err != nil {
		slog.Error("error publishing dataset fetch task", "run_id", runId, "error", err)
		database.SaveRunError(ctx, s.db, runId, "failed to queue dataset fetch task")
		database.UpdateRunStatus(ctx, s.db, runId, database.JobFailed) //nolint:errcheck
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue dataset fetch task")
	}

	slog.Info("run submitted", "run_id", runId, "run_name", req.RunName, "dataset", dataset, "n_samples", len(samples))

	return api.CreateRunResponse{RunId: runId}, nil
}

// ListRuns returns runs newest first, optionally filtered by dataset and
// status via query parameters.
func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}

	txn := s.db.WithContext(r.Context()).Where("deleted = ?", false)
	if params.Dataset != "" {
		txn = txn.Where("dataset = ?", params.Dataset)
	}
	if params.Status != "" {
		txn = txn.Where("status = ?", params.Status)
	}

	var runs []database.Run
	if err := txn.
		Order("creation_time DESC").
		Find(&runs).Error; err != nil {
		slog.Error("error listing runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving runs")
	}

	out := make([]api.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, toApiRun(run))
	}

	return out, nil
}

func (s *BackendService) getRun(r *http.Request, preloads ...string) (database.Run, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return database.Run{}, err
	}

	txn := s.db.WithContext(r.Context())
	for _, preload := range preloads {
		txn = txn.Preload(preload)
	}

	var run database.Run
	if err := txn.First(&run, "id = ? AND deleted = ?", runId, false).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Run{}, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return database.Run{}, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}

	return run, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	run, err := s.getRun(r, "DatasetFetchTask", "PrepareInputsTask", "AnalysisTasks")
	if err != nil {
		return nil, err
	}
	return toApiRun(run), nil
}

func (s *BackendService) GetRunSamples(r *http.Request) (any, error) {
	run, err := s.getRun(r, "Samples", "AnalysisTasks")
	if err != nil {
		return nil, err
	}

	taskBySample := make(map[string]*database.AnalysisTask, len(run.AnalysisTasks))
	for i := range run.AnalysisTasks {
		taskBySample[run.AnalysisTasks[i].SampleName] = &run.AnalysisTasks[i]
	}

	out := make([]api.Sample, 0, len(run.Samples))
	for _, sample := range run.Samples {
		out = append(out, toApiSample(sample, taskBySample[sample.Name]))
	}

	return out, nil
}

func (s *BackendService) GetRunErrors(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	var runErrors []database.RunError
	if err := s.db.WithContext(r.Context()).
		Order("timestamp").
		Find(&runErrors, "run_id = ?", run.Id).Error; err != nil {
		slog.Error("error listing run errors", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run errors")
	}

	out := make([]api.RunError, 0, len(runErrors))
	for _, runError := range runErrors {
		out = append(out, toApiRunError(runError))
	}

	return out, nil
}

// StopRun flags the run so the task processor skips any of its pending tasks.
// Tasks already running are not interrupted.
func (s *BackendService) StopRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(r.Context()).
		Model(&database.Run{Id: run.Id}).
		Update("stopped", true).Error; err != nil {
		slog.Error("error stopping run", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error stopping run")
	}

	slog.Info("run stopped", "run_id", run.Id)

	return nil, nil
}

// DeleteRun soft-deletes the run and removes its result objects. Uploads are
// kept since they may be shared with other runs.
func (s *BackendService) DeleteRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if err := s.db.WithContext(ctx).
		Model(&database.Run{Id: run.Id}).
		Updates(map[string]any{"deleted": true, "stopped": true}).Error; err != nil {
		slog.Error("error deleting run", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting run")
	}

	if err := s.storage.DeleteObjects(ctx, s.resultBucket, run.Id.String()); err != nil {
		slog.Error("error deleting run results", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting run results")
	}

	slog.Info("run deleted", "run_id", run.Id)

	return nil, nil
}

// ListDatasets reports the supported datasets. Availability is checked against
// the remote dataset index when reachable, otherwise all supported datasets
// are assumed available.
func (s *BackendService) ListDatasets(r *http.Request) (any, error) {
	ctx := r.Context()

	enabled := make(map[string]bool)
	indexReachable := false
	if s.index != nil {
		names, err := s.index.ListEnabled(ctx)
		if err != nil {
			slog.Warn("could not fetch dataset index, assuming all datasets available", "error", err)
		} else {
			indexReachable = true
			for _, name := range names {
				enabled[name] = true
			}
		}
	}

	datasets := nextclade.Datasets()
	out := make([]api.DatasetInfo, 0, len(datasets))
	for _, dataset := range datasets {
		available := true
		if indexReachable {
			available = enabled[dataset.String()]
		}
		out = append(out, api.DatasetInfo{Name: dataset.String(), Available: available})
	}

	return out, nil
}
