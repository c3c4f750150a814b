package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/storage"
)

// JobProcessVideo is the job type that runs the pipeline on one video.
const JobProcessVideo = "process_video"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id, resultJSON string) error
	FailJob(id string, errMsg string) error
}

// VideoProcessor runs the pipeline on a video.
type VideoProcessor interface {
	Run(ctx context.Context, v pipeline.Video, strategy pipeline.Strategy) (*pipeline.Report, error)
}

// ProcessPayload is the payload of a process_video job. Upload marks a
// file that was received through the API and is owned by the job.
type ProcessPayload struct {
	Video    pipeline.Video    `json:"video"`
	Strategy pipeline.Strategy `json:"strategy"`
	Upload   bool              `json:"upload"`
}

// NewProcessJob builds a pending process_video job for p.
func NewProcessJob(p ProcessPayload) (storage.Job, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobProcessVideo,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	}, nil
}

// Worker processes process_video jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	processor VideoProcessor
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, processor VideoProcessor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		processor: processor,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single process_video job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobProcessVideo})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload ProcessPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(job, fmt.Errorf("parsing payload: %w", err), ProcessPayload{})
		return true, nil
	}

	log := w.logger.With("job_id", job.ID, "video_id", payload.Video.ID)
	log.Info("processing video", "path", payload.Video.Path, "attempt", job.Attempts+1)

	report, err := w.processor.Run(ctx, payload.Video, payload.Strategy)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the job running so ResetRunningJobs requeues it.
			return true, nil
		}
		w.fail(job, err, payload)
		return true, nil
	}

	result, err := json.Marshal(report)
	if err != nil {
		return true, fmt.Errorf("encoding report for job %s: %w", job.ID, err)
	}
	if err := w.store.CompleteJob(job.ID, string(result)); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	if report.NoSegments {
		log.Warn("video produced no transcript segments")
	}
	w.release(payload)
	return true, nil
}

func (w *Worker) fail(job *storage.Job, err error, payload ProcessPayload) {
	w.logger.Warn("job failed", "job_id", job.ID, "error", err)
	if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		return
	}
	if job.Attempts+1 >= job.MaxAttempts {
		w.release(payload)
	}
}

// release removes an uploaded source file once its job will not run again.
func (w *Worker) release(payload ProcessPayload) {
	if !payload.Upload || payload.Video.Path == "" {
		return
	}
	if err := os.Remove(payload.Video.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("removing upload", "path", payload.Video.Path, "error", err)
	}
}
