package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lecseg/internal/ingest"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/storage"
)

const (
	maxUploadSize     = 8 << 30  // 8GB
	maxUploadMemory   = 32 << 20 // parts above this spill to disk
	defaultSearchTopK = 5
	maxSearchTopK     = 50
)

// JobQueue abstracts the job queue for the API layer.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
	GetJob(id string) (storage.Job, error)
}

// Searcher runs a similarity query over a collection.
type Searcher interface {
	Query(ctx context.Context, collection, query string, topK int, filter retrieval.Filter) ([]retrieval.ScoredRecord, error)
}

type AppDeps struct {
	Jobs       JobQueue
	Records    retrieval.VectorStore
	Search     Searcher
	Collection string
	UploadsDir string
	Token      string
	Logger     *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Collection == "" {
		deps.Collection = retrieval.DefaultCollection
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/uploads", handleUpload(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/videos/{videoID}/transcripts", handleListTranscripts(deps))
		r.Delete("/videos/{videoID}/transcripts", handleDeleteTranscripts(deps))
		r.Get("/search", handleSearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// UploadResponse is returned by POST /uploads.
type UploadResponse struct {
	JobID   string `json:"job_id"`
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		strategy, err := pipeline.ParseStrategy(r.FormValue("strategy"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		v := pipeline.Video{
			ID:      strings.TrimSpace(r.FormValue("videoId")),
			Name:    strings.TrimSpace(r.FormValue("title")),
			Course:  r.FormValue("course"),
			Section: r.FormValue("section"),
		}
		for _, f := range []struct{ name, value string }{
			{"videoId", v.ID}, {"course", v.Course}, {"section", v.Section},
		} {
			if strings.TrimSpace(f.value) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s is required", f.name)
				return
			}
		}

		file, hdr, err := r.FormFile("video")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "video file is required")
			return
		}
		defer file.Close()

		if v.Name == "" {
			v.Name = pipeline.DefaultName(hdr.Filename)
		}
		v.Path, err = saveUpload(deps.UploadsDir, hdr.Filename, file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save upload: %v", err)
			return
		}

		job, err := ingest.NewProcessJob(ingest.ProcessPayload{Video: v, Strategy: strategy, Upload: true})
		if err == nil {
			err = deps.Jobs.EnqueueJob(job)
		}
		if err != nil {
			os.Remove(v.Path)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}
		deps.Logger.Info("upload queued", "job_id", job.ID, "video_id", v.ID, "path", v.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(UploadResponse{JobID: job.ID, VideoID: v.ID, Status: "queued"})
	}
}

// saveUpload copies src to dir/upload-<unix_ms><ext>.
func saveUpload(dir, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	path := filepath.Join(dir, fmt.Sprintf("upload-%d%s", time.Now().UnixMilli(), ext))
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// JobView is the JSON form of a job.
type JobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Jobs.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		view := JobView{
			ID:          job.ID,
			Type:        job.Type,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			CreatedAt:   job.CreatedAt,
			UpdatedAt:   job.UpdatedAt,
		}
		if job.ResultJSON != "" {
			view.Result = json.RawMessage(job.ResultJSON)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	}
}

func handleListTranscripts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID := chi.URLParam(r, "videoID")

		records, err := deps.Records.Get(r.Context(), deps.Collection, retrieval.Filter{VideoID: videoID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list transcripts: %v", err)
			return
		}

		if records == nil {
			records = []retrieval.Record{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleDeleteTranscripts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoID := chi.URLParam(r, "videoID")

		n, err := deps.Records.Delete(r.Context(), deps.Collection, retrieval.Filter{VideoID: videoID})
		if errors.Is(err, retrieval.ErrEmptyFilter) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "video id is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete transcripts: %v", err)
			return
		}
		if n == 0 {
			httpError(w, http.StatusNotFound, "not_found", "no transcripts for video %q", videoID)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "deleted", "deleted": n})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", defaultSearchTopK, maxSearchTopK)
		if limit == 0 {
			limit = defaultSearchTopK
		}
		filter := retrieval.Filter{VideoID: r.URL.Query().Get("video_id")}

		results, err := deps.Search.Query(r.Context(), deps.Collection, q, limit, filter)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}

		if results == nil {
			results = []retrieval.ScoredRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
