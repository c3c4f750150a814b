package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lecseg/internal/ingest"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/storage"
)

const testToken = "test-token-12345"

type mockSearcher struct {
	results []retrieval.ScoredRecord
	err     error
	got     struct {
		collection, query string
		topK              int
		filter            retrieval.Filter
	}
}

func (m *mockSearcher) Query(_ context.Context, collection, query string, topK int, filter retrieval.Filter) ([]retrieval.ScoredRecord, error) {
	m.got.collection, m.got.query, m.got.topK, m.got.filter = collection, query, topK, filter
	return m.results, m.err
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	records *retrieval.SQLiteStore
	search  *mockSearcher
	uploads string
}

func setupAppHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:   store,
		records: retrieval.NewSQLiteStore(store.DB()),
		search:  &mockSearcher{},
		uploads: t.TempDir(),
	}
	env.handler = NewAppHandler(AppDeps{
		Jobs:       store,
		Records:    env.records,
		Search:     env.search,
		UploadsDir: env.uploads,
		Token:      testToken,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func seedRecords(t *testing.T, env *testEnv, videoID string, n int) {
	t.Helper()
	var recs []retrieval.Record
	for i := n - 1; i >= 0; i-- {
		recs = append(recs, retrieval.Record{
			ID:        pipeline.RecordID(videoID, pipeline.KindSlide, i),
			Text:      "slide text",
			Embedding: []float32{1, float32(i)},
			Meta: retrieval.Metadata{
				VideoID:   videoID,
				Start:     float64(i * 10),
				End:       float64(i*10 + 10),
				CreatedAt: time.Now().UTC(),
			},
		})
	}
	if err := env.records.Upsert(context.Background(), retrieval.DefaultCollection, recs); err != nil {
		t.Fatalf("seeding records: %v", err)
	}
}

func uploadRequest(t *testing.T, fields map[string]string, filename string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("video", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("fake video bytes"))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	env := setupAppHandler(t)

	for _, tok := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=x", "", tok))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rr.Code)
		}
	}
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestUpload_EnqueuesJob(t *testing.T) {
	env := setupAppHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, uploadRequest(t, map[string]string{
		"course":   "statistics",
		"section":  "week1",
		"videoId":  "stat101-w1",
		"strategy": "chunks",
	}, "Lecture 1.MP4"))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp UploadResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.VideoID != "stat101-w1" || resp.Status != "queued" {
		t.Errorf("response = %+v", resp)
	}

	job, err := env.store.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != ingest.JobProcessVideo {
		t.Errorf("job type = %q", job.Type)
	}
	var payload ingest.ProcessPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !payload.Upload || payload.Strategy != pipeline.StrategyChunks {
		t.Errorf("payload = %+v", payload)
	}
	v := payload.Video
	if v.Name != "Lecture 1" || v.Course != "statistics" || v.Section != "week1" {
		t.Errorf("video = %+v", v)
	}
	if filepath.Dir(v.Path) != env.uploads || !strings.HasPrefix(filepath.Base(v.Path), "upload-") || filepath.Ext(v.Path) != ".mp4" {
		t.Errorf("upload path = %q", v.Path)
	}
	data, err := os.ReadFile(v.Path)
	if err != nil || string(data) != "fake video bytes" {
		t.Errorf("saved file = %q, %v", data, err)
	}
}

func TestUpload_KeepsTitle(t *testing.T) {
	env := setupAppHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, uploadRequest(t, map[string]string{
		"title": "Week 2", "course": "statistics", "section": "week2", "videoId": "stat101-w2",
	}, "w2.mp4"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp UploadResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	job, err := env.store.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	var payload ingest.ProcessPayload
	json.Unmarshal([]byte(job.PayloadJSON), &payload)
	if payload.Video.Name != "Week 2" || payload.Video.ID != "stat101-w2" {
		t.Errorf("video = %+v", payload.Video)
	}
}

func TestUpload_Validation(t *testing.T) {
	env := setupAppHandler(t)
	valid := map[string]string{"course": "statistics", "section": "week1", "videoId": "stat101-w1"}
	with := func(key, value string) map[string]string {
		fields := make(map[string]string, len(valid)+1)
		for k, v := range valid {
			fields[k] = v
		}
		fields[key] = value
		return fields
	}

	tests := []struct {
		name     string
		fields   map[string]string
		filename string
		want     string
	}{
		{"missing file", valid, "", "video file"},
		{"bad strategy", with("strategy", "words"), "a.mp4", "unknown strategy"},
		{"missing video id", with("videoId", ""), "a.mp4", "videoId"},
		{"blank video id", with("videoId", "  "), "a.mp4", "videoId"},
		{"missing course", with("course", ""), "a.mp4", "course"},
		{"missing section", with("section", ""), "a.mp4", "section"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, uploadRequest(t, tt.fields, tt.filename))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %s, want it to mention %q", rr.Body.String(), tt.want)
			}
		})
	}

	entries, _ := os.ReadDir(env.uploads)
	if len(entries) != 0 {
		t.Errorf("rejected uploads left %d files behind", len(entries))
	}
	if job, _ := env.store.ClaimNextJob([]string{ingest.JobProcessVideo}); job != nil {
		t.Error("rejected upload queued a job")
	}
}

func TestGetJob(t *testing.T) {
	env := setupAppHandler(t)
	if err := env.store.EnqueueJob(storage.Job{ID: "job-1", Type: ingest.JobProcessVideo, PayloadJSON: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CompleteJob("job-1", `{"video_id":"v","no_segments":true}`); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/job-1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var view JobView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != storage.JobCompleted {
		t.Errorf("status = %q", view.Status)
	}
	var report pipeline.Report
	if err := json.Unmarshal(view.Result, &report); err != nil || !report.NoSegments {
		t.Errorf("result = %s, %v", view.Result, err)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rr.Code)
	}
}

func TestListTranscripts_SortedByStart(t *testing.T) {
	env := setupAppHandler(t)
	seedRecords(t, env, "lec1", 3)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/videos/lec1/transcripts", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var recs []retrieval.Record
	if err := json.NewDecoder(rr.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Meta.Start != float64(i*10) {
			t.Errorf("recs[%d].Start = %v", i, r.Meta.Start)
		}
	}
	if strings.Contains(rr.Body.String(), "embedding") {
		t.Error("embeddings leaked into the response")
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/videos/none/transcripts", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("unknown video body = %s, want []", rr.Body.String())
	}
}

func TestDeleteTranscripts(t *testing.T) {
	env := setupAppHandler(t)
	seedRecords(t, env, "lec1", 2)
	seedRecords(t, env, "lec2", 1)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/videos/lec1/transcripts", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	n, _ := env.records.Count(context.Background(), retrieval.DefaultCollection, retrieval.Filter{})
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/videos/lec1/transcripts", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	env := setupAppHandler(t)
	env.search.results = []retrieval.ScoredRecord{{Record: retrieval.Record{ID: "lec1-slide0", Text: "平均"}, Score: 0.91}}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=%E5%B9%B3%E5%9D%87&video_id=lec1&limit=500", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := env.search.got
	if got.query != "平均" || got.topK != maxSearchTopK || got.filter.VideoID != "lec1" || got.collection != retrieval.DefaultCollection {
		t.Errorf("search called with %+v", got)
	}
	var results []retrieval.ScoredRecord
	if err := json.NewDecoder(rr.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 0.91 {
		t.Errorf("results = %+v", results)
	}
}

func TestSearch_DefaultsAndErrors(t *testing.T) {
	env := setupAppHandler(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=x", "", testToken))
	if env.search.got.topK != defaultSearchTopK {
		t.Errorf("topK = %d, want default", env.search.got.topK)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty result body = %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty q: status = %d, want 400", rr.Code)
	}

	env.search.err = errors.New("ollama down")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/search?q=x", "", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("search error: status = %d, want 502", rr.Code)
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a configured token")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", "anything"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}
