package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/lecseg/internal/ingest"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupAppHandler(t)
	return MCPDeps{
		Jobs:       env.store,
		Records:    env.records,
		Search:     env.search,
		Collection: retrieval.DefaultCollection,
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_SearchTranscripts(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.search.results = []retrieval.ScoredRecord{
		{Record: retrieval.Record{ID: "lec1-slide0", Text: "平均の定義"}, Score: 0.95},
		{Record: retrieval.Record{ID: "lec1-slide3", Text: "分散"}, Score: 0.8},
	}
	handler := mcpSearchTranscripts(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_transcripts", map[string]interface{}{
		"query":    "平均",
		"video_id": "lec1",
		"limit":    100,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var records []json.RawMessage
	if err := json.Unmarshal([]byte(toolText(t, result)), &records); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if env.search.got.topK != maxSearchTopK || env.search.got.filter.VideoID != "lec1" {
		t.Errorf("search called with %+v", env.search.got)
	}
}

func TestMCPTool_SearchTranscripts_EmptyAndErrors(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	handler := mcpSearchTranscripts(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("search_transcripts", map[string]interface{}{"query": "none"}))
	if result.IsError || toolText(t, result) != "[]" {
		t.Fatalf("expected empty array, got: %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("search_transcripts", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error without query")
	}

	env.search.err = errors.New("embedding failed")
	result, _ = handler(context.Background(), makeCallToolRequest("search_transcripts", map[string]interface{}{"query": "x"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "embedding failed") {
		t.Errorf("expected search error, got %q", toolText(t, result))
	}
}

func TestMCPTool_ListTranscripts(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	seedRecords(t, env, "lec1", 3)
	handler := mcpListTranscripts(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_transcripts", map[string]interface{}{"video_id": "lec1"}))
	if err != nil || result.IsError {
		t.Fatalf("list failed: %v %s", err, toolText(t, result))
	}
	var recs []retrieval.Record
	if err := json.Unmarshal([]byte(toolText(t, result)), &recs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "lec1-slide0" || recs[2].ID != "lec1-slide2" {
		t.Errorf("records = %+v", recs)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_transcripts", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error without video_id")
	}
}

func TestMCPTool_ProcessVideo(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	handler := mcpProcessVideo(deps)

	result, err := handler(context.Background(), makeCallToolRequest("process_video", map[string]interface{}{
		"path":     "/lectures/week3.mp4",
		"video_id": "stat101-w3",
		"course":   "statistics",
		"section":  "week3",
		"strategy": "chunks",
	}))
	if err != nil || result.IsError {
		t.Fatalf("process_video failed: %v %s", err, toolText(t, result))
	}

	job, err := env.store.ClaimNextJob([]string{ingest.JobProcessVideo})
	if err != nil || job == nil {
		t.Fatalf("no job queued: %v", err)
	}
	var payload ingest.ProcessPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Upload {
		t.Error("local path marked as an upload")
	}
	if payload.Strategy != pipeline.StrategyChunks || payload.Video.Name != "week3" || payload.Video.ID != "stat101-w3" {
		t.Errorf("payload = %+v", payload)
	}
	if !strings.Contains(toolText(t, result), job.ID) {
		t.Errorf("response %q does not name job %s", toolText(t, result), job.ID)
	}
}

func TestMCPTool_ProcessVideo_Invalid(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	handler := mcpProcessVideo(deps)

	video := map[string]interface{}{"path": "/a.mp4", "video_id": "v1", "course": "stats", "section": "w1"}
	without := func(key string) map[string]interface{} {
		args := make(map[string]interface{}, len(video))
		for k, v := range video {
			if k != key {
				args[k] = v
			}
		}
		return args
	}
	blankID := without("video_id")
	blankID["video_id"] = " "
	badStrategy := without("")
	badStrategy["strategy"] = "words"

	for _, tt := range []struct {
		args map[string]interface{}
		want string
	}{
		{map[string]interface{}{}, "path"},
		{badStrategy, "strategy"},
		{without("video_id"), "video_id is required"},
		{blankID, "video_id is required"},
		{without("course"), "course is required"},
		{without("section"), "section is required"},
	} {
		result, _ := handler(context.Background(), makeCallToolRequest("process_video", tt.args))
		if !result.IsError {
			t.Errorf("args %v: expected error", tt.args)
			continue
		}
		if got := toolText(t, result); !strings.Contains(got, tt.want) {
			t.Errorf("args %v: error %q, want it to mention %q", tt.args, got, tt.want)
		}
	}
	if job, _ := env.store.ClaimNextJob([]string{ingest.JobProcessVideo}); job != nil {
		t.Error("invalid call queued a job")
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	env.search.results = []retrieval.ScoredRecord{{Record: retrieval.Record{ID: "c1"}, Score: 0.9}}
	deps.Search = &lockedSearcher{inner: env.search}

	processHandler := mcpProcessVideo(deps)
	searchHandler := mcpSearchTranscripts(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("process_video", map[string]interface{}{
				"path": "/a.mp4", "video_id": "v1", "course": "stats", "section": "w1",
			})
			if _, err := processHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("search_transcripts", map[string]interface{}{"query": "test"})
			if _, err := searchHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	var queued int
	for {
		job, err := env.store.ClaimNextJob([]string{ingest.JobProcessVideo})
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			break
		}
		queued++
	}
	if queued != 5 {
		t.Errorf("queued %d jobs, want 5", queued)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

// lockedSearcher serializes calls to a mockSearcher.
type lockedSearcher struct {
	mu    sync.Mutex
	inner *mockSearcher
}

func (l *lockedSearcher) Query(ctx context.Context, collection, query string, topK int, filter retrieval.Filter) ([]retrieval.ScoredRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Query(ctx, collection, query, topK, filter)
}

var _ JobQueue = (*storage.Store)(nil)
