package api

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lecseg/internal/ingest"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs       JobQueue
	Records    retrieval.VectorStore
	Search     Searcher
	Collection string
}

// NewMCPServer creates an MCP server with all lecseg tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Collection == "" {
		deps.Collection = retrieval.DefaultCollection
	}

	s := server.NewMCPServer(
		"lecseg",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("lecseg: slide-aligned lecture transcripts. Search them, list a video's transcript, or queue a video for processing."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_transcripts",
			mcp.WithDescription("Semantically search lecture transcripts and return the most similar slides or chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("video_id", mcp.Description("Restrict results to one video")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchTranscripts(deps),
	)

	s.AddTool(
		mcp.NewTool("list_transcripts",
			mcp.WithDescription("Return every transcript record of a video in time order."),
			mcp.WithString("video_id", mcp.Description("Video id"), mcp.Required()),
		),
		mcpListTranscripts(deps),
	)

	s.AddTool(
		mcp.NewTool("process_video",
			mcp.WithDescription("Queue a local lecture video for slide segmentation and transcription."),
			mcp.WithString("path", mcp.Description("Path to the video file"), mcp.Required()),
			mcp.WithString("video_id", mcp.Description("Video id, the key of every stored record"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Display name (defaults to the file name without extension)")),
			mcp.WithString("course", mcp.Description("Course name"), mcp.Required()),
			mcp.WithString("section", mcp.Description("Section or week"), mcp.Required()),
			mcp.WithString("strategy", mcp.Description("slides (default) or chunks")),
		),
		mcpProcessVideo(deps),
	)

	return s
}

func mcpSearchTranscripts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultSearchTopK)
		if limit <= 0 {
			limit = defaultSearchTopK
		}
		if limit > maxSearchTopK {
			limit = maxSearchTopK
		}
		filter := retrieval.Filter{VideoID: req.GetString("video_id", "")}

		results, err := deps.Search.Query(ctx, deps.Collection, query, limit, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpListTranscripts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		videoID, err := req.RequireString("video_id")
		if err != nil || videoID == "" {
			return mcpError("video_id is required"), nil
		}

		records, err := deps.Records.Get(ctx, deps.Collection, retrieval.Filter{VideoID: videoID})
		if err != nil {
			return mcpError(fmt.Sprintf("listing transcripts failed: %v", err)), nil
		}

		if len(records) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(records)
	}
}

func mcpProcessVideo(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil || path == "" {
			return mcpError("path is required"), nil
		}
		strategy, err := pipeline.ParseStrategy(req.GetString("strategy", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		v := pipeline.Video{
			Name: req.GetString("name", ""),
			Path: path,
		}
		for _, f := range []struct {
			name string
			dst  *string
		}{
			{"video_id", &v.ID}, {"course", &v.Course}, {"section", &v.Section},
		} {
			val, err := req.RequireString(f.name)
			if err != nil || strings.TrimSpace(val) == "" {
				return mcpError(f.name + " is required"), nil
			}
			*f.dst = val
		}
		if v.Name == "" {
			v.Name = pipeline.DefaultName(path)
		}

		job, err := ingest.NewProcessJob(ingest.ProcessPayload{Video: v, Strategy: strategy})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to build job: %v", err)), nil
		}
		if err := deps.Jobs.EnqueueJob(job); err != nil {
			return mcpError(fmt.Sprintf("failed to queue video: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued job %s for video %s", job.ID, v.ID)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
