package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultHTTPBaseURL = "https://api.openai.com"

// HTTPEngine calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// (OpenAI, a local whisper server, or similar). The endpoint has no way to
// enable context carry-over, so ConditionOnPreviousText is ignored.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPEngine creates an HTTPEngine. An empty baseURL targets OpenAI.
func NewHTTPEngine(baseURL, apiKey, model string) *HTTPEngine {
	if baseURL == "" {
		baseURL = defaultHTTPBaseURL
	}
	if model == "" {
		model = "whisper-1"
	}
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Minute},
	}
}

// Compile-time check that HTTPEngine implements Engine.
var _ Engine = (*HTTPEngine)(nil)

func (h *HTTPEngine) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return Transcript{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"model":           h.model,
		"response_format": "verbose_json",
		"language":        req.Language,
		"prompt":          req.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return Transcript{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(req.Path))
	if err != nil {
		return Transcript{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Transcript{}, err
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return Transcript{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Transcript{}, fmt.Errorf("transcription http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var tr Transcript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Transcript{}, fmt.Errorf("decoding transcription response: %w", err)
	}
	for i := range tr.Segments {
		tr.Segments[i].Text = strings.TrimSpace(tr.Segments[i].Text)
	}
	return tr, nil
}
