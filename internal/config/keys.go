package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the keychain account name of a secret key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LECSEG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LECSEG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LECSEG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LECSEG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "LECSEG_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "LECSEG_STORAGE_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "storage.collection", typ: kString, env: "LECSEG_STORAGE_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Storage.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Collection },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "LECSEG_STORAGE_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "storage.work_dir", typ: kString, env: "LECSEG_STORAGE_WORK_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.WorkDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.WorkDir },
	},
	{
		key: "media.ffmpeg_path", typ: kString, env: "LECSEG_MEDIA_FFMPEG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Media.FFmpegPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.FFmpegPath },
	},
	{
		key: "media.ffprobe_path", typ: kString, env: "LECSEG_MEDIA_FFPROBE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Media.FFprobePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Media.FFprobePath },
	},
	{
		key: "media.frame_timeout_sec", typ: kInt, env: "LECSEG_MEDIA_FRAME_TIMEOUT_SEC",
		apply:   func(cfg *Config, v any) { cfg.Media.FrameTimeoutSec = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.FrameTimeoutSec },
	},
	{
		key: "media.range_timeout_sec", typ: kInt, env: "LECSEG_MEDIA_RANGE_TIMEOUT_SEC",
		apply:   func(cfg *Config, v any) { cfg.Media.RangeTimeoutSec = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.RangeTimeoutSec },
	},
	{
		key: "ocr.tesseract_path", typ: kString, env: "LECSEG_OCR_TESSERACT_PATH",
		apply:   func(cfg *Config, v any) { cfg.OCR.TesseractPath = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.TesseractPath },
	},
	{
		key: "ocr.language", typ: kString, env: "LECSEG_OCR_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.OCR.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.Language },
	},
	{
		key: "ocr.threshold", typ: kInt, env: "LECSEG_OCR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.OCR.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.OCR.Threshold },
	},
	{
		key: "ocr.mecab_path", typ: kString, env: "LECSEG_OCR_MECAB_PATH",
		apply:   func(cfg *Config, v any) { cfg.OCR.MeCabPath = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.MeCabPath },
	},
	{
		key: "segment.interval", typ: kFloat, env: "LECSEG_SEGMENT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Segment.Interval = v.(float64) },
		extract: func(cfg Config) any { return cfg.Segment.Interval },
	},
	{
		key: "segment.threshold", typ: kFloat, env: "LECSEG_SEGMENT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Segment.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Segment.Threshold },
	},
	{
		key: "segment.workers", typ: kInt, env: "LECSEG_SEGMENT_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Segment.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Segment.Workers },
	},
	{
		key: "asr.backend", typ: kString, env: "LECSEG_ASR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.ASR.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.Backend },
	},
	{
		key: "asr.python", typ: kString, env: "LECSEG_ASR_PYTHON",
		apply:   func(cfg *Config, v any) { cfg.ASR.Python = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.Python },
	},
	{
		key: "asr.model", typ: kString, env: "LECSEG_ASR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.ASR.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.Model },
	},
	{
		key: "asr.device", typ: kString, env: "LECSEG_ASR_DEVICE",
		apply:   func(cfg *Config, v any) { cfg.ASR.Device = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.Device },
	},
	{
		key: "asr.base_url", typ: kString, env: "LECSEG_ASR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.ASR.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.BaseURL },
	},
	{
		key: "asr.http_model", typ: kString, env: "LECSEG_ASR_HTTP_MODEL",
		apply:   func(cfg *Config, v any) { cfg.ASR.HTTPModel = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.HTTPModel },
	},
	{
		key: "asr.api_key", typ: kString, env: "LECSEG_ASR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.ASR.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.APIKey },
	},
	{
		key: "asr.language", typ: kString, env: "LECSEG_ASR_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.ASR.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.ASR.Language },
	},
	{
		key: "asr.chunk_size", typ: kInt, env: "LECSEG_ASR_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.ASR.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.ASR.ChunkSize },
	},
	{
		key: "asr.prompt_limit", typ: kInt, env: "LECSEG_ASR_PROMPT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.ASR.PromptLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.ASR.PromptLimit },
	},
	{
		key: "asr.workers", typ: kInt, env: "LECSEG_ASR_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.ASR.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.ASR.Workers },
	},
	{
		key: "log.level", typ: kString, env: "LECSEG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
