package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Media   MediaConfig
	OCR     OCRConfig
	Segment SegmentConfig
	ASR     ASRConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type StorageConfig struct {
	DataDir     string
	Backend     string // "sqlite" or "postgres"
	PostgresURL string
	Collection  string
	UploadsDir  string
	WorkDir     string
}

// Uploads returns the uploads directory, defaulting to DataDir/uploads.
func (s StorageConfig) Uploads() string {
	if s.UploadsDir != "" {
		return s.UploadsDir
	}
	return filepath.Join(s.DataDir, "uploads")
}

type MediaConfig struct {
	FFmpegPath      string
	FFprobePath     string
	FrameTimeoutSec int
	RangeTimeoutSec int
}

// FrameTimeout is the per-call limit for duration and frame extraction.
func (m MediaConfig) FrameTimeout() time.Duration {
	return time.Duration(m.FrameTimeoutSec) * time.Second
}

// RangeTimeout is the per-call limit for range and audio extraction.
func (m MediaConfig) RangeTimeout() time.Duration {
	return time.Duration(m.RangeTimeoutSec) * time.Second
}

type OCRConfig struct {
	TesseractPath string
	Language      string
	Threshold     int
	MeCabPath     string
}

type SegmentConfig struct {
	Interval  float64
	Threshold float64
	Workers   int
}

type ASRConfig struct {
	Backend     string // "whisper" or "http"
	Python      string
	Model       string
	Device      string
	BaseURL     string
	HTTPModel   string
	APIKey      string
	Language    string
	ChunkSize   int
	PromptLimit int
	Workers     int
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "bge-m3",
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			Backend:    "sqlite",
			Collection: "video-transcripts",
		},
		Media: MediaConfig{
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
			FrameTimeoutSec: 5,
			RangeTimeoutSec: 60,
		},
		OCR: OCRConfig{
			TesseractPath: "tesseract",
			Language:      "jpn",
			Threshold:     128,
			MeCabPath:     "mecab",
		},
		Segment: SegmentConfig{
			Interval:  5,
			Threshold: 0.85,
			Workers:   1,
		},
		ASR: ASRConfig{
			Backend:     "whisper",
			Python:      "python3",
			Model:       "large-v3",
			Device:      "auto",
			BaseURL:     "https://api.openai.com",
			HTTPModel:   "whisper-1",
			Language:    "ja",
			ChunkSize:   200,
			PromptLimit: 200,
			Workers:     1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.lecseg.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/lecseg/config.yaml
// and secrets fall back to $XDG_DATA_HOME/lecseg/secrets.yaml.
//
// Environment variables (LECSEG_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

// keychainService is the service name secrets are stored under.
const keychainService = "lecseg"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not set in the environment come from the platform keychain.
	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.backend is postgres but no connection string is set. " +
				"Set it via environment variable LECSEG_STORAGE_POSTGRES_URL" + secretHint("storage_postgres_url"))
		}
	default:
		return fmt.Errorf("invalid storage.backend %q (want sqlite or postgres)", c.Storage.Backend)
	}
	switch c.ASR.Backend {
	case "whisper", "http":
	default:
		return fmt.Errorf("invalid asr.backend %q (want whisper or http)", c.ASR.Backend)
	}
	if c.Segment.Interval <= 0 {
		return fmt.Errorf("segment.interval must be positive, got %v", c.Segment.Interval)
	}
	if c.Segment.Threshold <= 0 || c.Segment.Threshold > 1 {
		return fmt.Errorf("segment.threshold must be in (0, 1], got %v", c.Segment.Threshold)
	}
	if c.OCR.Threshold < 0 || c.OCR.Threshold > 255 {
		return fmt.Errorf("ocr.threshold must be in [0, 255], got %d", c.OCR.Threshold)
	}
	return nil
}

// Keychain reads and writes secrets in the platform secret store.
type Keychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain { return Keychain{} }

func (Keychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (Keychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
