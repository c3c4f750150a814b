package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kalambet/lecseg/internal/config"
	"github.com/kalambet/lecseg/internal/engine"
	"github.com/kalambet/lecseg/internal/keywords"
	"github.com/kalambet/lecseg/internal/media"
	"github.com/kalambet/lecseg/internal/pipeline"
	"github.com/kalambet/lecseg/internal/retrieval"
	"github.com/kalambet/lecseg/internal/segment"
	"github.com/kalambet/lecseg/internal/storage"
	"github.com/kalambet/lecseg/internal/transcribe"
)

// components holds the engine handles built once from config.
type components struct {
	store    *storage.Store
	vectors  retrieval.VectorStore
	embedder *retrieval.Embedder
	pipeline *pipeline.Pipeline
	closers  []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildComponents wires the pipeline from cfg. When checkEngine is set the
// embedding engine must be reachable and the embed model is pulled if missing.
func buildComponents(ctx context.Context, cfg config.Config, checkEngine bool) (*components, error) {
	logger := slog.Default()
	c := &components{}

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if checkEngine {
		if err := engine.EnsureReady(ctx, eng, os.Stderr, cfg.Ollama.EmbedModel); err != nil {
			return nil, err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	})

	c.vectors, err = openVectorStore(ctx, cfg, store)
	if err != nil {
		c.Close()
		return nil, err
	}
	if pg, ok := c.vectors.(*retrieval.PGStore); ok {
		c.closers = append(c.closers, pg.Close)
	}

	extractor := media.NewExtractor(media.Options{
		FFmpegPath:   cfg.Media.FFmpegPath,
		FFprobePath:  cfg.Media.FFprobePath,
		FrameTimeout: cfg.Media.FrameTimeout(),
		RangeTimeout: cfg.Media.RangeTimeout(),
		Logger:       logger,
	})
	kw := keywords.NewExtractor(
		keywords.NewTesseract(cfg.OCR.TesseractPath, extractor.Runner()),
		keywords.NewMeCab(cfg.OCR.MeCabPath, extractor.Runner()),
		cfg.OCR.Language,
		cfg.OCR.Threshold,
	)
	c.embedder = retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)

	detector := segment.NewDetector(extractor, kw, c.embedder, segment.Options{
		Interval:  cfg.Segment.Interval,
		Threshold: cfg.Segment.Threshold,
		Workers:   cfg.Segment.Workers,
		Logger:    logger,
	})

	asr, err := newASREngine(cfg.ASR, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	if cl, ok := asr.(io.Closer); ok {
		c.closers = append(c.closers, func() {
			if err := cl.Close(); err != nil {
				logger.Warn("stopping asr engine", "error", err)
			}
		})
	}
	aligner := transcribe.NewAligner(asr, extractor, kw, transcribe.Options{
		Language:    cfg.ASR.Language,
		ChunkSize:   cfg.ASR.ChunkSize,
		PromptLimit: cfg.ASR.PromptLimit,
		Workers:     cfg.ASR.Workers,
		Logger:      logger,
	})

	c.pipeline = pipeline.New(extractor, detector, aligner, c.embedder, c.vectors, pipeline.Options{
		WorkDir:    cfg.Storage.WorkDir,
		UploadsDir: cfg.Storage.Uploads(),
		Collection: cfg.Storage.Collection,
		Logger:     logger,
	})
	return c, nil
}

func openVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (retrieval.VectorStore, error) {
	switch cfg.Storage.Backend {
	case "", "sqlite":
		return retrieval.NewSQLiteStore(store.DB()), nil
	case "postgres":
		pg, err := retrieval.NewPGStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("preparing postgres schema: %w", err)
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func newASREngine(cfg config.ASRConfig, logger *slog.Logger) (transcribe.Engine, error) {
	switch cfg.Backend {
	case "", "whisper":
		return transcribe.NewWhisperEngine(transcribe.WhisperConfig{
			Python: cfg.Python,
			Model:  cfg.Model,
			Device: cfg.Device,
			Logger: logger,
		}), nil
	case "http":
		if cfg.APIKey == "" {
			return nil, errors.New("asr.api_key is required for the http backend")
		}
		return transcribe.NewHTTPEngine(cfg.BaseURL, cfg.APIKey, cfg.HTTPModel), nil
	}
	return nil, fmt.Errorf("unknown asr backend %q", cfg.Backend)
}
