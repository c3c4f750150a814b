//go:build integration

package segment

import (
	"context"
	"os"
	"testing"

	"github.com/kalambet/lecseg/internal/engine"
	"github.com/kalambet/lecseg/internal/retrieval"
)

func setupIntegrationEmbedder(t *testing.T) *retrieval.Embedder {
	t.Helper()

	model := os.Getenv("LECSEG_TEST_EMBED_MODEL")
	if model == "" {
		model = "bge-m3"
	}
	eng := engine.NewOllamaEngine(engine.DefaultOllamaURL)
	if !eng.IsRunning(context.Background()) {
		t.Skip("Ollama is not running, skipping integration test")
	}
	if !eng.HasModel(context.Background(), model) {
		t.Skipf("%s model not available", model)
	}
	return retrieval.NewEmbedder(eng, model)
}

func TestDetect_TopicChangeWithRealEmbeddings(t *testing.T) {
	embedder := setupIntegrationEmbedder(t)

	stats := "確率 分布 正規分布 標準偏差"
	cooking := "カレー 玉ねぎ 鍋 煮込み"
	frames := framesFromText(map[float64]string{
		0:  stats,
		5:  stats,
		10: cooking,
		15: cooking,
	})

	d := NewDetector(frames, frameKeywords{}, embedder, Options{})
	det, err := d.Detect(context.Background(), "lecture.mp4", 20)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	want := Boundaries{0, 10, 20}
	if len(det.Boundaries) != len(want) {
		t.Fatalf("boundaries = %v, want %v (similarities %v)", det.Boundaries, want, det.Similarities)
	}
	for i := range want {
		if det.Boundaries[i] != want[i] {
			t.Errorf("boundaries = %v, want %v (similarities %v)", det.Boundaries, want, det.Similarities)
			break
		}
	}
	if det.Similarities[0] < 0.99 || det.Similarities[2] < 0.99 {
		t.Errorf("identical keyword sets scored %v", det.Similarities)
	}
}
