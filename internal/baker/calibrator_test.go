package baker

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"lensvault/internal/config"
	"lensvault/internal/corpus"
	"lensvault/internal/embedding"
	"lensvault/internal/vectorindex"
)

func openTestIndex(t *testing.T) *vectorindex.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := vectorindex.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func testEngine(t *testing.T) embedding.EmbeddingEngine {
	t.Helper()
	eng, err := embedding.NewEngine(config.EmbeddingConfig{Provider: "deterministic", Dimensions: 32})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return eng
}

func sampleCorpus() *corpus.Result {
	return &corpus.Result{
		Groups: []corpus.Group{
			{Lens: "red", Pole: corpus.PolePositive, Examples: []string{"I am proud of this ship", "Confidence runs high today", "We nailed the release"}},
			{Lens: "red", Pole: corpus.PoleNegative, Examples: []string{"This feels like a disaster", "I regret this decision", "Nothing about this works"}},
			{Lens: "blue", Pole: corpus.PolePositive, Examples: []string{"The invoice totals five line items", "Quarterly revenue rose three percent", "The server responded in 40ms"}},
			{Lens: "blue", Pole: corpus.PoleNegative, Examples: []string{"The cache missed on every request", "Latency spiked past the threshold", "The build failed on step two"}},
		},
	}
}

func TestBakePersistsCalibrationMetadata(t *testing.T) {
	idx := openTestIndex(t)
	engine := testEngine(t)
	cfg := config.DefaultConfig().Baker

	cal := New(idx, engine, cfg)
	report, err := cal.Bake(context.Background(), sampleCorpus())
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}
	if len(report.Lenses) != 2 {
		t.Fatalf("expected 2 baked lenses, got %d", len(report.Lenses))
	}

	meta, ok, err := LoadMetadata(idx)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}
	if !ok {
		t.Fatal("expected calibration metadata to be persisted")
	}
	if meta.EmbeddingModelID != engine.ModelID() {
		t.Fatalf("expected model id %s, got %s", engine.ModelID(), meta.EmbeddingModelID)
	}
	if len(meta.PerLensFactors) != 2 {
		t.Fatalf("expected factors for 2 lenses, got %d", len(meta.PerLensFactors))
	}
}

func TestBakeMarksLowConfidenceLens(t *testing.T) {
	idx := openTestIndex(t)
	engine := testEngine(t)
	cfg := config.DefaultConfig().Baker
	cfg.UnderpopulatedN = 5

	parsed := &corpus.Result{
		Groups: []corpus.Group{
			{Lens: "sparse", Pole: corpus.PolePositive, Examples: []string{"one lonely positive"}},
			{Lens: "sparse", Pole: corpus.PoleNegative, Examples: []string{"one lonely negative"}},
		},
	}

	cal := New(idx, engine, cfg)
	report, err := cal.Bake(context.Background(), parsed)
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}
	if len(report.Lenses) != 1 || !report.Lenses[0].LowConfidence {
		t.Fatalf("expected the single-example lens to be marked low_confidence, got %+v", report.Lenses)
	}
}

func TestBakeConvergesOrReportsStall(t *testing.T) {
	idx := openTestIndex(t)
	engine := testEngine(t)
	cfg := config.DefaultConfig().Baker

	cal := New(idx, engine, cfg)
	report, err := cal.Bake(context.Background(), sampleCorpus())
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}

	if !report.Stalled {
		maxDelta := 0.0
		for _, l := range report.Lenses {
			if d := math.Abs(l.Separation - report.TargetSeparation); d > maxDelta {
				maxDelta = d
			}
		}
		if maxDelta >= cfg.Epsilon {
			t.Fatalf("claimed converged but max delta %.4f >= epsilon %.4f", maxDelta, cfg.Epsilon)
		}
	}
	if report.IterationCount > cfg.MaxIterations {
		t.Fatalf("iteration count %d exceeds cap %d", report.IterationCount, cfg.MaxIterations)
	}
}

func TestBakeIsDeterministicAcrossRuns(t *testing.T) {
	engine := testEngine(t)
	cfg := config.DefaultConfig().Baker

	idxA := openTestIndex(t)
	reportA, err := New(idxA, engine, cfg).Bake(context.Background(), sampleCorpus())
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}

	idxB := openTestIndex(t)
	reportB, err := New(idxB, engine, cfg).Bake(context.Background(), sampleCorpus())
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}

	if reportA.IterationCount != reportB.IterationCount {
		t.Fatalf("iteration counts diverge: %d vs %d", reportA.IterationCount, reportB.IterationCount)
	}
	for i := range reportA.Lenses {
		a, b := reportA.Lenses[i], reportB.Lenses[i]
		if math.Abs(a.Separation-b.Separation) > 1e-9 {
			t.Fatalf("lens %s separation diverges: %.9f vs %.9f", a.Lens, a.Separation, b.Separation)
		}
	}
}

func TestBakeNoViableLensesProducesEmptyReport(t *testing.T) {
	idx := openTestIndex(t)
	engine := testEngine(t)
	cfg := config.DefaultConfig().Baker

	parsed := &corpus.Result{
		Groups:   []corpus.Group{{Lens: "orphan", Pole: corpus.PolePositive, Examples: []string{"only positives here"}}},
		Warnings: []corpus.Warning{{Lens: "orphan", Msg: "no negative examples; lens excluded from bake"}},
	}

	report, err := New(idx, engine, cfg).Bake(context.Background(), parsed)
	if err != nil {
		t.Fatalf("Bake failed: %v", err)
	}
	if len(report.Lenses) != 0 {
		t.Fatalf("expected 0 baked lenses, got %d", len(report.Lenses))
	}
	if len(report.SkippedLenses) != 1 {
		t.Fatalf("expected 1 skipped lens, got %d", len(report.SkippedLenses))
	}
}
