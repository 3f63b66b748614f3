// Package baker implements the calibration fixed-point solver (§4.4): it
// computes per-pole correction factors that equalize separation power across
// lenses, using a curated reference corpus embedded into the vector index as
// ground truth.
package baker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"lensvault/internal/config"
	"lensvault/internal/corpus"
	"lensvault/internal/embedding"
	"lensvault/internal/logging"
	"lensvault/internal/vectorindex"
)

// MetaKeyCalibration is the single metadata record key holding calibration
// state for an index (§3: "One record per index").
const MetaKeyCalibration = "__calibration__"

// PoleFactors holds the correction multipliers for a lens's two poles.
type PoleFactors struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
}

// Metadata is the JSON-serialized record persisted under MetaKeyCalibration.
type Metadata struct {
	Version             int                    `json:"version"`
	EmbeddingModelID    string                 `json:"embedding_model_id"`
	Dimensions          int                    `json:"d"`
	PerLensFactors      map[string]PoleFactors `json:"per_lens_factors"`
	SeparationPowers    map[string]float64     `json:"separation_powers"`
	IterationCount      int                    `json:"iteration_count"`
	Stalled             bool                   `json:"stalled"`
	LowConfidenceLenses []string               `json:"low_confidence_lenses,omitempty"`
}

// LensReport summarizes one lens's bake outcome, for the human-readable bake
// report a `bake` CLI invocation prints (SPEC_FULL §3).
type LensReport struct {
	Lens           string
	PositiveCount  int
	NegativeCount  int
	LowConfidence  bool
	Separation     float64
	Factors        PoleFactors
}

// Report is the full outcome of a Bake call.
type Report struct {
	Lenses           []LensReport
	SkippedLenses    []corpus.Warning
	IterationCount   int
	Stalled          bool
	TargetSeparation float64
}

// Calibrator computes calibration against an index using an embedder.
type Calibrator struct {
	index    *vectorindex.Index
	embedder embedding.EmbeddingEngine
	cfg      config.BakerConfig
}

// New constructs a Calibrator bound to an index and embedder, parameterized
// by the thresholds in §4.4 (no process-wide singletons, per §9).
func New(index *vectorindex.Index, embedder embedding.EmbeddingEngine, cfg config.BakerConfig) *Calibrator {
	return &Calibrator{index: index, embedder: embedder, cfg: cfg}
}

// Bake embeds every viable (lens, pole, examples) group from a parsed corpus,
// writes the records to the index, runs the fixed-point calibration
// algorithm, and persists the result into index metadata (§4.1-§4.4 bake
// data flow).
func (c *Calibrator) Bake(ctx context.Context, parsed *corpus.Result) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryBaker, "Bake")
	defer timer.Stop()

	viable := parsed.Viable()

	for _, g := range viable {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vecs, err := c.embedder.EmbedBatch(ctx, g.Examples)
		if err != nil {
			return nil, fmt.Errorf("baker: embedding failed for lens %s/%s: %w", g.Lens, g.Pole, err)
		}
		records := make([]vectorindex.Record, len(g.Examples))
		for i, text := range g.Examples {
			records[i] = vectorindex.Record{
				ID:        vectorindex.RecordID(text),
				Lens:      g.Lens,
				Pole:      string(g.Pole),
				Text:      text,
				Embedding: vecs[i],
			}
		}
		if err := c.index.Write(records); err != nil {
			return nil, fmt.Errorf("baker: failed to write records for lens %s: %w", g.Lens, err)
		}
	}

	lenses := distinctLenses(viable)
	sort.Strings(lenses)

	examples := map[string]map[corpus.Pole][]vectorindex.Record{}
	for _, lens := range lenses {
		examples[lens] = map[corpus.Pole][]vectorindex.Record{}
		for _, pole := range []corpus.Pole{corpus.PolePositive, corpus.PoleNegative} {
			recs, err := c.index.Records(lens, string(pole))
			if err != nil {
				return nil, fmt.Errorf("baker: failed to load records for %s/%s: %w", lens, pole, err)
			}
			examples[lens][pole] = recs
		}
	}

	factors := map[string]*PoleFactors{}
	for _, lens := range lenses {
		factors[lens] = &PoleFactors{Positive: 1.0, Negative: 1.0}
	}

	separations := map[string]float64{}
	iteration := 0
	converged := len(lenses) == 0
	target := 0.0

	for ; iteration < c.cfg.MaxIterations && !converged; iteration++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, lens := range lenses {
			separations[lens] = separationPower(lens, examples[lens], factors[lens], c.cfg.NegativeSample)
		}
		target = mean(valuesOf(separations, lenses))

		maxDelta := 0.0
		for _, lens := range lenses {
			if d := math.Abs(separations[lens] - target); d > maxDelta {
				maxDelta = d
			}
		}
		if maxDelta < c.cfg.Epsilon {
			converged = true
			break
		}

		for _, lens := range lenses {
			s := separations[lens]
			if s == 0 {
				continue
			}
			scale := target / s
			if scale < c.cfg.MinStepFactor {
				scale = c.cfg.MinStepFactor
			}
			if scale > c.cfg.MaxStepFactor {
				scale = c.cfg.MaxStepFactor
			}
			factors[lens].Positive *= scale
		}
	}

	stalled := !converged
	if stalled {
		logging.BakerWarn("calibration stalled after %d iterations, target=%.4f", iteration, target)
	}

	report := &Report{
		IterationCount:   iteration,
		Stalled:          stalled,
		TargetSeparation: target,
		SkippedLenses:    parsed.Warnings,
	}
	meta := &Metadata{
		Version:          1,
		EmbeddingModelID: c.embedder.ModelID(),
		Dimensions:       c.embedder.Dimensions(),
		PerLensFactors:   map[string]PoleFactors{},
		SeparationPowers: separations,
		IterationCount:   iteration,
		Stalled:          stalled,
	}

	for _, lens := range lenses {
		posCount := len(examples[lens][corpus.PolePositive])
		negCount := len(examples[lens][corpus.PoleNegative])
		lowConf := posCount < c.cfg.UnderpopulatedN || negCount < c.cfg.UnderpopulatedN
		if lowConf {
			meta.LowConfidenceLenses = append(meta.LowConfidenceLenses, lens)
			logging.BakerWarn("lens %s underpopulated (pos=%d, neg=%d); marked low_confidence", lens, posCount, negCount)
		}
		meta.PerLensFactors[lens] = *factors[lens]
		report.Lenses = append(report.Lenses, LensReport{
			Lens:          lens,
			PositiveCount: posCount,
			NegativeCount: negCount,
			LowConfidence: lowConf,
			Separation:    separations[lens],
			Factors:       *factors[lens],
		})
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("baker: failed to marshal calibration metadata: %w", err)
	}
	if err := c.index.PutMeta(MetaKeyCalibration, string(data)); err != nil {
		return nil, fmt.Errorf("baker: failed to persist calibration metadata: %w", err)
	}

	logging.Baker("Bake: %d lenses baked, %d iterations, stalled=%v", len(lenses), iteration, stalled)
	return report, nil
}

// LoadMetadata reads and decodes the calibration record from an index.
// Returns (nil, false, nil) if the index has never been baked.
func LoadMetadata(index *vectorindex.Index) (*Metadata, bool, error) {
	raw, ok, err := index.GetMeta(MetaKeyCalibration)
	if err != nil || !ok {
		return nil, ok, err
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, false, fmt.Errorf("baker: corrupt calibration metadata: %w", err)
	}
	return &meta, true, nil
}

func distinctLenses(groups []corpus.Group) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		if !seen[g.Lens] {
			seen[g.Lens] = true
			out = append(out, g.Lens)
		}
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func valuesOf(m map[string]float64, keys []string) []float64 {
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// separationPower computes a lens's mean leave-one-out separation score
// across both poles, with the current correction factors applied (§4.4
// "Separation power" and algorithm step 2). Cross-pole comparisons sample up
// to negativeSample vectors, seeded deterministically from the lens name so
// repeated bakes of the same corpus produce identical results (§4.4
// "Determinism").
func separationPower(lens string, byPole map[corpus.Pole][]vectorindex.Record, factors *PoleFactors, negativeSample int) float64 {
	pos := byPole[corpus.PolePositive]
	neg := byPole[corpus.PoleNegative]
	if len(pos) == 0 || len(neg) == 0 {
		return 0
	}

	seed := lensSeed(lens)
	sampledNeg := sampleUpTo(neg, negativeSample, seed)
	sampledPos := sampleUpTo(pos, negativeSample, seed+1)

	var scores []float64
	for i, p := range pos {
		ownMax := maxCosineExcluding(p.Embedding, pos, i)
		otherMax := maxCosineOf(p.Embedding, sampledNeg)
		scores = append(scores, factors.Positive*ownMax-factors.Negative*otherMax)
	}
	for i, n := range neg {
		ownMax := maxCosineExcluding(n.Embedding, neg, i)
		otherMax := maxCosineOf(n.Embedding, sampledPos)
		scores = append(scores, factors.Negative*ownMax-factors.Positive*otherMax)
	}
	return mean(scores)
}

func lensSeed(lens string) int64 {
	h := sha256.Sum256([]byte(lens))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// sampleUpTo returns records unchanged if within limit, otherwise a fixed
// pseudo-random subset of size limit, seeded by seed (§4.4 "Determinism").
func sampleUpTo(records []vectorindex.Record, limit int, seed int64) []vectorindex.Record {
	if limit <= 0 || len(records) <= limit {
		return records
	}
	rng := rand.New(rand.NewSource(seed))
	idx := rng.Perm(len(records))[:limit]
	sort.Ints(idx)
	out := make([]vectorindex.Record, limit)
	for i, ix := range idx {
		out[i] = records[ix]
	}
	return out
}

func maxCosineExcluding(self []float32, pool []vectorindex.Record, excludeIdx int) float64 {
	best := 0.0
	found := false
	for i, r := range pool {
		if i == excludeIdx {
			continue
		}
		sim, err := embedding.CosineSimilarity(self, r.Embedding)
		if err != nil {
			continue
		}
		if !found || sim > best {
			best = sim
			found = true
		}
	}
	return best
}

func maxCosineOf(self []float32, pool []vectorindex.Record) float64 {
	best := 0.0
	found := false
	for _, r := range pool {
		sim, err := embedding.CosineSimilarity(self, r.Embedding)
		if err != nil {
			continue
		}
		if !found || sim > best {
			best = sim
			found = true
		}
	}
	return best
}
