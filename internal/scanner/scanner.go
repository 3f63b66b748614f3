// Package scanner implements the document scanner (§4.5): for each
// scannable line of an input document it produces a per-lens (pos, neg)
// score tuple, then aggregates the per-line readings into a document-level
// report with convergence and tension detection.
package scanner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"lensvault/internal/baker"
	"lensvault/internal/config"
	"lensvault/internal/embedding"
	"lensvault/internal/logging"
	"lensvault/internal/vectorindex"
)

// ModelMismatch is returned when the embedder's model id does not match the
// index's persisted calibration metadata, or when the index has never been
// baked at all (§7: CalibrationModelMismatch).
type ModelMismatch struct {
	Expected string
	Actual   string
}

func (e *ModelMismatch) Error() string {
	return fmt.Sprintf("calibration model mismatch: index expects %q, embedder reports %q", e.Expected, e.Actual)
}

// Cancelled is returned when a scan is aborted via its context (§7: Cancelled).
type Cancelled struct{}

func (e *Cancelled) Error() string { return "scan cancelled" }

// Accelerator holds a per-lens multiplier override applied after calibration
// (§4.5 step 3; ordering decision recorded in spec.md §9: "calibration
// first... accelerators second").
type Accelerator struct {
	Positive float64
	Negative float64
}

// LensScore is a single lens's (positive, negative) score tuple for one line.
type LensScore struct {
	Positive float64
	Negative float64
}

// LineReading is the per-line output of a scan (§3: "Line reading").
type LineReading struct {
	Index   int // 1-based source line number
	Text    string
	PerLens map[string]LensScore
}

// LensAggregate holds a lens's document-level means, rescaled into [0, 10].
type LensAggregate struct {
	PositiveMean float64
	NegativeMean float64
}

// DocumentReading is the complete output of a scan (§3: "Document reading").
type DocumentReading struct {
	PerLens      map[string]LensAggregate
	Lines        []LineReading
	Convergences []int
	Tensions     []int
	LinesScanned int
	SkippedLines []int
}

// Scanner scans documents against a baked index using an embedder.
type Scanner struct {
	index        *vectorindex.Index
	embedder     embedding.EmbeddingEngine
	cfg          config.ScannerConfig
	accelerators map[string]Accelerator
}

// New constructs a Scanner. accelerators may be nil.
func New(index *vectorindex.Index, embedder embedding.EmbeddingEngine, cfg config.ScannerConfig, accelerators map[string]Accelerator) *Scanner {
	if accelerators == nil {
		accelerators = map[string]Accelerator{}
	}
	return &Scanner{index: index, embedder: embedder, cfg: cfg, accelerators: accelerators}
}

// Scan implements the §4.5 procedure end to end. Given identical index
// state, input bytes, and a deterministic embedder, two calls to Scan
// produce bit-identical readings (§4.5 "Determinism").
func (s *Scanner) Scan(ctx context.Context, doc string) (*DocumentReading, error) {
	timer := logging.StartTimer(logging.CategoryScanner, "Scan")
	defer timer.Stop()

	meta, ok, err := baker.LoadMetadata(s.index)
	if err != nil {
		return nil, fmt.Errorf("scanner: failed to load calibration metadata: %w", err)
	}
	if !ok {
		return nil, &ModelMismatch{Expected: "(none — index never baked)", Actual: s.embedder.ModelID()}
	}
	if meta.EmbeddingModelID != s.embedder.ModelID() {
		return nil, &ModelMismatch{Expected: meta.EmbeddingModelID, Actual: s.embedder.ModelID()}
	}

	lenses, err := s.index.ListLenses()
	if err != nil {
		return nil, fmt.Errorf("scanner: failed to list lenses: %w", err)
	}
	sort.Strings(lenses)

	rawLines := splitLines(doc)
	scannableIdx, scannableText, skipped := filterScannable(rawLines)

	logging.ScannerDebug("Scan: %d total lines, %d scannable, %d skipped", len(rawLines), len(scannableIdx), len(skipped))

	if len(scannableIdx) == 0 {
		return emptyReading(lenses, skipped), nil
	}

	vecs, err := s.embedder.EmbedBatch(ctx, scannableText)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Cancelled{}
		}
		return nil, fmt.Errorf("scanner: embedding failed: %w", err)
	}

	readings := make([]LineReading, len(scannableIdx))
	for i := range scannableIdx {
		select {
		case <-ctx.Done():
			return nil, &Cancelled{}
		default:
		}

		perLens, err := s.scoreLine(ctx, vecs[i], lenses, meta)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &Cancelled{}
			}
			return nil, fmt.Errorf("scanner: failed to score line %d: %w", scannableIdx[i], err)
		}
		readings[i] = LineReading{Index: scannableIdx[i], Text: scannableText[i], PerLens: perLens}
	}

	return aggregate(readings, lenses, skipped, s.cfg), nil
}

// scoreLine fans out one goroutine per active lens, each doing its own
// positive/negative top-k lookup, mirroring the teacher's parallel
// per-store search-then-merge shape (perception.SemanticClassifier).
func (s *Scanner) scoreLine(ctx context.Context, vec []float32, lenses []string, meta *baker.Metadata) (map[string]LensScore, error) {
	perLens := make(map[string]LensScore, len(lenses))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, lens := range lenses {
		lens := lens
		g.Go(func() error {
			pos, err := s.scoreLensPole(gctx, vec, lens, "positive", meta)
			if err != nil {
				return err
			}
			neg, err := s.scoreLensPole(gctx, vec, lens, "negative", meta)
			if err != nil {
				return err
			}
			mu.Lock()
			perLens[lens] = LensScore{Positive: pos, Negative: neg}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return perLens, nil
}

// scoreLensPole computes the calibration- and accelerator-adjusted score for
// one (lens, pole) pair against a single line embedding (§4.5 step 3). A
// top_k miss contributes 0 (§4.5 edge case).
func (s *Scanner) scoreLensPole(ctx context.Context, vec []float32, lens, pole string, meta *baker.Metadata) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	matches, err := s.index.TopK(vec, s.cfg.TopK, lens, pole)
	if err != nil {
		return 0, err
	}
	maxCos := 0.0
	if len(matches) > 0 {
		maxCos = matches[0].Cosine
	}

	factors := meta.PerLensFactors[lens]
	var corr float64
	if pole == "positive" {
		corr = factors.Positive
	} else {
		corr = factors.Negative
	}
	if corr == 0 {
		corr = 1.0
	}
	score := corr * maxCos

	if acc, ok := s.accelerators[lens]; ok {
		if pole == "positive" {
			score *= acc.Positive
		} else {
			score *= acc.Negative
		}
	}
	return score, nil
}

// aggregate computes line-level nets, document-level means, and
// convergence/tension detection (§4.5 steps 4-6).
func aggregate(lines []LineReading, lenses []string, skipped []int, cfg config.ScannerConfig) *DocumentReading {
	sums := map[string][2]float64{}
	for _, lr := range lines {
		for lens, sc := range lr.PerLens {
			acc := sums[lens]
			acc[0] += sc.Positive
			acc[1] += sc.Negative
			sums[lens] = acc
		}
	}

	n := float64(len(lines))
	perLens := make(map[string]LensAggregate, len(lenses))
	for _, lens := range lenses {
		acc := sums[lens]
		posMean, negMean := 0.0, 0.0
		if n > 0 {
			posMean = acc[0] / n
			negMean = acc[1] / n
		}
		perLens[lens] = LensAggregate{PositiveMean: clamp10(posMean), NegativeMean: clamp10(negMean)}
	}

	var convergences, tensions []int
	for _, lr := range lines {
		convergingCount := 0
		var posDominant, negDominant []string
		for lens, sc := range lr.PerLens {
			net := sc.Positive - sc.Negative
			lineNet := 0.0
			if net > cfg.ScoreFloor {
				lineNet = net
			}
			if lineNet > cfg.ConvergenceThresh {
				convergingCount++
			}
			if net > cfg.TensionThresh {
				posDominant = append(posDominant, lens)
			}
			if (sc.Negative - sc.Positive) > cfg.TensionThresh {
				negDominant = append(negDominant, lens)
			}
		}
		if convergingCount >= 2 {
			convergences = append(convergences, lr.Index)
		}
		if len(posDominant) == 1 {
			for _, l := range negDominant {
				if l != posDominant[0] {
					tensions = append(tensions, lr.Index)
					break
				}
			}
		}
	}

	return &DocumentReading{
		PerLens:      perLens,
		Lines:        lines,
		Convergences: convergences,
		Tensions:     tensions,
		LinesScanned: len(lines),
		SkippedLines: skipped,
	}
}

// emptyReading is returned for empty documents and documents with no
// scannable lines (§4.5 edge cases): all aggregates zero, lines_scanned=0.
func emptyReading(lenses []string, skipped []int) *DocumentReading {
	perLens := make(map[string]LensAggregate, len(lenses))
	for _, lens := range lenses {
		perLens[lens] = LensAggregate{}
	}
	return &DocumentReading{PerLens: perLens, LinesScanned: 0, SkippedLines: skipped}
}

func clamp10(s float64) float64 {
	v := 10 * s
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func splitLines(doc string) []string {
	if doc == "" {
		return nil
	}
	return strings.Split(doc, "\n")
}

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s`)
	bulletRe  = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s`)
	tableRe   = regexp.MustCompile(`^\|`)
	htmlRe    = regexp.MustCompile(`^<[^>]+>\s*$`)
)

// filterScannable applies the §3 scannable-line filter, tracking fenced
// code block state across lines (a fence's interior lines are never
// scannable even though they don't themselves start with a heading/bullet
// marker). Returns parallel slices of 1-based line numbers and text for
// scannable lines, plus the 1-based numbers of skipped lines.
func filterScannable(lines []string) (idx []int, text []string, skipped []int) {
	inFence := false
	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			skipped = append(skipped, lineNo)
			continue
		}
		if inFence {
			skipped = append(skipped, lineNo)
			continue
		}

		if isScannable(trimmed) {
			idx = append(idx, lineNo)
			text = append(text, line)
		} else {
			skipped = append(skipped, lineNo)
		}
	}
	return idx, text, skipped
}

// isScannable implements the §3 per-line predicate, given a single already
// fence-state-resolved, trimmed line.
func isScannable(trimmed string) bool {
	n := utf8.RuneCountInString(trimmed)
	if n < 30 || n > 800 {
		return false
	}
	if headingRe.MatchString(trimmed) {
		return false
	}
	if bulletRe.MatchString(trimmed) {
		return false
	}
	if tableRe.MatchString(trimmed) {
		return false
	}
	if strings.HasPrefix(trimmed, ">") {
		return false
	}
	if htmlRe.MatchString(trimmed) {
		return false
	}

	alpha, total := 0, 0
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if total == 0 {
		return false
	}
	return float64(alpha)/float64(total) >= 0.4
}
