// Package embedding provides vector embedding generation for semantic search.
// Supports a deterministic local provider plus Ollama (local) and Google GenAI
// (cloud) backends. Every engine returned by NewEngine is wrapped so it
// satisfies the embed contract: pure, deterministic for a given model id, and
// L2-normalized output.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"lensvault/internal/config"
	"lensvault/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an L2-normalized embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates L2-normalized embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns a human-readable engine name.
	Name() string

	// ModelID returns the opaque identifier persisted alongside calibration
	// and index data, so a mismatched embedding model can be detected before
	// it silently corrupts a scan.
	ModelID() string
}

// ProviderError wraps any failure returned by an embedding provider's Embed
// or EmbedBatch call, so callers (the baker, the scanner, the CLI) can
// distinguish "the provider failed" from other error classes without
// string-matching error messages.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %q failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HealthChecker is an optional interface for embedding engines that support
// health checks. If an engine implements this interface, the system can
// verify availability before attempting batch operations.
type HealthChecker interface {
	// HealthCheck verifies the embedding service is reachable.
	// Returns nil if healthy, error otherwise.
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration. The returned
// engine always emits L2-normalized vectors, regardless of whether the
// underlying provider already normalizes its output.
func NewEngine(cfg config.EmbeddingConfig) (EmbeddingEngine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)
	logging.EmbeddingDebug("Engine config: provider=%s, ollama_endpoint=%s, ollama_model=%s, genai_model=%s, task_type=%s, dimensions=%d",
		cfg.Provider, cfg.OllamaEndpoint, cfg.OllamaModel, cfg.GenAIModel, cfg.TaskType, cfg.Dimensions)

	var inner EmbeddingEngine
	var err error

	switch cfg.Provider {
	case "deterministic":
		dims := cfg.Dimensions
		if dims <= 0 {
			dims = 384
		}
		logging.Embedding("Initializing deterministic embedding engine: dimensions=%d", dims)
		inner, err = NewDeterministicEngine(dims, cfg.ModelID)
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		inner, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s, task_type=%s", cfg.GenAIModel, cfg.TaskType)
		inner, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType, cfg.Dimensions)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'deterministic', 'ollama', or 'genai')", cfg.Provider)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	engine := wrapNormalized(inner, cfg.ModelID)
	logging.Embedding("Embedding engine created successfully: name=%s, model_id=%s, dimensions=%d",
		engine.Name(), engine.ModelID(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// NORMALIZING DECORATOR
// =============================================================================

// normalizedEngine wraps an EmbeddingEngine and L2-normalizes every vector it
// returns, so providers that don't already normalize (raw Ollama responses,
// for instance) still satisfy the embed contract. It also pins ModelID to an
// explicit override when one is configured, so a corpus baked against one
// model id can be detected as stale if the provider changes underneath it.
type normalizedEngine struct {
	inner      EmbeddingEngine
	modelIDOverride string
}

func wrapNormalized(inner EmbeddingEngine, modelIDOverride string) EmbeddingEngine {
	return &normalizedEngine{inner: inner, modelIDOverride: modelIDOverride}
}

func (n *normalizedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := n.inner.Embed(ctx, text)
	if err != nil {
		return nil, &ProviderError{Provider: n.inner.Name(), Err: err}
	}
	return L2Normalize(vec), nil
}

func (n *normalizedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := n.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, &ProviderError{Provider: n.inner.Name(), Err: err}
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		out[i] = L2Normalize(v)
	}
	return out, nil
}

func (n *normalizedEngine) Dimensions() int { return n.inner.Dimensions() }
func (n *normalizedEngine) Name() string    { return n.inner.Name() }

func (n *normalizedEngine) ModelID() string {
	if n.modelIDOverride != "" {
		return n.modelIDOverride
	}
	return n.inner.ModelID()
}

// L2Normalize returns a unit-length copy of vec. A zero vector is returned
// unchanged, since it has no direction to normalize toward.
func L2Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		logging.Get(logging.CategoryEmbedding).Error("CosineSimilarity: vector dimension mismatch: %d != %d", len(a), len(b))
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	logging.EmbeddingDebug("Computing cosine similarity for vectors of dimension %d", len(a))

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector detected")
		return 0, nil
	}

	result := dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude))
	logging.EmbeddingDebug("CosineSimilarity result: %.6f", result)
	return result, nil
}

// FindTopK returns the indices of the top K most similar vectors to the query.
// Uses cosine similarity.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	logging.EmbeddingDebug("FindTopK: searching for top %d results in corpus of %d vectors (query dim=%d)",
		k, len(corpus), len(query))

	results := make([]SimilarityResult, 0, len(corpus))
	skippedCount := 0

	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skippedCount++
			continue
		}

		results = append(results, SimilarityResult{
			Index:      i,
			Similarity: similarity,
		})
	}

	if skippedCount > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skippedCount)
	}

	// Sort by similarity descending, tie-break by ascending index so results
	// are stable regardless of input order.
	sortStart := time.Now()
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity ||
				(results[j].Similarity == results[i].Similarity && results[j].Index < results[i].Index) {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	logging.EmbeddingDebug("FindTopK: sorting completed in %v", time.Since(sortStart))

	if len(results) > k {
		results = results[:k]
	}

	logging.EmbeddingDebug("FindTopK: returning %d results", len(results))
	return results, nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}
