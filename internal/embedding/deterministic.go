package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"lensvault/internal/logging"
)

// =============================================================================
// DETERMINISTIC EMBEDDING ENGINE
// =============================================================================

// DeterministicEngine derives embeddings from a cryptographic hash of the
// input text rather than a learned model. It has no network dependency and
// no hidden state, which makes it the right default for baking and scanning
// in environments where a real embedding service isn't configured, and for
// tests that need byte-for-byte reproducible vectors. Two calls with the
// same model id and text always produce the identical vector.
type DeterministicEngine struct {
	dimensions int
	modelID    string
}

// NewDeterministicEngine constructs a DeterministicEngine with the given
// output width. modelID defaults to a fixed string encoding the dimension
// count, so corpora baked with different widths are never silently mixed.
func NewDeterministicEngine(dimensions int, modelID string) (*DeterministicEngine, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("deterministic engine requires positive dimensions, got %d", dimensions)
	}
	if modelID == "" {
		modelID = fmt.Sprintf("deterministic-v1:%d", dimensions)
	}
	logging.Embedding("Creating deterministic embedding engine: model_id=%s, dimensions=%d", modelID, dimensions)
	return &DeterministicEngine{dimensions: dimensions, modelID: modelID}, nil
}

// Embed hashes the model id and text under a counter-mode SHA-256 expansion
// to fill out a dimensions-length vector. The output is not normalized here;
// NewEngine wraps every provider, including this one, in a normalizing
// decorator so callers always see unit vectors.
func (e *DeterministicEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := make([]float32, e.dimensions)
	for i := 0; i < e.dimensions; i++ {
		h := sha256.New()
		h.Write([]byte(e.modelID))
		h.Write([]byte{0})
		h.Write([]byte(text))
		h.Write([]byte{0})
		var counter [4]byte
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h.Write(counter[:])
		digest := h.Sum(nil)

		bits := binary.BigEndian.Uint64(digest[:8])
		// map to [-1, 1]
		out[i] = float32(float64(bits)/float64(^uint64(0))*2 - 1)
	}

	logging.EmbeddingDebug("DeterministicEngine.Embed: text_length=%d, dimensions=%d", len(text), e.dimensions)
	return out, nil
}

// EmbedBatch embeds each text independently; the deterministic provider has
// no batching advantage since each vector is a pure function of its input.
func (e *DeterministicEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured output width.
func (e *DeterministicEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *DeterministicEngine) Name() string { return fmt.Sprintf("deterministic:%d", e.dimensions) }

// ModelID returns the engine's model identity.
func (e *DeterministicEngine) ModelID() string { return e.modelID }
