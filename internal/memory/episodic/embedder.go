package episodic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// DefaultDimensions matches the all-MiniLM-class models the service is
// normally paired with.
const DefaultDimensions = 384

// Embedder converts episode text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	// Name identifies the embedding source in the status query.
	Name() string
}

// HashEmbedder derives a deterministic pseudo-embedding from a SHA-256
// expansion of the text. Identical text always yields the identical vector,
// which keeps similarity search reproducible when no embedding model is
// configured. Components fall in [-0.5, 0.5].
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder with the given dimensionality
// (DefaultDimensions when dims <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	var block [8]byte
	digest := sha256.Sum256([]byte(text))
	buf := digest[:]
	for i := 0; i < e.dims; i++ {
		if i%len(buf) == 0 && i > 0 {
			// Extend the stream by re-hashing with a block counter.
			binary.BigEndian.PutUint64(block[:], uint64(i))
			next := sha256.Sum256(append(buf, block[:]...))
			buf = next[:]
		}
		vec[i] = float32(buf[i%len(buf)])/255.0 - 0.5
	}
	return vec, nil
}

func (e *HashEmbedder) Dimensions() int { return e.dims }

func (e *HashEmbedder) Name() string { return fmt.Sprintf("hash-%d", e.dims) }

var _ Embedder = (*HashEmbedder)(nil)
