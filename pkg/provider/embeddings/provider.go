// Package embeddings defines the Client interface for vector embedding
// backends.
//
// An embeddings client wraps a service that maps text strings to dense
// float32 vectors. These vectors index long-term memories for similarity
// retrieval and near-duplicate detection.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Client is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Client instance share the same
// dimensionality (returned by Dimensions). Vectors from different Client
// instances must not be mixed in one similarity computation unless both use
// the same model and space.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. On error the entire result is
	// nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// client.
	Dimensions() int

	// ModelID returns the backend-specific model identifier, for logging.
	ModelID() string
}
