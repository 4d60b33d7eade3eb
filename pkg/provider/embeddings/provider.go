// Package embeddings abstracts text-to-vector backends.
//
// The long-term memory layer embeds conversation summaries and queries with a
// Provider, then ranks stored entries by vector similarity. Every vector a
// single Provider produces has the same length; vectors from different
// providers or models must never be compared against each other.
package embeddings

import "context"

// Provider maps text to dense float32 vectors. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Embed returns the vector for one text, length Dimensions(). The text is
	// passed to the backend verbatim; any model-specific prefixing is the
	// caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one backend call, result[i] matching
	// texts[i]. On any error the whole result is nil; partial batches are
	// never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length for this provider's model.
	Dimensions() int

	// ModelID identifies the underlying model, for logging and for checking
	// that stored vectors and query vectors come from the same space.
	ModelID() string
}
