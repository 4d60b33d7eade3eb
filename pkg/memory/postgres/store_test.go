package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/echobridge/echobridge/pkg/memory/postgres"
	"github.com/echobridge/echobridge/pkg/provider/embeddings"
	embedmock "github.com/echobridge/echobridge/pkg/provider/embeddings/mock"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	llmmock "github.com/echobridge/echobridge/pkg/provider/llm/mock"
	"github.com/echobridge/echobridge/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if ECHOBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ECHOBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ECHOBRIDGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// stubEmbedder produces deterministic low-dimension vectors so similarity
// ordering in the tests is predictable: texts sharing a prefix land close
// together.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testEmbeddingDim)
	for i, r := range []rune(text) {
		vec[i%testEmbeddingDim] += float32(r%97) / 97
	}
	return vec, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return testEmbeddingDim }

func (stubEmbedder) ModelID() string { return "stub" }

func newTestStore(t *testing.T, embedder embeddings.Provider, model llm.Provider) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	store, err := postgres.NewStore(ctx, testDSN(t), "test-device", embedder, model)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddExchangeAndDigest(t *testing.T) {
	store := newTestStore(t, stubEmbedder{}, &llmmock.Provider{})
	ctx := context.Background()

	if err := store.AddExchange(ctx, "I like dumplings", "noted", "speaker_0"); err != nil {
		t.Fatalf("AddExchange: %v", err)
	}

	digest, err := store.Digest(ctx, "I like dumplings")
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if !strings.Contains(digest, "dumplings") {
		t.Errorf("digest = %q, want the stored exchange", digest)
	}
}

func TestDigestEmptyQuery(t *testing.T) {
	store := newTestStore(t, &embedmock.Provider{Dims: testEmbeddingDim}, &llmmock.Provider{})

	digest, err := store.Digest(context.Background(), " ")
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if digest != "" {
		t.Errorf("digest = %q, want empty", digest)
	}
}

func TestSummarizeAndLastSeenSpeaker(t *testing.T) {
	model := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "user is called Ming"}}
	store := newTestStore(t, &embedmock.Provider{Dims: testEmbeddingDim}, model)
	ctx := context.Background()

	if err := store.AddExchange(ctx, "hello", "hi", "speaker_1"); err != nil {
		t.Fatalf("AddExchange: %v", err)
	}
	if err := store.Summarize(ctx, []types.Message{
		{Role: "user", Content: "my name is Ming"},
		{Role: "assistant", Content: "nice to meet you Ming"},
	}); err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	// The summary row has no speaker; the last attributed row wins.
	speaker, err := store.LastSeenSpeaker(ctx)
	if err != nil {
		t.Fatalf("LastSeenSpeaker: %v", err)
	}
	if speaker != "speaker_1" {
		t.Errorf("speaker = %q, want speaker_1", speaker)
	}
}
