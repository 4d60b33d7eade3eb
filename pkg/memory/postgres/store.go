package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/echobridge/echobridge/pkg/memory"
	"github.com/echobridge/echobridge/pkg/provider/embeddings"
	"github.com/echobridge/echobridge/pkg/provider/llm"
	"github.com/echobridge/echobridge/pkg/types"
)

const defaultDigestTopK = 5

// Store implements [memory.Store] on PostgreSQL with pgvector similarity
// search. One Store instance serves one device.
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	deviceID string
	embedder embeddings.Provider
	model    llm.Provider
	topK     int
}

// Option is a functional option for Store.
type Option func(*Store)

// WithDigestTopK sets how many memories a Digest call retrieves. Default: 5.
func WithDigestTopK(k int) Option {
	return func(s *Store) { s.topK = k }
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate]. The embedding provider supplies
// vectors for storage and retrieval; the LLM provider performs the
// end-of-session summarization.
func NewStore(ctx context.Context, dsn, deviceID string, embedder embeddings.Provider, model llm.Provider, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{
		pool:     pool,
		deviceID: deviceID,
		embedder: embedder,
		model:    model,
		topK:     defaultDigestTopK,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// AddExchange implements [memory.Store].
func (s *Store) AddExchange(ctx context.Context, userText, assistantText, speakerID string) error {
	content := strings.TrimSpace("User: " + userText + "\nAssistant: " + assistantText)
	return s.insert(ctx, content, speakerID)
}

// Digest implements [memory.Store]. It embeds the query and returns the
// closest memories for the device, most similar first, one per line.
func (s *Store) Digest(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("postgres store: embed query: %w", err)
	}

	const q = `
		SELECT content, created_at
		FROM   memories
		WHERE  device_id = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), s.deviceID, s.topK)
	if err != nil {
		return "", fmt.Errorf("postgres store: digest query: %w", err)
	}

	type row struct {
		content   string
		createdAt time.Time
	}
	results, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		err := r.Scan(&out.content, &out.createdAt)
		return out, err
	})
	if err != nil {
		return "", fmt.Errorf("postgres store: scan rows: %w", err)
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s] %s\n", r.createdAt.Format("2006-01-02"), r.content)
	}
	return strings.TrimSpace(b.String()), nil
}

// Summarize implements [memory.Store]. A summary the model judged empty is
// silently skipped.
func (s *Store) Summarize(ctx context.Context, history []types.Message) error {
	note, err := memory.SummarizeHistory(ctx, s.model, history)
	if err != nil {
		return err
	}
	if note == "" {
		return nil
	}
	return s.insert(ctx, note, "")
}

// LastSeenSpeaker implements [memory.Store].
func (s *Store) LastSeenSpeaker(ctx context.Context) (string, error) {
	const q = `
		SELECT speaker_id
		FROM   memories
		WHERE  device_id = $1 AND speaker_id <> ''
		ORDER  BY created_at DESC
		LIMIT  1`

	var speaker string
	err := s.pool.QueryRow(ctx, q, s.deviceID).Scan(&speaker)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: last seen speaker: %w", err)
	}
	return speaker, nil
}

// Close implements [memory.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) insert(ctx context.Context, content, speakerID string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("postgres store: embed memory: %w", err)
	}

	const q = `
		INSERT INTO memories (id, device_id, speaker_id, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`

	_, err = s.pool.Exec(ctx, q, memory.NewID(), s.deviceID, speakerID, content, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("postgres store: insert memory: %w", err)
	}
	return nil
}

var _ memory.Store = (*Store)(nil)
