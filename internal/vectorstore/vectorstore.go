// ABOUTME: Semantic index over organization chat messages backed by chromem-go
// ABOUTME: Messages are chunked, embedded per organization collection, and mapped back via message_id metadata

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"

	"github.com/2389/coven-fleet/internal/config"
)

// MetaMessageID links a chunk document back to its chat message.
const MetaMessageID = "message_id"

// DefaultChunkSize is the maximum rune length of one indexed chunk.
const DefaultChunkSize = 800

// Hit is one chunk matching a query.
type Hit struct {
	ChunkID   string
	MessageID string
	Content   string
	Score     float32
}

// Store wraps chromem-go with per-organization collections.
type Store struct {
	mu        sync.RWMutex
	db        *chromem.DB
	embedFn   chromem.EmbeddingFunc
	chunkSize int
	logger    *slog.Logger
}

// New opens (or creates) a persistent store at dataDir/vectorstore/.
func New(dataDir string, embedFn chromem.EmbeddingFunc, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	return newStore(db, embedFn, logger), nil
}

// NewMemory creates a store that lives only in memory.
func NewMemory(embedFn chromem.EmbeddingFunc, logger *slog.Logger) *Store {
	return newStore(chromem.NewDB(), embedFn, logger)
}

func newStore(db *chromem.DB, embedFn chromem.EmbeddingFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		embedFn:   embedFn,
		chunkSize: DefaultChunkSize,
		logger:    logger.With("component", "vectorstore"),
	}
}

// EmbeddingFunc builds the OpenAI-compatible embedding function named by cfg.
func EmbeddingFunc(cfg config.EmbeddingsConfig) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil)
}

func collectionName(orgID string) string {
	return "org_" + orgID + "_messages"
}

// collection must be called with mu held.
func (s *Store) collection(orgID string) (*chromem.Collection, error) {
	name := collectionName(orgID)
	if col := s.db.GetCollection(name, s.embedFn); col != nil {
		return col, nil
	}
	col, err := s.db.CreateCollection(name, nil, s.embedFn)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return col, nil
}

// IndexMessage chunks text and upserts every chunk for messageID.
func (s *Store) IndexMessage(ctx context.Context, orgID, messageID, text string) error {
	chunks := Chunk(text, s.chunkSize)
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(orgID)
	if err != nil {
		return err
	}

	for i, chunk := range chunks {
		doc := chromem.Document{
			ID:      fmt.Sprintf("%s#%d", messageID, i),
			Content: chunk,
			Metadata: map[string]string{
				MetaMessageID: messageID,
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", doc.ID, err)
		}
	}

	s.logger.Debug("indexed message", "org_id", orgID, "message_id", messageID, "chunks", len(chunks))
	return nil
}

// Search returns up to k chunks of orgID most similar to query.
func (s *Store) Search(ctx context.Context, orgID, query string, k int) ([]Hit, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collectionName(orgID), s.embedFn)
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	// chromem can reject nResults close to the document count; step down.
	var results []chromem.Result
	var err error
	for attemptK := k; attemptK > 0; attemptK-- {
		results, err = col.Query(ctx, query, attemptK, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", orgID, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		messageID := r.Metadata[MetaMessageID]
		if messageID == "" {
			messageID, _, _ = strings.Cut(r.ID, "#")
		}
		hits = append(hits, Hit{
			ChunkID:   r.ID,
			MessageID: messageID,
			Content:   r.Content,
			Score:     r.Similarity,
		})
	}
	return hits, nil
}

// DeleteOrganization drops the collection of orgID.
func (s *Store) DeleteOrganization(orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.DeleteCollection(collectionName(orgID))
}

// Chunk splits text on paragraph boundaries into pieces of at most size runes.
// Paragraphs longer than size are split on rune boundaries.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for utf8.RuneCountInString(para) > size {
			flush()
			runes := []rune(para)
			chunks = append(chunks, string(runes[:size]))
			para = strings.TrimSpace(string(runes[size:]))
		}
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+2+utf8.RuneCountInString(para) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// HashEmbedding is a deterministic local embedding: a normalized bag of
// character trigrams hashed into dims buckets. It needs no network and is
// used when no embeddings endpoint is configured.
func HashEmbedding(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		runes := []rune(strings.ToLower(text))
		for i := 0; i+3 <= len(runes); i++ {
			h := uint32(2166136261)
			for _, r := range runes[i : i+3] {
				h ^= uint32(r)
				h *= 16777619
			}
			vec[h%uint32(dims)]++
		}
		if len(runes) > 0 && len(runes) < 3 {
			vec[uint32(runes[0])%uint32(dims)]++
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
