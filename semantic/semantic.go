// Package semantic implements the Semantic Context Store (C4): embedding
// backed upsert/kNN retrieval over separately-addressable collections
// (constitution, task_patterns, rejected_precedents, per-tier knowledge,
// skills), and the enrich() contract the Agent Orchestrator and Message
// Bus use to attach constitution/pattern hits to an envelope without
// altering its original content.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/agentium/governance-core/ai"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/resilience"
	"github.com/agentium/governance-core/tier"
)

// Collection names, each its own Redis key namespace.
const (
	CollectionConstitution        = "constitution"
	CollectionTaskPatterns        = "task_patterns"
	CollectionRejectedPrecedents  = "rejected_precedents"
	CollectionSkills              = "skills"
)

// KnowledgeCollection returns the per-tier knowledge collection name for t.
func KnowledgeCollection(t tier.Tier) string {
	return fmt.Sprintf("knowledge:%s", t.String())
}

// Document is one upserted item: free text plus metadata and its embedding.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
	Embedding []float32
}

// Hit is a scored retrieval result.
type Hit struct {
	Document
	Score float32 // cosine similarity, higher is closer
}

// Store is the Semantic Context Store. Collections live as Redis hashes
// keyed `semantic:{collection}:{id}` plus a per-collection set of ids for
// the kNN scan (`semantic:{collection}:ids`) — matching the go-redis
// hash/set primitives the rest of the pack already depends on, since a
// dedicated vector index isn't among the teacher's or pack's dependencies.
type Store struct {
	redis  *redis.Client
	ai     ai.Client
	logger core.Logger
	retry  *resilience.RetryConfig
}

// New builds a Store. Embedding calls cross into a provider SDK, so they
// run under resilience.DefaultRetryConfig rather than failing a whole
// Enrich/Query on one transient provider error.
func New(redisClient *redis.Client, aiClient ai.Client, logger core.Logger) *Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("semantic")
	}
	return &Store{redis: redisClient, ai: aiClient, logger: logger, retry: resilience.DefaultRetryConfig()}
}

// embed wraps s.ai.Embed in retry-with-backoff, since the embedding call
// is the one network hop Upsert/Query make into an external provider. A
// provider that simply has no embedding endpoint isn't a transient
// failure, so that case skips the backoff schedule entirely.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	var emb []float32
	err := resilience.Retry(ctx, s.retry, func() error {
		var err error
		emb, err = s.ai.Embed(ctx, text)
		if errors.Is(err, ai.ErrEmbeddingNotSupported) {
			return nil
		}
		return err
	})
	if err == nil && emb == nil {
		return nil, ai.ErrEmbeddingNotSupported
	}
	return emb, err
}

func docKey(collection, id string) string { return fmt.Sprintf("semantic:%s:%s", collection, id) }
func idsKey(collection string) string     { return fmt.Sprintf("semantic:%s:ids", collection) }

// Upsert stores doc's text/metadata under collection, embedding the text
// via the configured ai.Client if doc.Embedding isn't already populated.
func (s *Store) Upsert(ctx context.Context, collection string, doc Document) error {
	if len(doc.Embedding) == 0 {
		emb, err := s.embed(ctx, doc.Text)
		if err != nil {
			return core.WrapID("semantic.Upsert", "infra", doc.ID, fmt.Errorf("%w: %v", core.ErrTransient, err))
		}
		doc.Embedding = emb
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return core.WrapID("semantic.Upsert", "config", doc.ID, err)
	}
	embJSON, err := json.Marshal(doc.Embedding)
	if err != nil {
		return core.WrapID("semantic.Upsert", "config", doc.ID, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, docKey(collection, doc.ID), map[string]interface{}{
		"text": doc.Text, "metadata": string(metaJSON), "embedding": string(embJSON),
	})
	pipe.SAdd(ctx, idsKey(collection), doc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.WrapID("semantic.Upsert", "infra", doc.ID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	return nil
}

// Query embeds queryText and returns the k nearest documents in collection
// by cosine similarity.
func (s *Store) Query(ctx context.Context, collection, queryText string, k int) ([]Hit, error) {
	qEmb, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, core.Wrap("semantic.Query", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	ids, err := s.redis.SMembers(ctx, idsKey(collection)).Result()
	if err != nil {
		return nil, core.Wrap("semantic.Query", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		fields, err := s.redis.HGetAll(ctx, docKey(collection, id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(fields["embedding"]), &emb); err != nil {
			continue
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(fields["metadata"]), &meta)

		hits = append(hits, Hit{
			Document: Document{ID: id, Text: fields["text"], Metadata: meta, Embedding: emb},
			Score:    cosineSimilarity(qEmb, emb),
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

// Enrich implements the enrich() contract (§4.4): attaches at most k=5
// per-tier knowledge hits and k=3 constitution hits to env's Enrichment
// slot, leaving env.Content untouched. Returns a new Envelope (env is
// immutable).
func (s *Store) Enrich(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	senderTier, err := tier.TierOf(env.SenderID)
	if err != nil {
		return nil, core.WrapID("semantic.Enrich", "hierarchy", env.SenderID, err)
	}

	tierHits, err := s.Query(ctx, KnowledgeCollection(senderTier), env.Content, 5)
	if err != nil {
		return nil, err
	}
	constHits, err := s.Query(ctx, CollectionConstitution, env.Content, 3)
	if err != nil {
		return nil, err
	}

	enrichment := &envelope.Enrichment{
		SemanticHits:         textsOf(tierHits),
		ConstitutionArticles: textsOf(constHits),
	}
	return env.WithEnrichment(enrichment), nil
}

func textsOf(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out
}
