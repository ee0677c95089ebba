package semantic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/ai"
	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/semantic"
	"github.com/agentium/governance-core/tier"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *semantic.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, semantic.New(client, ai.NewMockClient(), nil)
}

func TestUpsertAndQuery_ReturnsClosestFirst(t *testing.T) {
	mr, s := setupStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, semantic.CollectionConstitution, semantic.Document{
		ID: "art-1", Text: "Agents must not fabricate data.",
	}))
	require.NoError(t, s.Upsert(ctx, semantic.CollectionConstitution, semantic.Document{
		ID: "art-2", Text: "Agents must not fabricate data.",
	}))
	require.NoError(t, s.Upsert(ctx, semantic.CollectionConstitution, semantic.Document{
		ID: "art-3", Text: "Totally unrelated text about weather patterns in coastal regions.",
	}))

	hits, err := s.Query(ctx, semantic.CollectionConstitution, "Agents must not fabricate data.", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	ids := map[string]bool{hits[0].ID: true, hits[1].ID: true}
	require.True(t, ids["art-1"])
	require.True(t, ids["art-2"])
}

func TestQuery_RespectsK(t *testing.T) {
	mr, s := setupStore(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(ctx, semantic.CollectionTaskPatterns, semantic.Document{
			ID: string(rune('a' + i)), Text: "pattern text",
		}))
	}

	hits, err := s.Query(ctx, semantic.CollectionTaskPatterns, "pattern text", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
}

func TestEnrich_AttachesHitsWithoutAlteringContent(t *testing.T) {
	mr, s := setupStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, semantic.CollectionConstitution, semantic.Document{
		ID: "art-1", Text: "No agent may exfiltrate secrets.",
	}))
	require.NoError(t, s.Upsert(ctx, semantic.KnowledgeCollection(tier.TierTask), semantic.Document{
		ID: "know-1", Text: "Task agents retry transient failures.",
	}))

	env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeIntent, "need guidance", nil, envelope.PriorityNormal, 60)
	require.NoError(t, err)

	enriched, err := s.Enrich(ctx, env)
	require.NoError(t, err)
	require.Equal(t, env.Content, enriched.Content)
	require.NotNil(t, enriched.Enrichment)
	require.LessOrEqual(t, len(enriched.Enrichment.ConstitutionArticles), 3)
	require.LessOrEqual(t, len(enriched.Enrichment.SemanticHits), 5)
}

// flakyEmbedder fails its first failCount Embed calls, then succeeds.
type flakyEmbedder struct {
	ai.Client
	failCount int
	calls     int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, errors.New("provider momentarily unavailable")
	}
	return []float32{1, 0, 0}, nil
}

func TestUpsert_RetriesTransientEmbedFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	embedder := &flakyEmbedder{failCount: 2}
	s := semantic.New(client, embedder, nil)

	require.NoError(t, s.Upsert(context.Background(), semantic.CollectionSkills, semantic.Document{
		ID: "skill-1", Text: "retries count as resilience, not failure",
	}))
	require.Equal(t, 3, embedder.calls)
}

func TestUpsert_EmbeddingNotSupportedIsNotRetried(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	embedder := &ai.MockClient{Err: ai.ErrEmbeddingNotSupported}
	s := semantic.New(client, embedder, nil)

	start := time.Now()
	err = s.Upsert(context.Background(), semantic.CollectionSkills, semantic.Document{ID: "skill-2", Text: "no embeddings here"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond, "a non-transient error must not pay the retry backoff schedule")
}
