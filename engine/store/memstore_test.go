package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/taxonomy"
)

const testDim = 4

func testMemory(id, userID string, embedding []float32) *Memory {
	now := time.Now()
	return &Memory{
		ID:             id,
		UserID:         userID,
		Category:       taxonomy.CategorySemantic,
		Subtype:        taxonomy.SubtypeProject,
		Content:        "content for " + id,
		Embedding:      embedding,
		Importance:     0.5,
		DecayFactor:    1.0,
		Confidence:     1.0,
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
}

func TestMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	t.Run("Should return not-found for an absent session", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		_, err := s.GetSession(ctx, "missing")
		assert.True(t, core.IsCode(err, core.CodeNotFound))
	})
	t.Run("Should round-trip a session through put and get", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		now := time.Now()
		require.NoError(t, s.PutSession(ctx, &SessionContext{
			ID: "s1", UserID: "u1", MaxTokens: 8000, CreatedAt: now, LastActivityAt: now,
		}))
		session, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "u1", session.UserID)
		assert.Equal(t, 8000, session.MaxTokens)
	})
	t.Run("Should treat an expired session as absent", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		past := time.Now().Add(-time.Hour)
		require.NoError(t, s.PutSession(ctx, &SessionContext{
			ID: "s1", UserID: "u1", MaxTokens: 8000, ExpiresAt: &past,
		}))
		_, err := s.GetSession(ctx, "s1")
		assert.True(t, core.IsCode(err, core.CodeNotFound))
	})
}

func TestMemoryStoreItems(t *testing.T) {
	ctx := context.Background()
	t.Run("Should list items in sequence order", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		for _, seq := range []int64{3, 1, 2} {
			require.NoError(t, s.InsertItem(ctx, &WorkingItem{
				ID: core.NewID(), SessionID: "s1", ContentType: ContentTypeMessage, Sequence: seq,
			}))
		}
		items, err := s.ListItems(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, int64(1), items[0].Sequence)
		assert.Equal(t, int64(3), items[2].Sequence)
	})
	t.Run("Should fail updating a missing item", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		err := s.UpdateItem(ctx, &WorkingItem{ID: "nope", SessionID: "s1"})
		assert.True(t, core.IsCode(err, core.CodeNotFound))
	})
	t.Run("Should delete only the named items", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		require.NoError(t, s.InsertItem(ctx, &WorkingItem{ID: "a", SessionID: "s1", Sequence: 1}))
		require.NoError(t, s.InsertItem(ctx, &WorkingItem{ID: "b", SessionID: "s1", Sequence: 2}))
		require.NoError(t, s.DeleteItems(ctx, "s1", []string{"a"}))
		items, err := s.ListItems(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "b", items[0].ID)
	})
}

func TestMemoryStoreDedup(t *testing.T) {
	ctx := context.Background()
	t.Run("Should merge a near-duplicate instead of inserting", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		vec := []float32{1, 0, 0, 0}
		id1, inserted, err := s.InsertMemoryDeduped(ctx, testMemory("m1", "u1", vec), 0.95, 3)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "m1", id1)

		id2, inserted, err := s.InsertMemoryDeduped(ctx, testMemory("m2", "u1", vec), 0.95, 3)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "m1", id2)

		matches, err := s.SearchMemories(ctx, SearchQuery{UserID: "u1", Embedding: vec, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
	t.Run("Should not merge across users", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		vec := []float32{1, 0, 0, 0}
		_, _, err := s.InsertMemoryDeduped(ctx, testMemory("m1", "u1", vec), 0.95, 3)
		require.NoError(t, err)
		_, inserted, err := s.InsertMemoryDeduped(ctx, testMemory("m2", "u2", vec), 0.95, 3)
		require.NoError(t, err)
		assert.True(t, inserted)
	})
	t.Run("Should reject a wrong-dimension embedding", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		_, _, err := s.InsertMemoryDeduped(ctx, testMemory("m1", "u1", []float32{1, 0}), 0.95, 3)
		assert.True(t, core.IsCode(err, core.CodeValidation))
	})
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) *MemoryStore {
		t.Helper()
		s := NewMemoryStore(testDim)
		a := testMemory("a", "u1", []float32{1, 0, 0, 0})
		b := testMemory("b", "u1", []float32{0.9, 0.1, 0, 0})
		b.Category = taxonomy.CategoryProcedural
		b.Subtype = taxonomy.SubtypeWorkflow
		b.Entities = []string{"tool:postgres"}
		c := testMemory("c", "u2", []float32{1, 0, 0, 0})
		for _, m := range []*Memory{a, b, c} {
			_, _, err := s.InsertMemoryDeduped(ctx, m, 0, 0)
			require.NoError(t, err)
		}
		return s
	}
	query := []float32{1, 0, 0, 0}

	t.Run("Should order by descending similarity", func(t *testing.T) {
		s := seed(t)
		matches, err := s.SearchMemories(ctx, SearchQuery{UserID: "u1", Embedding: query, Limit: 10})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a", matches[0].Memory.ID)
		assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	})
	t.Run("Should never return another user's memories", func(t *testing.T) {
		s := seed(t)
		matches, err := s.SearchMemories(ctx, SearchQuery{UserID: "u3", Embedding: query, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
	t.Run("Should filter by category and subtype", func(t *testing.T) {
		s := seed(t)
		matches, err := s.SearchMemories(ctx, SearchQuery{
			UserID:     "u1",
			Embedding:  query,
			Categories: []taxonomy.Category{taxonomy.CategoryProcedural},
			Subtypes:   []taxonomy.Subtype{taxonomy.SubtypeWorkflow},
			Limit:      10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b", matches[0].Memory.ID)
	})
	t.Run("Should filter by entity overlap", func(t *testing.T) {
		s := seed(t)
		matches, err := s.SearchMemories(ctx, SearchQuery{
			UserID: "u1", Embedding: query, Entities: []string{"tool:postgres"}, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b", matches[0].Memory.ID)
	})
	t.Run("Should exclude soft-deleted memories", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteMemory(ctx, "a", time.Now()))
		matches, err := s.SearchMemories(ctx, SearchQuery{UserID: "u1", Embedding: query, Limit: 10})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b", matches[0].Memory.ID)
	})
	t.Run("Should include a restored memory again", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, s.SoftDeleteMemory(ctx, "a", time.Now()))
		require.NoError(t, s.RestoreMemory(ctx, "a"))
		matches, err := s.SearchMemories(ctx, SearchQuery{UserID: "u1", Embedding: query, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, matches, 2)
	})
	t.Run("Should honor the similarity floor", func(t *testing.T) {
		s := seed(t)
		matches, err := s.SearchMemories(ctx, SearchQuery{
			UserID: "u1", Embedding: query, MinSimilarity: 0.999, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].Memory.ID)
	})
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	t.Run("Should remove relationships on hard delete", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		vecA := []float32{1, 0, 0, 0}
		vecB := []float32{0, 1, 0, 0}
		_, _, err := s.InsertMemoryDeduped(ctx, testMemory("a", "u1", vecA), 0, 0)
		require.NoError(t, err)
		_, _, err = s.InsertMemoryDeduped(ctx, testMemory("b", "u1", vecB), 0, 0)
		require.NoError(t, err)
		require.NoError(t, s.UpsertRelationship(ctx, &Relationship{
			SourceID: "a", TargetID: "b", Tag: RelUpdates, Strength: 1, CreatedAt: time.Now(),
		}))
		require.NoError(t, s.HardDeleteMemory(ctx, "a"))
		_, err = s.GetMemory(ctx, "a")
		assert.True(t, core.IsCode(err, core.CodeNotFound))
		rels, err := s.ListRelationships(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, rels)
	})
	t.Run("Should increment access counts in a single touch batch", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		_, _, err := s.InsertMemoryDeduped(ctx, testMemory("a", "u1", []float32{1, 0, 0, 0}), 0, 0)
		require.NoError(t, err)
		at := time.Now().Add(time.Minute)
		require.NoError(t, s.TouchMemories(ctx, []string{"a", "ghost"}, at))
		memory, err := s.GetMemory(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, memory.AccessCount)
		assert.True(t, memory.LastAccessedAt.Equal(at))
	})
	t.Run("Should purge every row owned by the user", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		_, _, err := s.InsertMemoryDeduped(ctx, testMemory("a", "u1", []float32{1, 0, 0, 0}), 0, 0)
		require.NoError(t, err)
		_, _, err = s.InsertMemoryDeduped(ctx, testMemory("keep", "u2", []float32{0, 1, 0, 0}), 0, 0)
		require.NoError(t, err)
		require.NoError(t, s.PutSession(ctx, &SessionContext{ID: "s1", UserID: "u1", MaxTokens: 100}))
		require.NoError(t, s.InsertItem(ctx, &WorkingItem{ID: "i1", SessionID: "s1", Sequence: 1}))
		require.NoError(t, s.AppendAccessLog(ctx, &AccessLogEntry{ID: "l1", MemoryID: "a", UserID: "u1"}))

		result, err := s.PurgeUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Memories)
		assert.Equal(t, 1, result.Sessions)
		assert.Equal(t, 1, result.WorkingItems)
		assert.Equal(t, 1, result.AccessLogs)

		_, err = s.GetMemory(ctx, "a")
		assert.True(t, core.IsCode(err, core.CodeNotFound))
		_, err = s.GetMemory(ctx, "keep")
		assert.NoError(t, err)
	})
}

func TestMemoryStoreRelationships(t *testing.T) {
	ctx := context.Background()
	t.Run("Should see bidirectional tags from both endpoints", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		require.NoError(t, s.UpsertRelationship(ctx, &Relationship{
			SourceID: "a", TargetID: "b", Tag: RelRelatedTo, Strength: 0.8, CreatedAt: time.Now(),
		}))
		fromA, err := s.ListRelationships(ctx, "a")
		require.NoError(t, err)
		fromB, err := s.ListRelationships(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, fromA, 1)
		assert.Len(t, fromB, 1)
	})
	t.Run("Should not see directed tags from the target side", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		require.NoError(t, s.UpsertRelationship(ctx, &Relationship{
			SourceID: "a", TargetID: "b", Tag: RelUpdates, Strength: 1, CreatedAt: time.Now(),
		}))
		fromB, err := s.ListRelationships(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, fromB)
	})
	t.Run("Should update strength on upsert of an existing edge", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		edge := &Relationship{SourceID: "a", TargetID: "b", Tag: RelPartOf, Strength: 0.3, CreatedAt: time.Now()}
		require.NoError(t, s.UpsertRelationship(ctx, edge))
		edge.Strength = 0.9
		require.NoError(t, s.UpsertRelationship(ctx, edge))
		rels, err := s.ListRelationships(ctx, "a")
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, 0.9, rels[0].Strength)
	})
}

func TestMemoryStoreAnalytics(t *testing.T) {
	ctx := context.Background()
	t.Run("Should aggregate per category and skip soft-deleted rows", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		a := testMemory("a", "u1", []float32{1, 0, 0, 0})
		a.Importance = 0.8
		b := testMemory("b", "u1", []float32{0, 1, 0, 0})
		b.Importance = 0.4
		b.Category = taxonomy.CategoryProcedural
		b.Subtype = taxonomy.SubtypeWorkflow
		dead := testMemory("dead", "u1", []float32{0, 0, 1, 0})
		for _, m := range []*Memory{a, b, dead} {
			_, _, err := s.InsertMemoryDeduped(ctx, m, 0, 0)
			require.NoError(t, err)
		}
		require.NoError(t, s.SoftDeleteMemory(ctx, "dead", time.Now()))

		analytics, err := s.Analytics(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, analytics.TotalMemories)
		assert.Equal(t, 1, analytics.SoftDeleted)
		assert.InDelta(t, 0.6, analytics.AvgImportance, 1e-9)
		assert.Len(t, analytics.ByCategory, 2)
	})
}

func TestMemoryStoreToolErrors(t *testing.T) {
	ctx := context.Background()
	t.Run("Should return recent errors newest first", func(t *testing.T) {
		s := NewMemoryStore(testDim)
		for _, name := range []string{"first", "second", "third"} {
			require.NoError(t, s.AppendToolError(ctx, &ToolErrorEntry{
				ID: core.NewID(), ToolName: name, ErrorMessage: "boom", CreatedAt: time.Now(),
			}))
		}
		errs, err := s.ListToolErrors(ctx, 2)
		require.NoError(t, err)
		require.Len(t, errs, 2)
		assert.Equal(t, "third", errs[0].ToolName)
		assert.Equal(t, "second", errs[1].ToolName)
	})
}

func TestCosine(t *testing.T) {
	t.Run("Should return one for identical vectors", func(t *testing.T) {
		assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	})
	t.Run("Should return zero for orthogonal vectors", func(t *testing.T) {
		assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	})
	t.Run("Should return negative one for opposite vectors", func(t *testing.T) {
		assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	})
	t.Run("Should return zero for mismatched or zero vectors", func(t *testing.T) {
		assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
		assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 2}))
	})
}
