package assembler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/model"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/engine/token"
	"github.com/engramdb/engram/engine/workingmem"
)

const testDim = 4

type fixture struct {
	assembler *Assembler
	fake      *model.FakeEmbedder
	memstore  *store.MemoryStore
	working   *workingmem.Manager
}

func newFixture(t *testing.T, chat model.ChatModel) *fixture {
	t.Helper()
	fake := model.NewFakeEmbedder(testDim)
	embedder, err := model.WrapEmbedder(fake, testDim, 100)
	require.NoError(t, err)
	models := model.NewGateway(embedder, chat, metrics.NewCollector(nil))
	memstore := store.NewMemoryStore(testDim)
	counter := token.NewEstimator()
	working := workingmem.NewManager(memstore, counter, nil, workingmem.DefaultConfig())
	return &fixture{
		assembler: New(working, memstore, models, counter),
		fake:      fake,
		memstore:  memstore,
		working:   working,
	}
}

func (f *fixture) seedMemory(t *testing.T, userID, content string, category taxonomy.Category, subtype taxonomy.Subtype, importance float64, entities []string, vec []float32) string {
	t.Helper()
	now := time.Now()
	id, inserted, err := f.memstore.InsertMemoryDeduped(context.Background(), &store.Memory{
		ID:             core.NewID(),
		UserID:         userID,
		Category:       category,
		Subtype:        subtype,
		Content:        content,
		Embedding:      vec,
		Entities:       entities,
		Importance:     importance,
		DecayFactor:    1,
		Confidence:     1,
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}, 0.95, 3)
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func longTermItems(result *Result) []*Item {
	var out []*Item
	for _, item := range result.Items {
		if item.Source == SourceLongTerm {
			out = append(out, item)
		}
	}
	return out
}

// tokensOf yields content the length estimator counts as exactly n tokens.
func tokensOf(n int) string { return strings.Repeat("word", n) }

func TestGetRelevantContext(t *testing.T) {
	ctx := context.Background()
	t.Run("Should route a how-to query to procedural memories", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat("how_to"))
		f.seedMemory(t, "u1", "add columns through a migration file, never by hand",
			taxonomy.CategoryProcedural, taxonomy.SubtypeWorkflow, 0.9, nil, []float32{1, 0, 0, 0})
		f.seedMemory(t, "u1", "we chose monthly release trains",
			taxonomy.CategoryEpisodic, taxonomy.SubtypeDecision, 0.9, nil, []float32{0, 1, 0, 0})
		f.fake.Fix("How do I add a field to the users table?", []float32{1, 0, 0, 0})
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID:   "s1",
			UserID:      "u1",
			Query:       "How do I add a field to the users table?",
			TokenBudget: 2000,
		})
		require.NoError(t, err)
		assert.Equal(t, taxonomy.IntentHowTo, result.Intent)
		found := false
		for _, item := range longTermItems(result) {
			if item.Category == taxonomy.CategoryProcedural && item.Subtype == taxonomy.SubtypeWorkflow {
				found = true
				assert.Contains(t, item.Rationale, "procedural.workflow (score ")
			}
		}
		assert.True(t, found, "expected a procedural.workflow item in the context")
	})
	t.Run("Should trust a valid intent hint over detection", func(t *testing.T) {
		chat := model.NewScriptedChat()
		chat.Err = assert.AnError
		f := newFixture(t, chat)
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 100, IntentHint: "debug",
		})
		require.NoError(t, err)
		assert.Equal(t, taxonomy.IntentDebug, result.Intent)
	})
	t.Run("Should order working memory by pinned then recency", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		_, err := f.working.InitSession(ctx, "s1", "u1", "", 1000, nil)
		require.NoError(t, err)
		first, err := f.working.Append(ctx, "s1", "u1", store.ContentTypeMessage, "aa"+tokensOf(10), 0.5, false)
		require.NoError(t, err)
		pinned, err := f.working.Append(ctx, "s1", "u1", store.ContentTypeMessage, "bb"+tokensOf(10), 0.5, true)
		require.NoError(t, err)
		last, err := f.working.Append(ctx, "s1", "u1", store.ContentTypeMessage, "cc"+tokensOf(10), 0.5, false)
		require.NoError(t, err)
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 200, IntentHint: "general",
		})
		require.NoError(t, err)
		require.Len(t, result.Items, 3)
		assert.Equal(t, pinned.Item.ID, result.Items[0].ID)
		assert.Equal(t, last.Item.ID, result.Items[1].ID)
		assert.Equal(t, first.Item.ID, result.Items[2].ID)
		assert.Equal(t, 3, result.WorkingCount)
	})
	t.Run("Should cap working memory at its profile share", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		_, err := f.working.InitSession(ctx, "s1", "u1", "", 1000, nil)
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, err := f.working.Append(ctx, "s1", "u1", store.ContentTypeMessage,
				string(rune('a'+i))+"x"+tokensOf(10), 0.5, false)
			require.NoError(t, err)
		}
		// General profile gives working memory 0.35 of 100 tokens, so only
		// three 10-token items fit the 35-token share.
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 100, IntentHint: "general",
		})
		require.NoError(t, err)
		assert.Equal(t, 3, result.WorkingCount)
		assert.LessOrEqual(t, result.TokensUsed, 100)
	})
	t.Run("Should boost candidates sharing focus entities", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		focused := f.seedMemory(t, "u1", "the billing service owns the invoices schema",
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.5, []string{"svc:billing"}, []float32{1, 0, 0, 0})
		plain := f.seedMemory(t, "u1", "the web frontend is a spa",
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.6, []string{"svc:web"}, []float32{0.9, 0.436, 0, 0})
		f.fake.Fix("q", []float32{1, 0, 0, 0})
		boosted, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 1000,
			IntentHint: "general", FocusEntities: []string{"svc:billing"},
		})
		require.NoError(t, err)
		items := longTermItems(boosted)
		require.NotEmpty(t, items)
		assert.Equal(t, focused, items[0].ID)
		unboosted, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 1000, IntentHint: "general",
		})
		require.NoError(t, err)
		items = longTermItems(unboosted)
		require.NotEmpty(t, items)
		assert.Equal(t, plain, items[0].ID)
	})
	t.Run("Should skip oversized candidates instead of truncating them", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		f.seedMemory(t, "u1", strings.Repeat("an oversized memory body ", 100),
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.9, nil, []float32{1, 0, 0, 0})
		small := f.seedMemory(t, "u1", tokensOf(50),
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.5, nil, []float32{0.9, 0.436, 0, 0})
		f.fake.Fix("q", []float32{1, 0, 0, 0})
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 400, IntentHint: "general",
		})
		require.NoError(t, err)
		items := longTermItems(result)
		require.Len(t, items, 1)
		assert.Equal(t, small, items[0].ID)
		assert.LessOrEqual(t, result.TokensUsed, 400)
	})
	t.Run("Should stay within the requested budget", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		_, err := f.working.InitSession(ctx, "s1", "u1", "", 1000, nil)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := f.working.Append(ctx, "s1", "u1", store.ContentTypeMessage,
				string(rune('a'+i))+"y"+tokensOf(40), 0.5, false)
			require.NoError(t, err)
		}
		f.seedMemory(t, "u1", tokensOf(80),
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.9, nil, []float32{1, 0, 0, 0})
		f.fake.Fix("q", []float32{1, 0, 0, 0})
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "q", TokenBudget: 500, IntentHint: "general",
		})
		require.NoError(t, err)
		total := 0
		for _, item := range result.Items {
			total += item.TokenCount
		}
		assert.Equal(t, total, result.TokensUsed)
		assert.LessOrEqual(t, total, 500)
		assert.InDelta(t, 100*float64(total)/500, result.BudgetUsedPercent, 1e-9)
	})
	t.Run("Should log an access for every long-term item returned", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		id := f.seedMemory(t, "u1", "the api gateway terminates tls",
			taxonomy.CategorySemantic, taxonomy.SubtypeProject, 0.9, nil, []float32{1, 0, 0, 0})
		f.fake.Fix("who terminates tls?", []float32{1, 0, 0, 0})
		result, err := f.assembler.GetRelevantContext(ctx, Request{
			SessionID: "s1", UserID: "u1", Query: "who terminates tls?", TokenBudget: 1000, IntentHint: "general",
		})
		require.NoError(t, err)
		require.NotEmpty(t, longTermItems(result))
		entries := f.memstore.AccessLogEntries()
		require.Len(t, entries, len(longTermItems(result)))
		assert.Equal(t, id, entries[0].MemoryID)
		assert.Equal(t, "s1", entries[0].SessionID)
		assert.Equal(t, "u1", entries[0].UserID)
		assert.Equal(t, "who terminates tls?", entries[0].Query)
	})
	t.Run("Should reject a missing query or non-positive budget", func(t *testing.T) {
		f := newFixture(t, model.NewScriptedChat())
		_, err := f.assembler.GetRelevantContext(ctx, Request{SessionID: "s1", UserID: "u1", TokenBudget: 100})
		assert.True(t, core.IsCode(err, core.CodeValidation))
		_, err = f.assembler.GetRelevantContext(ctx, Request{SessionID: "s1", UserID: "u1", Query: "q"})
		assert.True(t, core.IsCode(err, core.CodeValidation))
	})
}
