package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/engine/assembler"
	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/longterm"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/model"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/pkg/config"
)

const testDim = 4

func newService(t *testing.T, chat model.ChatModel) (*Service, *model.FakeEmbedder, *store.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Provider = "memory"
	cfg.Store.Dimension = testDim
	fake := model.NewFakeEmbedder(testDim)
	embedder, err := model.WrapEmbedder(fake, testDim, cfg.Model.CacheSize)
	require.NoError(t, err)
	memstore := store.NewMemoryStore(testDim)
	collector := metrics.NewCollector(memstore)
	models := model.NewGateway(embedder, chat, collector)
	return Assemble(cfg, memstore, models, collector), fake, memstore
}

func fptr(v float64) *float64 { return &v }

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	t.Run("Should carry a conversation from session to recall to context", func(t *testing.T) {
		svc, fake, _ := newService(t, model.NewScriptedChat())
		session, err := svc.InitSession(ctx, InitSessionRequest{SessionID: "s1", UserID: "u1", MaxTokens: 1000})
		require.NoError(t, err)
		assert.Equal(t, 1000, session.MaxTokens)

		appended, err := svc.AddToWorkingMemory(ctx, AddToWorkingMemoryRequest{
			SessionID:   "s1",
			UserID:      "u1",
			ContentType: store.ContentTypeMessage,
			Content:     "we are migrating billing to postgres",
			Relevance:   0.4,
		})
		require.NoError(t, err)
		assert.Positive(t, appended.SessionTokens)

		fake.Fix("billing owns the invoices schema", []float32{1, 0, 0, 0})
		stored, err := svc.StoreMemory(ctx, longterm.StoreRequest{
			UserID:     "u1",
			Content:    "billing owns the invoices schema",
			Category:   taxonomy.CategorySemantic,
			Subtype:    taxonomy.SubtypeProject,
			Importance: fptr(0.8),
			Entities:   []string{"svc:billing"},
		})
		require.NoError(t, err)
		assert.Equal(t, "stored", stored.Action)

		fake.Fix("who owns invoices?", []float32{1, 0, 0, 0})
		recalled, err := svc.RecallMemories(ctx, longterm.RecallRequest{UserID: "u1", Query: "who owns invoices?"})
		require.NoError(t, err)
		require.Len(t, recalled, 1)
		assert.Equal(t, stored.MemoryID, recalled[0].Memory.ID)

		result, err := svc.GetRelevantContext(ctx, assembler.Request{
			SessionID:   "s1",
			UserID:      "u1",
			Query:       "who owns invoices?",
			TokenBudget: 1000,
			IntentHint:  "general",
		})
		require.NoError(t, err)
		assert.Equal(t, taxonomy.IntentGeneral, result.Intent)
		assert.Equal(t, 1, result.WorkingCount)
		assert.Equal(t, 1, result.LongTermCount)
		assert.LessOrEqual(t, result.TokensUsed, 1000)

		analytics, err := svc.GetMemoryAnalytics(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, analytics.TotalMemories)
	})
	t.Run("Should surface embedding traffic in the stats", func(t *testing.T) {
		svc, fake, _ := newService(t, model.NewScriptedChat())
		fake.Fix("fact", []float32{1, 0, 0, 0})
		_, err := svc.StoreMemory(ctx, longterm.StoreRequest{
			UserID:   "u1",
			Content:  "fact",
			Category: taxonomy.CategorySemantic,
			Subtype:  taxonomy.SubtypeDomain,
			Entities: []string{"x"},
		})
		require.NoError(t, err)
		stats := svc.GetStats(60)
		embedding := stats.Services[metrics.ServiceEmbedding]
		assert.Positive(t, embedding.CallsInWindow)
		calls := svc.GetRecentCalls(metrics.ServiceEmbedding, 10)
		assert.NotEmpty(t, calls)
	})
}

func TestServicePromotionWiring(t *testing.T) {
	ctx := context.Background()
	t.Run("Should promote checkpointed items into long-term memory", func(t *testing.T) {
		chat := model.NewScriptedChat(
			`{"category":"episodic","subtype":"decision","importance":0.4,"entities":["svc:api"],"is_temporal":false}`)
		svc, _, memstore := newService(t, chat)
		_, err := svc.InitSession(ctx, InitSessionRequest{SessionID: "s1", UserID: "u1", MaxTokens: 1000})
		require.NoError(t, err)
		_, err = svc.AddToWorkingMemory(ctx, AddToWorkingMemoryRequest{
			SessionID:   "s1",
			UserID:      "u1",
			ContentType: store.ContentTypeMessage,
			Content:     "decided to keep rest for the public api",
			Relevance:   0.9,
		})
		require.NoError(t, err)
		cleared, err := svc.ClearWorkingMemory(ctx, "s1", true)
		require.NoError(t, err)
		assert.Equal(t, 1, cleared.PromotedItems)
		memories, err := memstore.ListMemories(ctx, "u1", false)
		require.NoError(t, err)
		require.Len(t, memories, 1)
		assert.Equal(t, "working_memory_promotion", memories[0].SourceType)
		assert.Equal(t, 0.9, memories[0].Importance)
		items, err := svc.GetWorkingMemory(ctx, GetWorkingMemoryRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestServiceErrorLogging(t *testing.T) {
	ctx := context.Background()
	t.Run("Should log blocked writes without echoing the credential", func(t *testing.T) {
		svc, _, _ := newService(t, model.NewScriptedChat())
		secret := "ghp_" + strings.Repeat("a1B2", 9)
		_, err := svc.InitSession(ctx, InitSessionRequest{SessionID: "s1", UserID: "u1"})
		require.NoError(t, err)
		_, err = svc.AddToWorkingMemory(ctx, AddToWorkingMemoryRequest{
			SessionID:   "s1",
			UserID:      "u1",
			ContentType: store.ContentTypeMessage,
			Content:     "my token is " + secret,
			Relevance:   0.5,
		})
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeSecurityViolation))
		entries, err := svc.GetRecentErrors(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "add_to_working_memory", entries[0].ToolName)
		assert.Equal(t, string(core.CodeSecurityViolation), entries[0].ErrorType)
		assert.NotContains(t, entries[0].ErrorMessage, secret)
		assert.NotContains(t, entries[0].InputPreview, secret)
	})
	t.Run("Should log a failed forget with its error code", func(t *testing.T) {
		svc, _, _ := newService(t, model.NewScriptedChat())
		err := svc.ForgetMemory(ctx, "u1", "missing", false)
		require.Error(t, err)
		entries, err := svc.GetRecentErrors(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "forget_memory", entries[0].ToolName)
		assert.Equal(t, string(core.CodeNotFound), entries[0].ErrorType)
	})
	t.Run("Should refuse forget-all without the confirmation token", func(t *testing.T) {
		svc, _, _ := newService(t, model.NewScriptedChat())
		_, err := svc.ForgetAllUserMemories(ctx, "u1", "nope")
		require.Error(t, err)
		assert.True(t, core.IsCode(err, core.CodeValidation))
	})
}
