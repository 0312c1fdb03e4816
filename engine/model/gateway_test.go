package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/taxonomy"
)

const testDim = 8

func newTestGateway(t *testing.T, chat ChatModel) (*Gateway, *FakeEmbedder) {
	t.Helper()
	fake := NewFakeEmbedder(testDim)
	embedder, err := WrapEmbedder(fake, testDim, 1000)
	require.NoError(t, err)
	return NewGateway(embedder, chat, metrics.NewCollector(nil)), fake
}

func TestEmbed(t *testing.T) {
	ctx := context.Background()
	t.Run("Should be deterministic within a process via the cache", func(t *testing.T) {
		g, fake := newTestGateway(t, NewScriptedChat())
		first, err := g.Embed(ctx, "the payments service uses stripe")
		require.NoError(t, err)
		second, err := g.Embed(ctx, "the payments service uses stripe")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, fake.Calls())
	})
	t.Run("Should return vectors of the configured dimension", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat())
		vector, err := g.Embed(ctx, "anything")
		require.NoError(t, err)
		assert.Len(t, vector, testDim)
	})
	t.Run("Should give the cache a private copy", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat())
		first, err := g.Embed(ctx, "mutate me")
		require.NoError(t, err)
		first[0] = 99
		second, err := g.Embed(ctx, "mutate me")
		require.NoError(t, err)
		assert.NotEqual(t, float32(99), second[0])
	})
}

func TestEmbedBatch(t *testing.T) {
	ctx := context.Background()
	t.Run("Should preserve order and only embed cache misses", func(t *testing.T) {
		g, fake := newTestGateway(t, NewScriptedChat())
		warm, err := g.Embed(ctx, "b")
		require.NoError(t, err)
		vectors, err := g.EmbedBatch(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, vectors, 3)
		assert.Equal(t, warm, vectors[1])
		assert.Equal(t, 3, fake.Calls())
	})
	t.Run("Should deduplicate repeated texts inside one batch", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat())
		vectors, err := g.EmbedBatch(ctx, []string{"same", "same"})
		require.NoError(t, err)
		assert.Equal(t, vectors[0], vectors[1])
	})
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	t.Run("Should parse a strict JSON answer", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(
			`{"category":"procedural","subtype":"workflow","importance":0.8,"entities":["tool:make"],"is_temporal":false}`))
		result, err := g.Classify(ctx, "run make lint before pushing", "")
		require.NoError(t, err)
		assert.Equal(t, taxonomy.CategoryProcedural, result.Category)
		assert.Equal(t, taxonomy.SubtypeWorkflow, result.Subtype)
		assert.Equal(t, 0.8, result.Importance)
		assert.Equal(t, []string{"tool:make"}, result.Entities)
	})
	t.Run("Should strip code fences around the JSON", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(
			"```json\n{\"category\":\"semantic\",\"subtype\":\"entity\",\"importance\":0.4,\"entities\":[],\"is_temporal\":false}\n```"))
		result, err := g.Classify(ctx, "postgres is the main database", "")
		require.NoError(t, err)
		assert.Equal(t, taxonomy.SubtypeEntity, result.Subtype)
	})
	t.Run("Should fall back on unparseable output", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat("I think this is about databases."))
		result, err := g.Classify(ctx, "whatever", "")
		require.NoError(t, err)
		assert.Equal(t, taxonomy.DefaultCategory, result.Category)
		assert.Equal(t, taxonomy.DefaultSubtype, result.Subtype)
		assert.Equal(t, 0.5, result.Importance)
	})
	t.Run("Should fall back on an invalid taxonomy pair", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(
			`{"category":"episodic","subtype":"workflow","importance":0.9,"entities":[],"is_temporal":false}`))
		result, err := g.Classify(ctx, "whatever", "")
		require.NoError(t, err)
		assert.Equal(t, taxonomy.DefaultCategory, result.Category)
	})
	t.Run("Should recover a model failure with the fallback", func(t *testing.T) {
		chat := NewScriptedChat()
		chat.Err = errors.New("connection refused")
		g, _ := newTestGateway(t, chat)
		result, err := g.Classify(ctx, "whatever", "")
		require.NoError(t, err)
		assert.Equal(t, taxonomy.DefaultCategory, result.Category)
	})
	t.Run("Should clamp importance into the unit interval", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(
			`{"category":"semantic","subtype":"domain","importance":3.5,"entities":[],"is_temporal":false}`))
		result, err := g.Classify(ctx, "whatever", "")
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.Importance)
	})
}

func TestExtractEntities(t *testing.T) {
	ctx := context.Background()
	t.Run("Should parse an entity list", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(`{"entities":["person:alice","tool:pgvector"]}`))
		entities, err := g.ExtractEntities(ctx, "alice set up pgvector")
		require.NoError(t, err)
		assert.Equal(t, []string{"person:alice", "tool:pgvector"}, entities)
	})
	t.Run("Should return an empty list on parse failure", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat("no entities here"))
		entities, err := g.ExtractEntities(ctx, "anything")
		require.NoError(t, err)
		assert.Empty(t, entities)
	})
	t.Run("Should return an empty list on model failure", func(t *testing.T) {
		chat := NewScriptedChat()
		chat.Err = errors.New("boom")
		g, _ := newTestGateway(t, chat)
		entities, err := g.ExtractEntities(ctx, "anything")
		require.NoError(t, err)
		assert.Empty(t, entities)
	})
}

func TestDetectIntent(t *testing.T) {
	ctx := context.Background()
	t.Run("Should accept a single-word answer", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat("how_to"))
		assert.Equal(t, taxonomy.IntentHowTo, g.DetectIntent(ctx, "how do I deploy?"))
	})
	t.Run("Should take the first word of a chatty answer", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat(`debug. The user is asking about an error.`))
		assert.Equal(t, taxonomy.IntentDebug, g.DetectIntent(ctx, "why does this panic?"))
	})
	t.Run("Should default to general on failure", func(t *testing.T) {
		chat := NewScriptedChat()
		chat.Err = errors.New("boom")
		g, _ := newTestGateway(t, chat)
		assert.Equal(t, taxonomy.IntentGeneral, g.DetectIntent(ctx, "hm"))
	})
	t.Run("Should default to general on an unknown label", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat("philosophy"))
		assert.Equal(t, taxonomy.IntentGeneral, g.DetectIntent(ctx, "hm"))
	})
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	t.Run("Should return trimmed summary text", func(t *testing.T) {
		g, _ := newTestGateway(t, NewScriptedChat("  The deploy failed twice due to a missing secret.  "))
		summary, err := g.Summarize(ctx, "long content ...")
		require.NoError(t, err)
		assert.Equal(t, "The deploy failed twice due to a missing secret.", summary)
	})
	t.Run("Should surface model failures", func(t *testing.T) {
		chat := NewScriptedChat()
		chat.Err = errors.New("boom")
		g, _ := newTestGateway(t, chat)
		_, err := g.Summarize(ctx, "content")
		assert.Error(t, err)
	})
}
