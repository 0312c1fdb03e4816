package model

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/pkg/logger"
)

// Classification is the structured result of classifying new content.
type Classification struct {
	Category   taxonomy.Category `json:"category"`
	Subtype    taxonomy.Subtype  `json:"subtype"`
	Importance float64           `json:"importance"`
	Entities   []string          `json:"entities"`
	IsTemporal bool              `json:"is_temporal"`
	Summary    string            `json:"summary,omitempty"`
}

// FallbackClassification is returned whenever the model cannot produce a
// usable answer.
func FallbackClassification() *Classification {
	return &Classification{
		Category:   taxonomy.DefaultCategory,
		Subtype:    taxonomy.DefaultSubtype,
		Importance: 0.5,
		Entities:   []string{},
	}
}

// Gateway bundles the model-service operations behind one component.
type Gateway struct {
	embedder  *Embedder
	chat      ChatModel
	collector *metrics.Collector
}

// NewGateway wires the embedder and chat model with the shared collector.
// collector may be nil.
func NewGateway(embedder *Embedder, chat ChatModel, collector *metrics.Collector) *Gateway {
	return &Gateway{embedder: embedder, chat: chat, collector: collector}
}

// Dimension returns the embedding dimension.
func (g *Gateway) Dimension() int { return g.embedder.Dimension() }

// Embed returns the cached-or-fresh vector for text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, err := g.embedder.Embed(ctx, text)
	g.record(ctx, metrics.ServiceEmbedding, "embed", start, len(text)/4, 0, err)
	return vector, err
}

// EmbedBatch embeds texts preserving order.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	total := 0
	for _, t := range texts {
		total += len(t) / 4
	}
	vectors, err := g.embedder.EmbedBatch(ctx, texts)
	g.record(ctx, metrics.ServiceEmbedding, "embed_batch", start, total, 0, err)
	return vectors, err
}

const classifySystem = `You classify facts for an agent memory system.
Categories and subtypes:
- episodic: event, decision, conversation, outcome
- semantic: user, project, environment, domain, entity
- procedural: workflow, pattern, tool_usage, debugging
- preference: communication, style, tools, boundaries
Respond with strict JSON only, no prose:
{"category": "...", "subtype": "...", "importance": 0.0-1.0,
 "entities": ["type:name", ...], "is_temporal": true|false, "summary": "..."}
The summary is optional and only for content longer than a paragraph.`

// Classify routes content through the chat model. Failures of any kind fall
// back to (semantic, domain, 0.5) with a warning; the caller never sees an
// error unless the deadline elapsed.
func (g *Gateway) Classify(ctx context.Context, content, contextHint string) (*Classification, error) {
	prompt := "Content:\n" + content
	if contextHint != "" {
		prompt += "\n\nContext:\n" + contextHint
	}
	start := time.Now()
	raw, err := g.chat.Complete(ctx, classifySystem, prompt)
	g.record(ctx, metrics.ServiceModel, "classify", start, len(prompt)/4, len(raw)/4, err)
	if err != nil {
		if core.IsDeadline(err) {
			return nil, core.WrapError(core.CodeTimeout, "classify deadline elapsed", err)
		}
		logger.FromContext(ctx).Warn("classification failed, using fallback", "error", core.RedactError(err))
		return FallbackClassification(), nil
	}
	result, ok := parseClassification(raw)
	if !ok {
		logger.FromContext(ctx).Warn("classification output unparseable, using fallback",
			"preview", core.Preview(raw, 120))
		return FallbackClassification(), nil
	}
	return result, nil
}

func parseClassification(raw string) (*Classification, bool) {
	body := extractJSON(raw)
	if body == "" || !gjson.Valid(body) {
		return nil, false
	}
	category := taxonomy.Category(gjson.Get(body, "category").String())
	subtype := taxonomy.Subtype(gjson.Get(body, "subtype").String())
	if !taxonomy.Validate(category, subtype) {
		return nil, false
	}
	result := &Classification{
		Category:   category,
		Subtype:    subtype,
		Importance: clamp01(gjson.Get(body, "importance").Float()),
		IsTemporal: gjson.Get(body, "is_temporal").Bool(),
		Summary:    gjson.Get(body, "summary").String(),
		Entities:   []string{},
	}
	for _, entity := range gjson.Get(body, "entities").Array() {
		if s := strings.TrimSpace(entity.String()); s != "" {
			result.Entities = append(result.Entities, s)
		}
	}
	return result, true
}

const extractSystem = `You extract named entities from text for an agent memory system.
Respond with strict JSON only: {"entities": ["type:name", ...]}
Use lowercase types such as person, tool, project, file, service, concept.`

// ExtractEntities returns "type:name" strings, empty on any failure.
func (g *Gateway) ExtractEntities(ctx context.Context, content string) ([]string, error) {
	start := time.Now()
	raw, err := g.chat.Complete(ctx, extractSystem, content)
	g.record(ctx, metrics.ServiceModel, "extract_entities", start, len(content)/4, len(raw)/4, err)
	if err != nil {
		if core.IsDeadline(err) {
			return nil, core.WrapError(core.CodeTimeout, "entity extraction deadline elapsed", err)
		}
		logger.FromContext(ctx).Warn("entity extraction failed", "error", core.RedactError(err))
		return []string{}, nil
	}
	body := extractJSON(raw)
	if body == "" || !gjson.Valid(body) {
		return []string{}, nil
	}
	var entities []string
	for _, entity := range gjson.Get(body, "entities").Array() {
		if s := strings.TrimSpace(entity.String()); s != "" {
			entities = append(entities, s)
		}
	}
	if entities == nil {
		entities = []string{}
	}
	return entities, nil
}

const intentSystem = `You label the intent of a query against an agent memory system.
Answer with exactly one word from: how_to, what_happened, what_is, debug, general.`

// DetectIntent labels a query, defaulting to general on any ambiguity.
// There is no retryable failure class here; the default always suffices.
func (g *Gateway) DetectIntent(ctx context.Context, query string) taxonomy.Intent {
	start := time.Now()
	raw, err := g.chat.Complete(ctx, intentSystem, query)
	g.record(ctx, metrics.ServiceModel, "detect_intent", start, len(query)/4, len(raw)/4, err)
	if err != nil {
		logger.FromContext(ctx).Debug("intent detection failed, defaulting to general",
			"error", core.RedactError(err))
		return taxonomy.IntentGeneral
	}
	word := raw
	if fields := strings.Fields(raw); len(fields) > 0 {
		word = fields[0]
	}
	return taxonomy.ParseIntent(strings.Trim(word, `"'.`))
}

const summarizeSystem = `You compress a memory into one or two sentences keeping the concrete facts.
Respond with the summary text only.`

// Summarize condenses content. Unlike classification, failures surface: the
// caller treats the summary as optional and decides what to do.
func (g *Gateway) Summarize(ctx context.Context, content string) (string, error) {
	start := time.Now()
	raw, err := g.chat.Complete(ctx, summarizeSystem, content)
	g.record(ctx, metrics.ServiceModel, "summarize", start, len(content)/4, len(raw)/4, err)
	if err != nil {
		if core.IsDeadline(err) {
			return "", core.WrapError(core.CodeTimeout, "summarize deadline elapsed", err)
		}
		return "", core.WrapError(core.CodeUpstreamModel, "summarize failed", err)
	}
	return strings.TrimSpace(raw), nil
}

func (g *Gateway) record(ctx context.Context, service, operation string, start time.Time, tokensIn, tokensOut int, err error) {
	if g.collector == nil {
		return
	}
	metric := metrics.CallMetric{
		Service:   service,
		Operation: operation,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Success:   err == nil,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	g.collector.Record(ctx, metric)
}

// extractJSON strips code fences and trims to the outermost JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last <= first {
		return ""
	}
	return s[first : last+1]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
