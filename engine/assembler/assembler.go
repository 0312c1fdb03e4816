// Package assembler builds token-budgeted context windows for a query by
// blending session working memory with intent-weighted long-term retrieval.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/model"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/engine/token"
	"github.com/engramdb/engram/engine/workingmem"
	"github.com/engramdb/engram/pkg/logger"
)

const (
	// SourceWorking and SourceLongTerm tag where a context item came from.
	SourceWorking  = "working_memory"
	SourceLongTerm = "long_term"

	// minSubBudget is the smallest per-key allocation worth a vector search.
	minSubBudget = 50
	// candidatesPerKey caps retrieval per profile key.
	candidatesPerKey = 5
	// entityBoost is the per-overlapping-entity score multiplier increment.
	entityBoost = 0.3
)

// Assembler is the context-assembly component.
type Assembler struct {
	working *workingmem.Manager
	gateway store.Gateway
	models  *model.Gateway
	counter token.Counter
	now     func() time.Time
}

// New wires the assembler.
func New(working *workingmem.Manager, gateway store.Gateway, models *model.Gateway, counter token.Counter) *Assembler {
	return &Assembler{working: working, gateway: gateway, models: models, counter: counter, now: time.Now}
}

// Request carries one get_relevant_context call. IntentHint, when it names a
// known intent, skips detection. FocusEntities enable the entity boost.
type Request struct {
	SessionID     string
	UserID        string
	Query         string
	TokenBudget   int
	IntentHint    string
	FocusEntities []string
}

// Item is one selected context entry.
type Item struct {
	Source     string            `json:"source"`
	ID         string            `json:"id"`
	Category   taxonomy.Category `json:"category,omitempty"`
	Subtype    taxonomy.Subtype  `json:"subtype,omitempty"`
	Content    string            `json:"content"`
	TokenCount int               `json:"token_count"`
	Score      float64           `json:"score"`
	Rationale  string            `json:"rationale"`
}

// Result is the assembled context window.
type Result struct {
	Items             []*Item         `json:"items"`
	Intent            taxonomy.Intent `json:"intent"`
	TokenBudget       int             `json:"token_budget"`
	TokensUsed        int             `json:"tokens_used"`
	BudgetUsedPercent float64         `json:"budget_used_percent"`
	WorkingCount      int             `json:"working_count"`
	LongTermCount     int             `json:"long_term_count"`
}

// candidate is a scored long-term match awaiting greedy selection.
type candidate struct {
	memory     *store.Memory
	similarity float64
	weight     float64
	score      float64
	tokens     int
}

// GetRelevantContext fills the token budget in two phases: working memory
// first, by the intent profile's working share, then long-term memories per
// weighted taxonomy key, greedily by score. Items that would overflow are
// skipped, never truncated.
func (a *Assembler) GetRelevantContext(ctx context.Context, req Request) (*Result, error) {
	if req.SessionID == "" || req.UserID == "" || req.Query == "" {
		return nil, core.NewError(core.CodeValidation, "session id, user id, and query are required")
	}
	if req.TokenBudget <= 0 {
		return nil, core.NewError(core.CodeValidation, "token budget must be positive")
	}
	intent := taxonomy.IntentGeneral
	if req.IntentHint != "" {
		intent = taxonomy.ParseIntent(req.IntentHint)
	} else {
		intent = a.models.DetectIntent(ctx, req.Query)
	}
	weights := taxonomy.Weights(intent)

	result := &Result{Intent: intent, TokenBudget: req.TokenBudget}
	used := a.workingPhase(ctx, req, weights[taxonomy.WorkingMemoryKey], result)

	remaining := req.TokenBudget - used
	candidates, err := a.longTermCandidates(ctx, req, weights, remaining)
	if err != nil {
		return nil, err
	}
	used += a.selectCandidates(ctx, req, candidates, remaining, result)

	result.TokensUsed = used
	result.BudgetUsedPercent = 100 * float64(used) / float64(req.TokenBudget)
	return result, nil
}

// workingPhase fills the working-memory share, ordered by (pinned desc,
// sequence desc). A missing session just means no working context.
func (a *Assembler) workingPhase(ctx context.Context, req Request, share float64, result *Result) int {
	subBudget := int(float64(req.TokenBudget) * share)
	if subBudget <= 0 {
		return 0
	}
	items, err := a.working.GetItems(ctx, req.SessionID, 0, "")
	if err != nil {
		if !core.IsCode(err, core.CodeNotFound) {
			logger.FromContext(ctx).Warn("working-memory read failed during assembly",
				"session_id", req.SessionID, "error", core.RedactError(err))
		}
		return 0
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Pinned != items[j].Pinned {
			return items[i].Pinned
		}
		return items[i].Sequence > items[j].Sequence
	})
	used := 0
	for _, item := range items {
		if used+item.TokenCount > subBudget {
			break
		}
		used += item.TokenCount
		result.Items = append(result.Items, &Item{
			Source:     SourceWorking,
			ID:         item.ID,
			Content:    item.Content,
			TokenCount: item.TokenCount,
			Rationale:  fmt.Sprintf("%s (%s)", SourceWorking, item.ContentType),
		})
		result.WorkingCount++
	}
	return used
}

// longTermCandidates retrieves and scores candidates for every weighted
// taxonomy key whose sub-budget clears the minimum.
func (a *Assembler) longTermCandidates(ctx context.Context, req Request, weights taxonomy.WeightProfile, remaining int) ([]*candidate, error) {
	if remaining < minSubBudget {
		return nil, nil
	}
	embedding, err := a.models.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	focus := make(map[string]bool, len(req.FocusEntities))
	for _, e := range req.FocusEntities {
		focus[e] = true
	}
	keys := make([]string, 0, len(weights))
	for key := range weights {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var candidates []*candidate
	for _, key := range keys {
		category, subtype, ok := taxonomy.SplitProfileKey(key)
		if !ok {
			continue
		}
		weight := weights[key]
		if int(float64(remaining)*weight) < minSubBudget {
			continue
		}
		matches, err := a.gateway.SearchMemories(ctx, store.SearchQuery{
			UserID:     req.UserID,
			Embedding:  embedding,
			Categories: []taxonomy.Category{category},
			Subtypes:   []taxonomy.Subtype{subtype},
			Limit:      candidatesPerKey,
		})
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			score := match.Memory.Importance * weight
			if len(focus) > 0 {
				overlap := 0
				for _, e := range match.Memory.Entities {
					if focus[e] {
						overlap++
					}
				}
				score *= 1 + entityBoost*float64(overlap)
			}
			candidates = append(candidates, &candidate{
				memory:     match.Memory,
				similarity: match.Similarity,
				weight:     weight,
				score:      score,
				tokens:     a.counter.Count(match.Memory.Content),
			})
		}
	}
	return candidates, nil
}

// selectCandidates greedily consumes the remaining budget by descending
// score, logging an access for every memory it includes.
func (a *Assembler) selectCandidates(ctx context.Context, req Request, candidates []*candidate, remaining int, result *Result) int {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].memory.CreatedAt.After(candidates[j].memory.CreatedAt)
	})
	used := 0
	now := a.now()
	for _, c := range candidates {
		if used+c.tokens > remaining {
			continue
		}
		used += c.tokens
		result.Items = append(result.Items, &Item{
			Source:     SourceLongTerm,
			ID:         c.memory.ID,
			Category:   c.memory.Category,
			Subtype:    c.memory.Subtype,
			Content:    c.memory.Content,
			TokenCount: c.tokens,
			Score:      c.score,
			Rationale:  fmt.Sprintf("%s.%s (score %.2f)", c.memory.Category, c.memory.Subtype, c.score),
		})
		result.LongTermCount++
		entry := &store.AccessLogEntry{
			ID:         core.NewID(),
			MemoryID:   c.memory.ID,
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			Query:      req.Query,
			Similarity: c.similarity,
			AccessedAt: now,
		}
		if err := a.gateway.AppendAccessLog(ctx, entry); err != nil {
			logger.FromContext(ctx).Warn("access log append failed during assembly",
				"memory_id", c.memory.ID, "error", core.RedactError(err))
		}
	}
	return used
}
