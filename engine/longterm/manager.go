// Package longterm manages user-scoped persistent memory: classified storage
// with deduplication, composite-relevance recall, supersession, relationship
// edges, contradiction detection, decay, and quality reporting.
package longterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/model"
	"github.com/engramdb/engram/engine/security"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/engine/token"
	"github.com/engramdb/engram/pkg/logger"
)

// ConfirmDeleteAll is the literal token forget-all requires.
const ConfirmDeleteAll = "CONFIRM_DELETE_ALL"

// Weights are the composite relevance coefficients.
type Weights struct {
	Semantic   float64
	Recency    float64
	Frequency  float64
	Importance float64
}

// Config carries the long-term memory policy knobs.
type Config struct {
	DedupSigma          float64
	DedupK              int
	RecallSigma         float64
	ContradictionSigma  float64
	RecencyHalfLifeDays float64
	AccessCap           int
	Weights             Weights
	DecayRate           float64
	DecayInactiveDays   int
	DecayFloor          float64
	SummaryMinTokens    int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		DedupSigma:          0.95,
		DedupK:              3,
		RecallSigma:         0.7,
		ContradictionSigma:  0.75,
		RecencyHalfLifeDays: 30,
		AccessCap:           100,
		Weights:             Weights{Semantic: 0.5, Recency: 0.2, Frequency: 0.1, Importance: 0.2},
		DecayRate:           0.98,
		DecayInactiveDays:   7,
		DecayFloor:          0.1,
		SummaryMinTokens:    50,
	}
}

// Manager is the long-term memory component.
type Manager struct {
	gateway store.Gateway
	models  *model.Gateway
	counter token.Counter
	cfg     Config
	now     func() time.Time
}

// NewManager wires the manager.
func NewManager(gateway store.Gateway, models *model.Gateway, counter token.Counter, cfg Config) *Manager {
	if cfg.DedupSigma == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{gateway: gateway, models: models, counter: counter, cfg: cfg, now: time.Now}
}

// StoreRequest carries one store_memory call. Category/Subtype are optional
// hints; empty means classify.
type StoreRequest struct {
	UserID          string
	Content         string
	Category        taxonomy.Category
	Subtype         taxonomy.Subtype
	Importance      *float64
	Entities        []string
	Metadata        map[string]any
	EventTime       *time.Time
	IsTemporal      bool
	SourceSessionID string
	SourceType      string
	Confidence      *float64
}

// StoreResult reports what happened to the content.
type StoreResult struct {
	MemoryID   string            `json:"memory_id"`
	Action     string            `json:"action"` // "stored" or "merged-with-existing"
	Category   taxonomy.Category `json:"category"`
	Subtype    taxonomy.Subtype  `json:"subtype"`
	Importance float64           `json:"importance"`
	Summary    string            `json:"summary,omitempty"`
}

// Store validates, classifies, embeds, and inserts new content, merging with
// an existing near-duplicate instead of inserting when one exists.
// Classification and embedding run before the write lock is taken.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if req.UserID == "" || req.Content == "" {
		return nil, core.NewError(core.CodeValidation, "user id and content are required")
	}
	if _, err := security.Check(req.Content); err != nil {
		return nil, err
	}

	category, subtype := req.Category, req.Subtype
	importance := 0.5
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return nil, core.NewError(core.CodeValidation, "importance must be within [0, 1]")
		}
		importance = *req.Importance
	}
	entities := req.Entities
	isTemporal := req.IsTemporal
	summary := ""

	if category == "" && subtype == "" {
		classification, err := m.models.Classify(ctx, req.Content, "")
		if err != nil {
			return nil, err
		}
		category, subtype = classification.Category, classification.Subtype
		if req.Importance == nil {
			importance = classification.Importance
		}
		if len(entities) == 0 {
			entities = classification.Entities
		}
		if !isTemporal {
			isTemporal = classification.IsTemporal
		}
		summary = classification.Summary
	}
	if !taxonomy.Validate(category, subtype) {
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("unknown classification %s.%s", category, subtype))
	}
	if len(entities) == 0 {
		extracted, err := m.models.ExtractEntities(ctx, req.Content)
		if err != nil {
			return nil, err
		}
		entities = extracted
	}
	if summary == "" && m.counter.Count(req.Content) > m.cfg.SummaryMinTokens {
		generated, err := m.models.Summarize(ctx, req.Content)
		if err != nil {
			logger.FromContext(ctx).Warn("summary generation failed, storing without one",
				"error", core.RedactError(err))
		} else {
			summary = generated
		}
	}

	embedding, err := m.models.Embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	now := m.now()
	memory := &store.Memory{
		ID:              core.NewID(),
		UserID:          req.UserID,
		Category:        category,
		Subtype:         subtype,
		Content:         req.Content,
		Summary:         summary,
		Embedding:       embedding,
		Entities:        entities,
		Metadata:        req.Metadata,
		EventTime:       req.EventTime,
		IsTemporal:      isTemporal,
		Importance:      importance,
		AccessCount:     0,
		DecayFactor:     1.0,
		SourceSessionID: req.SourceSessionID,
		SourceType:      req.SourceType,
		Confidence:      confidence,
		CreatedAt:       now,
		LastAccessedAt:  now,
		UpdatedAt:       now,
	}
	memoryID, inserted, err := m.gateway.InsertMemoryDeduped(ctx, memory, m.cfg.DedupSigma, m.cfg.DedupK)
	if err != nil {
		return nil, err
	}
	action := "stored"
	if !inserted {
		action = "merged-with-existing"
	}
	return &StoreResult{
		MemoryID:   memoryID,
		Action:     action,
		Category:   category,
		Subtype:    subtype,
		Importance: importance,
		Summary:    summary,
	}, nil
}

// Promote copies an evicted or checkpointed working-memory item into
// long-term memory, carrying its relevance as importance.
func (m *Manager) Promote(ctx context.Context, userID string, item *store.WorkingItem) error {
	importance := item.Relevance
	_, err := m.Store(ctx, StoreRequest{
		UserID:          userID,
		Content:         item.Content,
		Importance:      &importance,
		SourceSessionID: item.SessionID,
		SourceType:      "working_memory_promotion",
	})
	return err
}

// RecallRequest carries one recall_memories call.
type RecallRequest struct {
	UserID         string
	Query          string
	SessionID      string
	Categories     []taxonomy.Category
	Subtypes       []taxonomy.Subtype
	Entities       []string
	Since          *time.Time
	Until          *time.Time
	MinConfidence  float64
	Limit          int
	SigmaMin       *float64 // nil selects the configured recall default
	IncludeRelated bool
}

// RecalledMemory is one recall hit with its composite relevance.
type RecalledMemory struct {
	Memory     *store.Memory   `json:"memory"`
	Similarity float64         `json:"similarity"`
	Relevance  float64         `json:"relevance"`
	Related    []*store.Memory `json:"related,omitempty"`
}

// Recall embeds the query, ranks the store's candidates by composite
// relevance, touches access counts in one batch, and appends access-log
// entries best-effort.
func (m *Manager) Recall(ctx context.Context, req RecallRequest) ([]*RecalledMemory, error) {
	if req.UserID == "" || req.Query == "" {
		return nil, core.NewError(core.CodeValidation, "user id and query are required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	sigma := m.cfg.RecallSigma
	if req.SigmaMin != nil {
		sigma = *req.SigmaMin
	}
	embedding, err := m.models.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	matches, err := m.gateway.SearchMemories(ctx, store.SearchQuery{
		UserID:        req.UserID,
		Embedding:     embedding,
		Categories:    req.Categories,
		Subtypes:      req.Subtypes,
		Entities:      req.Entities,
		Since:         req.Since,
		Until:         req.Until,
		MinConfidence: req.MinConfidence,
		MinSimilarity: sigma,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	now := m.now()
	results := make([]*RecalledMemory, 0, len(matches))
	for _, match := range matches {
		results = append(results, &RecalledMemory{
			Memory:     match.Memory,
			Similarity: match.Similarity,
			Relevance:  m.compositeRelevance(match.Memory, match.Similarity, now),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		if results[i].Memory.Importance != results[j].Memory.Importance {
			return results[i].Memory.Importance > results[j].Memory.Importance
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	if err := m.gateway.TouchMemories(ctx, ids, now); err != nil {
		return nil, err
	}
	for _, r := range results {
		entry := &store.AccessLogEntry{
			ID:         core.NewID(),
			MemoryID:   r.Memory.ID,
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			Query:      req.Query,
			Similarity: r.Similarity,
			AccessedAt: now,
		}
		if err := m.gateway.AppendAccessLog(ctx, entry); err != nil {
			logger.FromContext(ctx).Warn("access log append failed",
				"memory_id", r.Memory.ID, "error", core.RedactError(err))
		}
	}
	if req.IncludeRelated {
		for _, r := range results {
			related, err := m.relatedMemories(ctx, req.UserID, r.Memory.ID, 3)
			if err != nil {
				logger.FromContext(ctx).Warn("related lookup failed",
					"memory_id", r.Memory.ID, "error", core.RedactError(err))
				continue
			}
			r.Related = related
		}
	}
	return results, nil
}

// compositeRelevance blends semantic similarity, recency, access frequency,
// and importance.
func (m *Manager) compositeRelevance(memory *store.Memory, similarity float64, now time.Time) float64 {
	ageDays := now.Sub(memory.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / m.cfg.RecencyHalfLifeDays)
	frequency := math.Log1p(float64(memory.AccessCount)) / math.Log1p(float64(m.cfg.AccessCap))
	w := m.cfg.Weights
	return w.Semantic*similarity + w.Recency*recency + w.Frequency*frequency + w.Importance*memory.Importance
}

// UpdateRequest carries one update_memory call. Nil fields stay untouched;
// metadata merges key-wise.
type UpdateRequest struct {
	UserID     string
	MemoryID   string
	Content    *string
	Summary    *string
	Category   *taxonomy.Category
	Subtype    *taxonomy.Subtype
	Importance *float64
	Confidence *float64
	Entities   []string
	Metadata   map[string]any
	EventTime  *time.Time
}

// Update edits a memory in place, re-validating and re-embedding when the
// content changed.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*store.Memory, error) {
	memory, err := m.ownedMemory(ctx, req.UserID, req.MemoryID)
	if err != nil {
		return nil, err
	}
	if req.Content != nil && *req.Content != memory.Content {
		if _, err := security.Check(*req.Content); err != nil {
			return nil, err
		}
		embedding, err := m.models.Embed(ctx, *req.Content)
		if err != nil {
			return nil, err
		}
		memory.Content = *req.Content
		memory.Embedding = embedding
	}
	if req.Summary != nil {
		memory.Summary = *req.Summary
	}
	if req.Category != nil || req.Subtype != nil {
		category, subtype := memory.Category, memory.Subtype
		if req.Category != nil {
			category = *req.Category
		}
		if req.Subtype != nil {
			subtype = *req.Subtype
		}
		if !taxonomy.Validate(category, subtype) {
			return nil, core.NewError(core.CodeValidation,
				fmt.Sprintf("unknown classification %s.%s", category, subtype))
		}
		memory.Category, memory.Subtype = category, subtype
	}
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return nil, core.NewError(core.CodeValidation, "importance must be within [0, 1]")
		}
		memory.Importance = *req.Importance
	}
	if req.Confidence != nil {
		memory.Confidence = *req.Confidence
	}
	if req.Entities != nil {
		memory.Entities = req.Entities
	}
	if len(req.Metadata) > 0 {
		if memory.Metadata == nil {
			memory.Metadata = make(map[string]any, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			memory.Metadata[k] = v
		}
	}
	if req.EventTime != nil {
		memory.EventTime = req.EventTime
	}
	memory.UpdatedAt = m.now()
	if err := m.gateway.UpdateMemory(ctx, memory); err != nil {
		return nil, err
	}
	return memory, nil
}

// Forget removes a memory: soft by default, hard removes the row and its
// relationships.
func (m *Manager) Forget(ctx context.Context, userID, memoryID string, hard bool) error {
	if _, err := m.ownedMemory(ctx, userID, memoryID); err != nil {
		return err
	}
	if hard {
		return m.gateway.HardDeleteMemory(ctx, memoryID)
	}
	return m.gateway.SoftDeleteMemory(ctx, memoryID, m.now())
}

// ForgetAll hard-deletes every row the user owns across all tables. The
// caller must pass the literal confirmation token.
func (m *Manager) ForgetAll(ctx context.Context, userID, confirmation string) (*store.PurgeResult, error) {
	if userID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}
	if confirmation != ConfirmDeleteAll {
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("confirmation token must be the literal %q", ConfirmDeleteAll)).
			WithHint("this erases every memory the user owns and cannot be undone")
	}
	return m.gateway.PurgeUser(ctx, userID)
}

// Supersede marks old as replaced by new: sets new.supersedes, soft-deletes
// old, and records an old -> new edge tagged updates.
func (m *Manager) Supersede(ctx context.Context, userID, oldID, newID string) error {
	if oldID == newID {
		return core.NewError(core.CodeValidation, "a memory cannot supersede itself")
	}
	oldMemory, err := m.ownedMemory(ctx, userID, oldID)
	if err != nil {
		return err
	}
	newMemory, err := m.ownedMemory(ctx, userID, newID)
	if err != nil {
		return err
	}
	newMemory.Supersedes = oldMemory.ID
	newMemory.UpdatedAt = m.now()
	if err := m.gateway.UpdateMemory(ctx, newMemory); err != nil {
		return err
	}
	if err := m.gateway.SoftDeleteMemory(ctx, oldMemory.ID, m.now()); err != nil {
		return err
	}
	return m.gateway.UpsertRelationship(ctx, &store.Relationship{
		SourceID:  oldMemory.ID,
		TargetID:  newMemory.ID,
		Tag:       store.RelUpdates,
		Strength:  1.0,
		Context:   "superseded",
		CreatedAt: m.now(),
		CreatedBy: "system",
	})
}

// ownedMemory loads a memory and hides other users' rows behind not-found.
func (m *Manager) ownedMemory(ctx context.Context, userID, memoryID string) (*store.Memory, error) {
	if userID == "" || memoryID == "" {
		return nil, core.NewError(core.CodeValidation, "user id and memory id are required")
	}
	memory, err := m.gateway.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if memory.UserID != userID {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	return memory, nil
}
