package tools

import (
	"context"
	"time"

	"github.com/engramdb/engram/engine/assembler"
	"github.com/engramdb/engram/engine/longterm"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/engine/workingmem"
)

// InitSessionRequest carries one init_session call.
type InitSessionRequest struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	OrgID     string     `json:"org_id,omitempty"`
	MaxTokens int        `json:"max_tokens,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// InitSession creates or resumes a session.
func (s *Service) InitSession(ctx context.Context, req InitSessionRequest) (*store.SessionContext, error) {
	session, err := s.working.InitSession(ctx, req.SessionID, req.UserID, req.OrgID, req.MaxTokens, req.ExpiresAt)
	return session, s.fail(ctx, "init_session", req.UserID, req.SessionID, err)
}

// AddToWorkingMemoryRequest carries one add_to_working_memory call.
type AddToWorkingMemoryRequest struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	ContentType store.ContentType `json:"content_type"`
	Content     string            `json:"content"`
	Relevance   float64           `json:"relevance_score"`
	Pinned      bool              `json:"pinned"`
}

// AddToWorkingMemory appends one item, evicting lower-priority items when the
// session is full.
func (s *Service) AddToWorkingMemory(ctx context.Context, req AddToWorkingMemoryRequest) (*workingmem.AppendResult, error) {
	result, err := s.working.Append(ctx, req.SessionID, req.UserID, req.ContentType, req.Content, req.Relevance, req.Pinned)
	if err != nil {
		return nil, s.fail(ctx, "add_to_working_memory", req.UserID, req.Content, err)
	}
	return result, nil
}

// GetWorkingMemoryRequest carries one get_working_memory call.
type GetWorkingMemoryRequest struct {
	SessionID   string            `json:"session_id"`
	TokenBudget int               `json:"token_budget,omitempty"`
	ContentType store.ContentType `json:"content_type,omitempty"`
}

// GetWorkingMemory returns the session's items, budget-limited when a budget
// is given.
func (s *Service) GetWorkingMemory(ctx context.Context, req GetWorkingMemoryRequest) ([]*store.WorkingItem, error) {
	items, err := s.working.GetItems(ctx, req.SessionID, req.TokenBudget, req.ContentType)
	return items, s.fail(ctx, "get_working_memory", "", req.SessionID, err)
}

// UpdateWorkingMemoryItemRequest carries one update_working_memory_item call.
// Nil fields stay untouched.
type UpdateWorkingMemoryItemRequest struct {
	SessionID string   `json:"session_id"`
	ItemID    string   `json:"item_id"`
	Pinned    *bool    `json:"pinned,omitempty"`
	Relevance *float64 `json:"relevance_score,omitempty"`
}

// UpdateWorkingMemoryItem adjusts an item's pinned flag or relevance.
func (s *Service) UpdateWorkingMemoryItem(ctx context.Context, req UpdateWorkingMemoryItemRequest) (*store.WorkingItem, error) {
	item, err := s.working.UpdateItem(ctx, req.SessionID, req.ItemID, req.Pinned, req.Relevance)
	return item, s.fail(ctx, "update_working_memory_item", "", req.ItemID, err)
}

// ClearWorkingMemory empties the session, optionally checkpointing valuable
// items to long-term memory first.
func (s *Service) ClearWorkingMemory(ctx context.Context, sessionID string, checkpointFirst bool) (*workingmem.ClearResult, error) {
	result, err := s.working.Clear(ctx, sessionID, checkpointFirst)
	if err != nil {
		return nil, s.fail(ctx, "clear_working_memory", "", sessionID, err)
	}
	return result, nil
}

// CheckpointWorkingMemory promotes valuable items without deleting anything.
func (s *Service) CheckpointWorkingMemory(ctx context.Context, sessionID string) (*workingmem.ClearResult, error) {
	result, err := s.working.Checkpoint(ctx, sessionID)
	if err != nil {
		return nil, s.fail(ctx, "checkpoint_working_memory", "", sessionID, err)
	}
	return result, nil
}

// StoreMemory stores or merges one long-term memory.
func (s *Service) StoreMemory(ctx context.Context, req longterm.StoreRequest) (*longterm.StoreResult, error) {
	result, err := s.longterm.Store(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "store_memory", req.UserID, req.Content, err)
	}
	return result, nil
}

// RecallMemories runs a composite-relevance recall.
func (s *Service) RecallMemories(ctx context.Context, req longterm.RecallRequest) ([]*longterm.RecalledMemory, error) {
	results, err := s.longterm.Recall(ctx, req)
	return results, s.fail(ctx, "recall_memories", req.UserID, req.Query, err)
}

// UpdateMemory edits one memory in place.
func (s *Service) UpdateMemory(ctx context.Context, req longterm.UpdateRequest) (*store.Memory, error) {
	memory, err := s.longterm.Update(ctx, req)
	return memory, s.fail(ctx, "update_memory", req.UserID, req.MemoryID, err)
}

// ForgetMemory deletes one memory, softly unless hard is set.
func (s *Service) ForgetMemory(ctx context.Context, userID, memoryID string, hard bool) error {
	return s.fail(ctx, "forget_memory", userID, memoryID,
		s.longterm.Forget(ctx, userID, memoryID, hard))
}

// ForgetAllUserMemories erases everything the user owns. The confirmation
// must be the literal token.
func (s *Service) ForgetAllUserMemories(ctx context.Context, userID, confirmation string) (*store.PurgeResult, error) {
	result, err := s.longterm.ForgetAll(ctx, userID, confirmation)
	return result, s.fail(ctx, "forget_all_user_memories", userID, userID, err)
}

// SupersedeMemory marks one memory as replaced by another.
func (s *Service) SupersedeMemory(ctx context.Context, userID, oldID, newID string) error {
	return s.fail(ctx, "supersede_memory", userID, oldID,
		s.longterm.Supersede(ctx, userID, oldID, newID))
}

// LinkMemories records a typed relationship between two memories.
func (s *Service) LinkMemories(ctx context.Context, req longterm.LinkRequest) error {
	return s.fail(ctx, "link_memories", req.UserID, req.SourceID, s.longterm.Link(ctx, req))
}

// UnlinkMemories removes a relationship.
func (s *Service) UnlinkMemories(ctx context.Context, userID, sourceID, targetID string, tag store.RelationshipTag) error {
	return s.fail(ctx, "unlink_memories", userID, sourceID,
		s.longterm.Unlink(ctx, userID, sourceID, targetID, tag))
}

// GetRelatedMemories returns a memory's graph neighbors.
func (s *Service) GetRelatedMemories(ctx context.Context, userID, memoryID string, limit int) ([]*longterm.RelatedMemory, error) {
	related, err := s.longterm.GetRelated(ctx, userID, memoryID, limit)
	return related, s.fail(ctx, "get_related_memories", userID, memoryID, err)
}

// AutoLinkSimilar links a memory to its same-category nearest neighbors.
func (s *Service) AutoLinkSimilar(ctx context.Context, userID, memoryID string, threshold float64, maxLinks int) (*longterm.AutoLinkResult, error) {
	result, err := s.longterm.AutoLinkSimilar(ctx, userID, memoryID, threshold, maxLinks)
	return result, s.fail(ctx, "auto_link_similar", userID, memoryID, err)
}

// FindContradictions flags recent memory pairs that look inconsistent.
func (s *Service) FindContradictions(ctx context.Context, userID string, limit int) ([]*longterm.Contradiction, error) {
	found, err := s.longterm.FindContradictions(ctx, userID, limit)
	return found, s.fail(ctx, "find_contradictions", userID, userID, err)
}

// ApplyDecay runs one importance-decay sweep for the user.
func (s *Service) ApplyDecay(ctx context.Context, userID string) (*longterm.DecayResult, error) {
	result, err := s.longterm.ApplyDecay(ctx, userID)
	return result, s.fail(ctx, "apply_decay", userID, userID, err)
}

// GetQualityReport builds the memory-health report for the user.
func (s *Service) GetQualityReport(ctx context.Context, userID string) (*longterm.QualityReport, error) {
	report, err := s.longterm.Quality(ctx, userID)
	return report, s.fail(ctx, "get_quality_report", userID, userID, err)
}

// GetRelevantContext assembles a token-budgeted context window for a query.
func (s *Service) GetRelevantContext(ctx context.Context, req assembler.Request) (*assembler.Result, error) {
	result, err := s.assembler.GetRelevantContext(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "get_relevant_context", req.UserID, req.Query, err)
	}
	return result, nil
}

// GetStats reports per-service call metrics over the window.
func (s *Service) GetStats(windowMinutes int) metrics.Stats {
	return s.collector.Stats(windowMinutes)
}

// GetRecentCalls returns the newest recorded calls for a service.
func (s *Service) GetRecentCalls(service string, limit int) []metrics.CallMetric {
	return s.collector.RecentCalls(service, limit)
}

// GetMemoryAnalytics aggregates the user's long-term memory shape.
func (s *Service) GetMemoryAnalytics(ctx context.Context, userID string) (*store.MemoryAnalytics, error) {
	analytics, err := s.gateway.Analytics(ctx, userID)
	return analytics, s.fail(ctx, "get_memory_analytics", userID, userID, err)
}

// GetRecentErrors returns the newest tool-error log entries.
func (s *Service) GetRecentErrors(ctx context.Context, limit int) ([]*store.ToolErrorEntry, error) {
	return s.gateway.ListToolErrors(ctx, limit)
}

// DetectIntent exposes intent classification for callers that want to route
// before assembling context.
func (s *Service) DetectIntent(ctx context.Context, query string) taxonomy.Intent {
	return s.models.DetectIntent(ctx, query)
}
