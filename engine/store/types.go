// Package store is the gateway to the persistent memory store. It exposes
// typed operations over the five core tables plus the append-only auxiliary
// tables, serializes writers behind a process-wide mutex, and retries
// transient serialization conflicts with bounded backoff.
package store

import (
	"time"

	"github.com/engramdb/engram/engine/taxonomy"
)

// ContentType tags a working-memory item.
type ContentType string

const (
	ContentTypeMessage         ContentType = "message"
	ContentTypeTaskState       ContentType = "task_state"
	ContentTypeScratchpad      ContentType = "scratchpad"
	ContentTypeSystem          ContentType = "system"
	ContentTypeRetrievedMemory ContentType = "retrieved_memory"
)

// ValidContentType reports whether ct is one of the fixed tags.
func ValidContentType(ct ContentType) bool {
	switch ct {
	case ContentTypeMessage, ContentTypeTaskState, ContentTypeScratchpad,
		ContentTypeSystem, ContentTypeRetrievedMemory:
		return true
	}
	return false
}

// SessionContext is a conversational session owning working-memory items.
// Created on first reference, never hard-deleted.
type SessionContext struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	OrgID          string         `json:"org_id,omitempty"`
	MaxTokens      int            `json:"max_tokens"`
	CurrentTokens  int            `json:"current_tokens"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// Expired reports whether the session has passed its expiry at the given time.
func (s *SessionContext) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// WorkingItem is one entry in a session's working memory.
type WorkingItem struct {
	ID             string      `json:"item_id"`
	SessionID      string      `json:"session_id"`
	ContentType    ContentType `json:"content_type"`
	Content        string      `json:"content"`
	TokenCount     int         `json:"token_count"`
	Relevance      float64     `json:"relevance_score"`
	Pinned         bool        `json:"pinned"`
	Sequence       int64       `json:"sequence"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
}

// Memory is one long-term memory row. Embedding always has exactly the
// configured dimension.
type Memory struct {
	ID              string            `json:"memory_id"`
	UserID          string            `json:"user_id"`
	Category        taxonomy.Category `json:"category"`
	Subtype         taxonomy.Subtype  `json:"subtype"`
	Content         string            `json:"content"`
	Summary         string            `json:"summary,omitempty"`
	Embedding       []float32         `json:"-"`
	Entities        []string          `json:"entities,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	EventTime       *time.Time        `json:"event_time,omitempty"`
	IsTemporal      bool              `json:"is_temporal"`
	Importance      float64           `json:"importance"`
	AccessCount     int               `json:"access_count"`
	DecayFactor     float64           `json:"decay_factor"`
	Supersedes      string            `json:"supersedes,omitempty"`
	SourceSessionID string            `json:"source_session_id,omitempty"`
	SourceType      string            `json:"source_type,omitempty"`
	Confidence      float64           `json:"confidence"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessedAt  time.Time         `json:"last_accessed_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the memory is soft-deleted.
func (m *Memory) Deleted() bool { return m.DeletedAt != nil }

// Clone returns a deep copy safe to hand to callers.
func (m *Memory) Clone() *Memory {
	out := *m
	out.Embedding = append([]float32(nil), m.Embedding...)
	out.Entities = append([]string(nil), m.Entities...)
	if m.Metadata != nil {
		meta := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	if m.EventTime != nil {
		t := *m.EventTime
		out.EventTime = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// RelationshipTag labels a directed edge between two memories.
type RelationshipTag string

const (
	RelRelatedTo   RelationshipTag = "related_to"
	RelPartOf      RelationshipTag = "part_of"
	RelDependsOn   RelationshipTag = "depends_on"
	RelContradicts RelationshipTag = "contradicts"
	RelUpdates     RelationshipTag = "updates"
)

// ValidRelationshipTag reports whether the tag is one of the fixed labels.
func ValidRelationshipTag(tag RelationshipTag) bool {
	switch tag {
	case RelRelatedTo, RelPartOf, RelDependsOn, RelContradicts, RelUpdates:
		return true
	}
	return false
}

// Bidirectional reports whether the tag is symmetric; symmetric edges are
// matched in either direction on lookup.
func (t RelationshipTag) Bidirectional() bool {
	return t == RelRelatedTo || t == RelContradicts
}

// Relationship is a directed edge between two memories of the same user.
type Relationship struct {
	SourceID  string          `json:"source_memory_id"`
	TargetID  string          `json:"target_memory_id"`
	Tag       RelationshipTag `json:"relationship_type"`
	Strength  float64         `json:"strength"`
	Context   string          `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	CreatedBy string          `json:"created_by,omitempty"`
}

// AccessLogEntry records one retrieval of a memory. Append-only, used for
// analytics only.
type AccessLogEntry struct {
	ID         string    `json:"access_id"`
	MemoryID   string    `json:"memory_id"`
	SessionID  string    `json:"session_id,omitempty"`
	UserID     string    `json:"user_id"`
	Query      string    `json:"query,omitempty"`
	Similarity float64   `json:"similarity"`
	WasUseful  *bool     `json:"was_useful,omitempty"`
	WasUsed    *bool     `json:"was_used,omitempty"`
	AccessedAt time.Time `json:"accessed_at"`
}

// ToolErrorEntry records one failed tool call for later review.
type ToolErrorEntry struct {
	ID           string    `json:"error_id"`
	ToolName     string    `json:"tool_name"`
	UserID       string    `json:"user_id,omitempty"`
	ErrorType    string    `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message"`
	InputPreview string    `json:"input_preview,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SearchQuery describes one vector search over a user's live memories.
type SearchQuery struct {
	UserID        string
	Embedding     []float32
	Categories    []taxonomy.Category
	Subtypes      []taxonomy.Subtype
	Entities      []string
	Since         *time.Time
	Until         *time.Time
	MinConfidence float64
	MinSimilarity float64
	Limit         int
}

// MemoryMatch is one search hit annotated with its cosine similarity.
type MemoryMatch struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// PurgeResult reports how many rows a user erasure removed per table.
type PurgeResult struct {
	Memories      int `json:"memories"`
	Relationships int `json:"relationships"`
	AccessLogs    int `json:"access_logs"`
	Sessions      int `json:"sessions"`
	WorkingItems  int `json:"working_items"`
}

// CategoryCount aggregates live memories per (category, subtype).
type CategoryCount struct {
	Category taxonomy.Category `json:"category"`
	Subtype  taxonomy.Subtype  `json:"subtype"`
	Count    int               `json:"count"`
}

// MemoryAnalytics is the per-user aggregate behind get_memory_analytics.
type MemoryAnalytics struct {
	TotalMemories   int             `json:"total_memories"`
	SoftDeleted     int             `json:"soft_deleted"`
	ByCategory      []CategoryCount `json:"by_category"`
	AvgImportance   float64         `json:"avg_importance"`
	AvgConfidence   float64         `json:"avg_confidence"`
	TotalAccesses   int             `json:"total_accesses"`
	Relationships   int             `json:"relationships"`
	OldestCreatedAt *time.Time      `json:"oldest_created_at,omitempty"`
	NewestCreatedAt *time.Time      `json:"newest_created_at,omitempty"`
}
