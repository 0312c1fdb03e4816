package store

import (
	"context"
	"time"

	"github.com/engramdb/engram/engine/metrics"
)

// Gateway is the typed surface over the persistent store. Implementations
// serialize write transactions behind a single process-wide mutex; reads run
// in parallel with each other and with the in-flight write. The gateway does
// no semantic validation: it trusts inputs and surfaces structural failures
// (missing row, malformed vector length) as taxonomy errors.
type Gateway interface {
	// Sessions. Sessions are created on first reference and never hard
	// deleted outside of PurgeUser. GetSession treats an expired session
	// as absent.
	GetSession(ctx context.Context, sessionID string) (*SessionContext, error)
	PutSession(ctx context.Context, session *SessionContext) error

	// Working-memory items.
	InsertItem(ctx context.Context, item *WorkingItem) error
	ListItems(ctx context.Context, sessionID string) ([]*WorkingItem, error)
	UpdateItem(ctx context.Context, item *WorkingItem) error
	DeleteItems(ctx context.Context, sessionID string, itemIDs []string) error

	// Long-term memories. InsertMemoryDeduped runs the near-duplicate
	// search and the insert inside one write-mutex scope so two concurrent
	// near-duplicate writes cannot both slip past the similarity gate. It
	// returns the surviving memory id and whether a new row was inserted;
	// when merged, the existing row's last-access timestamp is touched.
	InsertMemoryDeduped(ctx context.Context, memory *Memory, dedupSigma float64, dedupK int) (memoryID string, inserted bool, err error)
	GetMemory(ctx context.Context, memoryID string) (*Memory, error)
	UpdateMemory(ctx context.Context, memory *Memory) error
	SoftDeleteMemory(ctx context.Context, memoryID string, at time.Time) error
	RestoreMemory(ctx context.Context, memoryID string) error
	HardDeleteMemory(ctx context.Context, memoryID string) error
	SearchMemories(ctx context.Context, query SearchQuery) ([]MemoryMatch, error)
	// TouchMemories increments access counts and bumps last-access for a
	// batch of memories in one write transaction.
	TouchMemories(ctx context.Context, memoryIDs []string, at time.Time) error
	ListMemories(ctx context.Context, userID string, includeDeleted bool) ([]*Memory, error)
	PurgeUser(ctx context.Context, userID string) (*PurgeResult, error)

	// Relationships.
	UpsertRelationship(ctx context.Context, rel *Relationship) error
	ListRelationships(ctx context.Context, memoryID string) ([]*Relationship, error)
	DeleteRelationship(ctx context.Context, sourceID, targetID string, tag RelationshipTag) error

	// Append-only logs and analytics.
	AppendAccessLog(ctx context.Context, entry *AccessLogEntry) error
	AppendToolError(ctx context.Context, entry *ToolErrorEntry) error
	ListToolErrors(ctx context.Context, limit int) ([]*ToolErrorEntry, error)
	AppendServiceMetric(ctx context.Context, metric metrics.CallMetric) error
	Analytics(ctx context.Context, userID string) (*MemoryAnalytics, error)

	Close(ctx context.Context) error
}

// Retry bounds for transient serialization conflicts on the write path.
const (
	retryBase     = 50 * time.Millisecond
	retryCap      = 1 * time.Second
	retryAttempts = 5
)
