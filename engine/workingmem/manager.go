// Package workingmem manages session-scoped working memory: item append with
// capacity eviction, token-budgeted reads, checkpoint promotion to long-term
// memory, and session clearing. Appends within one session are totally
// ordered by a per-session mutex.
package workingmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/security"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/token"
	"github.com/engramdb/engram/pkg/logger"
)

// Promoter copies an evicted or checkpointed item into long-term memory.
// The long-term manager satisfies this.
type Promoter interface {
	Promote(ctx context.Context, userID string, item *store.WorkingItem) error
}

// Config carries the working-memory policy knobs.
type Config struct {
	DefaultMaxTokens    int     // session capacity when the caller gives none
	PromotionThreshold  float64 // eviction promotes items at or above this relevance
	CheckpointThreshold float64 // clear/checkpoint promote items at or above this relevance
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxTokens:    8000,
		PromotionThreshold:  0.6,
		CheckpointThreshold: 0.5,
	}
}

// Manager is the working-memory component.
type Manager struct {
	gateway  store.Gateway
	counter  token.Counter
	promoter Promoter
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewManager wires the manager. promoter may be nil, in which case eviction
// and checkpoints skip promotion with a warning.
func NewManager(gateway store.Gateway, counter token.Counter, promoter Promoter, cfg Config) *Manager {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 8000
	}
	if cfg.PromotionThreshold == 0 {
		cfg.PromotionThreshold = 0.6
	}
	if cfg.CheckpointThreshold == 0 {
		cfg.CheckpointThreshold = 0.5
	}
	return &Manager{
		gateway:  gateway,
		counter:  counter,
		promoter: promoter,
		cfg:      cfg,
		sessions: make(map[string]*sync.Mutex),
	}
}

// SetPromoter installs the promoter after construction; the long-term
// manager depends on the store gateway, so wiring is two-phase.
func (m *Manager) SetPromoter(p Promoter) { m.promoter = p }

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.sessions[sessionID] = lock
	}
	return lock
}

// InitSession creates the session if absent or resumes it, bumping last
// activity. maxTokens <= 0 selects the configured default.
func (m *Manager) InitSession(ctx context.Context, sessionID, userID, orgID string, maxTokens int, expiresAt *time.Time) (*store.SessionContext, error) {
	if sessionID == "" || userID == "" {
		return nil, core.NewError(core.CodeValidation, "session id and user id are required")
	}
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	session, err := m.gateway.GetSession(ctx, sessionID)
	if err == nil {
		session.LastActivityAt = now
		if err := m.gateway.PutSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	if !core.IsCode(err, core.CodeNotFound) {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = m.cfg.DefaultMaxTokens
	}
	session = &store.SessionContext{
		ID:             sessionID,
		UserID:         userID,
		OrgID:          orgID,
		MaxTokens:      maxTokens,
		CurrentTokens:  0,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
	}
	if err := m.gateway.PutSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// AppendResult reports the outcome of one append.
type AppendResult struct {
	Item          *store.WorkingItem `json:"item"`
	EvictedItems  int                `json:"evicted_items"`
	PromotedItems int                `json:"promoted_items"`
	SessionTokens int                `json:"session_tokens"`
}

// Append security-checks and inserts one item, evicting lower-priority
// unpinned items first when the session would overflow.
func (m *Manager) Append(ctx context.Context, sessionID, userID string, contentType store.ContentType, content string, relevance float64, pinned bool) (*AppendResult, error) {
	if contentType == "" {
		contentType = store.ContentTypeMessage
	}
	if !store.ValidContentType(contentType) {
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("unknown content type %q", contentType))
	}
	if relevance < 0 || relevance > 1 {
		return nil, core.NewError(core.CodeValidation, "relevance must be within [0, 1]")
	}
	if contentType != store.ContentTypeSystem {
		if _, err := security.Check(content); err != nil {
			return nil, err
		}
	}
	tokens := m.counter.Count(content)

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.gateway.GetSession(ctx, sessionID)
	if core.IsCode(err, core.CodeNotFound) {
		session, err = m.createSessionLocked(ctx, sessionID, userID)
	}
	if err != nil {
		return nil, err
	}

	items, err := m.gateway.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var nextSeq int64 = 1
	for _, item := range items {
		if item.Sequence >= nextSeq {
			nextSeq = item.Sequence + 1
		}
	}

	result := &AppendResult{}
	if session.CurrentTokens+tokens > session.MaxTokens {
		evicted, promoted, freed, err := m.evict(ctx, session, items, tokens)
		if err != nil {
			return nil, err
		}
		result.EvictedItems = evicted
		result.PromotedItems = promoted
		session.CurrentTokens -= freed
	}

	now := time.Now()
	item := &store.WorkingItem{
		ID:             core.NewID(),
		SessionID:      sessionID,
		ContentType:    contentType,
		Content:        content,
		TokenCount:     tokens,
		Relevance:      relevance,
		Pinned:         pinned,
		Sequence:       nextSeq,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.gateway.InsertItem(ctx, item); err != nil {
		return nil, err
	}
	session.CurrentTokens += tokens
	session.LastActivityAt = now
	if err := m.gateway.PutSession(ctx, session); err != nil {
		return nil, err
	}
	result.Item = item
	result.SessionTokens = session.CurrentTokens
	return result, nil
}

func (m *Manager) createSessionLocked(ctx context.Context, sessionID, userID string) (*store.SessionContext, error) {
	if userID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required to auto-create a session")
	}
	now := time.Now()
	session := &store.SessionContext{
		ID:             sessionID,
		UserID:         userID,
		MaxTokens:      m.cfg.DefaultMaxTokens,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.gateway.PutSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// evictionPriority favors relevance, then recency, with a bonus keeping task
// state resident.
func evictionPriority(item *store.WorkingItem, now time.Time) float64 {
	age := now.Sub(item.CreatedAt).Seconds()
	p := 100*item.Relevance + 10/(1+age/3600)
	if item.ContentType == store.ContentTypeTaskState {
		p += 10
	}
	return p
}

func (m *Manager) evict(ctx context.Context, session *store.SessionContext, items []*store.WorkingItem, needed int) (evicted, promoted, freed int, err error) {
	now := time.Now()
	candidates := make([]*store.WorkingItem, 0, len(items))
	for _, item := range items {
		if !item.Pinned {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return evictionPriority(candidates[i], now) < evictionPriority(candidates[j], now)
	})
	var victimIDs []string
	for _, item := range candidates {
		if freed >= needed {
			break
		}
		if m.shouldPromote(item) {
			if err := m.promote(ctx, session.UserID, item); err != nil {
				return 0, 0, 0, err
			}
			promoted++
		}
		victimIDs = append(victimIDs, item.ID)
		freed += item.TokenCount
		evicted++
	}
	if len(victimIDs) > 0 {
		if err := m.gateway.DeleteItems(ctx, session.ID, victimIDs); err != nil {
			return 0, 0, 0, err
		}
	}
	return evicted, promoted, freed, nil
}

func (m *Manager) shouldPromote(item *store.WorkingItem) bool {
	return item.Relevance >= m.cfg.PromotionThreshold || item.ContentType == store.ContentTypeTaskState
}

func (m *Manager) promote(ctx context.Context, userID string, item *store.WorkingItem) error {
	if m.promoter == nil {
		logger.FromContext(ctx).Warn("no promoter wired, dropping item instead of promoting",
			"session_id", item.SessionID, "item_id", item.ID)
		return nil
	}
	return m.promoter.Promote(ctx, userID, item)
}

// GetItems returns items ordered by (pinned desc, relevance desc, sequence
// desc), greedy-filled up to the token budget. budget <= 0 returns all items.
// contentType, when non-empty, filters the result.
func (m *Manager) GetItems(ctx context.Context, sessionID string, budget int, contentType store.ContentType) ([]*store.WorkingItem, error) {
	items, err := m.gateway.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		filtered := items[:0]
		for _, item := range items {
			if item.ContentType == contentType {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Pinned != items[j].Pinned {
			return items[i].Pinned
		}
		if items[i].Relevance != items[j].Relevance {
			return items[i].Relevance > items[j].Relevance
		}
		return items[i].Sequence > items[j].Sequence
	})
	if budget <= 0 {
		return items, nil
	}
	out := make([]*store.WorkingItem, 0, len(items))
	total := 0
	for _, item := range items {
		if total+item.TokenCount > budget {
			break
		}
		out = append(out, item)
		total += item.TokenCount
	}
	return out, nil
}

// UpdateItem adjusts an item's pinned flag and relevance score. Nil leaves a
// field untouched. The session token total is unaffected.
func (m *Manager) UpdateItem(ctx context.Context, sessionID, itemID string, pinned *bool, relevance *float64) (*store.WorkingItem, error) {
	if relevance != nil && (*relevance < 0 || *relevance > 1) {
		return nil, core.NewError(core.CodeValidation, "relevance must be within [0, 1]")
	}
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	items, err := m.gateway.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var target *store.WorkingItem
	for _, item := range items {
		if item.ID == itemID {
			target = item
			break
		}
	}
	if target == nil {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("working item %s not found", itemID))
	}
	if pinned != nil {
		target.Pinned = *pinned
	}
	if relevance != nil {
		target.Relevance = *relevance
	}
	target.LastAccessedAt = time.Now()
	if err := m.gateway.UpdateItem(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

// ClearResult reports the outcome of a clear or checkpoint.
type ClearResult struct {
	RemovedItems  int `json:"removed_items"`
	PromotedItems int `json:"promoted_items"`
}

// Clear deletes every item and resets the session token total. With
// checkpointFirst, items with relevance at or above the checkpoint threshold
// or pinned are promoted to long-term memory before deletion.
func (m *Manager) Clear(ctx context.Context, sessionID string, checkpointFirst bool) (*ClearResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := m.gateway.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := &ClearResult{}
	if checkpointFirst {
		for _, item := range items {
			if item.Relevance >= m.cfg.CheckpointThreshold || item.Pinned {
				if err := m.promote(ctx, session.UserID, item); err != nil {
					return nil, err
				}
				result.PromotedItems++
			}
		}
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := m.gateway.DeleteItems(ctx, sessionID, ids); err != nil {
		return nil, err
	}
	result.RemovedItems = len(items)
	session.CurrentTokens = 0
	session.LastActivityAt = time.Now()
	if err := m.gateway.PutSession(ctx, session); err != nil {
		return nil, err
	}
	return result, nil
}

// Checkpoint runs the promotion pass without deleting anything.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) (*ClearResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := m.gateway.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := &ClearResult{}
	for _, item := range items {
		if item.Relevance >= m.cfg.CheckpointThreshold || item.Pinned {
			if err := m.promote(ctx, session.UserID, item); err != nil {
				return nil, err
			}
			result.PromotedItems++
		}
	}
	return result, nil
}
