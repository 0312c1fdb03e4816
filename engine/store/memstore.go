package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/taxonomy"
)

// MemoryStore is the exact-scan in-process Gateway. It backs tests and
// single-node deployments without a vector database; search is a full cosine
// scan over the user's live rows.
type MemoryStore struct {
	mu        sync.RWMutex
	writeMu   sync.Mutex
	dimension int

	sessions  map[string]*SessionContext
	items     map[string]map[string]*WorkingItem // session id -> item id -> item
	memories  map[string]*Memory
	relations []*Relationship
	accessLog []*AccessLogEntry
	toolErrs  []*ToolErrorEntry
	svcMetric []metrics.CallMetric
}

// NewMemoryStore builds an empty in-process store for vectors of the given
// dimension.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		sessions:  make(map[string]*SessionContext),
		items:     make(map[string]map[string]*WorkingItem),
		memories:  make(map[string]*Memory),
	}
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Expired(time.Now()) {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	out := *session
	return &out, nil
}

func (s *MemoryStore) PutSession(_ context.Context, session *SessionContext) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) InsertItem(_ context.Context, item *WorkingItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.items[item.SessionID]
	if bucket == nil {
		bucket = make(map[string]*WorkingItem)
		s.items[item.SessionID] = bucket
	}
	cp := *item
	bucket[item.ID] = &cp
	return nil
}

func (s *MemoryStore) ListItems(_ context.Context, sessionID string) ([]*WorkingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkingItem, 0, len(s.items[sessionID]))
	for _, item := range s.items[sessionID] {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, item *WorkingItem) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.items[item.SessionID]
	if bucket == nil || bucket[item.ID] == nil {
		return core.NewError(core.CodeNotFound, fmt.Sprintf("working item %s not found", item.ID))
	}
	cp := *item
	bucket[item.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteItems(_ context.Context, sessionID string, itemIDs []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.items[sessionID]
	for _, id := range itemIDs {
		delete(bucket, id)
	}
	return nil
}

func (s *MemoryStore) InsertMemoryDeduped(ctx context.Context, memory *Memory, dedupSigma float64, dedupK int) (string, bool, error) {
	if len(memory.Embedding) != s.dimension {
		return "", false, core.NewError(core.CodeValidation,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(memory.Embedding), s.dimension))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if dedupK > 0 {
		matches, err := s.SearchMemories(ctx, SearchQuery{
			UserID:        memory.UserID,
			Embedding:     memory.Embedding,
			MinSimilarity: dedupSigma,
			Limit:         dedupK,
		})
		if err != nil {
			return "", false, err
		}
		if len(matches) > 0 {
			existing := matches[0].Memory.ID
			s.mu.Lock()
			if row := s.memories[existing]; row != nil {
				row.LastAccessedAt = time.Now()
			}
			s.mu.Unlock()
			return existing, false, nil
		}
	}

	s.mu.Lock()
	s.memories[memory.ID] = memory.Clone()
	s.mu.Unlock()
	return memory.ID, true, nil
}

func (s *MemoryStore) GetMemory(_ context.Context, memoryID string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	memory, ok := s.memories[memoryID]
	if !ok {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	return memory.Clone(), nil
}

func (s *MemoryStore) UpdateMemory(_ context.Context, memory *Memory) error {
	if len(memory.Embedding) != s.dimension {
		return core.NewError(core.CodeValidation,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(memory.Embedding), s.dimension))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[memory.ID]; !ok {
		return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memory.ID))
	}
	s.memories[memory.ID] = memory.Clone()
	return nil
}

func (s *MemoryStore) SoftDeleteMemory(_ context.Context, memoryID string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	memory, ok := s.memories[memoryID]
	if !ok {
		return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	t := at
	memory.DeletedAt = &t
	return nil
}

func (s *MemoryStore) RestoreMemory(_ context.Context, memoryID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	memory, ok := s.memories[memoryID]
	if !ok {
		return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	memory.DeletedAt = nil
	return nil
}

func (s *MemoryStore) HardDeleteMemory(_ context.Context, memoryID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[memoryID]; !ok {
		return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	delete(s.memories, memoryID)
	kept := s.relations[:0]
	for _, rel := range s.relations {
		if rel.SourceID != memoryID && rel.TargetID != memoryID {
			kept = append(kept, rel)
		}
	}
	s.relations = kept
	return nil
}

func (s *MemoryStore) SearchMemories(_ context.Context, query SearchQuery) ([]MemoryMatch, error) {
	if len(query.Embedding) != s.dimension {
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("query dimension mismatch: got %d want %d", len(query.Embedding), s.dimension))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]MemoryMatch, 0, limit)
	for _, memory := range s.memories {
		if !matchesFilters(memory, &query) {
			continue
		}
		sim := Cosine(query.Embedding, memory.Embedding)
		if sim < query.MinSimilarity {
			continue
		}
		matches = append(matches, MemoryMatch{Memory: memory.Clone(), Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func matchesFilters(memory *Memory, query *SearchQuery) bool {
	if memory.UserID != query.UserID || memory.Deleted() {
		return false
	}
	if len(query.Categories) > 0 && !containsCategory(query.Categories, memory) {
		return false
	}
	if len(query.Subtypes) > 0 && !containsSubtype(query.Subtypes, memory) {
		return false
	}
	if memory.Confidence < query.MinConfidence {
		return false
	}
	if len(query.Entities) > 0 && countOverlap(memory.Entities, query.Entities) == 0 {
		return false
	}
	if query.Since != nil || query.Until != nil {
		if memory.EventTime == nil {
			return false
		}
		if query.Since != nil && memory.EventTime.Before(*query.Since) {
			return false
		}
		if query.Until != nil && memory.EventTime.After(*query.Until) {
			return false
		}
	}
	return true
}

func containsCategory(categories []taxonomy.Category, memory *Memory) bool {
	for _, c := range categories {
		if memory.Category == c {
			return true
		}
	}
	return false
}

func containsSubtype(subtypes []taxonomy.Subtype, memory *Memory) bool {
	for _, s := range subtypes {
		if memory.Subtype == s {
			return true
		}
	}
	return false
}

func countOverlap(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	n := 0
	for _, v := range b {
		if _, ok := set[v]; ok {
			n++
		}
	}
	return n
}

func (s *MemoryStore) TouchMemories(_ context.Context, memoryIDs []string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range memoryIDs {
		if memory := s.memories[id]; memory != nil {
			memory.AccessCount++
			memory.LastAccessedAt = at
		}
	}
	return nil
}

func (s *MemoryStore) ListMemories(_ context.Context, userID string, includeDeleted bool) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Memory
	for _, memory := range s.memories {
		if memory.UserID != userID {
			continue
		}
		if memory.Deleted() && !includeDeleted {
			continue
		}
		out = append(out, memory.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PurgeUser(_ context.Context, userID string) (*PurgeResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &PurgeResult{}
	purged := make(map[string]struct{})
	for id, memory := range s.memories {
		if memory.UserID == userID {
			purged[id] = struct{}{}
			delete(s.memories, id)
			result.Memories++
		}
	}
	keptRels := s.relations[:0]
	for _, rel := range s.relations {
		_, src := purged[rel.SourceID]
		_, dst := purged[rel.TargetID]
		if src || dst {
			result.Relationships++
			continue
		}
		keptRels = append(keptRels, rel)
	}
	s.relations = keptRels
	keptLogs := s.accessLog[:0]
	for _, entry := range s.accessLog {
		if entry.UserID == userID {
			result.AccessLogs++
			continue
		}
		keptLogs = append(keptLogs, entry)
	}
	s.accessLog = keptLogs
	for id, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		result.WorkingItems += len(s.items[id])
		delete(s.items, id)
		delete(s.sessions, id)
		result.Sessions++
	}
	return result, nil
}

func (s *MemoryStore) UpsertRelationship(_ context.Context, rel *Relationship) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relations {
		if existing.SourceID == rel.SourceID && existing.TargetID == rel.TargetID && existing.Tag == rel.Tag {
			existing.Strength = rel.Strength
			existing.Context = rel.Context
			return nil
		}
	}
	cp := *rel
	s.relations = append(s.relations, &cp)
	return nil
}

func (s *MemoryStore) ListRelationships(_ context.Context, memoryID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Relationship
	for _, rel := range s.relations {
		if rel.SourceID == memoryID || (rel.Tag.Bidirectional() && rel.TargetID == memoryID) {
			cp := *rel
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteRelationship(_ context.Context, sourceID, targetID string, tag RelationshipTag) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.relations[:0]
	for _, rel := range s.relations {
		if rel.SourceID == sourceID && rel.TargetID == targetID && (tag == "" || rel.Tag == tag) {
			continue
		}
		kept = append(kept, rel)
	}
	s.relations = kept
	return nil
}

func (s *MemoryStore) AppendAccessLog(_ context.Context, entry *AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.accessLog = append(s.accessLog, &cp)
	return nil
}

// AccessLogEntries snapshots the access log, oldest first. Inspection helper
// for tests and diagnostics.
func (s *MemoryStore) AccessLogEntries() []*AccessLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AccessLogEntry, len(s.accessLog))
	for i, entry := range s.accessLog {
		cp := *entry
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) AppendToolError(_ context.Context, entry *ToolErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.toolErrs = append(s.toolErrs, &cp)
	return nil
}

func (s *MemoryStore) ListToolErrors(_ context.Context, limit int) ([]*ToolErrorEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.toolErrs) - limit
	if start < 0 {
		start = 0
	}
	recent := s.toolErrs[start:]
	out := make([]*ToolErrorEntry, len(recent))
	for i, entry := range recent {
		cp := *entry
		out[len(recent)-1-i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) AppendServiceMetric(_ context.Context, metric metrics.CallMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.svcMetric = append(s.svcMetric, metric)
	return nil
}

func (s *MemoryStore) Analytics(_ context.Context, userID string) (*MemoryAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &MemoryAnalytics{}
	counts := make(map[[2]string]int)
	owned := make(map[string]struct{})
	var impSum, confSum float64
	for _, memory := range s.memories {
		if memory.UserID != userID {
			continue
		}
		owned[memory.ID] = struct{}{}
		if memory.Deleted() {
			out.SoftDeleted++
			continue
		}
		out.TotalMemories++
		out.TotalAccesses += memory.AccessCount
		impSum += memory.Importance
		confSum += memory.Confidence
		counts[[2]string{memory.Category.String(), memory.Subtype.String()}]++
		created := memory.CreatedAt
		if out.OldestCreatedAt == nil || created.Before(*out.OldestCreatedAt) {
			t := created
			out.OldestCreatedAt = &t
		}
		if out.NewestCreatedAt == nil || created.After(*out.NewestCreatedAt) {
			t := created
			out.NewestCreatedAt = &t
		}
	}
	if out.TotalMemories > 0 {
		out.AvgImportance = impSum / float64(out.TotalMemories)
		out.AvgConfidence = confSum / float64(out.TotalMemories)
	}
	for key, n := range counts {
		out.ByCategory = append(out.ByCategory, CategoryCount{
			Category: taxonomy.Category(key[0]),
			Subtype:  taxonomy.Subtype(key[1]),
			Count:    n,
		})
	}
	sort.Slice(out.ByCategory, func(i, j int) bool {
		if out.ByCategory[i].Count != out.ByCategory[j].Count {
			return out.ByCategory[i].Count > out.ByCategory[j].Count
		}
		if out.ByCategory[i].Category != out.ByCategory[j].Category {
			return out.ByCategory[i].Category < out.ByCategory[j].Category
		}
		return out.ByCategory[i].Subtype < out.ByCategory[j].Subtype
	})
	for _, rel := range s.relations {
		if _, ok := owned[rel.SourceID]; ok {
			out.Relationships++
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(_ context.Context) error { return nil }
