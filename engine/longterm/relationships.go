package longterm

import (
	"context"
	"fmt"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/store"
)

// LinkRequest carries one explicit link call between two memories.
type LinkRequest struct {
	UserID   string
	SourceID string
	TargetID string
	Tag      store.RelationshipTag
	Strength float64
	Context  string
}

// Link records a typed edge between two memories of the same user.
func (m *Manager) Link(ctx context.Context, req LinkRequest) error {
	if req.SourceID == req.TargetID {
		return core.NewError(core.CodeValidation, "a memory cannot be linked to itself")
	}
	if !store.ValidRelationshipTag(req.Tag) {
		return core.NewError(core.CodeValidation, fmt.Sprintf("unknown relationship type %q", req.Tag))
	}
	if _, err := m.ownedMemory(ctx, req.UserID, req.SourceID); err != nil {
		return err
	}
	if _, err := m.ownedMemory(ctx, req.UserID, req.TargetID); err != nil {
		return err
	}
	strength := req.Strength
	if strength <= 0 || strength > 1 {
		strength = 1.0
	}
	return m.gateway.UpsertRelationship(ctx, &store.Relationship{
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Tag:       req.Tag,
		Strength:  strength,
		Context:   req.Context,
		CreatedAt: m.now(),
		CreatedBy: "user",
	})
}

// Unlink removes one edge. Symmetric tags are removed regardless of which
// direction the row was stored in.
func (m *Manager) Unlink(ctx context.Context, userID, sourceID, targetID string, tag store.RelationshipTag) error {
	if !store.ValidRelationshipTag(tag) {
		return core.NewError(core.CodeValidation, fmt.Sprintf("unknown relationship type %q", tag))
	}
	if _, err := m.ownedMemory(ctx, userID, sourceID); err != nil {
		return err
	}
	err := m.gateway.DeleteRelationship(ctx, sourceID, targetID, tag)
	if core.IsCode(err, core.CodeNotFound) && tag.Bidirectional() {
		return m.gateway.DeleteRelationship(ctx, targetID, sourceID, tag)
	}
	return err
}

// RelatedMemory is one neighbor of a memory in the relationship graph.
type RelatedMemory struct {
	Memory   *store.Memory         `json:"memory"`
	Tag      store.RelationshipTag `json:"relationship_type"`
	Strength float64               `json:"strength"`
	Context  string                `json:"context,omitempty"`
	Outgoing bool                  `json:"outgoing"`
}

// GetRelated returns the live neighbors of a memory, strongest first.
// Symmetric edges surface from either side; directed edges only when the
// memory is the source.
func (m *Manager) GetRelated(ctx context.Context, userID, memoryID string, limit int) ([]*RelatedMemory, error) {
	if _, err := m.ownedMemory(ctx, userID, memoryID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	edges, err := m.gateway.ListRelationships(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	out := make([]*RelatedMemory, 0, len(edges))
	for _, edge := range edges {
		outgoing := edge.SourceID == memoryID
		if !outgoing && !edge.Tag.Bidirectional() {
			continue
		}
		otherID := edge.TargetID
		if !outgoing {
			otherID = edge.SourceID
		}
		other, err := m.gateway.GetMemory(ctx, otherID)
		if err != nil {
			if core.IsCode(err, core.CodeNotFound) {
				continue
			}
			return nil, err
		}
		if other.UserID != userID || other.Deleted() {
			continue
		}
		out = append(out, &RelatedMemory{
			Memory:   other,
			Tag:      edge.Tag,
			Strength: edge.Strength,
			Context:  edge.Context,
			Outgoing: outgoing,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// relatedMemories is the recall-time variant: neighbors only, no edge detail.
func (m *Manager) relatedMemories(ctx context.Context, userID, memoryID string, limit int) ([]*store.Memory, error) {
	related, err := m.GetRelated(ctx, userID, memoryID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Memory, len(related))
	for i, r := range related {
		out[i] = r.Memory
	}
	return out, nil
}

// AutoLinkResult reports the edges AutoLinkSimilar created.
type AutoLinkResult struct {
	MemoryID string   `json:"memory_id"`
	LinkedTo []string `json:"linked_to"`
}

// AutoLinkSimilar finds same-category memories whose embeddings sit above the
// similarity threshold and records related_to edges to them, strength set to
// the similarity. At most maxLinks edges are created.
func (m *Manager) AutoLinkSimilar(ctx context.Context, userID, memoryID string, threshold float64, maxLinks int) (*AutoLinkResult, error) {
	memory, err := m.ownedMemory(ctx, userID, memoryID)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = m.cfg.ContradictionSigma
	}
	if maxLinks <= 0 || maxLinks > 5 {
		maxLinks = 5
	}
	matches, err := m.gateway.SearchMemories(ctx, store.SearchQuery{
		UserID:        userID,
		Embedding:     memory.Embedding,
		MinSimilarity: threshold,
		Limit:         maxLinks * 2,
	})
	if err != nil {
		return nil, err
	}
	result := &AutoLinkResult{MemoryID: memoryID}
	for _, match := range matches {
		if match.Memory.ID == memoryID || match.Memory.Category != memory.Category {
			continue
		}
		edge := &store.Relationship{
			SourceID:  memoryID,
			TargetID:  match.Memory.ID,
			Tag:       store.RelRelatedTo,
			Strength:  match.Similarity,
			Context:   fmt.Sprintf("Auto-linked by similarity (%.2f)", match.Similarity),
			CreatedAt: m.now(),
			CreatedBy: "system",
		}
		if err := m.gateway.UpsertRelationship(ctx, edge); err != nil {
			return nil, err
		}
		result.LinkedTo = append(result.LinkedTo, match.Memory.ID)
		if len(result.LinkedTo) == maxLinks {
			break
		}
	}
	return result, nil
}
