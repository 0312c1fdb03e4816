package longterm

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/taxonomy"
)

// Contradiction pairs two memories that look semantically close but textually
// divergent. Newer is the one suggested to supersede Older.
type Contradiction struct {
	Newer      *store.Memory `json:"newer"`
	Older      *store.Memory `json:"older"`
	Similarity float64       `json:"similarity"`
	Overlap    float64       `json:"word_overlap"`
}

// FindContradictions scans the user's most recent memories for same-category
// neighbors that are embedding-close but share few words. High cosine with
// low lexical overlap usually means the same subject stated differently.
func (m *Manager) FindContradictions(ctx context.Context, userID string, limit int) ([]*Contradiction, error) {
	if userID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}
	if limit <= 0 || limit > 5 {
		limit = 5
	}
	memories, err := m.gateway.ListMemories(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	recent := memories
	if len(recent) > 10 {
		recent = recent[:10]
	}
	seen := make(map[string]bool)
	var out []*Contradiction
	for _, memory := range recent {
		matches, err := m.gateway.SearchMemories(ctx, store.SearchQuery{
			UserID:        userID,
			Embedding:     memory.Embedding,
			Categories:    []taxonomy.Category{memory.Category},
			MinSimilarity: m.cfg.ContradictionSigma,
			Limit:         4,
		})
		if err != nil {
			return nil, err
		}
		similar := 0
		for _, match := range matches {
			if match.Memory.ID == memory.ID {
				continue
			}
			similar++
			if similar > 3 {
				break
			}
			key := pairKey(memory.ID, match.Memory.ID)
			if seen[key] {
				continue
			}
			overlap := wordOverlap(memory.Content, match.Memory.Content)
			if overlap >= 0.5 {
				continue
			}
			seen[key] = true
			newer, older := memory, match.Memory
			if older.CreatedAt.After(newer.CreatedAt) {
				newer, older = older, newer
			}
			out = append(out, &Contradiction{
				Newer:      newer,
				Older:      older,
				Similarity: match.Similarity,
				Overlap:    overlap,
			})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// wordOverlap is the Jaccard index over lowercase word sets.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out[w] = true
	}
	return out
}

// DecayResult reports one importance-decay sweep.
type DecayResult struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Floored int `json:"floored"`
}

// ApplyDecay multiplies the importance of memories untouched for the
// configured inactivity window by the decay rate, never below the floor.
func (m *Manager) ApplyDecay(ctx context.Context, userID string) (*DecayResult, error) {
	if userID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}
	memories, err := m.gateway.ListMemories(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	now := m.now()
	cutoff := now.Add(-time.Duration(m.cfg.DecayInactiveDays) * 24 * time.Hour)
	result := &DecayResult{Scanned: len(memories)}
	for _, memory := range memories {
		if !memory.LastAccessedAt.Before(cutoff) {
			continue
		}
		if memory.Importance <= m.cfg.DecayFloor {
			continue
		}
		decayed := memory.Importance * m.cfg.DecayRate
		if decayed < m.cfg.DecayFloor {
			decayed = m.cfg.DecayFloor
			result.Floored++
		}
		memory.Importance = decayed
		memory.DecayFactor *= m.cfg.DecayRate
		memory.UpdatedAt = now
		if err := m.gateway.UpdateMemory(ctx, memory); err != nil {
			return nil, err
		}
		result.Decayed++
	}
	return result, nil
}

// QualityStats is the aggregate slice of the quality report.
type QualityStats struct {
	TotalMemories  int     `json:"total_memories"`
	AvgImportance  float64 `json:"avg_importance"`
	AvgAccessCount float64 `json:"avg_access_count"`
	NeverAccessed  int     `json:"never_accessed"`
	LowImportance  int     `json:"low_importance"`
}

// QualityReport is the full memory-health picture for one user.
type QualityReport struct {
	Stats          QualityStats          `json:"stats"`
	ByCategory     []store.CategoryCount `json:"by_category"`
	StaleMemories  []*store.Memory       `json:"stale_memories"`
	Contradictions []*Contradiction      `json:"contradictions"`
	HealthScore    int                   `json:"health_score"`
	HealthStatus   string                `json:"health_status"`
}

// Quality builds the report: aggregate stats, category distribution, the
// five stalest low-traffic memories, the top contradictions, and a 0-100
// health score.
func (m *Manager) Quality(ctx context.Context, userID string) (*QualityReport, error) {
	if userID == "" {
		return nil, core.NewError(core.CodeValidation, "user id is required")
	}
	memories, err := m.gateway.ListMemories(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	analytics, err := m.gateway.Analytics(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := &QualityReport{ByCategory: analytics.ByCategory}
	report.Stats.TotalMemories = len(memories)
	now := m.now()
	staleCutoff := now.Add(-30 * 24 * time.Hour)
	var stale []*store.Memory
	var sumImportance, sumAccess float64
	for _, memory := range memories {
		sumImportance += memory.Importance
		sumAccess += float64(memory.AccessCount)
		if memory.AccessCount == 0 {
			report.Stats.NeverAccessed++
		}
		if memory.Importance < 0.3 {
			report.Stats.LowImportance++
		}
		if memory.LastAccessedAt.Before(staleCutoff) && memory.AccessCount < 2 {
			stale = append(stale, memory)
		}
	}
	if len(memories) > 0 {
		report.Stats.AvgImportance = sumImportance / float64(len(memories))
		report.Stats.AvgAccessCount = sumAccess / float64(len(memories))
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Importance < stale[j].Importance
	})
	if len(stale) > 5 {
		stale = stale[:5]
	}
	report.StaleMemories = stale

	contradictions, err := m.FindContradictions(ctx, userID, 5)
	if err != nil {
		return nil, err
	}
	report.Contradictions = contradictions

	report.HealthScore, report.HealthStatus = healthScore(report.Stats, len(contradictions))
	return report, nil
}

// healthScore starts at 100 and deducts for low average importance, unused
// memories, low-importance clutter, and contradictions.
func healthScore(stats QualityStats, contradictions int) (int, string) {
	score := 100
	if stats.TotalMemories > 0 {
		switch {
		case stats.AvgImportance < 0.5:
			score -= 20
		case stats.AvgImportance < 0.7:
			score -= 10
		}
		neverRatio := float64(stats.NeverAccessed) / float64(stats.TotalMemories)
		switch {
		case neverRatio > 0.3:
			score -= 20
		case neverRatio > 0.1:
			score -= 10
		}
		if float64(stats.LowImportance)/float64(stats.TotalMemories) > 0.2 {
			score -= 15
		}
	}
	switch {
	case contradictions > 10:
		score -= 15
	case contradictions > 5:
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	status := "Needs Attention"
	switch {
	case score >= 90:
		status = "Excellent"
	case score >= 70:
		status = "Good"
	case score >= 50:
		status = "Fair"
	}
	return score, status
}
