package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/sethvargo/go-retry"

	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/taxonomy"
	"github.com/engramdb/engram/pkg/logger"
)

// PGConfig configures the Postgres-backed gateway.
type PGConfig struct {
	DSN       string
	Dimension int
	MinConns  int32
	MaxConns  int32
}

// pgGateway implements Gateway over Postgres with the pgvector extension.
// All writes funnel through a single process-wide mutex; serialization
// conflicts are retried with exponential backoff before surfacing as
// transient-store errors.
type pgGateway struct {
	pool      *pgxpool.Pool
	dimension int
	writeMu   sync.Mutex
}

// NewPGGateway connects, ensures the schema exists, and returns the gateway.
// The vector index is created before any row can be inserted.
func NewPGGateway(ctx context.Context, cfg PGConfig) (Gateway, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, core.WrapError(core.CodeValidation, "invalid store dsn", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "failed to connect to store", err)
	}
	g := &pgGateway{pool: pool, dimension: cfg.Dimension}
	if err := g.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return g, nil
}

func (g *pgGateway) ensureSchema(ctx context.Context) error {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return core.WrapError(core.CodeTransientStore, "acquire connection", err)
	}
	defer conn.Release()
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS session_contexts (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			org_id TEXT,
			max_tokens INTEGER NOT NULL,
			current_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ,
			config JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS working_memory_items (
			item_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES session_contexts(session_id),
			content_type TEXT NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			sequence BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS long_term_memories (
			memory_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			subtype TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT,
			embedding vector(%d) NOT NULL,
			entities TEXT[],
			metadata JSONB,
			event_time TIMESTAMPTZ,
			is_temporal BOOLEAN NOT NULL DEFAULT FALSE,
			importance DOUBLE PRECISION NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			decay_factor DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			supersedes TEXT,
			source_session_id TEXT,
			source_type TEXT,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMPTZ
		)`, g.dimension),
		`CREATE TABLE IF NOT EXISTS memory_relationships (
			source_memory_id TEXT NOT NULL,
			target_memory_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			strength DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			context TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_by TEXT,
			PRIMARY KEY (source_memory_id, target_memory_id, relationship_type)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_access_log (
			access_id TEXT PRIMARY KEY,
			memory_id TEXT NOT NULL,
			session_id TEXT,
			user_id TEXT NOT NULL,
			query TEXT,
			similarity DOUBLE PRECISION,
			was_useful BOOLEAN,
			was_used BOOLEAN,
			accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tool_error_log (
			error_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			user_id TEXT,
			error_type TEXT,
			error_message TEXT NOT NULL,
			input_preview TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS service_metrics (
			metric_id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			operation TEXT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			success BOOLEAN NOT NULL,
			error_msg TEXT,
			tokens_in INTEGER,
			tokens_out INTEGER,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS working_memory_items_session_idx ON working_memory_items (session_id, sequence)",
		"CREATE INDEX IF NOT EXISTS long_term_memories_user_idx ON long_term_memories (user_id) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS long_term_memories_embedding_idx ON long_term_memories USING ivfflat (embedding vector_cosine_ops)",
		"CREATE INDEX IF NOT EXISTS memory_access_log_user_idx ON memory_access_log (user_id, accessed_at)",
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return core.WrapError(core.CodeTransientStore, "ensure schema", err)
		}
	}
	return nil
}

// write serializes a write transaction behind the process-wide mutex and
// retries serialization conflicts with exponential backoff.
func (g *pgGateway) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	backoff := retry.WithMaxRetries(retryAttempts-1,
		retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if isSerializationConflict(err) {
			logger.Debug("store write conflict, retrying", "op", op)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if core.IsDeadline(err) {
		return core.WrapError(core.CodeTimeout, op+" deadline elapsed", err)
	}
	if isSerializationConflict(err) {
		return core.WrapError(core.CodeTransientStore, op+" kept conflicting after retries", err)
	}
	return err
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (g *pgGateway) GetSession(ctx context.Context, sessionID string) (*SessionContext, error) {
	row := g.pool.QueryRow(ctx, `SELECT session_id, user_id, COALESCE(org_id, ''), max_tokens,
		current_tokens, created_at, last_activity_at, expires_at, config
		FROM session_contexts WHERE session_id = $1`, sessionID)
	session := &SessionContext{}
	var configRaw []byte
	err := row.Scan(&session.ID, &session.UserID, &session.OrgID, &session.MaxTokens,
		&session.CurrentTokens, &session.CreatedAt, &session.LastActivityAt,
		&session.ExpiresAt, &configRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "get session", err)
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &session.Config); err != nil {
			return nil, core.WrapError(core.CodeInternal, "decode session config", err)
		}
	}
	if session.Expired(time.Now()) {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("session %s expired", sessionID))
	}
	return session, nil
}

func (g *pgGateway) PutSession(ctx context.Context, session *SessionContext) error {
	configRaw, err := json.Marshal(session.Config)
	if err != nil {
		return core.WrapError(core.CodeValidation, "encode session config", err)
	}
	return g.write(ctx, "put session", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO session_contexts
			(session_id, user_id, org_id, max_tokens, current_tokens, created_at, last_activity_at, expires_at, config)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id) DO UPDATE SET
				max_tokens = excluded.max_tokens,
				current_tokens = excluded.current_tokens,
				last_activity_at = excluded.last_activity_at,
				expires_at = excluded.expires_at,
				config = excluded.config`,
			session.ID, session.UserID, session.OrgID, session.MaxTokens, session.CurrentTokens,
			session.CreatedAt, session.LastActivityAt, session.ExpiresAt, configRaw)
		return err
	})
}

func (g *pgGateway) InsertItem(ctx context.Context, item *WorkingItem) error {
	return g.write(ctx, "insert item", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO working_memory_items
			(item_id, session_id, content_type, content, token_count, relevance_score, pinned, sequence, created_at, last_accessed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, item.SessionID, string(item.ContentType), item.Content, item.TokenCount,
			item.Relevance, item.Pinned, item.Sequence, item.CreatedAt, item.LastAccessedAt)
		return err
	})
}

func (g *pgGateway) ListItems(ctx context.Context, sessionID string) ([]*WorkingItem, error) {
	rows, err := g.pool.Query(ctx, `SELECT item_id, session_id, content_type, content, token_count,
		relevance_score, pinned, sequence, created_at, last_accessed_at
		FROM working_memory_items WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list items", err)
	}
	defer rows.Close()
	var out []*WorkingItem
	for rows.Next() {
		item := &WorkingItem{}
		var contentType string
		if err := rows.Scan(&item.ID, &item.SessionID, &contentType, &item.Content, &item.TokenCount,
			&item.Relevance, &item.Pinned, &item.Sequence, &item.CreatedAt, &item.LastAccessedAt); err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan item", err)
		}
		item.ContentType = ContentType(contentType)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list items", err)
	}
	return out, nil
}

func (g *pgGateway) UpdateItem(ctx context.Context, item *WorkingItem) error {
	return g.write(ctx, "update item", func(ctx context.Context) error {
		tag, err := g.pool.Exec(ctx, `UPDATE working_memory_items SET
			relevance_score = $1, pinned = $2, last_accessed_at = $3
			WHERE item_id = $4 AND session_id = $5`,
			item.Relevance, item.Pinned, item.LastAccessedAt, item.ID, item.SessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.NewError(core.CodeNotFound, fmt.Sprintf("working item %s not found", item.ID))
		}
		return nil
	})
}

func (g *pgGateway) DeleteItems(ctx context.Context, sessionID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	return g.write(ctx, "delete items", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx,
			"DELETE FROM working_memory_items WHERE session_id = $1 AND item_id = ANY($2)",
			sessionID, itemIDs)
		return err
	})
}

func (g *pgGateway) InsertMemoryDeduped(ctx context.Context, memory *Memory, dedupSigma float64, dedupK int) (string, bool, error) {
	if len(memory.Embedding) != g.dimension {
		return "", false, core.NewError(core.CodeValidation,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(memory.Embedding), g.dimension))
	}
	metadataRaw, err := json.Marshal(memory.Metadata)
	if err != nil {
		return "", false, core.WrapError(core.CodeValidation, "encode metadata", err)
	}
	var (
		memoryID string
		inserted bool
	)
	err = g.write(ctx, "insert memory", func(ctx context.Context) error {
		if dedupK > 0 {
			matches, err := g.SearchMemories(ctx, SearchQuery{
				UserID:        memory.UserID,
				Embedding:     memory.Embedding,
				MinSimilarity: dedupSigma,
				Limit:         dedupK,
			})
			if err != nil {
				return err
			}
			if len(matches) > 0 {
				memoryID = matches[0].Memory.ID
				inserted = false
				_, err := g.pool.Exec(ctx,
					"UPDATE long_term_memories SET last_accessed_at = NOW() WHERE memory_id = $1", memoryID)
				return err
			}
		}
		_, err := g.pool.Exec(ctx, `INSERT INTO long_term_memories
			(memory_id, user_id, category, subtype, content, summary, embedding, entities, metadata,
			 event_time, is_temporal, importance, access_count, decay_factor, supersedes,
			 source_session_id, source_type, confidence, created_at, last_accessed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9,
			        $10, $11, $12, $13, $14, NULLIF($15, ''),
			        NULLIF($16, ''), NULLIF($17, ''), $18, $19, $20, $21)`,
			memory.ID, memory.UserID, memory.Category.String(), memory.Subtype.String(),
			memory.Content, memory.Summary, pgvector.NewVector(memory.Embedding), memory.Entities,
			metadataRaw, memory.EventTime, memory.IsTemporal, memory.Importance, memory.AccessCount,
			memory.DecayFactor, memory.Supersedes, memory.SourceSessionID, memory.SourceType,
			memory.Confidence, memory.CreatedAt, memory.LastAccessedAt, memory.UpdatedAt)
		if err != nil {
			return err
		}
		memoryID = memory.ID
		inserted = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return memoryID, inserted, nil
}

const memoryColumns = `memory_id, user_id, category, subtype, content, COALESCE(summary, ''),
	embedding, entities, metadata, event_time, is_temporal, importance, access_count, decay_factor,
	COALESCE(supersedes, ''), COALESCE(source_session_id, ''), COALESCE(source_type, ''), confidence,
	created_at, last_accessed_at, updated_at, deleted_at`

func scanMemory(row pgx.Row) (*Memory, error) {
	memory := &Memory{}
	var (
		category, subtype string
		embedding         pgvector.Vector
		metadataRaw       []byte
	)
	err := row.Scan(&memory.ID, &memory.UserID, &category, &subtype, &memory.Content, &memory.Summary,
		&embedding, &memory.Entities, &metadataRaw, &memory.EventTime, &memory.IsTemporal,
		&memory.Importance, &memory.AccessCount, &memory.DecayFactor, &memory.Supersedes,
		&memory.SourceSessionID, &memory.SourceType, &memory.Confidence,
		&memory.CreatedAt, &memory.LastAccessedAt, &memory.UpdatedAt, &memory.DeletedAt)
	if err != nil {
		return nil, err
	}
	memory.Category = taxonomy.Category(category)
	memory.Subtype = taxonomy.Subtype(subtype)
	memory.Embedding = embedding.Slice()
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &memory.Metadata); err != nil {
			return nil, err
		}
	}
	return memory, nil
}

func (g *pgGateway) GetMemory(ctx context.Context, memoryID string) (*Memory, error) {
	row := g.pool.QueryRow(ctx,
		"SELECT "+memoryColumns+" FROM long_term_memories WHERE memory_id = $1", memoryID)
	memory, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
	}
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "get memory", err)
	}
	return memory, nil
}

func (g *pgGateway) UpdateMemory(ctx context.Context, memory *Memory) error {
	if len(memory.Embedding) != g.dimension {
		return core.NewError(core.CodeValidation,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(memory.Embedding), g.dimension))
	}
	metadataRaw, err := json.Marshal(memory.Metadata)
	if err != nil {
		return core.WrapError(core.CodeValidation, "encode metadata", err)
	}
	return g.write(ctx, "update memory", func(ctx context.Context) error {
		tag, err := g.pool.Exec(ctx, `UPDATE long_term_memories SET
			category = $1, subtype = $2, content = $3, summary = NULLIF($4, ''), embedding = $5,
			entities = $6, metadata = $7, event_time = $8, is_temporal = $9, importance = $10,
			access_count = $11, decay_factor = $12, supersedes = NULLIF($13, ''), confidence = $14,
			last_accessed_at = $15, updated_at = $16, deleted_at = $17
			WHERE memory_id = $18`,
			memory.Category.String(), memory.Subtype.String(), memory.Content, memory.Summary,
			pgvector.NewVector(memory.Embedding), memory.Entities, metadataRaw, memory.EventTime,
			memory.IsTemporal, memory.Importance, memory.AccessCount, memory.DecayFactor,
			memory.Supersedes, memory.Confidence, memory.LastAccessedAt, memory.UpdatedAt,
			memory.DeletedAt, memory.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memory.ID))
		}
		return nil
	})
}

func (g *pgGateway) SoftDeleteMemory(ctx context.Context, memoryID string, at time.Time) error {
	return g.write(ctx, "soft delete memory", func(ctx context.Context) error {
		tag, err := g.pool.Exec(ctx,
			"UPDATE long_term_memories SET deleted_at = $1 WHERE memory_id = $2", at, memoryID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
		}
		return nil
	})
}

func (g *pgGateway) RestoreMemory(ctx context.Context, memoryID string) error {
	return g.write(ctx, "restore memory", func(ctx context.Context) error {
		tag, err := g.pool.Exec(ctx,
			"UPDATE long_term_memories SET deleted_at = NULL WHERE memory_id = $1", memoryID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
		}
		return nil
	})
}

func (g *pgGateway) HardDeleteMemory(ctx context.Context, memoryID string) error {
	return g.write(ctx, "hard delete memory", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx,
			"DELETE FROM memory_relationships WHERE source_memory_id = $1 OR target_memory_id = $1", memoryID)
		if err != nil {
			return err
		}
		tag, err := g.pool.Exec(ctx, "DELETE FROM long_term_memories WHERE memory_id = $1", memoryID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return core.NewError(core.CodeNotFound, fmt.Sprintf("memory %s not found", memoryID))
		}
		return nil
	})
}

func (g *pgGateway) SearchMemories(ctx context.Context, query SearchQuery) ([]MemoryMatch, error) {
	if len(query.Embedding) != g.dimension {
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("query dimension mismatch: got %d want %d", len(query.Embedding), g.dimension))
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	builder := strings.Builder{}
	builder.WriteString("SELECT " + memoryColumns + ", 1 - (embedding <=> $1) AS score" +
		" FROM long_term_memories WHERE user_id = $2 AND deleted_at IS NULL")
	args := []any{pgvector.NewVector(query.Embedding), query.UserID}
	argPos := 3
	if len(query.Categories) > 0 {
		cats := make([]string, len(query.Categories))
		for i, c := range query.Categories {
			cats[i] = c.String()
		}
		builder.WriteString(fmt.Sprintf(" AND category = ANY($%d)", argPos))
		args = append(args, cats)
		argPos++
	}
	if len(query.Subtypes) > 0 {
		subs := make([]string, len(query.Subtypes))
		for i, s := range query.Subtypes {
			subs[i] = s.String()
		}
		builder.WriteString(fmt.Sprintf(" AND subtype = ANY($%d)", argPos))
		args = append(args, subs)
		argPos++
	}
	if len(query.Entities) > 0 {
		builder.WriteString(fmt.Sprintf(" AND entities && $%d", argPos))
		args = append(args, query.Entities)
		argPos++
	}
	if query.Since != nil {
		builder.WriteString(fmt.Sprintf(" AND event_time >= $%d", argPos))
		args = append(args, *query.Since)
		argPos++
	}
	if query.Until != nil {
		builder.WriteString(fmt.Sprintf(" AND event_time <= $%d", argPos))
		args = append(args, *query.Until)
		argPos++
	}
	if query.MinConfidence > 0 {
		builder.WriteString(fmt.Sprintf(" AND confidence >= $%d", argPos))
		args = append(args, query.MinConfidence)
		argPos++
	}
	builder.WriteString(fmt.Sprintf(" AND 1 - (embedding <=> $1) >= $%d", argPos))
	args = append(args, query.MinSimilarity)
	argPos++
	builder.WriteString(fmt.Sprintf(" ORDER BY embedding <=> $1 ASC LIMIT $%d", argPos))
	args = append(args, limit)

	rows, err := g.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "search memories", err)
	}
	defer rows.Close()
	matches := make([]MemoryMatch, 0, limit)
	for rows.Next() {
		memory := &Memory{}
		var (
			category, subtype string
			embedding         pgvector.Vector
			metadataRaw       []byte
			score             float64
		)
		err := rows.Scan(&memory.ID, &memory.UserID, &category, &subtype, &memory.Content,
			&memory.Summary, &embedding, &memory.Entities, &metadataRaw, &memory.EventTime,
			&memory.IsTemporal, &memory.Importance, &memory.AccessCount, &memory.DecayFactor,
			&memory.Supersedes, &memory.SourceSessionID, &memory.SourceType, &memory.Confidence,
			&memory.CreatedAt, &memory.LastAccessedAt, &memory.UpdatedAt, &memory.DeletedAt, &score)
		if err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan search row", err)
		}
		memory.Category = taxonomy.Category(category)
		memory.Subtype = taxonomy.Subtype(subtype)
		memory.Embedding = embedding.Slice()
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &memory.Metadata); err != nil {
				return nil, core.WrapError(core.CodeInternal, "decode metadata", err)
			}
		}
		matches = append(matches, MemoryMatch{Memory: memory, Similarity: score})
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "search memories", err)
	}
	return matches, nil
}

func (g *pgGateway) TouchMemories(ctx context.Context, memoryIDs []string, at time.Time) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	return g.write(ctx, "touch memories", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `UPDATE long_term_memories SET
			access_count = access_count + 1, last_accessed_at = $1
			WHERE memory_id = ANY($2)`, at, memoryIDs)
		return err
	})
}

func (g *pgGateway) ListMemories(ctx context.Context, userID string, includeDeleted bool) ([]*Memory, error) {
	stmt := "SELECT " + memoryColumns + " FROM long_term_memories WHERE user_id = $1"
	if !includeDeleted {
		stmt += " AND deleted_at IS NULL"
	}
	stmt += " ORDER BY created_at"
	rows, err := g.pool.Query(ctx, stmt, userID)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list memories", err)
	}
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan memory", err)
		}
		out = append(out, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list memories", err)
	}
	return out, nil
}

func (g *pgGateway) PurgeUser(ctx context.Context, userID string) (*PurgeResult, error) {
	result := &PurgeResult{}
	err := g.write(ctx, "purge user", func(ctx context.Context) (err error) {
		tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
					err = fmt.Errorf("rollback failed: %w; original error: %v", rbErr, err)
				}
				return
			}
			err = tx.Commit(ctx)
		}()
		tag, err := tx.Exec(ctx, `DELETE FROM memory_relationships WHERE source_memory_id IN
			(SELECT memory_id FROM long_term_memories WHERE user_id = $1)
			OR target_memory_id IN (SELECT memory_id FROM long_term_memories WHERE user_id = $1)`, userID)
		if err != nil {
			return err
		}
		result.Relationships = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, "DELETE FROM long_term_memories WHERE user_id = $1", userID)
		if err != nil {
			return err
		}
		result.Memories = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, "DELETE FROM memory_access_log WHERE user_id = $1", userID)
		if err != nil {
			return err
		}
		result.AccessLogs = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `DELETE FROM working_memory_items WHERE session_id IN
			(SELECT session_id FROM session_contexts WHERE user_id = $1)`, userID)
		if err != nil {
			return err
		}
		result.WorkingItems = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, "DELETE FROM session_contexts WHERE user_id = $1", userID)
		if err != nil {
			return err
		}
		result.Sessions = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *pgGateway) UpsertRelationship(ctx context.Context, rel *Relationship) error {
	return g.write(ctx, "upsert relationship", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO memory_relationships
			(source_memory_id, target_memory_id, relationship_type, strength, context, created_at, created_by)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''))
			ON CONFLICT (source_memory_id, target_memory_id, relationship_type) DO UPDATE SET
				strength = excluded.strength,
				context = excluded.context`,
			rel.SourceID, rel.TargetID, string(rel.Tag), rel.Strength, rel.Context,
			rel.CreatedAt, rel.CreatedBy)
		return err
	})
}

func (g *pgGateway) ListRelationships(ctx context.Context, memoryID string) ([]*Relationship, error) {
	rows, err := g.pool.Query(ctx, `SELECT source_memory_id, target_memory_id, relationship_type,
		strength, COALESCE(context, ''), created_at, COALESCE(created_by, '')
		FROM memory_relationships
		WHERE source_memory_id = $1
		   OR (target_memory_id = $1 AND relationship_type IN ('related_to', 'contradicts'))`, memoryID)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list relationships", err)
	}
	defer rows.Close()
	var out []*Relationship
	for rows.Next() {
		rel := &Relationship{}
		var tag string
		if err := rows.Scan(&rel.SourceID, &rel.TargetID, &tag, &rel.Strength,
			&rel.Context, &rel.CreatedAt, &rel.CreatedBy); err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan relationship", err)
		}
		rel.Tag = RelationshipTag(tag)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list relationships", err)
	}
	return out, nil
}

func (g *pgGateway) DeleteRelationship(ctx context.Context, sourceID, targetID string, tag RelationshipTag) error {
	return g.write(ctx, "delete relationship", func(ctx context.Context) error {
		stmt := "DELETE FROM memory_relationships WHERE source_memory_id = $1 AND target_memory_id = $2"
		args := []any{sourceID, targetID}
		if tag != "" {
			stmt += " AND relationship_type = $3"
			args = append(args, string(tag))
		}
		_, err := g.pool.Exec(ctx, stmt, args...)
		return err
	})
}

func (g *pgGateway) AppendAccessLog(ctx context.Context, entry *AccessLogEntry) error {
	return g.write(ctx, "append access log", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO memory_access_log
			(access_id, memory_id, session_id, user_id, query, similarity, was_useful, was_used, accessed_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9)`,
			entry.ID, entry.MemoryID, entry.SessionID, entry.UserID, entry.Query,
			entry.Similarity, entry.WasUseful, entry.WasUsed, entry.AccessedAt)
		return err
	})
}

func (g *pgGateway) AppendToolError(ctx context.Context, entry *ToolErrorEntry) error {
	return g.write(ctx, "append tool error", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO tool_error_log
			(error_id, tool_name, user_id, error_type, error_message, input_preview, created_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
			entry.ID, entry.ToolName, entry.UserID, entry.ErrorType,
			entry.ErrorMessage, entry.InputPreview, entry.CreatedAt)
		return err
	})
}

func (g *pgGateway) ListToolErrors(ctx context.Context, limit int) ([]*ToolErrorEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.pool.Query(ctx, `SELECT error_id, tool_name, COALESCE(user_id, ''),
		COALESCE(error_type, ''), error_message, COALESCE(input_preview, ''), created_at
		FROM tool_error_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list tool errors", err)
	}
	defer rows.Close()
	var out []*ToolErrorEntry
	for rows.Next() {
		entry := &ToolErrorEntry{}
		if err := rows.Scan(&entry.ID, &entry.ToolName, &entry.UserID, &entry.ErrorType,
			&entry.ErrorMessage, &entry.InputPreview, &entry.CreatedAt); err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan tool error", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "list tool errors", err)
	}
	return out, nil
}

func (g *pgGateway) AppendServiceMetric(ctx context.Context, metric metrics.CallMetric) error {
	return g.write(ctx, "append service metric", func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, `INSERT INTO service_metrics
			(metric_id, service, operation, latency_ms, success, error_msg, tokens_in, tokens_out, recorded_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`,
			metric.ID, metric.Service, metric.Operation, metric.LatencyMS, metric.Success,
			metric.Error, metric.TokensIn, metric.TokensOut, metric.Timestamp)
		return err
	})
}

func (g *pgGateway) Analytics(ctx context.Context, userID string) (*MemoryAnalytics, error) {
	out := &MemoryAnalytics{}
	row := g.pool.QueryRow(ctx, `SELECT
		COUNT(*) FILTER (WHERE deleted_at IS NULL),
		COUNT(*) FILTER (WHERE deleted_at IS NOT NULL),
		COALESCE(AVG(importance) FILTER (WHERE deleted_at IS NULL), 0),
		COALESCE(AVG(confidence) FILTER (WHERE deleted_at IS NULL), 0),
		COALESCE(SUM(access_count) FILTER (WHERE deleted_at IS NULL), 0),
		MIN(created_at) FILTER (WHERE deleted_at IS NULL),
		MAX(created_at) FILTER (WHERE deleted_at IS NULL)
		FROM long_term_memories WHERE user_id = $1`, userID)
	if err := row.Scan(&out.TotalMemories, &out.SoftDeleted, &out.AvgImportance, &out.AvgConfidence,
		&out.TotalAccesses, &out.OldestCreatedAt, &out.NewestCreatedAt); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "analytics", err)
	}
	rows, err := g.pool.Query(ctx, `SELECT category, subtype, COUNT(*)
		FROM long_term_memories WHERE user_id = $1 AND deleted_at IS NULL
		GROUP BY category, subtype ORDER BY COUNT(*) DESC, category, subtype`, userID)
	if err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "analytics categories", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			category, subtype string
			count             int
		)
		if err := rows.Scan(&category, &subtype, &count); err != nil {
			return nil, core.WrapError(core.CodeInternal, "scan category count", err)
		}
		out.ByCategory = append(out.ByCategory, CategoryCount{
			Category: taxonomy.Category(category),
			Subtype:  taxonomy.Subtype(subtype),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "analytics categories", err)
	}
	row = g.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_relationships r
		JOIN long_term_memories m ON m.memory_id = r.source_memory_id
		WHERE m.user_id = $1`, userID)
	if err := row.Scan(&out.Relationships); err != nil {
		return nil, core.WrapError(core.CodeTransientStore, "analytics relationships", err)
	}
	return out, nil
}

func (g *pgGateway) Close(_ context.Context) error {
	g.pool.Close()
	return nil
}
