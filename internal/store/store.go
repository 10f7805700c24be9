// Package store implements the knowledge store: per-agent capability
// documents and per-session facts, persisted in SQLite with JSON-encoded
// embeddings and served to the matcher as an immutable in-memory snapshot.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"kbrouter/internal/logging"
	"kbrouter/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// KNOWLEDGE STORE
// =============================================================================

// KnowledgeStore owns the SQLite database and the current snapshot. The core
// treats it as read-only; writes happen through the ingest path only.
type KnowledgeStore struct {
	db *sql.DB

	mu       sync.RWMutex
	snapshot *Snapshot

	registry map[string]AgentInfo
}

// Open opens (or creates) the knowledge database and runs migrations.
func Open(path string) (*KnowledgeStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge db: %w", err)
	}

	s := &KnowledgeStore{
		db:       db,
		registry: DefaultAgentRegistry,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Knowledge store opened: %s", path)
	return s, nil
}

// migrate creates the schema if missing.
func (s *KnowledgeStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agent_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_name TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_documents_agent ON agent_documents(agent_name)`,
		`CREATE TABLE IF NOT EXISTS session_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_facts_session ON session_facts(session_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of the knowledge base. The matcher reads a
// snapshot for the whole of one selection cycle; refresh swaps the pointer
// so in-flight readers are unaffected.
type Snapshot struct {
	Agents   map[string]*types.AgentProfile
	Sessions map[string][]types.KnowledgeFragment
	LoadedAt time.Time
}

// AgentIDs returns the agent names present in the snapshot, sorted, including
// registry agents that have no documents yet.
func (sn *Snapshot) AgentIDs() []string {
	ids := make([]string, 0, len(sn.Agents))
	for id := range sn.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fragments returns the fragments for a namespace, or nil when none exist.
func (sn *Snapshot) Fragments(ns types.Namespace) []types.KnowledgeFragment {
	if ns.AgentID != "" {
		if p, ok := sn.Agents[ns.AgentID]; ok {
			return p.Fragments
		}
		return nil
	}
	if ns.SessionID != "" {
		return sn.Sessions[ns.SessionID]
	}
	return nil
}

// Snapshot returns the current snapshot, loading one if necessary.
func (s *KnowledgeStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	sn := s.snapshot
	s.mu.RUnlock()

	if sn != nil {
		return sn, nil
	}
	return s.Refresh(ctx)
}

// Invalidate drops the current snapshot; the next read reloads it.
func (s *KnowledgeStore) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
	logging.Store("Snapshot invalidated")
}

// Refresh reloads the snapshot from SQLite and swaps it in atomically.
func (s *KnowledgeStore) Refresh(ctx context.Context) (*Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Refresh")
	defer timer.StopWithThreshold(2 * time.Second)

	sn := &Snapshot{
		Agents:   make(map[string]*types.AgentProfile),
		Sessions: make(map[string][]types.KnowledgeFragment),
		LoadedAt: time.Now(),
	}

	// Registry agents always exist, even with zero documents, so the
	// selector's fallback buckets have valid targets.
	for id, info := range s.registry {
		sn.Agents[id] = &types.AgentProfile{
			AgentID:     id,
			DisplayRole: info.DisplayRole,
			Intro:       info.Intro,
			Expertise:   info.Expertise,
		}
	}

	if err := s.loadAgentDocuments(ctx, sn); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKnowledgeStoreUnavailable, err)
	}
	if err := s.loadSessionFacts(ctx, sn); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKnowledgeStoreUnavailable, err)
	}

	s.mu.Lock()
	s.snapshot = sn
	s.mu.Unlock()

	logging.Store("Snapshot refreshed: agents=%d, sessions=%d", len(sn.Agents), len(sn.Sessions))
	return sn, nil
}

func (s *KnowledgeStore) loadAgentDocuments(ctx context.Context, sn *Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent_name, content, embedding, metadata, created_at FROM agent_documents WHERE embedding IS NOT NULL")
	if err != nil {
		return err
	}
	defer rows.Close()

	skipped := 0
	for rows.Next() {
		frag, owner, ok := scanFragment(rows)
		if !ok {
			skipped++
			continue
		}
		profile, exists := sn.Agents[owner]
		if !exists {
			profile = &types.AgentProfile{AgentID: owner, DisplayRole: owner}
			sn.Agents[owner] = profile
		}
		profile.Fragments = append(profile.Fragments, frag)
	}
	if skipped > 0 {
		logging.StoreWarn("Skipped %d agent documents with unreadable embeddings", skipped)
	}
	return rows.Err()
}

func (s *KnowledgeStore) loadSessionFacts(ctx context.Context, sn *Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, content, embedding, metadata, created_at FROM session_facts WHERE embedding IS NOT NULL")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		frag, owner, ok := scanFragment(rows)
		if !ok {
			continue
		}
		sn.Sessions[owner] = append(sn.Sessions[owner], frag)
	}
	return rows.Err()
}

// scanFragment reads one row into a KnowledgeFragment. Rows with embeddings
// that fail to parse are dropped rather than failing the whole load.
func scanFragment(rows *sql.Rows) (types.KnowledgeFragment, string, bool) {
	var frag types.KnowledgeFragment
	var owner string
	var embeddingJSON string
	var metaJSON sql.NullString

	if err := rows.Scan(&frag.ID, &owner, &frag.Text, &embeddingJSON, &metaJSON, &frag.CreatedAt); err != nil {
		return frag, "", false
	}
	if err := json.Unmarshal([]byte(embeddingJSON), &frag.Embedding); err != nil {
		return frag, "", false
	}
	if metaJSON.Valid && metaJSON.String != "" {
		json.Unmarshal([]byte(metaJSON.String), &frag.Metadata)
	}
	frag.OwnerID = owner
	return frag, owner, true
}

// =============================================================================
// WRITE PATH (ingest only)
// =============================================================================

// InsertAgentDocument stores one embedded capability document.
func (s *KnowledgeStore) InsertAgentDocument(ctx context.Context, agentName, content string, embedding []float32, metadata map[string]interface{}) error {
	return s.insert(ctx, "INSERT INTO agent_documents (agent_name, content, embedding, metadata) VALUES (?, ?, ?, ?)",
		agentName, content, embedding, metadata)
}

// InsertSessionFact stores one embedded session fact (e.g., the result of a
// website analysis for a client session).
func (s *KnowledgeStore) InsertSessionFact(ctx context.Context, sessionID, content string, embedding []float32, metadata map[string]interface{}) error {
	return s.insert(ctx, "INSERT INTO session_facts (session_id, content, embedding, metadata) VALUES (?, ?, ?, ?)",
		sessionID, content, embedding, metadata)
}

func (s *KnowledgeStore) insert(ctx context.Context, query, owner, content string, embedding []float32, metadata map[string]interface{}) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	metaJSON, _ := json.Marshal(metadata)

	if _, err := s.db.ExecContext(ctx, query, owner, content, string(embeddingJSON), string(metaJSON)); err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// ClearAgentDocuments removes all documents for one agent before re-ingest.
func (s *KnowledgeStore) ClearAgentDocuments(ctx context.Context, agentName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agent_documents WHERE agent_name = ?", agentName)
	return err
}

// Stats returns row counts for diagnostics.
func (s *KnowledgeStore) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	var agentDocs, sessionFacts int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_documents").Scan(&agentDocs); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_facts").Scan(&sessionFacts); err != nil {
		return nil, err
	}
	stats["agent_documents"] = agentDocs
	stats["session_facts"] = sessionFacts
	return stats, nil
}
