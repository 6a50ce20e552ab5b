package store

import (
	"fmt"
	"strings"
	"time"
)

// baseSchema is applied on every start. Every statement is create-if-absent.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
    id               TEXT PRIMARY KEY,
    content          TEXT NOT NULL DEFAULT '',
    node_type        TEXT NOT NULL DEFAULT 'semantic',
    confidence       REAL NOT NULL DEFAULT 0.5,
    embedding        BLOB,
    metadata         TEXT NOT NULL DEFAULT '{}',
    source           TEXT,
    access_count     INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    last_accessed_at INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS edges (
    id                TEXT PRIMARY KEY,
    source_id         TEXT NOT NULL,
    target_id         TEXT NOT NULL,
    edge_type         TEXT NOT NULL DEFAULT 'related',
    weight            REAL NOT NULL DEFAULT 0.5,
    metadata          TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL,
    last_activated_at INTEGER,
    FOREIGN KEY (source_id) REFERENCES nodes(id) ON DELETE CASCADE,
    FOREIGN KEY (target_id) REFERENCES nodes(id) ON DELETE CASCADE
)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
    id                 TEXT PRIMARY KEY,
    action_id          TEXT NOT NULL,
    status             TEXT NOT NULL,
    confidence         REAL NOT NULL DEFAULT 1.0,
    causal_node_ids    TEXT NOT NULL DEFAULT '[]',
    evidence           TEXT NOT NULL DEFAULT '{}',
    retrieval_trace_id TEXT,
    decision_trace_id  TEXT,
    action_linkage     TEXT NOT NULL DEFAULT '{}',
    grounding          TEXT NOT NULL DEFAULT '{}',
    observed_at        INTEGER NOT NULL,
    processed_at       INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS goals (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'proposed',
    priority   TEXT,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS goal_nodes (
    goal_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    PRIMARY KEY (goal_id, node_id),
    FOREIGN KEY (goal_id) REFERENCES goals(id) ON DELETE CASCADE,
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
    id         TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_type       ON nodes(node_type)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_confidence ON nodes(confidence)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source     ON edges(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target     ON edges(target_id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_observed ON outcomes(observed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_goals_status     ON goals(status)`,
}

type migration struct {
	ID          string
	Description string
	Statements  []string
}

// migrations bring databases created by older builds up to the base schema. On a fresh
// database their statements hit "duplicate column"/"already exists" and are recorded as
// satisfied.
var migrations = []migration{
	{
		ID:          "0001_nodes_source",
		Description: "nodes.source provenance column",
		Statements:  []string{`ALTER TABLE nodes ADD COLUMN source TEXT`},
	},
	{
		ID:          "0002_nodes_last_accessed_at",
		Description: "nodes.last_accessed_at for access tracking",
		Statements:  []string{`ALTER TABLE nodes ADD COLUMN last_accessed_at INTEGER`},
	},
	{
		ID:          "0003_edges_last_activated_at",
		Description: "edges.last_activated_at",
		Statements:  []string{`ALTER TABLE edges ADD COLUMN last_activated_at INTEGER`},
	},
	{
		ID:          "0004_outcomes_provenance",
		Description: "outcome trace links, linkage and grounding",
		Statements: []string{
			`ALTER TABLE outcomes ADD COLUMN retrieval_trace_id TEXT`,
			`ALTER TABLE outcomes ADD COLUMN decision_trace_id TEXT`,
			`ALTER TABLE outcomes ADD COLUMN action_linkage TEXT NOT NULL DEFAULT '{}'`,
			`ALTER TABLE outcomes ADD COLUMN grounding TEXT NOT NULL DEFAULT '{}'`,
			`ALTER TABLE outcomes ADD COLUMN processed_at INTEGER`,
		},
	},
	{
		ID:          "0005_edges_pair_index",
		Description: "lookup index for edge upserts",
		Statements:  []string{`CREATE INDEX idx_edges_pair ON edges(source_id, target_id, edge_type)`},
	},
	{
		ID:          "0006_goals_priority",
		Description: "goals.priority",
		Statements:  []string{`ALTER TABLE goals ADD COLUMN priority TEXT`},
	},
}

// bootstrap ensures the base schema exists, then applies pending migrations.
func (db *DB) bootstrap() error {
	for _, stmt := range baseSchema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return db.migrate()
}

func (db *DB) migrate() error {
	applied, err := db.AppliedMigrations()
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, id := range applied {
		done[id] = true
	}

	for _, m := range migrations {
		if done[m.ID] {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.ID, err)
	}

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			if alreadyApplied(err) {
				continue
			}
			tx.Rollback()
			return fmt.Errorf("migration %s (%s): %w", m.ID, m.Description, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO schema_migrations (id, applied_at) VALUES (?, ?)",
		m.ID, time.Now().UnixMilli(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.ID, err)
	}
	return nil
}

// alreadyApplied reports whether a migration statement failed only because its target
// already exists.
func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// AppliedMigrations returns the ids recorded in schema_migrations, oldest first.
func (db *DB) AppliedMigrations() ([]string, error) {
	rows, err := db.Query("SELECT id FROM schema_migrations ORDER BY applied_at, id")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
