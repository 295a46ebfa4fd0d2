package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

// migrateV1 creates the append-only event log and the schema meta table.
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id             TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		subject_id     TEXT NOT NULL,
		subject_type   TEXT NOT NULL DEFAULT '',
		data           TEXT NOT NULL,
		metadata       TEXT NOT NULL DEFAULT '{}',
		user_id        TEXT NOT NULL,
		source         TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id   TEXT NOT NULL DEFAULT '',
		request_id     TEXT NOT NULL DEFAULT '',
		version        INTEGER NOT NULL,
		UNIQUE(subject_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject_id, version);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

// migrateV2 adds governor state and worker-owned domain tables.
func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil // already at v2+
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		ai_auto_approve INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		context_type TEXT NOT NULL,
		context_id   TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		role         TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (context_type, context_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);

	CREATE TABLE IF NOT EXISTS entities (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		project_id   TEXT NOT NULL DEFAULT '',
		entity_type  TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		content_ref  TEXT NOT NULL DEFAULT '',
		checksum     TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		deleted_at   INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_entities_user ON entities(user_id);
	CREATE INDEX IF NOT EXISTS idx_entities_workspace ON entities(workspace_id);

	CREATE TABLE IF NOT EXISTS task_details (
		entity_id TEXT PRIMARY KEY REFERENCES entities(id),
		status    TEXT NOT NULL DEFAULT 'open',
		priority  TEXT NOT NULL DEFAULT '',
		due_at    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS execution_steps (
		execution_id TEXT NOT NULL,
		step_name    TEXT NOT NULL,
		result       TEXT NOT NULL DEFAULT '',
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (execution_id, step_name)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		event_id    TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		error       TEXT NOT NULL,
		attempts    INTEGER NOT NULL,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letters(created_at) WHERE resolved_at IS NULL;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

// migrateV3 adds the hash-chained thread log and the derived AI tables.
func (s *Store) migrateV3() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "3" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		title                    TEXT NOT NULL DEFAULT '',
		parent_thread_id         TEXT NOT NULL DEFAULT '',
		branched_from_message_id TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT 'active',
		created_at               INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_thread_id);

	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		thread_id     TEXT NOT NULL REFERENCES threads(id),
		seq           INTEGER NOT NULL,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		hash          TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		UNIQUE(thread_id, seq)
	);

	CREATE TABLE IF NOT EXISTS ai_annotations (
		source_event_id TEXT NOT NULL,
		kind            TEXT NOT NULL,
		subject_id      TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (source_event_id, kind)
	);

	CREATE TABLE IF NOT EXISTS entity_relations (
		source_event_id TEXT NOT NULL,
		from_id         TEXT NOT NULL,
		to_id           TEXT NOT NULL,
		relation        TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (source_event_id, from_id, to_id, relation)
	);

	CREATE INDEX IF NOT EXISTS idx_relations_from ON entity_relations(from_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
