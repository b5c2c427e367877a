package sqlitestore

// Schema is the DDL for the SQLite store.
const Schema = `
CREATE TABLE IF NOT EXISTS processing_records (
    id           TEXT PRIMARY KEY,
    message_id   TEXT NOT NULL UNIQUE,
    thread_id    TEXT NOT NULL DEFAULT '',
    sender       TEXT NOT NULL DEFAULT '',
    subject      TEXT NOT NULL DEFAULT '',
    source_type  TEXT NOT NULL DEFAULT '',
    state        TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 1,
    last_error   TEXT NOT NULL DEFAULT '',
    error_kind   TEXT NOT NULL DEFAULT '',
    action       TEXT NOT NULL DEFAULT '',
    action_ref   TEXT NOT NULL DEFAULT '',
    match_id     TEXT NOT NULL DEFAULT '',
    similarity   REAL NOT NULL DEFAULT 0,
    category     TEXT NOT NULL DEFAULT '',
    priority     TEXT NOT NULL DEFAULT '',
    sentiment    TEXT NOT NULL DEFAULT '',
    confidence   REAL NOT NULL DEFAULT 0,
    tags         TEXT NOT NULL DEFAULT '[]',
    created_at   TEXT NOT NULL,
    completed_at TEXT NOT NULL DEFAULT '',
    duration_s   REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_created ON processing_records(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_records_sender ON processing_records(sender COLLATE NOCASE, created_at DESC);

CREATE TABLE IF NOT EXISTS counters (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS counter_window (
    id    INTEGER PRIMARY KEY CHECK (id = 1),
    since TEXT NOT NULL
);
`
