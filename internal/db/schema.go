package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS properties (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ingested_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  event_timestamp TEXT NOT NULL,
  trace_id TEXT,
  body TEXT NOT NULL,
  public_key TEXT,
  received_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prompts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  version INTEGER NOT NULL,
  prompt_type TEXT NOT NULL DEFAULT 'text',
  prompt TEXT NOT NULL,
  config TEXT,
  labels TEXT NOT NULL DEFAULT '[]',
  tags TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL,
  UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS ingest_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  status INTEGER NOT NULL,
  events_accepted INTEGER NOT NULL DEFAULT 0,
  events_rejected INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_trace ON ingested_events (trace_id, received_at);
CREATE INDEX IF NOT EXISTS idx_events_received ON ingested_events (received_at);
CREATE INDEX IF NOT EXISTS idx_prompts_name ON prompts (name, version);
`
