package checkpoint

// Schema holds the checkpoint tables. One current row per entity, plus an
// append-only history stream keyed by (entity_id, created_at).
const Schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	entity_id     TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending'
	              CHECK(status IN ('pending','running','completed','error','skipped','stopped')),
	progress      INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
	payload       TEXT,
	error_message TEXT,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status, updated_at);

CREATE TABLE IF NOT EXISTS checkpoint_history (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	payload       TEXT,
	error_message TEXT,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_entity ON checkpoint_history(entity_id, created_at);
`
