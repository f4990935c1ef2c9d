package postgres

import "fmt"

func schemaStatements(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.promotion_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	link_id TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL,
	status TEXT NOT NULL,
	terminal BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	doc JSONB NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS promotion_runs_project_idx ON %s.promotion_runs (project_id, created_at DESC)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS promotion_runs_active_idx ON %s.promotion_runs (created_at) WHERE NOT terminal`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s.promotion_nodes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES %[1]s.promotion_runs (id) ON DELETE CASCADE,
	level SMALLINT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	doc JSONB NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS promotion_nodes_run_idx ON %s.promotion_nodes (run_id, created_at)`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s.promotion_crowd_tasks (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES %[1]s.promotion_runs (id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	doc JSONB NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS promotion_crowd_tasks_run_idx ON %s.promotion_crowd_tasks (run_id, created_at)`, schema),
	}
}
