package dolt

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements bootstraps the membank tables. Statements are executed
// one at a time because the embedded driver does not support multi-statement
// Exec. Everything is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		id VARCHAR(64) PRIMARY KEY,
		type VARCHAR(32) NOT NULL,
		text LONGTEXT NOT NULL,
		tags JSON NOT NULL,
		metadata JSON NOT NULL,
		state VARCHAR(16) NOT NULL DEFAULT 'draft',
		visibility VARCHAR(16) NOT NULL DEFAULT 'internal',
		block_version BIGINT NOT NULL DEFAULT 1,
		schema_version INT NOT NULL DEFAULT 1,
		parent_id VARCHAR(64),
		has_children TINYINT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_blocks_type (type),
		INDEX idx_blocks_state (state),
		INDEX idx_blocks_parent (parent_id),
		INDEX idx_blocks_created (created_at, id)
	)`,

	`CREATE TABLE IF NOT EXISTS block_links (
		from_id VARCHAR(64) NOT NULL,
		to_id VARCHAR(64) NOT NULL,
		relation VARCHAR(64) NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		metadata JSON NOT NULL,
		created_at DATETIME(6) NOT NULL,
		created_by VARCHAR(100) NOT NULL DEFAULT '',
		PRIMARY KEY (from_id, relation, to_id),
		INDEX idx_links_to (to_id, relation),
		INDEX idx_links_relation (relation)
	)`,

	`CREATE TABLE IF NOT EXISTS block_proofs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		block_id VARCHAR(64) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		commit_ref VARCHAR(64) NOT NULL DEFAULT '',
		actor VARCHAR(100) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		INDEX idx_proofs_block (block_id, id)
	)`,

	`CREATE TABLE IF NOT EXISTS node_schemas (
		type VARCHAR(32) PRIMARY KEY,
		version INT NOT NULL,
		registered_at DATETIME(6) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS consistency_flags (
		block_id VARCHAR(64) PRIMARY KEY,
		reason TEXT NOT NULL,
		flagged_at DATETIME(6) NOT NULL
	)`,
}

// initSchemaOnDB creates the membank tables on an open connection.
func initSchemaOnDB(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
