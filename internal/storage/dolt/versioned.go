package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// History returns prior states of a block from Dolt's generated
// dolt_history_blocks system table, most recent commit first. limit <= 0
// returns the full history.
func (s *DoltStore) History(ctx context.Context, blockID string, limit int) ([]*storage.HistoryEntry, error) {
	query := `
		SELECT commit_hash, committer, commit_date,
			id, type, text, tags, metadata, state, visibility,
			block_version, schema_version, parent_id, has_children,
			created_at, updated_at
		FROM dolt_history_blocks
		WHERE id = ?
		ORDER BY commit_date DESC`
	args := []any{blockID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("history of %s", blockID), err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("history of %s", blockID), err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(fmt.Sprintf("history of %s", blockID), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("history of %s: %w", blockID, storage.ErrNotFound)
	}
	return out, nil
}

func scanHistoryEntry(rows *sql.Rows) (*storage.HistoryEntry, error) {
	var (
		entry       storage.HistoryEntry
		block       types.MemoryBlock
		commitDate  time.Time
		typ, state  string
		visibility  string
		tagsJSON    []byte
		metaJSON    []byte
		parentID    sql.NullString
		hasChildren int
	)
	err := rows.Scan(
		&entry.CommitRef, &entry.Committer, &commitDate,
		&block.ID, &typ, &block.Text, &tagsJSON, &metaJSON,
		&state, &visibility,
		&block.BlockVersion, &block.SchemaVersion,
		&parentID, &hasChildren,
		&block.CreatedAt, &block.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.CommitTime = commitDate.UTC().Format(time.RFC3339)
	block.Type = types.BlockType(typ)
	block.State = types.BlockState(state)
	block.Visibility = types.Visibility(visibility)
	block.HasChildren = hasChildren != 0
	if parentID.Valid {
		p := parentID.String
		block.ParentID = &p
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &block.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &block.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	block.CreatedAt = block.CreatedAt.UTC()
	block.UpdatedAt = block.UpdatedAt.UTC()
	entry.Block = &block
	return &entry, nil
}
