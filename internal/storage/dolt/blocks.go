package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// blockColumns is the select list shared by every block read. The trailing
// EXISTS subquery folds the consistency flag into the row so readers never
// need a second query.
const blockColumns = `b.id, b.type, b.text, b.tags, b.metadata, b.state, b.visibility,
	b.block_version, b.schema_version, b.parent_id, b.has_children,
	b.created_at, b.updated_at,
	EXISTS(SELECT 1 FROM consistency_flags cf WHERE cf.block_id = b.id)`

// InsertBlock persists a new block and records a Dolt commit.
func (s *DoltStore) InsertBlock(ctx context.Context, block *types.MemoryBlock) (string, error) {
	err := s.validateStamped(block)
	if err != nil {
		return "", err
	}
	return s.withCommit(ctx, fmt.Sprintf("create block %s", block.ID), func(tx *sql.Tx) error {
		return insertBlockOn(ctx, tx, block)
	})
}

// UpdateBlock applies block if the stored row still carries expectedVersion.
func (s *DoltStore) UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) (string, error) {
	if err := block.Validate(); err != nil {
		return "", fmt.Errorf("update block: %w", err)
	}
	return s.withCommit(ctx, fmt.Sprintf("update block %s", block.ID), func(tx *sql.Tx) error {
		return updateBlockOn(ctx, tx, block, expectedVersion)
	})
}

// DeleteBlock removes a block. Blocks with children are refused unless
// force is set; force orphans the children and cascades the block's links.
func (s *DoltStore) DeleteBlock(ctx context.Context, id string, force bool) (string, error) {
	return s.withCommit(ctx, fmt.Sprintf("delete block %s", id), func(tx *sql.Tx) error {
		return deleteBlockOn(ctx, tx, id, force)
	})
}

// GetBlock fetches a single block by id.
func (s *DoltStore) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	return getBlockOn(ctx, s.db, id)
}

// validateStamped checks invariants the store requires of a fresh insert.
func (s *DoltStore) validateStamped(block *types.MemoryBlock) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if block.CreatedAt.IsZero() || block.UpdatedAt.IsZero() {
		return fmt.Errorf("insert block %s: timestamps not set", block.ID)
	}
	return nil
}

func insertBlockOn(ctx context.Context, q queryer, block *types.MemoryBlock) error {
	tagsJSON, metaJSON, err := marshalBlockJSON(block)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO blocks (
			id, type, text, tags, metadata, state, visibility,
			block_version, schema_version, parent_id, has_children,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.ID, string(block.Type), block.Text, tagsJSON, metaJSON,
		string(block.State), string(block.Visibility),
		block.BlockVersion, block.SchemaVersion,
		nullableString(block.ParentID), boolToInt(block.HasChildren),
		block.CreatedAt.UTC(), block.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert block %s: %w", block.ID, storage.ErrDuplicateID)
		}
		return wrapDBError(fmt.Sprintf("insert block %s", block.ID), err)
	}
	return nil
}

func updateBlockOn(ctx context.Context, q queryer, block *types.MemoryBlock, expectedVersion int64) error {
	tagsJSON, metaJSON, err := marshalBlockJSON(block)
	if err != nil {
		return err
	}
	// parent_id, has_children and created_at are store-owned; the caller's
	// copies of those fields are ignored.
	res, err := q.ExecContext(ctx, `
		UPDATE blocks SET
			text = ?, tags = ?, metadata = ?, state = ?, visibility = ?,
			block_version = ?, schema_version = ?, updated_at = ?
		WHERE id = ? AND block_version = ?`,
		block.Text, tagsJSON, metaJSON,
		string(block.State), string(block.Visibility),
		expectedVersion+1, block.SchemaVersion, block.UpdatedAt.UTC(),
		block.ID, expectedVersion,
	)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update block %s", block.ID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(fmt.Sprintf("update block %s", block.ID), err)
	}
	if n == 0 {
		// Distinguish a missing row from a stale version.
		var one int
		err := q.QueryRowContext(ctx, "SELECT 1 FROM blocks WHERE id = ?", block.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("update block %s: %w", block.ID, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError(fmt.Sprintf("update block %s", block.ID), err)
		}
		return fmt.Errorf("update block %s: expected version %d: %w",
			block.ID, expectedVersion, storage.ErrVersionConflict)
	}
	block.BlockVersion = expectedVersion + 1
	return nil
}

func deleteBlockOn(ctx context.Context, q queryer, id string, force bool) error {
	var hasChildren int
	var parentID sql.NullString
	err := q.QueryRowContext(ctx,
		"SELECT has_children, parent_id FROM blocks WHERE id = ?", id,
	).Scan(&hasChildren, &parentID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("delete block %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError(fmt.Sprintf("delete block %s", id), err)
	}
	if hasChildren != 0 && !force {
		return fmt.Errorf("delete block %s: %w", id, storage.ErrHasChildren)
	}

	// Links are cascaded in both directions; child blocks are never deleted,
	// only orphaned.
	if _, err := q.ExecContext(ctx,
		"DELETE FROM block_links WHERE from_id = ? OR to_id = ?", id, id); err != nil {
		return wrapDBError(fmt.Sprintf("delete links of %s", id), err)
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE blocks SET parent_id = NULL WHERE parent_id = ?", id); err != nil {
		return wrapDBError(fmt.Sprintf("orphan children of %s", id), err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM blocks WHERE id = ?", id); err != nil {
		return wrapDBError(fmt.Sprintf("delete block %s", id), err)
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM consistency_flags WHERE block_id = ?", id); err != nil {
		return wrapDBError(fmt.Sprintf("clear flags of %s", id), err)
	}
	if parentID.Valid {
		if err := refreshHasChildren(ctx, q, parentID.String); err != nil {
			return err
		}
	}
	return nil
}

func getBlockOn(ctx context.Context, q queryer, id string) (*types.MemoryBlock, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM blocks b WHERE b.id = ?", id)
	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get block %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get block %s", id), err)
	}
	return block, nil
}

// refreshHasChildren recomputes a block's has_children bit from the live
// parent_id pointers. Uses a self-join materialized through a derived table
// to sidestep MySQL's same-table update restriction (error 1093).
func refreshHasChildren(ctx context.Context, q queryer, id string) error {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blocks WHERE parent_id = ?", id).Scan(&count)
	if err != nil {
		return wrapDBError(fmt.Sprintf("count children of %s", id), err)
	}
	_, err = q.ExecContext(ctx,
		"UPDATE blocks SET has_children = ? WHERE id = ?", boolToInt(count > 0), id)
	if err != nil {
		return wrapDBError(fmt.Sprintf("refresh has_children of %s", id), err)
	}
	return nil
}

// ListBlocks applies the filter with keyset pagination on (created_at, id).
func (s *DoltStore) ListBlocks(ctx context.Context, filter types.BlockFilter) ([]*types.MemoryBlock, string, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != nil {
		where = append(where, "b.type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.State != nil {
		where = append(where, "b.state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Visibility != nil {
		where = append(where, "b.visibility = ?")
		args = append(args, string(*filter.Visibility))
	}
	for _, tag := range filter.Tags {
		where = append(where, "JSON_CONTAINS(b.tags, JSON_QUOTE(?))")
		args = append(args, tag)
	}
	if len(filter.TagsAny) > 0 {
		var ors []string
		for _, tag := range filter.TagsAny {
			ors = append(ors, "JSON_CONTAINS(b.tags, JSON_QUOTE(?))")
			args = append(args, tag)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	for key, val := range filter.MetadataEquals {
		where = append(where, "JSON_UNQUOTE(JSON_EXTRACT(b.metadata, ?)) = ?")
		args = append(args, fmt.Sprintf(`$."%s"`, key), val)
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(filter.IDs)), ",")
		where = append(where, "b.id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Cursor != "" {
		createdAt, lastID, err := storage.DecodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("list blocks: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, "", fmt.Errorf("list blocks: malformed cursor timestamp: %w", err)
		}
		where = append(where, "(b.created_at > ? OR (b.created_at = ? AND b.id > ?))")
		args = append(args, ts.UTC(), ts.UTC(), lastID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + blockColumns + " FROM blocks b"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Fetch one extra row to decide whether a next page exists.
	query += " ORDER BY b.created_at, b.id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", wrapDBError("list blocks", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*types.MemoryBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, "", wrapDBError("list blocks", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, "", wrapDBError("list blocks", err)
	}

	var next string
	if len(blocks) > limit {
		blocks = blocks[:limit]
		last := blocks[len(blocks)-1]
		next = storage.EncodeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return blocks, next, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanBlock.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*types.MemoryBlock, error) {
	var (
		block        types.MemoryBlock
		typ, state   string
		visibility   string
		tagsJSON     []byte
		metaJSON     []byte
		parentID     sql.NullString
		hasChildren  int
		inconsistent int
	)
	err := row.Scan(
		&block.ID, &typ, &block.Text, &tagsJSON, &metaJSON,
		&state, &visibility,
		&block.BlockVersion, &block.SchemaVersion,
		&parentID, &hasChildren,
		&block.CreatedAt, &block.UpdatedAt,
		&inconsistent,
	)
	if err != nil {
		return nil, err
	}
	block.Type = types.BlockType(typ)
	block.State = types.BlockState(state)
	block.Visibility = types.Visibility(visibility)
	block.HasChildren = hasChildren != 0
	block.Inconsistent = inconsistent != 0
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
	return &block, nil
}

func marshalBlockJSON(block *types.MemoryBlock) (tags, meta []byte, err error) {
	t := block.Tags
	if t == nil {
		t = []string{}
	}
	tags, err = json.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tags: %w", err)
	}
	m := block.Metadata
	if m == nil {
		m = map[string]any{}
	}
	meta, err = json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return tags, meta, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
