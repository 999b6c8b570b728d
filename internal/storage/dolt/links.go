package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// UpsertLink inserts or replaces a forward edge. Links arriving in inverse
// orientation (child_of) are flipped to their canonical form before being
// written so the link table holds one row per logical edge.
func (s *DoltStore) UpsertLink(ctx context.Context, link *types.BlockLink) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("link %s -%s-> %s", link.FromID, link.Relation, link.ToID),
		func(tx *sql.Tx) error {
			return s.upsertLinkOn(ctx, tx, link)
		})
	return err
}

func (s *DoltStore) upsertLinkOn(ctx context.Context, q queryer, link *types.BlockLink) error {
	if err := link.Validate(); err != nil {
		if strings.Contains(err.Error(), "self-referential") {
			return fmt.Errorf("upsert link: %w", storage.ErrCycle)
		}
		return fmt.Errorf("upsert link: %w", err)
	}
	if !s.relations.Known(link.Relation) {
		return fmt.Errorf("upsert link: %s: %w", link.Relation, storage.ErrUnknownRelation)
	}
	link = s.relations.Canonicalize(link)

	for _, id := range []string{link.FromID, link.ToID} {
		var one int
		err := q.QueryRowContext(ctx, "SELECT 1 FROM blocks WHERE id = ?", id).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("upsert link: %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError("upsert link", err)
		}
	}

	if s.relations.IsAcyclic(link.Relation) {
		cyclic, err := wouldCycle(ctx, q, link.FromID, link.ToID, link.Relation)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("upsert link %s -%s-> %s: %w",
				link.FromID, link.Relation, link.ToID, storage.ErrCycle)
		}
	}

	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	metaJSON, err := marshalLinkMetadata(link)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO block_links (from_id, to_id, relation, priority, metadata, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			priority = VALUES(priority),
			metadata = VALUES(metadata),
			created_by = VALUES(created_by)`,
		link.FromID, link.ToID, string(link.Relation),
		link.Priority, metaJSON, createdAt.UTC(), link.CreatedBy,
	)
	if err != nil {
		return wrapDBError("upsert link", err)
	}

	if relation.IsParentFamily(link.Relation) {
		if _, err := q.ExecContext(ctx,
			"UPDATE blocks SET parent_id = ? WHERE id = ?", link.FromID, link.ToID); err != nil {
			return wrapDBError("set parent pointer", err)
		}
		if _, err := q.ExecContext(ctx,
			"UPDATE blocks SET has_children = 1 WHERE id = ?", link.FromID); err != nil {
			return wrapDBError("set has_children", err)
		}
	}
	return nil
}

// wouldCycle reports whether adding from->to closes a cycle: true when
// "from" is already reachable from "to" along forward edges of rel. The
// depth bound keeps a corrupted graph from recursing forever.
func wouldCycle(ctx context.Context, q queryer, fromID, toID string, rel types.Relation) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE paths AS (
			SELECT to_id, 1 AS depth
			FROM block_links
			WHERE from_id = ? AND relation = ?
			UNION ALL
			SELECT l.to_id, p.depth + 1
			FROM block_links l
			JOIN paths p ON l.from_id = p.to_id
			WHERE l.relation = ? AND p.depth < 100
		)
		SELECT COUNT(*) FROM paths WHERE to_id = ?`,
		toID, string(rel), string(rel), fromID,
	).Scan(&count)
	if err != nil {
		return false, wrapDBError("cycle check", err)
	}
	return count > 0, nil
}

// DeleteLink removes a forward edge. The relation may be given in either
// orientation; it is canonicalized first.
func (s *DoltStore) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("unlink %s -%s-> %s", fromID, rel, toID),
		func(tx *sql.Tx) error {
			return s.deleteLinkOn(ctx, tx, fromID, toID, rel)
		})
	return err
}

func (s *DoltStore) deleteLinkOn(ctx context.Context, q queryer, fromID, toID string, rel types.Relation) error {
	canon := s.relations.Canonicalize(&types.BlockLink{FromID: fromID, ToID: toID, Relation: rel})
	res, err := q.ExecContext(ctx,
		"DELETE FROM block_links WHERE from_id = ? AND relation = ? AND to_id = ?",
		canon.FromID, string(canon.Relation), canon.ToID)
	if err != nil {
		return wrapDBError("delete link", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("delete link", err)
	}
	if n == 0 {
		return fmt.Errorf("delete link: %w", storage.ErrNotFound)
	}

	if relation.IsParentFamily(canon.Relation) {
		if _, err := q.ExecContext(ctx,
			"UPDATE blocks SET parent_id = NULL WHERE id = ? AND parent_id = ?",
			canon.ToID, canon.FromID); err != nil {
			return wrapDBError("clear parent pointer", err)
		}
		if err := refreshHasChildren(ctx, q, canon.FromID); err != nil {
			return err
		}
	}
	return nil
}

// LinksFrom returns edges touching id. Inbound edges are synthesized from
// stored forward rows with the inverse relation name, so callers see a
// symmetric graph over an asymmetric table.
func (s *DoltStore) LinksFrom(ctx context.Context, id string, rel types.Relation, dir types.LinkDirection) ([]*types.BlockLink, error) {
	if !dir.IsValid() {
		return nil, fmt.Errorf("links from %s: invalid direction %q", id, dir)
	}
	if dir == "" {
		dir = types.DirectionOutbound
	}

	var out []*types.BlockLink

	if dir == types.DirectionOutbound || dir == types.DirectionBoth {
		query := "SELECT from_id, to_id, relation, priority, metadata, created_at, created_by FROM block_links WHERE from_id = ?"
		args := []any{id}
		if rel != "" {
			query += " AND relation = ?"
			args = append(args, string(rel))
		}
		links, err := s.queryLinks(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, links...)
	}

	if dir == types.DirectionInbound || dir == types.DirectionBoth {
		query := "SELECT from_id, to_id, relation, priority, metadata, created_at, created_by FROM block_links WHERE to_id = ?"
		args := []any{id}
		if rel != "" {
			// An inbound edge shows up under the inverse name, so filter
			// stored rows by the inverse of the requested relation.
			stored, err := s.relations.Inverse(rel)
			if err != nil {
				return nil, fmt.Errorf("links from %s: %w", id, err)
			}
			query += " AND relation = ?"
			args = append(args, string(stored))
		}
		links, err := s.queryLinks(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			inverse, err := s.relations.Inverse(link.Relation)
			if err != nil {
				continue
			}
			link.FromID, link.ToID = link.ToID, link.FromID
			link.Relation = inverse
			out = append(out, link)
		}
	}

	sortLinks(out)
	return out, nil
}

// LinksTo returns inbound edges for id.
func (s *DoltStore) LinksTo(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error) {
	return s.LinksFrom(ctx, id, rel, types.DirectionInbound)
}

func (s *DoltStore) queryLinks(ctx context.Context, query string, args ...any) ([]*types.BlockLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query links", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.BlockLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, wrapDBError("query links", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("query links", err)
	}
	return out, nil
}

func scanLink(row rowScanner) (*types.BlockLink, error) {
	var (
		link     types.BlockLink
		rel      string
		metaJSON []byte
	)
	err := row.Scan(&link.FromID, &link.ToID, &rel, &link.Priority,
		&metaJSON, &link.CreatedAt, &link.CreatedBy)
	if err != nil {
		return nil, err
	}
	link.Relation = types.Relation(rel)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &link.Metadata); err != nil {
			return nil, fmt.Errorf("decode link metadata: %w", err)
		}
	}
	link.CreatedAt = link.CreatedAt.UTC()
	return &link, nil
}

func marshalLinkMetadata(link *types.BlockLink) ([]byte, error) {
	m := link.Metadata
	if m == nil {
		m = map[string]any{}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode link metadata: %w", err)
	}
	return out, nil
}

func sortLinks(links []*types.BlockLink) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].Priority != links[j].Priority {
			return links[i].Priority > links[j].Priority
		}
		if links[i].ToID != links[j].ToID {
			return links[i].ToID < links[j].ToID
		}
		return links[i].Relation < links[j].Relation
	})
}
