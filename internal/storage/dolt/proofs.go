package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cognimem/membank/internal/types"
)

// AppendProof records one audit entry. The proof table is append-only;
// there is no update or delete path.
func (s *DoltStore) AppendProof(ctx context.Context, proof *types.BlockProof) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("proof %s %s", proof.Operation, proof.BlockID),
		func(tx *sql.Tx) error {
			return appendProofOn(ctx, tx, proof)
		})
	return err
}

func appendProofOn(ctx context.Context, q queryer, proof *types.BlockProof) error {
	if proof.BlockID == "" || proof.Operation == "" {
		return fmt.Errorf("append proof: block_id and operation are required")
	}
	createdAt := proof.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO block_proofs (block_id, operation, commit_ref, actor, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		proof.BlockID, string(proof.Operation), proof.CommitRef, proof.Actor, createdAt.UTC(),
	)
	if err != nil {
		return wrapDBError("append proof", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		proof.ID = id
	}
	return nil
}

// ListProofs returns audit entries in append order, scoped to one block
// when blockID is non-empty. limit <= 0 returns all of them.
func (s *DoltStore) ListProofs(ctx context.Context, blockID string, limit int) ([]*types.BlockProof, error) {
	query := `
		SELECT id, block_id, operation, commit_ref, actor, created_at
		FROM block_proofs`
	var args []any
	if blockID != "" {
		query += " WHERE block_id = ?"
		args = append(args, blockID)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list proofs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.BlockProof
	for rows.Next() {
		var (
			proof types.BlockProof
			op    string
		)
		if err := rows.Scan(&proof.ID, &proof.BlockID, &op, &proof.CommitRef,
			&proof.Actor, &proof.CreatedAt); err != nil {
			return nil, wrapDBError("list proofs", err)
		}
		proof.Operation = types.ProofOperation(op)
		proof.CreatedAt = proof.CreatedAt.UTC()
		out = append(out, &proof)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list proofs", err)
	}
	return out, nil
}

// RegisterSchemaVersion persists the active metadata schema version for a
// block type. Re-registering the same type overwrites the marker.
func (s *DoltStore) RegisterSchemaVersion(ctx context.Context, t types.BlockType, version int) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("register schema %s v%d", t, version),
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO node_schemas (type, version, registered_at)
				VALUES (?, ?, ?)
				ON DUPLICATE KEY UPDATE version = VALUES(version), registered_at = VALUES(registered_at)`,
				string(t), version, time.Now().UTC(),
			)
			if err != nil {
				return wrapDBError("register schema version", err)
			}
			return nil
		})
	return err
}

// SchemaVersions reads all persisted schema version markers.
func (s *DoltStore) SchemaVersions(ctx context.Context) (map[types.BlockType]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, version FROM node_schemas")
	if err != nil {
		return nil, wrapDBError("schema versions", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[types.BlockType]int)
	for rows.Next() {
		var (
			typ     string
			version int
		)
		if err := rows.Scan(&typ, &version); err != nil {
			return nil, wrapDBError("schema versions", err)
		}
		out[types.BlockType(typ)] = version
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("schema versions", err)
	}
	return out, nil
}

// MarkInconsistent flags a block whose relational and semantic state have
// diverged. Flagging an already-flagged block refreshes the reason.
func (s *DoltStore) MarkInconsistent(ctx context.Context, blockID, reason string) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("flag inconsistent %s", blockID),
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO consistency_flags (block_id, reason, flagged_at)
				VALUES (?, ?, ?)
				ON DUPLICATE KEY UPDATE reason = VALUES(reason), flagged_at = VALUES(flagged_at)`,
				blockID, reason, time.Now().UTC(),
			)
			if err != nil {
				return wrapDBError("mark inconsistent", err)
			}
			return nil
		})
	return err
}

// ClearInconsistent drops a block's consistency flag. Clearing an unflagged
// block is a no-op.
func (s *DoltStore) ClearInconsistent(ctx context.Context, blockID string) error {
	_, err := s.withCommit(ctx,
		fmt.Sprintf("clear inconsistent %s", blockID),
		func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM consistency_flags WHERE block_id = ?", blockID); err != nil {
				return wrapDBError("clear inconsistent", err)
			}
			return nil
		})
	return err
}

// InconsistentBlocks lists the ids of all flagged blocks.
func (s *DoltStore) InconsistentBlocks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT block_id FROM consistency_flags ORDER BY block_id")
	if err != nil {
		return nil, wrapDBError("inconsistent blocks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("inconsistent blocks", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("inconsistent blocks", err)
	}
	return out, nil
}
