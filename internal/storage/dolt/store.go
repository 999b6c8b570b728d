// Package dolt implements the storage interface on a Dolt database.
//
// Dolt speaks the MySQL wire protocol and versions every commit, which
// gives the memory bank durable, parameterized persistence plus per-block
// history for free. Two access modes are supported:
//   - Embedded access via github.com/dolthub/driver (no server required,
//     CGO builds only)
//   - Server access via go-sql-driver/mysql against a dolt sql-server
package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// MySQL driver for server mode
	_ "github.com/go-sql-driver/mysql"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/storage"
)

var _ storage.Versioned = (*DoltStore)(nil)

// DoltStore implements storage.Store (and storage.Versioned) on Dolt.
type DoltStore struct {
	db        *sql.DB
	cfg       *Config
	relations *relation.Registry

	// mu serializes each mutation transaction with its trailing
	// DOLT_COMMIT so concurrent writers cannot interleave working-set
	// changes between someone else's transaction and commit.
	mu sync.Mutex

	closeFns []func() error
}

// queryer is satisfied by *sql.DB, *sql.Tx and *sql.Conn; the row helpers
// in blocks.go/links.go are written against it so store methods and
// transaction methods share one implementation.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a Dolt-backed store.
func New(ctx context.Context, cfg *Config, relations *relation.Registry) (*DoltStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dolt: config is required")
	}
	if relations == nil {
		return nil, fmt.Errorf("dolt: relation registry is required")
	}
	cfg = cfg.withDefaults()
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("dolt: %w", err)
	}

	store := &DoltStore{cfg: cfg, relations: relations}
	var err error
	if cfg.ServerMode {
		err = store.openServer(ctx)
	} else {
		err = store.openEmbedded(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := store.db.PingContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dolt: ping: %w", err)
	}
	if err := initSchemaOnDB(ctx, store.db); err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Branch != "" {
		if err := store.checkoutBranch(ctx, cfg.Branch); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// buildServerDSN constructs a MySQL DSN for a dolt sql-server. An empty
// database connects without selecting one (for CREATE DATABASE).
func buildServerDSN(cfg *Config, database string) string {
	userPart := cfg.ServerUser
	if cfg.ServerPassword != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.ServerUser, cfg.ServerPassword)
	}
	params := "parseTime=true&multiStatements=false"
	if cfg.ServerTLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, cfg.ServerHost, cfg.ServerPort, database, params)
}

func (s *DoltStore) openServer(ctx context.Context) error {
	// Connect without a database first so we can create it.
	initDB, err := sql.Open("mysql", buildServerDSN(s.cfg, ""))
	if err != nil {
		return fmt.Errorf("dolt: open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	//nolint:gosec // G201: database name validated by validateDatabaseName in New
	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.cfg.Database))
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "database exists") {
		return fmt.Errorf("dolt: create database %s: %w", s.cfg.Database, err)
	}

	db, err := sql.Open("mysql", buildServerDSN(s.cfg, s.cfg.Database))
	if err != nil {
		return fmt.Errorf("dolt: open server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s.db = db
	s.closeFns = append(s.closeFns, db.Close)
	return nil
}

func (s *DoltStore) checkoutBranch(ctx context.Context, branch string) error {
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", branch); err == nil {
		return nil
	}
	// Branch missing: create from the current head, then checkout.
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_BRANCH(?)", branch); err != nil {
		return fmt.Errorf("dolt: create branch %s: %w", branch, err)
	}
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", branch); err != nil {
		return fmt.Errorf("dolt: checkout branch %s: %w", branch, err)
	}
	return nil
}

// withCommit runs fn inside a SQL transaction and, on success, records a
// Dolt commit for the change, returning its hash. On error the transaction
// is rolled back and nothing is committed.
func (s *DoltStore) withCommit(ctx context.Context, message string, fn func(tx *sql.Tx) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("dolt: begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("dolt: commit: %w", err)
	}
	return s.doltCommit(ctx, message)
}

// doltCommit stages and commits the working set, returning the commit hash.
// A no-change commit falls back to the current HEAD hash.
func (s *DoltStore) doltCommit(ctx context.Context, message string) (string, error) {
	author := fmt.Sprintf("%s <%s>", s.cfg.CommitterName, s.cfg.CommitterEmail)
	var hash string
	err := s.db.QueryRowContext(ctx,
		"CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, author,
	).Scan(&hash)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			return s.CurrentCommit(ctx)
		}
		return "", fmt.Errorf("dolt: dolt_commit: %w", err)
	}
	return hash, nil
}

// CurrentCommit returns the HEAD commit hash.
func (s *DoltStore) CurrentCommit(ctx context.Context) (string, error) {
	var hash string
	if err := s.db.QueryRowContext(ctx, "SELECT DOLT_HASHOF('HEAD')").Scan(&hash); err != nil {
		return "", fmt.Errorf("dolt: hashof head: %w", err)
	}
	return hash, nil
}

// Close releases the database handle (and, in embedded mode, the
// filesystem locks held by the driver).
func (s *DoltStore) Close() error {
	var firstErr error
	for i := len(s.closeFns) - 1; i >= 0; i-- {
		if err := s.closeFns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closeFns = nil
	return firstErr
}
