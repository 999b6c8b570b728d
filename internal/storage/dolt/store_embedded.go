//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed

	return bo
}

// openEmbedded opens the bank database through the embedded Dolt engine.
// No server is required; the engine runs in-process over cfg.Path.
func (s *DoltStore) openEmbedded(ctx context.Context) error {
	cfg := s.cfg
	if cfg.Path == "" {
		return fmt.Errorf("dolt: embedded mode requires a database path")
	}
	if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
		return fmt.Errorf("dolt: database path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return fmt.Errorf("dolt: create database directory: %w", err)
	}

	// The embedded driver sets its filesystem working directory from the
	// DSN; a relative path gets stacked onto itself at lower layers, so
	// always hand it an absolute one.
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return fmt.Errorf("dolt: resolve database path: %w", err)
	}

	initDSN := fmt.Sprintf(
		"file://%s?commitname=%s&commitemail=%s",
		absPath, cfg.CommitterName, cfg.CommitterEmail,
	)
	dbDSN := fmt.Sprintf(
		"file://%s?commitname=%s&commitemail=%s&database=%s",
		absPath, cfg.CommitterName, cfg.CommitterEmail, cfg.Database,
	)

	// Short-lived connection without a database selected, so the target
	// database can be created on first open.
	if err := withEmbeddedConn(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
		//nolint:gosec // G201: database name validated in New
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))

		return err
	}); err != nil {
		return fmt.Errorf("dolt: create embedded database: %w", err)
	}

	openCfg, err := embedded.ParseDSN(dbDSN)
	if err != nil {
		return fmt.Errorf("dolt: parse embedded DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return fmt.Errorf("dolt: create embedded connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded Dolt is single-writer; keep exactly one connection so the
	// session (and its checked-out branch) is stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	// Close the DB first to stop pool activity, then the connector to
	// release the engine's filesystem locks.
	s.closeFns = append(s.closeFns, connector.Close, db.Close)
	return nil
}

// withEmbeddedConn runs fn against a throwaway embedded connection and
// always releases the engine locks before returning.
func withEmbeddedConn(ctx context.Context, dsn string, fn func(ctx context.Context, db *sql.DB) error) error {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return err
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer func() {
		_ = db.Close()
		_ = connector.Close()
	}()

	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return fn(ctx, db)
}
