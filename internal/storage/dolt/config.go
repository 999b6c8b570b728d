package dolt

import (
	"fmt"
	"regexp"
)

// Config holds connection settings for the Dolt backend.
//
// Two access modes are supported:
//   - embedded: the database lives in a local directory and is opened
//     in-process via github.com/dolthub/driver (requires CGO)
//   - server: connect to a running dolt sql-server over the MySQL protocol
type Config struct {
	// Path is the database directory (embedded mode).
	Path string

	// Database is the Dolt database name. Defaults to "membank".
	Database string

	// Branch, when set, is checked out after connecting. Empty means the
	// server's default branch.
	Branch string

	// Committer identity recorded on Dolt commits.
	CommitterName  string
	CommitterEmail string

	// Server mode settings.
	ServerMode     bool
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string
	ServerTLS      bool
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Database == "" {
		out.Database = "membank"
	}
	if out.CommitterName == "" {
		out.CommitterName = "membank"
	}
	if out.CommitterEmail == "" {
		out.CommitterEmail = "membank@localhost"
	}
	if out.ServerHost == "" {
		out.ServerHost = "127.0.0.1"
	}
	if out.ServerPort == 0 {
		out.ServerPort = 3306
	}
	if out.ServerUser == "" {
		out.ServerUser = "root"
	}
	return &out
}

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// validateDatabaseName guards the one place a name is interpolated into SQL
// (CREATE DATABASE does not accept placeholders).
func validateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("database name is empty")
	}
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("database name %q contains characters outside [A-Za-z0-9_]", name)
	}
	return nil
}
