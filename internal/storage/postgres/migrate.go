package postgres

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schema string

// migrationLock serializes concurrent migrations from several nodes.
const migrationLock = 7_402_113

func (s *Postgres) Migrate() error {
	tx, err := s.Db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("migrate lock: %w", err)
	}
	for i, stmt := range strings.Split(schema, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
