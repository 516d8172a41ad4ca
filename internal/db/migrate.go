package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type schemaStep struct {
	version int
	name    string
	ddl     string
}

// Migrate brings the schema up to the latest embedded step. The current
// version rides on SQLite's user_version pragma; each sql/NNN_name.sql
// file is one step and is applied in its own transaction, so a failed
// step leaves the version at the last completed one.
func Migrate(conn *sql.DB) error {
	steps, err := loadSteps()
	if err != nil {
		return err
	}

	var current int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := applyStep(conn, step); err != nil {
			return fmt.Errorf("schema step %s: %w", step.name, err)
		}
		current = step.version
	}
	return nil
}

func applyStep(conn *sql.DB, step schemaStep) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(step.ddl); err != nil {
		return err
	}
	// PRAGMA does not take placeholders; version comes from the filename.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func loadSteps() ([]schemaStep, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	steps := make([]schemaStep, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil || version <= 0 {
			return nil, fmt.Errorf("schema file %s: name must start with a positive step number", entry.Name())
		}
		ddl, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: version, name: entry.Name(), ddl: string(ddl)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	for i, step := range steps {
		if step.version != i+1 {
			return nil, fmt.Errorf("schema steps must be contiguous from 1, found %s at position %d", step.name, i+1)
		}
	}
	return steps, nil
}
