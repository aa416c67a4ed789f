package database

import (
	"fmt"
	"sort"

	dbsql "tradeworks/paymaster/pkg/database/sql"
	"tradeworks/paymaster/pkg/logging"
)

// ApplySchema executes the embedded schema files in name order. Every
// statement is written to be idempotent, so running this on a provisioned
// database is a no-op.
func ApplySchema(db PostgresConn, logger logging.Logger) error {
	entries, err := dbsql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := dbsql.Content.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
		logger.WithFields(logging.Fields{"file": name}).Info("Applied schema file")
	}

	return nil
}
