package pg

import (
	"database/sql"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary was built
// against. Bump when adding a migration.
const RequiredSchemaVersion uint = 3

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

// CheckSchema compares the database's migration version against the one
// this binary requires. A missing schema_migrations table reads as a fresh
// database that needs migration.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		// No rows and no table both read as a fresh database; either way
		// the node cannot run until migrate does.
		return &SchemaStatus{
			RequiredVersion: RequiredSchemaVersion,
			NeedsMigration:  true,
		}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}
	if dirty {
		return s, nil
	}
	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	}
	return s, nil
}

// GateSchema turns a status into the startup decision: nil when the node
// may run, an instructive error otherwise.
func GateSchema(s *SchemaStatus) error {
	switch {
	case s.Dirty:
		return fmt.Errorf("schema v%d is dirty from a failed migration; run: concierge migrate force %d", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		return nil
	case s.NeedsMigration:
		return fmt.Errorf("schema v%d is behind required v%d; run: concierge migrate up", s.CurrentVersion, s.RequiredVersion)
	default:
		return fmt.Errorf("schema v%d is ahead of this binary (requires v%d); upgrade the binary", s.CurrentVersion, s.RequiredVersion)
	}
}
