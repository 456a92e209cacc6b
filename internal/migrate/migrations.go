package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var scriptsFS embed.FS

// Migrate brings the registry schema up to date. The schema version lives in
// SQLite's user_version pragma; each embedded script whose numeric prefix is
// above the stored version is applied in its own transaction, so a failure
// leaves every earlier script committed.
func Migrate(db *sql.DB) error {
	names, err := fs.Glob(scriptsFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, name := range names {
		version, err := scriptVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		script, err := scriptsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := applyScript(db, name, version, script); err != nil {
			return err
		}
		current = version
	}
	return nil
}

func applyScript(db *sql.DB, name string, version int, script []byte) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	// Pragmas do not take placeholders; version comes from the filename.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("record version for %s: %w", name, err)
	}
	return tx.Commit()
}

// scriptVersion extracts the numeric prefix from names like sql/001_init.sql.
func scriptVersion(name string) (int, error) {
	base := strings.TrimPrefix(name, "sql/")
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migration %s: bad version prefix %q", name, prefix)
	}
	return v, nil
}
