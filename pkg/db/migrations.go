package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	migrationsLogPrefix = "db:migrations"

	downSuffix = ".down.sql"
)

// LoadMigrationFiles reads the forward .sql files from dir, sorted by name,
// and returns their contents. Rollback scripts (*.down.sql) are skipped.
func LoadMigrationFiles(dir string) ([]string, error) {
	names, err := listSQL(dir, false)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range names {
		data, err := readMigration(dir, name)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// LoadDownMigration returns the name and contents of the last rollback script
// in dir. name is empty when there is none.
func LoadDownMigration(dir string) (name, sql string, err error) {
	names, err := listSQL(dir, true)
	if err != nil {
		return "", "", err
	}
	if len(names) == 0 {
		return "", "", nil
	}
	name = names[len(names)-1]
	sql, err = readMigration(dir, name)
	if err != nil {
		return "", "", err
	}
	return name, sql, nil
}

func listSQL(dir string, down bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		if strings.HasSuffix(e.Name(), downSuffix) != down {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readMigration(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
	}
	return string(data), nil
}
