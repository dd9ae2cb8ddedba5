package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/residenza/backoffice/pkg/config"
)

var (
	sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
)

// ValidateDir validates migration filenames + basic SQL headers for every
// dialect under root, and checks that both dialects carry the same versions.
func ValidateDir(root string) error {
	if root == "" {
		return fmt.Errorf("dir is required")
	}

	postgresVersions, err := validateDialectDir(DialectDir(root, config.DriverPostgres))
	if err != nil {
		return err
	}
	sqliteVersions, err := validateDialectDir(DialectDir(root, config.DriverSQLite))
	if err != nil {
		return err
	}

	if missing := versionDiff(postgresVersions, sqliteVersions); len(missing) > 0 {
		return fmt.Errorf("sqlite migrations missing versions: %s", strings.Join(missing, ", "))
	}
	if missing := versionDiff(sqliteVersions, postgresVersions); len(missing) > 0 {
		return fmt.Errorf("postgres migrations missing versions: %s", strings.Join(missing, ", "))
	}
	return nil
}

func validateDialectDir(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	seen := map[string]string{} // version -> filename

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}

		version := m[1]
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", version, prev, name)
		}
		seen[version] = name

		full := filepath.Join(dir, name)
		b, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", full, err)
		}

		txt := string(b)
		if !strings.Contains(txt, "-- +goose Up") {
			return nil, fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
		}
		if !strings.Contains(txt, "-- +goose Down") {
			return nil, fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
		}
	}

	return seen, nil
}

func versionDiff(want, have map[string]string) []string {
	var missing []string
	for version := range want {
		if _, ok := have[version]; !ok {
			missing = append(missing, version)
		}
	}
	sort.Strings(missing)
	return missing
}
