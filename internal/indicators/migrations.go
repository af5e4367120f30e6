package indicators

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema files shipped with the store.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// RunMigrations executes every .sql file in fsys in lexicographic order. A
// file may hold several statements separated by ';'.
func RunMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	files := make([]string, 0)
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	applied := 0
	for _, p := range files {
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", p, err)
		}
		for _, chunk := range strings.Split(string(b), ";") {
			stmt := strings.TrimSpace(chunk)
			if stmt == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return applied, fmt.Errorf("exec migration %s: %w", p, err)
			}
		}
		applied++
	}
	return applied, nil
}
