// Package indicators persists threat indicator documents in Postgres and
// pages them back out as threat list batches.
package indicators

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/threat-match/internal/logging"
	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

const DefaultPageSize = 1000

// Store is the read side the compiler service depends on.
type Store interface {
	FetchPage(ctx context.Context, q Query) (Page, error)
}

// Query selects indicators. Zero values mean no restriction.
type Query struct {
	Indexes []string
	// Only indicators updated at or after Since.
	Since time.Time
	After Cursor
	Size  int
}

// Cursor is the (index, id) key of the last row of a page.
type Cursor struct {
	Index string `json:"index"`
	ID    string `json:"id"`
}

func (c Cursor) IsZero() bool { return c.Index == "" && c.ID == "" }

type Page struct {
	Items []ir.ThreatListItem
	// Next is zero when there are no more rows.
	Next Cursor
}

type PostgresStore struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func NewPostgresStore(db *sql.DB, log *zap.SugaredLogger) *PostgresStore {
	if log == nil {
		log = logging.Nop()
	}
	return &PostgresStore{db: db, log: log}
}

// Open connects with the lib/pq driver and pings the database.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	n, err := RunMigrations(ctx, s.db, Migrations())
	if err != nil {
		return err
	}
	s.log.Infow("indicator schema ready", "files", n)
	return nil
}

func buildPageQuery(q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(q.Indexes) > 0 {
		where = append(where, "index_name = ANY("+arg(pq.Array(q.Indexes))+")")
	}
	if !q.Since.IsZero() {
		where = append(where, "updated_at >= "+arg(q.Since.UTC()))
	}
	if !q.After.IsZero() {
		i := arg(q.After.Index)
		where = append(where, "(index_name, id) > ("+i+", "+arg(q.After.ID)+")")
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, index_name, source, fields FROM threat_indicators")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY index_name, id LIMIT ")
	sb.WriteString(arg(pageSize(q.Size)))
	return sb.String(), args
}

func pageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}

// FetchPage returns up to q.Size indicators after q.After in key order.
func (s *PostgresStore) FetchPage(ctx context.Context, q Query) (Page, error) {
	sqlText, args := buildPageQuery(q)
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query indicators: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var (
			it             ir.ThreatListItem
			source, fields []byte
		)
		if err := rows.Scan(&it.ID, &it.Index, &source, &fields); err != nil {
			return Page{}, fmt.Errorf("scan indicator: %w", err)
		}
		if err := decodeColumn(source, &it.Source); err != nil {
			return Page{}, fmt.Errorf("indicator %s/%s source: %w", it.Index, it.ID, err)
		}
		if err := decodeColumn(fields, &it.Fields); err != nil {
			return Page{}, fmt.Errorf("indicator %s/%s fields: %w", it.Index, it.ID, err)
		}
		page.Items = append(page.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate indicators: %w", err)
	}
	if len(page.Items) == pageSize(q.Size) {
		last := page.Items[len(page.Items)-1]
		page.Next = Cursor{Index: last.Index, ID: last.ID}
	}
	return page, nil
}

func decodeColumn(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// FetchAll drains every page matching q. fn is called once per page; a
// non-nil error from fn stops the scan and is returned as is.
func FetchAll(ctx context.Context, st Store, q Query, fn func(items []ir.ThreatListItem) error) (int, error) {
	total := 0
	for {
		page, err := st.FetchPage(ctx, q)
		if err != nil {
			return total, err
		}
		if len(page.Items) > 0 {
			if err := fn(page.Items); err != nil {
				return total, err
			}
			total += len(page.Items)
		}
		if page.Next.IsZero() {
			return total, nil
		}
		q.After = page.Next
	}
}

var ErrMissingID = errors.New("indicator without _id")

// Upsert writes indicators, replacing rows with the same (index, id).
func (s *PostgresStore) Upsert(ctx context.Context, items []ir.ThreatListItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for i, it := range items {
		if it.ID == "" {
			return 0, fmt.Errorf("item %d: %w", i, ErrMissingID)
		}
		source, err := json.Marshal(nonNilMap(it.Source))
		if err != nil {
			return 0, fmt.Errorf("encode %s source: %w", it.ID, err)
		}
		fields, err := json.Marshal(nonNilFields(it.Fields))
		if err != nil {
			return 0, fmt.Errorf("encode %s fields: %w", it.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO threat_indicators(id, index_name, source, fields, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (index_name, id) DO UPDATE SET source=EXCLUDED.source, fields=EXCLUDED.fields, updated_at=EXCLUDED.updated_at`,
			it.ID, it.Index, string(source), string(fields), now,
		); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.Debugw("indicators upserted", "count", len(items))
	return len(items), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilFields(m map[string][]any) map[string][]any {
	if m == nil {
		return map[string][]any{}
	}
	return m
}
