// Package search implements index.SearchIndex on SQLite FTS5 with BM25
// ranking.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// schemaVersion changes whenever the table layout changes. An index written
// with another version must be rebuilt from the outbox.
const schemaVersion = "1"

type Options struct {
	Path string
	// BusyTimeout bounds how long Open waits for another holder of the
	// database before reporting index.ErrIndexLocked.
	BusyTimeout time.Duration
	Logger      *zap.Logger
}

// Index is the keyword index. It holds an exclusive lock on its database for
// its whole lifetime.
type Index struct {
	db  *sql.DB
	log *zap.Logger
}

var _ index.SearchIndex = (*Index)(nil)

func Open(opts Options) (*Index, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("search index path is required: %w", index.ErrNotInitialized)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create search index dir: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: the exclusive lock lives on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	x := &Index{db: db, log: log.With(zap.String("component", "search"))}
	if err := x.init(opts.BusyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	x.log.Info("search index opened", zap.String("path", opts.Path))
	return x, nil
}

func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func (x *Index) init(busyTimeout time.Duration) error {
	stmts := []string{
		fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busyTimeout.Milliseconds()),
		`PRAGMA locking_mode=EXCLUSIVE;`,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS docs (
			ref TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT -1,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '',
			ts_ms INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS docs_kind_ts_idx ON docs(kind, ts_ms);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS docs_fts USING fts5(title, body, keywords, content='docs', content_rowid='rowid', tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS docs_ai AFTER INSERT ON docs BEGIN
			INSERT INTO docs_fts(rowid, title, body, keywords) VALUES (new.rowid, new.title, new.body, new.keywords);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS docs_au AFTER UPDATE ON docs BEGIN
			INSERT INTO docs_fts(docs_fts, rowid, title, body, keywords) VALUES('delete', old.rowid, old.title, old.body, old.keywords);
			INSERT INTO docs_fts(rowid, title, body, keywords) VALUES (new.rowid, new.title, new.body, new.keywords);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS docs_ad AFTER DELETE ON docs BEGIN
			INSERT INTO docs_fts(docs_fts, rowid, title, body, keywords) VALUES('delete', old.rowid, old.title, old.body, old.keywords);
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := x.db.Exec(stmt); err != nil {
			return mapOpenErr("init search schema", err)
		}
	}

	var version string
	err := x.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = schemaVersion
	case err != nil:
		return mapOpenErr("read search schema version", err)
	case version != schemaVersion:
		return fmt.Errorf("search schema %s, want %s: %w", version, schemaVersion, index.ErrSchemaMismatch)
	}
	// The write takes the exclusive lock, which the connection then keeps.
	if _, err := x.db.Exec(`
INSERT INTO meta(key, value) VALUES('schema_version', ?), ('opened_at_ms', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, version, fmt.Sprint(time.Now().UnixMilli())); err != nil {
		return mapOpenErr("claim search index", err)
	}
	return nil
}

func mapOpenErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return fmt.Errorf("%s: %w", op, index.ErrIndexLocked)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Upsert replaces the document stored for ref.
func (x *Index) Upsert(ctx context.Context, ref string, f index.Fields) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("upsert search doc: empty ref")
	}
	var ts int64
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.UnixMilli()
	}
	_, err := x.db.ExecContext(ctx, `
INSERT INTO docs(ref, kind, level, title, body, keywords, ts_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ref) DO UPDATE SET
	kind = excluded.kind,
	level = excluded.level,
	title = excluded.title,
	body = excluded.body,
	keywords = excluded.keywords,
	ts_ms = excluded.ts_ms,
	updated_at_ms = excluded.updated_at_ms`,
		ref, f.Kind, f.Level, f.Title, f.Body, strings.Join(f.Keywords, " "), ts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert search doc: %w", err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, ref string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM docs WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("delete search doc: %w", err)
	}
	return nil
}

// Query ranks documents matching any token of text by BM25.
func (x *Index) Query(ctx context.Context, text string, f index.Filters) ([]index.Hit, error) {
	match := buildFTSQuery(text)
	if match == "" {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	var sb strings.Builder
	args := []any{match}
	sb.WriteString(`
SELECT d.ref, bm25(docs_fts) AS rank
FROM docs_fts
JOIN docs d ON d.rowid = docs_fts.rowid
WHERE docs_fts MATCH ?`)
	if len(f.Kinds) > 0 {
		sb.WriteString(` AND d.kind IN (?` + strings.Repeat(`, ?`, len(f.Kinds)-1) + `)`)
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if !f.From.IsZero() {
		sb.WriteString(` AND d.ts_ms >= ?`)
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		sb.WriteString(` AND d.ts_ms < ?`)
		args = append(args, f.To.UnixMilli())
	}
	sb.WriteString(` ORDER BY rank, d.ts_ms DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query search index: %w", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		var rank float64
		if err := rows.Scan(&h.Ref, &rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		// bm25() is lower-is-better; flip it so higher scores rank first.
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return hits, nil
}

// Count returns the number of indexed documents.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM docs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count search docs: %w", err)
	}
	return n, nil
}

func buildFTSQuery(query string) string {
	tokens := ftsTokens(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func ftsTokens(query string) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, tok := range embedding.Tokenize(query) {
		for _, part := range strings.FieldsFunc(tok, func(r rune) bool {
			return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
		}) {
			if len(part) < 2 {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
