// Package sqlite provides an embedded SQLite-backed GraphStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/trust-crawler/internal/crawler"
)

// Options configures GraphStore behavior.
type Options struct {
	// CreateIfNotExists creates the database file and its directory.
	CreateIfNotExists bool

	// EnableWAL lets readers proceed while the writer holds a transaction.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// GraphStore persists the link graph in a single SQLite file. SQLite only
// supports one writer, so the pool is capped at one connection and writers
// are additionally serialized by mu.
type GraphStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, opts Options) (*GraphStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	mode := "rw"
	if opts.CreateIfNotExists {
		mode = "rwc"
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?mode="+mode+"&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &GraphStore{db: db, path: path}
	if opts.EnableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *GraphStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *GraphStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *GraphStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		trust REAL NOT NULL DEFAULT 0,
		fetched_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		word TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS links (
		from_page_id INTEGER NOT NULL REFERENCES pages(id),
		to_page_id INTEGER NOT NULL REFERENCES pages(id),
		PRIMARY KEY (from_page_id, to_page_id)
	);

	CREATE INDEX IF NOT EXISTS idx_links_to ON links(to_page_id);

	CREATE TABLE IF NOT EXISTS page_keywords (
		page_id INTEGER NOT NULL REFERENCES pages(id),
		keyword_id INTEGER NOT NULL REFERENCES keywords(id),
		PRIMARY KEY (page_id, keyword_id)
	);

	CREATE INDEX IF NOT EXISTS idx_page_keywords_keyword ON page_keywords(keyword_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetByURL looks a page up by its URL.
func (s *GraphStore) GetByURL(ctx context.Context, url string) (crawler.Page, bool, error) {
	return s.getPage(ctx, "url = ?", url)
}

// GetByID looks a page up by id.
func (s *GraphStore) GetByID(ctx context.Context, id int64) (crawler.Page, bool, error) {
	return s.getPage(ctx, "id = ?", id)
}

func (s *GraphStore) getPage(ctx context.Context, where string, arg any) (crawler.Page, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, url, title, trust, fetched_at FROM pages WHERE "+where, arg)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Page{}, false, nil
	}
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page: %w", err)
	}
	if page.Keywords, err = queryStrings(ctx, s.db, `
		SELECT k.word FROM page_keywords pk
		JOIN keywords k ON k.id = pk.keyword_id
		WHERE pk.page_id = ?
		ORDER BY pk.rowid`, page.ID); err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page keywords: %w", err)
	}
	if page.Links, err = queryStrings(ctx, s.db, `
		SELECT p.url FROM links l
		JOIN pages p ON p.id = l.to_page_id
		WHERE l.from_page_id = ?
		ORDER BY l.rowid`, page.ID); err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page links: %w", err)
	}
	return page, true, nil
}

// Create inserts a page or updates the existing one with the same URL.
func (s *GraphStore) Create(ctx context.Context, url string, trust float64, title string) (crawler.Page, error) {
	if !crawler.ValidTrust(trust) {
		return crawler.Page{}, fmt.Errorf("create %s: %w", url, crawler.ErrInvalidTrust)
	}
	var id int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = findOrCreatePage(ctx, tx, url, trust); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pages
			SET trust = ?, title = CASE WHEN ? <> '' THEN ? ELSE title END
			WHERE id = ?`, trust, title, title, id)
		if err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("create %s: %w", url, err)
	}
	page, _, err := s.GetByID(ctx, id)
	return page, err
}

// AddLinks adds directed edges from the page to each target, creating shadow
// pages for unknown URLs.
func (s *GraphStore) AddLinks(ctx context.Context, pageID int64, targetURLs []string) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		if err := requirePage(ctx, tx, pageID); err != nil {
			return err
		}
		return addLinks(ctx, tx, pageID, targetURLs)
	})
	if err != nil {
		return fmt.Errorf("add links to %d: %w", pageID, err)
	}
	return nil
}

// AddKeywords attaches normalized words to the page.
func (s *GraphStore) AddKeywords(ctx context.Context, pageID int64, words []string) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		if err := requirePage(ctx, tx, pageID); err != nil {
			return err
		}
		return addKeywords(ctx, tx, pageID, words)
	})
	if err != nil {
		return fmt.Errorf("add keywords to %d: %w", pageID, err)
	}
	return nil
}

// SetTrust overwrites a page's trust score.
func (s *GraphStore) SetTrust(ctx context.Context, pageID int64, trust float64) error {
	if !crawler.ValidTrust(trust) {
		return fmt.Errorf("set trust on %d: %w", pageID, crawler.ErrInvalidTrust)
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE pages SET trust = ? WHERE id = ?", trust, pageID)
		if err != nil {
			return fmt.Errorf("update trust: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return crawler.ErrPageNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set trust on %d: %w", pageID, err)
	}
	return nil
}

// Snapshot returns every page with its outbound edges, ordered by id.
func (s *GraphStore) Snapshot(ctx context.Context) (crawler.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return snapshot(ctx, tx)
}

// Recompute reads the snapshot, runs fn and commits the new trust values in
// one transaction.
func (s *GraphStore) Recompute(
	ctx context.Context,
	fn func(crawler.Snapshot) map[int64]float64,
) (crawler.Snapshot, error) {
	var snap crawler.Snapshot
	err := s.write(ctx, func(tx *sql.Tx) error {
		var err error
		if snap, err = snapshot(ctx, tx); err != nil {
			return err
		}
		updates := fn(snap)
		for id, v := range updates {
			if !crawler.ValidTrust(v) {
				return fmt.Errorf("page %d: %w", id, crawler.ErrInvalidTrust)
			}
		}
		stmt, err := tx.PrepareContext(ctx, "UPDATE pages SET trust = ? WHERE id = ?")
		if err != nil {
			return fmt.Errorf("prepare trust update: %w", err)
		}
		defer stmt.Close()
		for id, v := range updates {
			if _, err := stmt.ExecContext(ctx, v, id); err != nil {
				return fmt.Errorf("update trust of %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("recompute: %w", err)
	}
	return snap, nil
}

// ApplyFetch records a fetch result on the page in one transaction.
func (s *GraphStore) ApplyFetch(
	ctx context.Context,
	pageID int64,
	result crawler.FetchResult,
	fetchedAt time.Time,
) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pages
			SET title = CASE WHEN ? <> '' THEN ? ELSE title END, fetched_at = ?
			WHERE id = ?`, result.Title, result.Title, fetchedAt.UnixNano(), pageID)
		if err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return crawler.ErrPageNotFound
		}
		if err := addKeywords(ctx, tx, pageID, result.Keywords); err != nil {
			return err
		}
		return addLinks(ctx, tx, pageID, result.Links)
	})
	if err != nil {
		return fmt.Errorf("apply fetch to %d: %w", pageID, err)
	}
	return nil
}

// Search returns pages holding every word, in id order. Keywords and links
// are not populated on the returned pages.
func (s *GraphStore) Search(ctx context.Context, words []string) ([]crawler.Page, error) {
	words = crawler.NormalizeWords(words)
	query := "SELECT id, url, title, trust, fetched_at FROM pages ORDER BY id"
	var args []any
	if len(words) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(words)), ",")
		query = `
		SELECT p.id, p.url, p.title, p.trust, p.fetched_at FROM pages p
		JOIN page_keywords pk ON pk.page_id = p.id
		JOIN keywords k ON k.id = pk.keyword_id
		WHERE k.word IN (` + placeholders + `)
		GROUP BY p.id
		HAVING COUNT(DISTINCT k.word) = ?
		ORDER BY p.id`
		for _, w := range words {
			args = append(args, w)
		}
		args = append(args, len(words))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()
	var out []crawler.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// Count returns the number of pages, shadow pages included.
func (s *GraphStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// write runs fn in a transaction while holding the writer lock.
func (s *GraphStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func findOrCreatePage(ctx context.Context, q querier, url string, trust float64) (int64, error) {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO pages (url, trust) VALUES (?, ?) ON CONFLICT(url) DO NOTHING", url, trust); err != nil {
		return 0, fmt.Errorf("insert page %s: %w", url, err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, "SELECT id FROM pages WHERE url = ?", url).Scan(&id); err != nil {
		return 0, fmt.Errorf("select page %s: %w", url, err)
	}
	return id, nil
}

func requirePage(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM pages WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrPageNotFound
	}
	if err != nil {
		return fmt.Errorf("check page: %w", err)
	}
	return nil
}

func addLinks(ctx context.Context, q querier, from int64, targets []string) error {
	for _, target := range targets {
		if target == "" {
			continue
		}
		to, err := findOrCreatePage(ctx, q, target, 0)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO links (from_page_id, to_page_id) VALUES (?, ?) ON CONFLICT DO NOTHING", from, to); err != nil {
			return fmt.Errorf("insert link %d->%d: %w", from, to, err)
		}
	}
	return nil
}

func addKeywords(ctx context.Context, q querier, pageID int64, words []string) error {
	for _, w := range crawler.NormalizeWords(words) {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO keywords (word) VALUES (?) ON CONFLICT(word) DO NOTHING", w); err != nil {
			return fmt.Errorf("insert keyword %q: %w", w, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO page_keywords (page_id, keyword_id)
			SELECT ?, id FROM keywords WHERE word = ?
			ON CONFLICT DO NOTHING`, pageID, w); err != nil {
			return fmt.Errorf("attach keyword %q: %w", w, err)
		}
	}
	return nil
}

func snapshot(ctx context.Context, q querier) (crawler.Snapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.id, p.url, p.title, p.trust,
			(SELECT COUNT(*) FROM page_keywords pk WHERE pk.page_id = p.id)
		FROM pages p
		ORDER BY p.id`)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("query pages: %w", err)
	}
	var nodes []crawler.Node
	index := make(map[int64]int)
	for rows.Next() {
		var n crawler.Node
		if err := rows.Scan(&n.ID, &n.URL, &n.Title, &n.Trust, &n.KeywordCount); err != nil {
			rows.Close()
			return crawler.Snapshot{}, fmt.Errorf("scan page: %w", err)
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("iterate pages: %w", err)
	}

	links, err := q.QueryContext(ctx, "SELECT from_page_id, to_page_id FROM links ORDER BY from_page_id, rowid")
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("query links: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var from, to int64
		if err := links.Scan(&from, &to); err != nil {
			return crawler.Snapshot{}, fmt.Errorf("scan link: %w", err)
		}
		if i, ok := index[from]; ok {
			nodes[i].Outbound = append(nodes[i].Outbound, to)
		}
	}
	if err := links.Err(); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("iterate links: %w", err)
	}
	return crawler.Snapshot{Nodes: nodes}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (crawler.Page, error) {
	var (
		page      crawler.Page
		fetchedAt sql.NullInt64
	)
	if err := row.Scan(&page.ID, &page.URL, &page.Title, &page.Trust, &fetchedAt); err != nil {
		return crawler.Page{}, err
	}
	if fetchedAt.Valid {
		page.FetchedAt = time.Unix(0, fetchedAt.Int64).UTC()
	}
	return page, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
