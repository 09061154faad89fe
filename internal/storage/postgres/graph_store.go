// Package postgres provides a Postgres-backed GraphStore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/trust-crawler/internal/crawler"
	"github.com/JakeFAU/trust-crawler/internal/storage/postgres/migrations"
)

// writerLockKey is the advisory lock id taken by every mutating transaction.
const writerLockKey int64 = 0x7472757374

// GraphStoreConfig controls the Postgres connection pool.
type GraphStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Migrate         bool
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	dbtx
	Begin(context.Context) (pgx.Tx, error)
	BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// GraphStore persists the link graph in Postgres. Mutations run in
// transactions holding a shared advisory lock so that a trust recompute never
// interleaves with another writer, even across processes.
type GraphStore struct {
	pool pool
}

// NewGraphStore connects to Postgres and optionally applies migrations.
func NewGraphStore(ctx context.Context, cfg GraphStoreConfig) (*GraphStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if err := RunMigrations(cfg.DSN); err != nil {
			p.Close()
			return nil, err
		}
	}
	return &GraphStore{pool: p}, nil
}

// NewGraphStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewGraphStoreWithPool(p pool) (*GraphStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &GraphStore{pool: p}, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(dsn string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *GraphStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// GetByURL looks a page up by its URL.
func (s *GraphStore) GetByURL(ctx context.Context, url string) (crawler.Page, bool, error) {
	return s.getPage(ctx, "url = $1", url)
}

// GetByID looks a page up by id.
func (s *GraphStore) GetByID(ctx context.Context, id int64) (crawler.Page, bool, error) {
	return s.getPage(ctx, "id = $1", id)
}

func (s *GraphStore) getPage(ctx context.Context, where string, arg any) (crawler.Page, bool, error) {
	row := s.pool.QueryRow(ctx, "SELECT id, url, title, trust, fetched_at FROM pages WHERE "+where, arg)
	page, err := scanPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, false, nil
	}
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page: %w", err)
	}
	page.Keywords, err = queryStrings(ctx, s.pool, `
		SELECT k.word FROM page_keywords pk
		JOIN keywords k ON k.id = pk.keyword_id
		WHERE pk.page_id = $1
		ORDER BY pk.position`, page.ID)
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page keywords: %w", err)
	}
	page.Links, err = queryStrings(ctx, s.pool, `
		SELECT p.url FROM links l
		JOIN pages p ON p.id = l.to_page_id
		WHERE l.from_page_id = $1
		ORDER BY l.position`, page.ID)
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("get page links: %w", err)
	}
	return page, true, nil
}

// Create inserts a page or updates the existing one with the same URL. An
// empty title never clears a stored one.
func (s *GraphStore) Create(ctx context.Context, url string, trust float64, title string) (crawler.Page, error) {
	if !crawler.ValidTrust(trust) {
		return crawler.Page{}, fmt.Errorf("create %s: %w", url, crawler.ErrInvalidTrust)
	}
	var id int64
	err := s.write(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO pages (url, trust, title) VALUES ($1, $2, $3)
			ON CONFLICT (url) DO UPDATE
			SET trust = EXCLUDED.trust,
				title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE pages.title END
			RETURNING id`, url, trust, title).Scan(&id)
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
	err := s.write(ctx, func(tx pgx.Tx) error {
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
	err := s.write(ctx, func(tx pgx.Tx) error {
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
	err := s.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "UPDATE pages SET trust = $1 WHERE id = $2", trust, pageID)
		if err != nil {
			return fmt.Errorf("update trust: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	return snapshot(ctx, tx)
}

// Recompute reads the snapshot, runs fn and commits the new trust values in
// one locked transaction.
func (s *GraphStore) Recompute(
	ctx context.Context,
	fn func(crawler.Snapshot) map[int64]float64,
) (crawler.Snapshot, error) {
	var snap crawler.Snapshot
	err := s.write(ctx, func(tx pgx.Tx) error {
		var err error
		if snap, err = snapshot(ctx, tx); err != nil {
			return err
		}
		updates := fn(snap)
		if len(updates) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(updates))
		values := make([]float64, 0, len(updates))
		for _, n := range snap.Nodes {
			v, ok := updates[n.ID]
			if !ok {
				continue
			}
			if !crawler.ValidTrust(v) {
				return fmt.Errorf("page %d: %w", n.ID, crawler.ErrInvalidTrust)
			}
			ids = append(ids, n.ID)
			values = append(values, v)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE pages SET trust = v.trust
			FROM unnest($1::bigint[], $2::float8[]) AS v(id, trust)
			WHERE pages.id = v.id`, ids, values); err != nil {
			return fmt.Errorf("update trust: %w", err)
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
	err := s.write(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE pages
			SET title = CASE WHEN $1 <> '' THEN $1 ELSE title END, fetched_at = $2
			WHERE id = $3`, result.Title, fetchedAt, pageID)
		if err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		if tag.RowsAffected() == 0 {
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
	var (
		rows pgx.Rows
		err  error
	)
	if len(words) == 0 {
		rows, err = s.pool.Query(ctx, "SELECT id, url, title, trust, fetched_at FROM pages ORDER BY id")
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT p.id, p.url, p.title, p.trust, p.fetched_at FROM pages p
			JOIN page_keywords pk ON pk.page_id = p.id
			JOIN keywords k ON k.id = pk.keyword_id
			WHERE k.word = ANY($1::text[])
			GROUP BY p.id
			HAVING COUNT(DISTINCT k.word) = $2
			ORDER BY p.id`, words, len(words))
	}
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
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

func (s *GraphStore) write(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", writerLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requirePage(ctx context.Context, q dbtx, id int64) error {
	var one int
	err := q.QueryRow(ctx, "SELECT 1 FROM pages WHERE id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrPageNotFound
	}
	if err != nil {
		return fmt.Errorf("check page: %w", err)
	}
	return nil
}

func addLinks(ctx context.Context, q dbtx, from int64, targets []string) error {
	targets = uniqueNonEmpty(targets)
	if len(targets) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO pages (url) SELECT unnest($1::text[])
		ON CONFLICT (url) DO NOTHING`, targets); err != nil {
		return fmt.Errorf("insert shadow pages: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO links (from_page_id, to_page_id)
		SELECT $1, p.id FROM unnest($2::text[]) WITH ORDINALITY AS t(url, ord)
		JOIN pages p ON p.url = t.url
		ORDER BY t.ord
		ON CONFLICT DO NOTHING`, from, targets); err != nil {
		return fmt.Errorf("insert links: %w", err)
	}
	return nil
}

func addKeywords(ctx context.Context, q dbtx, pageID int64, words []string) error {
	words = crawler.NormalizeWords(words)
	if len(words) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO keywords (word) SELECT unnest($1::text[])
		ON CONFLICT (word) DO NOTHING`, words); err != nil {
		return fmt.Errorf("insert keywords: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO page_keywords (page_id, keyword_id)
		SELECT $1, k.id FROM unnest($2::text[]) WITH ORDINALITY AS t(word, ord)
		JOIN keywords k ON k.word = t.word
		ORDER BY t.ord
		ON CONFLICT DO NOTHING`, pageID, words); err != nil {
		return fmt.Errorf("attach keywords: %w", err)
	}
	return nil
}

func snapshot(ctx context.Context, q dbtx) (crawler.Snapshot, error) {
	rows, err := q.Query(ctx, `
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
		var (
			n     crawler.Node
			count int64
		)
		if err := rows.Scan(&n.ID, &n.URL, &n.Title, &n.Trust, &count); err != nil {
			rows.Close()
			return crawler.Snapshot{}, fmt.Errorf("scan page: %w", err)
		}
		n.KeywordCount = int(count)
		index[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("iterate pages: %w", err)
	}

	links, err := q.Query(ctx, "SELECT from_page_id, to_page_id FROM links ORDER BY from_page_id, position")
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

func scanPage(row pgx.Row) (crawler.Page, error) {
	var (
		page      crawler.Page
		fetchedAt *time.Time
	)
	if err := row.Scan(&page.ID, &page.URL, &page.Title, &page.Trust, &fetchedAt); err != nil {
		return crawler.Page{}, err
	}
	if fetchedAt != nil {
		page.FetchedAt = fetchedAt.UTC()
	}
	return page, nil
}

func queryStrings(ctx context.Context, q dbtx, query string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
