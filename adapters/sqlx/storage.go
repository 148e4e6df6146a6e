package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"dvbsboard/core"
)

// Driver names a supported SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config holds SQL connection configuration
type Config struct {
	Driver          Driver        `json:"driver" env:"DVBS_SQL_DRIVER"`
	DSN             string        `json:"dsn" env:"DVBS_SQL_DSN"`
	Table           string        `json:"table" env:"DVBS_SQL_TABLE"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	PollInterval    time.Duration `json:"poll_interval" env:"DVBS_SQL_POLL_INTERVAL"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// DefaultConfig returns defaults for the given driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		Table:           "documents",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		PollInterval:    time.Second,
		AutoMigrate:     true,
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent updates
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Validate checks driver and DSN.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	case DriverMySQL:
		if c.DSN != "" {
			if _, err := mysql.ParseDSN(c.DSN); err != nil {
				return fmt.Errorf("invalid mysql dsn: %w", err)
			}
		}
	default:
		return fmt.Errorf("unsupported sql driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("sql dsn is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("sql poll interval must be positive")
	}
	return nil
}

// Store implements engine.DocumentStore on a SQL table of JSON bodies.
// Each write bumps the row version; listeners poll the version.
type Store struct {
	db       *sqlx.DB
	driver   Driver
	table    string
	interval time.Duration
}

// Open connects, and migrates when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "documents"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	s := &Store{db: db, driver: cfg.Driver, table: cfg.Table, interval: cfg.PollInterval}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver, table: "documents", interval: time.Second}
}

// WithPollInterval changes how often listeners re-read.
func (s *Store) WithPollInterval(d time.Duration) *Store {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) quotedTable() string {
	switch s.driver {
	case DriverPostgres:
		return pq.QuoteIdentifier(s.table)
	case DriverMySQL:
		return "`" + strings.ReplaceAll(s.table, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(s.table, `"`, `""`) + `"`
	}
}

// Migrate creates the documents table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	key := "TEXT"
	if s.driver == DriverMySQL {
		key = "VARCHAR(191)"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection %s NOT NULL,
	id %s NOT NULL,
	body TEXT NOT NULL,
	version BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (collection, id)
)`, s.quotedTable(), key, key)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

type row struct {
	ID      string `db:"id"`
	Body    string `db:"body"`
	Version int64  `db:"version"`
}

func (s *Store) read(ctx context.Context, ref core.DocRef) (row, bool, error) {
	var r row
	q := s.db.Rebind(fmt.Sprintf(`SELECT body, version FROM %s WHERE collection = ? AND id = ?`, s.quotedTable()))
	err := s.db.GetContext(ctx, &r, q, ref.Collection, ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("read %s: %w", ref, err)
	}
	return r, true, nil
}

func decodeBody(body string) (core.Document, error) {
	doc := core.Document{}
	if body == "" {
		return doc, nil
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc.Normalize(), nil
}

func (s *Store) Get(ctx context.Context, ref core.DocRef) (core.Document, error) {
	r, ok, err := s.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, core.ErrNotFound)
	}
	return decodeBody(r.Body)
}

const maxUpdateAttempts = 5

// UpdateField rewrites one field with an optimistic version check, retrying
// when a concurrent writer wins.
func (s *Store) UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error {
	q := s.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET body = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ? AND version = ?`,
		s.quotedTable()))
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, ok, err := s.read(ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", ref, core.ErrNotFound)
		}
		doc, err := decodeBody(r.Body)
		if err != nil {
			return err
		}
		doc[field] = core.NormalizeValue(value)
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ref, err)
		}
		res, err := s.db.ExecContext(ctx, q, string(body), time.Now().UnixMilli(), ref.Collection, ref.ID, r.Version)
		if err != nil {
			return fmt.Errorf("update %s.%s: %w", ref, field, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return fmt.Errorf("update %s.%s: too many concurrent writers", ref, field)
}

func (s *Store) upsertQuery() string {
	t := s.quotedTable()
	switch s.driver {
	case DriverMySQL:
		return fmt.Sprintf(`INSERT INTO %s (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)
ON DUPLICATE KEY UPDATE body = VALUES(body), version = version + 1, updated_at = VALUES(updated_at)`, t)
	default:
		return s.db.Rebind(fmt.Sprintf(`INSERT INTO %s (collection, id, body, version, updated_at) VALUES (?, ?, ?, 1, ?)
ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, version = %s.version + 1, updated_at = excluded.updated_at`, t, t))
	}
}

func (s *Store) Set(ctx context.Context, ref core.DocRef, doc core.Document) error {
	if doc == nil {
		doc = core.Document{}
	}
	body, err := json.Marshal(doc.Clone().Normalize())
	if err != nil {
		return fmt.Errorf("encode %s: %w", ref, err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), ref.Collection, ref.ID, string(body), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("set %s: %w", ref, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string) (map[string]core.Document, error) {
	var rows []row
	q := s.db.Rebind(fmt.Sprintf(`SELECT id, body, version FROM %s WHERE collection = ? ORDER BY id`, s.quotedTable()))
	if err := s.db.SelectContext(ctx, &rows, q, collection); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make(map[string]core.Document, len(rows))
	for _, r := range rows {
		doc, err := decodeBody(r.Body)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", collection, r.ID, err)
		}
		out[r.ID] = doc
	}
	return out, nil
}

// Listen polls the row and delivers the current state, then one snapshot per
// observed version change.
func (s *Store) Listen(ctx context.Context, ref core.DocRef, fn func(core.Snapshot)) (core.Subscription, error) {
	p := &poller{done: make(chan struct{})}
	go p.run(ctx, s.interval, func(ctx context.Context) {
		r, ok, err := s.read(ctx, ref)
		if err != nil {
			return
		}
		if p.seen && ok == p.exists && r.Version == p.version {
			return
		}
		snap := core.Snapshot{Ref: ref, Exists: ok}
		if ok {
			doc, err := decodeBody(r.Body)
			if err != nil {
				return
			}
			snap.Doc = doc
		}
		p.seen, p.exists, p.version = true, ok, r.Version
		fn(snap)
	})
	return p, nil
}

type poller struct {
	done chan struct{}
	once sync.Once

	// owned by the run goroutine
	seen    bool
	exists  bool
	version int64
}

func (p *poller) run(ctx context.Context, interval time.Duration, poll func(context.Context)) {
	defer p.Cancel()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *poller) Cancel() {
	p.once.Do(func() { close(p.done) })
}
