package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Target identifies one database on one PostgreSQL server. Empty fields are
// filled from the server defaults of the PGCatalog resolving it.
type Target struct {
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	User   string `json:"user,omitempty"`
	DBName string `json:"dbname"`
}

// PGConfig holds the server defaults and credentials used to reach databases.
type PGConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	// MaxConns bounds each per-database pool.
	MaxConns int32
}

// Catalog answers the precondition checks made before scheduling.
type Catalog interface {
	TableExists(ctx context.Context, t Target, schema, table string) (bool, error)
}

// Vacuumer runs the maintenance statement itself.
type Vacuumer interface {
	Vacuum(ctx context.Context, t Target, schema, table string, mode Mode) error
}

// PGCatalog implements Catalog and Vacuumer with one pgx pool per target.
type PGCatalog struct {
	cfg PGConfig

	mu    sync.Mutex
	pools map[Target]*pgxpool.Pool
}

func NewPGCatalog(cfg PGConfig) *PGCatalog {
	return &PGCatalog{cfg: cfg, pools: make(map[Target]*pgxpool.Pool)}
}

// Resolve fills empty fields of t from the configured defaults.
func (c *PGCatalog) Resolve(t Target) Target {
	if t.Host == "" {
		t.Host = c.cfg.Host
	}
	if t.Port == 0 {
		t.Port = c.cfg.Port
	}
	if t.User == "" {
		t.User = c.cfg.User
	}
	if t.DBName == "" {
		t.DBName = c.cfg.DBName
	}
	return t
}

func (c *PGCatalog) pool(ctx context.Context, t Target) (*pgxpool.Pool, error) {
	t = c.Resolve(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[t]; ok {
		return p, nil
	}

	// An empty connection string picks up libpq environment defaults.
	pcfg, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if t.Host != "" {
		pcfg.ConnConfig.Host = t.Host
	}
	if t.Port > 0 {
		pcfg.ConnConfig.Port = uint16(t.Port)
	}
	if t.User != "" {
		pcfg.ConnConfig.User = t.User
	}
	if c.cfg.Password != "" {
		pcfg.ConnConfig.Password = c.cfg.Password
	}
	if t.DBName != "" {
		pcfg.ConnConfig.Database = t.DBName
	}
	if c.cfg.MaxConns > 0 {
		pcfg.MaxConns = c.cfg.MaxConns
	}

	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s@%s:%d/%s: %w", t.User, t.Host, t.Port, t.DBName, err)
	}
	c.pools[t] = p
	return p, nil
}

func (c *PGCatalog) TableExists(ctx context.Context, t Target, schema, table string) (bool, error) {
	p, err := c.pool(ctx, t)
	if err != nil {
		return false, err
	}
	var one int
	err = p.QueryRow(ctx,
		`SELECT 1 FROM pg_tables WHERE schemaname = $1 AND tablename = $2`,
		schema, table,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up %s.%s: %w", schema, table, err)
	}
	return true, nil
}

// Vacuum runs VACUUM on one table. Cancelling ctx cancels the statement on the
// server.
func (c *PGCatalog) Vacuum(ctx context.Context, t Target, schema, table string, mode Mode) error {
	p, err := c.pool(ctx, t)
	if err != nil {
		return err
	}
	if _, err := p.Exec(ctx, vacuumSQL(schema, table, mode)); err != nil {
		return err
	}
	return nil
}

// Close releases every pool.
func (c *PGCatalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t, p := range c.pools {
		p.Close()
		delete(c.pools, t)
	}
}

func vacuumSQL(schema, table string, mode Mode) string {
	q := "VACUUM "
	if mode != ModeStandard && mode != "" {
		q += "(" + mode.Keyword() + ") "
	}
	return q + pgx.Identifier{schema, table}.Sanitize()
}
