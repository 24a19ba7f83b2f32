package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// Pool pgxpool.Pool 的子集, 测试中由 pgxmock 替换
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore 基于 pgxpool 的目录存储
type PostgresStore struct {
	pool Pool
}

// NewPostgres 创建连接池并探测连通性
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: 解析连接串失败")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: 创建连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: 连接失败")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS catalog_entries (
	domain         TEXT NOT NULL,
	natural_key    TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	cost           NUMERIC(14,2) NOT NULL CHECK (cost >= 0),
	retail_price   NUMERIC(14,2) NOT NULL CHECK (retail_price >= cost),
	reseller_price NUMERIC(14,2) NOT NULL CHECK (reseller_price >= cost),
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	refreshed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (domain, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_catalog_entries_domain_active ON catalog_entries(domain, active);
`

const postgresUpsert = `INSERT INTO catalog_entries
	(domain, natural_key, display_name, cost, retail_price, reseller_price, active, refreshed_at)
VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
ON CONFLICT (domain, natural_key) DO UPDATE SET
	display_name   = EXCLUDED.display_name,
	cost           = EXCLUDED.cost,
	retail_price   = EXCLUDED.retail_price,
	reseller_price = EXCLUDED.reseller_price,
	active         = TRUE,
	refreshed_at   = EXCLUDED.refreshed_at`

const postgresSelect = `SELECT domain, natural_key, display_name, cost, retail_price, reseller_price, active, refreshed_at
FROM catalog_entries`

// Migrate 建表
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: 迁移失败")
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert 单事务批量写入
func (s *PostgresStore) Upsert(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if err := validateEntries(entries); err != nil {
		return 0, eris.Wrap(err, "postgres: 条目校验失败")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: 开启事务失败")
	}

	for _, e := range entries {
		_, err := tx.Exec(ctx, postgresUpsert,
			e.Domain, e.NaturalKey, e.DisplayName, e.Cost, e.RetailPrice, e.ResellerPrice, e.RefreshedAt.UTC())
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, eris.Wrapf(err, "postgres: 写入条目 %s/%s 失败", e.Domain, e.NaturalKey)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: 提交事务失败")
	}
	return len(entries), nil
}

// Get 按 (domain, natural_key) 读取
func (s *PostgresStore) Get(ctx context.Context, domain, naturalKey string) (*models.CatalogEntry, error) {
	row := s.pool.QueryRow(ctx, postgresSelect+` WHERE domain = $1 AND natural_key = $2`, domain, naturalKey)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: 读取条目 %s/%s 失败", domain, naturalKey)
	}
	return e, nil
}

// ListActive 列出目录域下所有启用的条目
func (s *PostgresStore) ListActive(ctx context.Context, domain string) ([]models.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, postgresSelect+` WHERE domain = $1 AND active ORDER BY natural_key`, domain)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: 查询目录域 %s 失败", domain)
	}
	defer rows.Close()

	entries := make([]models.CatalogEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: 读取行失败")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: 遍历结果失败")
}

// Deactivate 停用条目
func (s *PostgresStore) Deactivate(ctx context.Context, domain, naturalKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalog_entries SET active = FALSE WHERE domain = $1 AND natural_key = $2`, domain, naturalKey)
	if err != nil {
		return eris.Wrapf(err, "postgres: 停用条目 %s/%s 失败", domain, naturalKey)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*models.CatalogEntry, error) {
	var e models.CatalogEntry
	if err := row.Scan(&e.Domain, &e.NaturalKey, &e.DisplayName, &e.Cost,
		&e.RetailPrice, &e.ResellerPrice, &e.Active, &e.RefreshedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
