package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// SQLiteStore 基于 modernc.org/sqlite 的本地目录存储
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite 打开数据库并开启 WAL
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: 打开数据库失败")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: 执行 %s 失败", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// refreshed_at 以 UTC 纳秒整数存储, 保证同一秒内的刷新也能比较先后
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS catalog_entries (
	domain         TEXT NOT NULL,
	natural_key    TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	cost           REAL NOT NULL CHECK (cost >= 0),
	retail_price   REAL NOT NULL CHECK (retail_price >= cost),
	reseller_price REAL NOT NULL CHECK (reseller_price >= cost),
	active         INTEGER NOT NULL DEFAULT 1,
	refreshed_at   INTEGER NOT NULL,
	PRIMARY KEY (domain, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_catalog_entries_domain_active ON catalog_entries(domain, active);
`

const sqliteUpsert = `INSERT INTO catalog_entries
	(domain, natural_key, display_name, cost, retail_price, reseller_price, active, refreshed_at)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT (domain, natural_key) DO UPDATE SET
	display_name   = excluded.display_name,
	cost           = excluded.cost,
	retail_price   = excluded.retail_price,
	reseller_price = excluded.reseller_price,
	active         = 1,
	refreshed_at   = excluded.refreshed_at`

const sqliteSelect = `SELECT domain, natural_key, display_name, cost, retail_price, reseller_price, active, refreshed_at
FROM catalog_entries`

// Migrate 建表
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: 迁移失败")
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert 单事务批量写入
func (s *SQLiteStore) Upsert(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	if err := validateEntries(entries); err != nil {
		return 0, eris.Wrap(err, "sqlite: 条目校验失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: 开启事务失败")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: 预编译失败")
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Domain, e.NaturalKey, e.DisplayName,
			e.Cost, e.RetailPrice, e.ResellerPrice, e.RefreshedAt.UTC().UnixNano()); err != nil {
			return 0, eris.Wrapf(err, "sqlite: 写入条目 %s/%s 失败", e.Domain, e.NaturalKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: 提交事务失败")
	}
	return len(entries), nil
}

// Get 按 (domain, natural_key) 读取
func (s *SQLiteStore) Get(ctx context.Context, domain, naturalKey string) (*models.CatalogEntry, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` WHERE domain = ? AND natural_key = ?`, domain, naturalKey)
	e, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: 读取条目 %s/%s 失败", domain, naturalKey)
	}
	return e, nil
}

// ListActive 列出目录域下所有启用的条目
func (s *SQLiteStore) ListActive(ctx context.Context, domain string) ([]models.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` WHERE domain = ? AND active = 1 ORDER BY natural_key`, domain)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: 查询目录域 %s 失败", domain)
	}
	defer rows.Close()

	entries := make([]models.CatalogEntry, 0)
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: 读取行失败")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: 遍历结果失败")
}

// Deactivate 停用条目
func (s *SQLiteStore) Deactivate(ctx context.Context, domain, naturalKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE catalog_entries SET active = 0 WHERE domain = ? AND natural_key = ?`, domain, naturalKey)
	if err != nil {
		return eris.Wrapf(err, "sqlite: 停用条目 %s/%s 失败", domain, naturalKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: 读取影响行数失败")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteEntry(row scannable) (*models.CatalogEntry, error) {
	var (
		e         models.CatalogEntry
		active    int64
		refreshed int64
	)
	if err := row.Scan(&e.Domain, &e.NaturalKey, &e.DisplayName, &e.Cost,
		&e.RetailPrice, &e.ResellerPrice, &active, &refreshed); err != nil {
		return nil, err
	}
	e.Active = active != 0
	e.RefreshedAt = time.Unix(0, refreshed).UTC()
	return &e, nil
}
