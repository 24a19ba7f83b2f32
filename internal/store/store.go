// Package store 持久化目录条目
//
// 写入只通过以 (domain, natural_key) 为冲突目标的原子 upsert 完成,
// 不做先读后写; 条目不会被抓取流程删除, 停用是单独的管理操作.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// ErrNotFound 条目不存在
var ErrNotFound = errors.New("目录条目不存在")

// CatalogWriter 目录写入
type CatalogWriter interface {
	// Upsert 在一个事务中写入一批条目, 返回写入条数
	// 任一条目失败则整批回滚, 不影响其他批次已提交的条目
	Upsert(ctx context.Context, entries []models.CatalogEntry) (int, error)
}

// CatalogReader 下游读取接口, 返回的条目满足 cost >= 0 且派生价格 >= cost
type CatalogReader interface {
	Get(ctx context.Context, domain, naturalKey string) (*models.CatalogEntry, error)
	ListActive(ctx context.Context, domain string) ([]models.CatalogEntry, error)
}

// Store 目录存储
type Store interface {
	CatalogWriter
	CatalogReader
	// Deactivate 管理操作: 将条目标记为停用
	Deactivate(ctx context.Context, domain, naturalKey string) error
	Migrate(ctx context.Context) error
	Close() error
}

// 支持的驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open 按驱动名打开存储
func Open(ctx context.Context, driver, dsn string, maxConns int32) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(driver) {
	case DriverSQLite:
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		s, err = NewPostgres(ctx, dsn, maxConns)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func validateEntries(entries []models.CatalogEntry) error {
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
