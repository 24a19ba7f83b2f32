package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// CachedStore 在 Store 外层缓存按键读取的结果
// 经由它的写入和停用会使对应缓存项失效
type CachedStore struct {
	Store
	cache *expirable.LRU[string, models.CatalogEntry]
}

// NewCached 包装存储; size<=0 时不限容量
func NewCached(inner Store, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: inner,
		cache: expirable.NewLRU[string, models.CatalogEntry](size, nil, ttl),
	}
}

func cacheKey(domain, naturalKey string) string {
	return domain + "\x00" + naturalKey
}

// Get 先查缓存
func (c *CachedStore) Get(ctx context.Context, domain, naturalKey string) (*models.CatalogEntry, error) {
	key := cacheKey(domain, naturalKey)
	if e, ok := c.cache.Get(key); ok {
		return &e, nil
	}

	e, err := c.Store.Get(ctx, domain, naturalKey)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *e)
	return e, nil
}

// Upsert 写入后使缓存失效
func (c *CachedStore) Upsert(ctx context.Context, entries []models.CatalogEntry) (int, error) {
	n, err := c.Store.Upsert(ctx, entries)
	for _, e := range entries {
		c.cache.Remove(cacheKey(e.Domain, e.NaturalKey))
	}
	return n, err
}

// Deactivate 停用后使缓存失效
func (c *CachedStore) Deactivate(ctx context.Context, domain, naturalKey string) error {
	defer c.cache.Remove(cacheKey(domain, naturalKey))
	return c.Store.Deactivate(ctx, domain, naturalKey)
}

// Close 清空缓存并关闭底层存储
func (c *CachedStore) Close() error {
	log.Debug().Int("cached", c.cache.Len()).Msg("清空目录缓存")
	c.cache.Purge()
	return c.Store.Close()
}
