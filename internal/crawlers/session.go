package crawlers

import (
	"sync"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/google/uuid"
)

// Session 自动化会话: 一个驱动进程及其活动页面
// 任一时刻要么空闲在池中, 要么只被一个调用方借出
type Session struct {
	ID        string
	CreatedAt time.Time

	driver Driver

	// 以下字段只由持有者或池在锁内修改
	health        models.SessionHealth
	resetFailures int
	lastUsed      time.Time

	closeOnce sync.Once
	closeErr  error
}

func newSession(driver Driver) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		driver:    driver,
		health:    models.HealthHealthy,
		lastUsed:  now,
	}
}

// Page 当前活动页面
func (s *Session) Page() Page {
	return s.driver.Page()
}

// Health 健康状态
func (s *Session) Health() models.SessionHealth {
	return s.health
}

// LastUsed 最近一次归还时间
func (s *Session) LastUsed() time.Time {
	return s.lastUsed
}

func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.driver.Close()
	})
	return s.closeErr
}
