package crawlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
	"github.com/rs/zerolog/log"
)

// PoolConfig 会话池配置
type PoolConfig struct {
	MaxSessions      int           // 会话总数上限(空闲+借出+创建中)
	ProbeTimeout     time.Duration // 归还时存活探测与重置的超时
	MaxResetFailures int           // 连续重置失败达到该值则销毁
}

// CapacityLimiter 根据系统资源限制可创建的会话数
type CapacityLimiter interface {
	CalculateMaxSessions() int
}

// PoolObserver 会话池事件回调, 用于指标采集
type PoolObserver interface {
	SessionCreated()
	SessionDestroyed(reason string)
	AcquireWaited(d time.Duration, err error)
}

// grant 交给排队等待者的结果: 一个会话, 或一次创建许可, 或错误
type grant struct {
	session *Session
	create  bool
	err     error
}

type waiter struct {
	ch chan grant
}

// SessionPool 有界自动化会话池
// 会话按需懒创建, 达到上限后调用方按FIFO顺序等待归还
type SessionPool struct {
	factory  DriverFactory
	config   PoolConfig
	limiter  CapacityLimiter
	observer PoolObserver

	mu         sync.Mutex
	idle       []*Session
	checkedOut map[string]*Session
	creating   int // 正在创建的会话
	releasing  int // 正在探测/重置/销毁的会话
	waiters    []*waiter
	closed     bool
}

// 会话销毁原因, 作为 PoolObserver 的标签
const (
	ReasonCrashed     = "crashed"
	ReasonProbeFailed = "probe_failed"
	ReasonResetFailed = "reset_failed"
	ReasonPoolClosed  = "pool_closed"
)

// PoolOption 会话池可选项
type PoolOption func(*SessionPool)

// WithCapacityLimiter 设置资源限制器, 只能降低上限
func WithCapacityLimiter(l CapacityLimiter) PoolOption {
	return func(p *SessionPool) { p.limiter = l }
}

// WithObserver 设置事件回调
func WithObserver(o PoolObserver) PoolOption {
	return func(p *SessionPool) { p.observer = o }
}

// NewSessionPool 创建会话池
func NewSessionPool(factory DriverFactory, config PoolConfig, opts ...PoolOption) (*SessionPool, error) {
	if factory == nil {
		return nil, errors.New("驱动工厂不能为空")
	}
	if config.MaxSessions < 1 {
		return nil, fmt.Errorf("会话上限必须 >= 1, 当前: %d", config.MaxSessions)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.MaxResetFailures < 1 {
		config.MaxResetFailures = 2
	}

	p := &SessionPool{
		factory:    factory,
		config:     config,
		idle:       make([]*Session, 0, config.MaxSessions),
		checkedOut: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MaxSessions 配置的会话上限
func (p *SessionPool) MaxSessions() int {
	return p.config.MaxSessions
}

// Acquire 借出一个会话
// 有空闲会话立即返回; 未达上限则创建; 否则排队等待, timeout 到期返回 ErrPoolExhausted
func (p *SessionPool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	start := time.Now()
	s, err := p.acquire(ctx, timeout)
	if p.observer != nil {
		p.observer.AcquireWaited(time.Since(start), err)
	}
	return s, err
}

func (p *SessionPool) acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}
	if s := p.popIdleLocked(); s != nil {
		p.checkOutLocked(s)
		p.mu.Unlock()
		return s, nil
	}
	if p.totalLocked() < p.capacityLocked() {
		p.creating++
		p.mu.Unlock()
		return p.create(ctx)
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	waiting := len(p.waiters)
	p.mu.Unlock()

	log.Debug().Int("waiting", waiting).Msg("会话池已满,排队等待")

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case g := <-w.ch:
		return p.accept(ctx, g)
	case <-waitCtx.Done():
	}

	p.mu.Lock()
	removed := p.removeWaiterLocked(w)
	p.mu.Unlock()

	if !removed {
		// 超时与授予同时发生, 收下后归还
		g := <-w.ch
		if g.err != nil {
			return nil, g.err
		}
		p.giveBack(g)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: 等待 %s 后仍无可用会话", ErrPoolExhausted, timeout)
}

// accept 处理排队期间收到的授予
func (p *SessionPool) accept(ctx context.Context, g grant) (*Session, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.session != nil:
		return g.session, nil
	default:
		return p.create(ctx)
	}
}

// giveBack 放弃一次已授予但未使用的结果
func (p *SessionPool) giveBack(g grant) {
	p.mu.Lock()
	switch {
	case g.session != nil:
		delete(p.checkedOut, g.session.ID)
		if p.closed {
			p.mu.Unlock()
			p.discard(g.session, ReasonPoolClosed)
			return
		}
		p.idle = append(p.idle, g.session)
	case g.create:
		p.creating--
	}
	p.dispatchLocked()
	p.mu.Unlock()
}

// create 调用前已在锁内占用 creating 计数
func (p *SessionPool) create(ctx context.Context) (*Session, error) {
	driver, err := p.factory.NewDriver(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.dispatchLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	s := newSession(driver)
	if p.closed {
		p.mu.Unlock()
		_ = s.close()
		return nil, ErrPoolShuttingDown
	}
	p.checkOutLocked(s)
	total := p.totalLocked()
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.SessionCreated()
	}
	logger := utils.SessionLogger(s.ID)
	logger.Debug().Int("total", total).Int("max", p.config.MaxSessions).Msg("创建新会话")
	return s, nil
}

// Release 归还会话
// crashed 为真时直接销毁; 否则先做存活探测再重置, 探测失败或重置连续失败过多则销毁
func (p *SessionPool) Release(s *Session, crashed bool) error {
	if s == nil {
		return ErrSessionNotCheckedOut
	}

	p.mu.Lock()
	if p.checkedOut[s.ID] != s {
		p.mu.Unlock()
		return ErrSessionNotCheckedOut
	}
	delete(p.checkedOut, s.ID)
	p.releasing++
	closed := p.closed
	p.mu.Unlock()

	if closed {
		// Shutdown 已关闭借出中的会话
		_ = s.close()
		p.mu.Lock()
		p.releasing--
		p.mu.Unlock()
		return nil
	}
	if crashed {
		s.health = models.HealthDead
		p.destroy(s, ReasonCrashed)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.ProbeTimeout)
	defer cancel()

	logger := utils.SessionLogger(s.ID)
	if err := s.driver.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("会话存活探测失败")
		s.health = models.HealthDead
		p.destroy(s, ReasonProbeFailed)
		return nil
	}

	if err := s.driver.Reset(ctx); err != nil {
		s.resetFailures++
		if s.resetFailures >= p.config.MaxResetFailures {
			logger.Warn().Err(err).Int("failures", s.resetFailures).Msg("会话重置连续失败,销毁")
			s.health = models.HealthDead
			p.destroy(s, ReasonResetFailed)
			return nil
		}
		logger.Warn().Err(err).Msgf("会话重置失败 (第%d次),标记为降级", s.resetFailures)
		s.health = models.HealthDegraded
	} else {
		s.resetFailures = 0
		s.health = models.HealthHealthy
	}
	s.lastUsed = time.Now()

	p.mu.Lock()
	p.releasing--
	if p.closed {
		p.mu.Unlock()
		p.discard(s, ReasonPoolClosed)
		return nil
	}
	if w := p.popWaiterLocked(); w != nil {
		p.checkOutLocked(s)
		w.ch <- grant{session: s}
	} else {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()
	return nil
}

// destroy 关闭会话并释放名额, 调用前已占用 releasing 计数
func (p *SessionPool) destroy(s *Session, reason string) {
	logger := utils.SessionLogger(s.ID)
	if err := s.close(); err != nil {
		logger.Warn().Err(err).Msg("关闭会话失败")
	}
	if p.observer != nil {
		p.observer.SessionDestroyed(reason)
	}
	logger.Debug().Str("reason", reason).Msg("销毁会话")

	p.mu.Lock()
	p.releasing--
	p.dispatchLocked()
	p.mu.Unlock()
}

// discard 关闭已不计入名额的会话
func (p *SessionPool) discard(s *Session, reason string) {
	if err := s.close(); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("关闭会话失败")
	}
	if p.observer != nil {
		p.observer.SessionDestroyed(reason)
	}
}

// dispatchLocked 有名额时把空闲会话或创建许可交给队首等待者
func (p *SessionPool) dispatchLocked() {
	if p.closed {
		return
	}
	for len(p.waiters) > 0 {
		if s := p.popIdleLocked(); s != nil {
			w := p.popWaiterLocked()
			p.checkOutLocked(s)
			w.ch <- grant{session: s}
			continue
		}
		if p.totalLocked() < p.capacityLocked() {
			w := p.popWaiterLocked()
			p.creating++
			w.ch <- grant{create: true}
			continue
		}
		return
	}
}

// Shutdown 销毁全部会话, 排队中的调用方收到 ErrPoolShuttingDown
func (p *SessionPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	waiters := p.waiters
	p.waiters = nil
	sessions := append([]*Session(nil), p.idle...)
	p.idle = nil
	for _, s := range p.checkedOut {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: ErrPoolShuttingDown}
	}

	var errs []error
	for _, s := range sessions {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭会话 %s 失败: %w", s.ID, err))
		}
		if p.observer != nil {
			p.observer.SessionDestroyed(ReasonPoolClosed)
		}
	}

	log.Info().Int("sessions", len(sessions)).Int("waiters", len(waiters)).Msg("会话池已关闭")
	return errors.Join(errs...)
}

// Stats 当前会话池快照
func (p *SessionPool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PoolStats{
		MaxSessions: p.config.MaxSessions,
		Total:       p.totalLocked(),
		Idle:        len(p.idle),
		CheckedOut:  len(p.checkedOut),
		Waiting:     len(p.waiters),
	}
}

func (p *SessionPool) totalLocked() int {
	return len(p.idle) + len(p.checkedOut) + p.creating + p.releasing
}

// capacityLocked 可创建上限, 资源限制器只能降低配置值且至少为1
func (p *SessionPool) capacityLocked() int {
	limit := p.config.MaxSessions
	if p.limiter != nil {
		if n := p.limiter.CalculateMaxSessions(); n < limit {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (p *SessionPool) checkOutLocked(s *Session) {
	p.checkedOut[s.ID] = s
}

func (p *SessionPool) popIdleLocked() *Session {
	if len(p.idle) == 0 {
		return nil
	}
	s := p.idle[0]
	p.idle = p.idle[1:]
	return s
}

func (p *SessionPool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

func (p *SessionPool) removeWaiterLocked(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
