package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/extract"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
)

// SessionPool 运行协调器使用的会话池能力
type SessionPool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*crawlers.Session, error)
	Release(s *crawlers.Session, crashed bool) error
	MaxSessions() int
}

// Coordinator 依次处理门户的全部子目标并汇总结果
// 单个子目标的失败只记录在汇总中, 不会中止运行
type Coordinator struct {
	pool           SessionPool
	chain          *extract.Chain
	pricer         *Pricer
	writer         store.CatalogWriter
	timeouts       models.TimeoutConfig
	acquireTimeout time.Duration
	metrics        *Metrics
	now            func() time.Time
	onResult       func(models.SubTargetResult)
}

// CoordinatorOption 协调器可选项
type CoordinatorOption func(*Coordinator)

// WithMetrics 记录子目标指标
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithChain 替换默认定位策略链
func WithChain(chain *extract.Chain) CoordinatorOption {
	return func(c *Coordinator) { c.chain = chain }
}

// WithClock 注入刷新时间来源
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithResultHook 每个子目标结束时回调, 用于进度展示
func WithResultHook(fn func(models.SubTargetResult)) CoordinatorOption {
	return func(c *Coordinator) { c.onResult = fn }
}

// NewCoordinator 创建运行协调器
func NewCoordinator(pool SessionPool, writer store.CatalogWriter, pricer *Pricer, timeouts models.TimeoutConfig, acquireTimeout time.Duration, opts ...CoordinatorOption) (*Coordinator, error) {
	if pool == nil {
		return nil, fmt.Errorf("会话池不能为空")
	}
	if writer == nil {
		return nil, fmt.Errorf("目录存储不能为空")
	}
	if pricer == nil {
		return nil, fmt.Errorf("定价器不能为空")
	}
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}
	if acquireTimeout <= 0 {
		return nil, fmt.Errorf("获取会话超时必须大于0")
	}

	c := &Coordinator{
		pool:           pool,
		chain:          extract.DefaultChain(),
		pricer:         pricer,
		writer:         writer,
		timeouts:       timeouts,
		acquireTimeout: acquireTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) newTask(portal models.PortalConfig, subTarget string) *Task {
	return &Task{
		Portal:    portal,
		SubTarget: subTarget,
		Chain:     c.chain,
		Pricer:    c.pricer,
		Writer:    c.writer,
		Settle:    c.timeouts.Settle,
		Now:       c.now,
	}
}

// RunAll 抓取门户的全部子目标
// 总是返回非空汇总; 只有会话池耗尽/关闭, 入口不可达或取消才返回运行级错误
func (c *Coordinator) RunAll(ctx context.Context, portal models.PortalConfig) (*models.RunSummary, error) {
	summary := models.NewRunSummary(portal.Name)
	if err := portal.Validate(); err != nil {
		summary.Finish(err)
		return summary, err
	}

	utils.Infof("🚀 开始抓取门户: %s (%d个子目标, 并行=%v)", portal.Name, len(portal.SubTargets), portal.Parallel)
	ctx = utils.RunLogger(portal.Name, summary.RunID).WithContext(ctx)

	var err error
	if portal.Parallel {
		err = c.runParallel(ctx, portal, summary)
	} else {
		err = c.runShared(ctx, portal, summary)
	}

	summary.Finish(err)
	c.printSummary(summary)
	return summary, err
}

// runShared 所有子目标共用一个会话, 入口只导航一次
func (c *Coordinator) runShared(ctx context.Context, portal models.PortalConfig, summary *models.RunSummary) error {
	session, err := c.pool.Acquire(ctx, c.acquireTimeout)
	if err != nil {
		return fmt.Errorf("获取会话失败: %w", err)
	}
	defer func() {
		if session == nil {
			return
		}
		if err := c.pool.Release(session, false); err != nil {
			utils.Warnf("释放会话失败 [%s]: %v", session.ID, err)
		}
	}()

	if err := c.navigate(ctx, session.Page(), portal.EntryURL); err != nil {
		return fmt.Errorf("%w: %w", ErrEntryUnreachable, err)
	}

	for i, sub := range portal.SubTargets {
		// 取消只在子目标之间检查
		if err := ctx.Err(); err != nil {
			utils.Warnf("运行已取消,剩余%d个子目标未处理", len(portal.SubTargets)-i)
			return err
		}

		utils.Infof("==================== [%d/%d] %s ====================", i+1, len(portal.SubTargets), sub)
		page := session.Page()
		res := c.newResult(portal, sub)
		start := time.Now()

		// 子目标一旦开始就跑完, 取消不中途打断
		work := context.WithoutCancel(ctx)
		if !sameURL(page.URL(), portal.EntryURL) {
			if err := c.navigate(work, page, portal.EntryURL); err != nil {
				c.finish(summary, portal, &res, start, fmt.Errorf("%w: %w", ErrEntryUnreachable, err))
				continue
			}
		}
		res.Stage = models.StageNavigated

		taskErr := c.runTask(work, c.newTask(portal, sub), page, &res)
		c.finish(summary, portal, &res, start, taskErr)

		if sessionCrashed(taskErr) {
			// 崩溃的会话交还销毁, 换一个新会话继续
			if err := c.pool.Release(session, true); err != nil {
				utils.Warnf("释放崩溃会话失败 [%s]: %v", session.ID, err)
			}
			session = nil

			if i == len(portal.SubTargets)-1 || ctx.Err() != nil {
				continue
			}
			next, err := c.pool.Acquire(ctx, c.acquireTimeout)
			if err != nil {
				return fmt.Errorf("替换崩溃会话失败: %w", err)
			}
			session = next
			if err := c.navigate(ctx, session.Page(), portal.EntryURL); err != nil {
				return fmt.Errorf("%w: %w", ErrEntryUnreachable, err)
			}
		}
	}
	return nil
}

// runParallel 每个子目标独占一个会话, 并发数不超过会话池上限
func (c *Coordinator) runParallel(ctx context.Context, portal models.PortalConfig, summary *models.RunSummary) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.pool.MaxSessions(), 1))

	for _, sub := range portal.SubTargets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			session, err := c.pool.Acquire(gctx, c.acquireTimeout)
			if err != nil {
				return fmt.Errorf("获取会话失败 [%s]: %w", sub, err)
			}

			res := c.newResult(portal, sub)
			start := time.Now()
			work := context.WithoutCancel(gctx)
			var taskErr error
			if err := c.navigate(work, session.Page(), portal.EntryURL); err != nil {
				taskErr = fmt.Errorf("%w: %w", ErrEntryUnreachable, err)
			} else {
				res.Stage = models.StageNavigated
				taskErr = c.runTask(work, c.newTask(portal, sub), session.Page(), &res)
			}
			c.finish(summary, portal, &res, start, taskErr)

			if err := c.pool.Release(session, sessionCrashed(taskErr)); err != nil {
				utils.Warnf("释放会话失败 [%s]: %v", session.ID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runTask 执行单个子目标, 把 panic 转换为会话崩溃
// 调用方传入不可取消的上下文, 这里用导航+稳定等待的时长兜底
func (c *Coordinator) runTask(ctx context.Context, task *Task, page crawlers.Page, res *models.SubTargetResult) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Navigation+c.timeouts.Settle)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", crawlers.ErrSessionCrashed, r)
		}
	}()
	return task.Run(ctx, page, res)
}

func (c *Coordinator) navigate(ctx context.Context, page crawlers.Page, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, c.timeouts.Navigation)
	defer cancel()
	return page.Navigate(navCtx, url)
}

func (c *Coordinator) newResult(portal models.PortalConfig, sub string) models.SubTargetResult {
	return models.SubTargetResult{
		SubTarget: sub,
		Domain:    models.DomainKey(portal.Name, sub),
		Stage:     models.StagePending,
	}
}

// finish 根据错误确定终态并记录
func (c *Coordinator) finish(summary *models.RunSummary, portal models.PortalConfig, res *models.SubTargetResult, start time.Time, err error) {
	res.Duration = time.Since(start).Seconds()
	switch {
	case err == nil:
		utils.Infof("✅ %s: 写入%d条记录 (丢弃无金额%d条)", res.SubTarget, res.RecordsUpserted, res.Unparsed)
	case errors.Is(err, ErrSubTargetSkipped):
		res.Stage = models.StageSkipped
		res.Reason = err.Error()
		utils.Warnf("⏭️  %s: 已跳过, %v", res.SubTarget, err)
	default:
		res.Stage = models.StageFailed
		res.Reason = err.Error()
		utils.Errorf("❌ %s: %v", res.SubTarget, err)
	}

	summary.Record(*res)
	c.metrics.ObserveSubTarget(portal.Name, *res)
	if c.onResult != nil {
		c.onResult(*res)
	}
}

// printSummary 打印运行摘要
func (c *Coordinator) printSummary(summary *models.RunSummary) {
	utils.Info("==================================================")
	utils.Infof("📊 运行摘要: %s [%s]", summary.Portal, summary.RunID)
	utils.Info("==================================================")
	utils.Infof("子目标数: %d", summary.Attempted)
	utils.Infof("✅ 成功: %d", summary.Succeeded)
	utils.Infof("⏭️  跳过: %d", summary.Skipped)
	utils.Infof("❌ 失败: %d", summary.Failed)
	utils.Infof("📦 写入记录: %d", summary.RecordsUpserted)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.Duration)
	utils.Info("==================================================")

	if summary.RunError != "" {
		utils.Errorf("运行中止: %s", summary.RunError)
	}
	if len(summary.Errors) > 0 {
		utils.Warn("失败的子目标:")
		for _, e := range summary.Errors {
			utils.Warnf("  - %s", e)
		}
	}
}

func sessionCrashed(err error) bool {
	return errors.Is(err, crawlers.ErrSessionCrashed) || errors.Is(err, crawlers.ErrDriverClosed)
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
