package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
)

const (
	entryURL          = "https://vendor.example.com/data"
	containerSelector = "select#plans option"
)

const entryHTML = `<html><body><nav>
<a href="/data/mtn" title="MTN">MTN</a>
<a href="/data/airtel" title="Airtel">Airtel</a>
<a href="/data/glo" title="Glo">Glo</a>
</nav></body></html>`

func plansHTML(options ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><select id="plans"><option value="">Select Plan</option>`)
	for i, o := range options {
		fmt.Fprintf(&b, `<option value="p%d">%s</option>`, i+1, o)
	}
	b.WriteString(`</select></body></html>`)
	return b.String()
}

func newPortal(subTargets ...string) models.PortalConfig {
	return models.PortalConfig{
		Name:               "data_bundles",
		EntryURL:           entryURL,
		SubTargets:         subTargets,
		ContainerSelectors: []string{containerSelector},
		PlaceholderWords:   []string{"select", "choose"},
	}
}

func newMockPortal(t *testing.T) *httpmock.MockTransport {
	t.Helper()
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("GET", entryURL, httpmock.NewStringResponder(200, entryHTML))
	mt.RegisterResponder("GET", entryURL+"/mtn", httpmock.NewStringResponder(200, plansHTML("500MB - ₦150", "1GB - ₦300")))
	mt.RegisterResponder("GET", entryURL+"/airtel", httpmock.NewStringResponder(200, plansHTML("1GB - ₦350")))
	mt.RegisterResponder("GET", entryURL+"/glo", httpmock.NewStringResponder(200, plansHTML("2GB - N500", "Unlimited Night")))
	return mt
}

// faultyFactory 在指定页面的记录抽取阶段注入故障
type faultyFactory struct {
	inner   crawlers.DriverFactory
	failURL string
	panic   bool
	failErr error
	// onContainer 在查询记录容器时回调
	onContainer func(url string)
	created     atomic.Int32
}

func (f *faultyFactory) NewDriver(ctx context.Context) (crawlers.Driver, error) {
	d, err := f.inner.NewDriver(ctx)
	if err != nil {
		return nil, err
	}
	f.created.Add(1)
	return &faultyDriver{Driver: d, page: &faultyPage{Page: d.Page(), factory: f}}, nil
}

type faultyDriver struct {
	crawlers.Driver
	page crawlers.Page
}

func (d *faultyDriver) Page() crawlers.Page { return d.page }

type faultyPage struct {
	crawlers.Page
	factory *faultyFactory
}

func (p *faultyPage) Elements(ctx context.Context, selector string) ([]crawlers.Element, error) {
	f := p.factory
	if f.onContainer != nil && selector == containerSelector {
		f.onContainer(p.URL())
	}
	if f.failURL != "" && selector == containerSelector && strings.HasSuffix(p.URL(), f.failURL) {
		if f.panic {
			panic("target closed")
		}
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, errors.New("DOM节点已分离")
	}
	return p.Page.Elements(ctx, selector)
}

type harness struct {
	factory *faultyFactory
	pool    *crawlers.SessionPool
	store   *store.SQLiteStore
	metrics *Metrics
}

func newHarness(t *testing.T, mt *httpmock.MockTransport, maxSessions int) *harness {
	t.Helper()
	h := &harness{metrics: NewMetrics()}
	h.factory = &faultyFactory{inner: crawlers.NewStaticFactory(crawlers.StaticConfig{RequestTimeout: 5 * time.Second, Transport: mt}, nil)}

	pool, err := crawlers.NewSessionPool(h.factory, crawlers.PoolConfig{MaxSessions: maxSessions}, crawlers.WithObserver(h.metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown() })
	h.pool = pool

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	h.store = st
	return h
}

func (h *harness) coordinator(t *testing.T, opts ...CoordinatorOption) *Coordinator {
	t.Helper()
	pricer, err := NewPricer(models.PricingConfig{RetailMultiplier: 1.4, ResellerMultiplier: 1.2})
	require.NoError(t, err)
	timeouts := models.TimeoutConfig{Navigation: 5 * time.Second, Settle: time.Second, PollInterval: 10 * time.Millisecond}
	opts = append([]CoordinatorOption{WithMetrics(h.metrics)}, opts...)
	c, err := NewCoordinator(h.pool, h.store, pricer, timeouts, time.Second, opts...)
	require.NoError(t, err)
	return c
}

func resultFor(t *testing.T, s *models.RunSummary, sub string) models.SubTargetResult {
	t.Helper()
	for _, r := range s.Results {
		if r.SubTarget == sub {
			return r
		}
	}
	t.Fatalf("汇总中没有子目标 %s", sub)
	return models.SubTargetResult{}
}

func TestCoordinator_EndToEndSinglePlan(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("GET", entryURL, httpmock.NewStringResponder(200, `<a href="/data/mtn" title="MTN">MTN</a>`))
	mt.RegisterResponder("GET", entryURL+"/mtn", httpmock.NewStringResponder(200, plansHTML("500MB - ₦150")))
	h := newHarness(t, mt, 1)

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.RecordsUpserted)

	list, err := h.store.ListActive(context.Background(), "data_bundles:mtn")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].NaturalKey)
	assert.Equal(t, "500MB - ₦150", list[0].DisplayName)
	assert.Equal(t, 150.0, list[0].Cost)
	assert.Equal(t, 210.0, list[0].RetailPrice)
	assert.Equal(t, 180.0, list[0].ResellerPrice)
}

func TestCoordinator_PartialFailureIsolation(t *testing.T) {
	mt := newMockPortal(t)
	// 第四个子目标也有独立页面
	mt.RegisterResponder("GET", entryURL, httpmock.NewStringResponder(200,
		strings.Replace(entryHTML, "</nav>", `<a href="/data/9mobile" title="9mobile">9mobile</a></nav>`, 1)))
	mt.RegisterResponder("GET", entryURL+"/9mobile", httpmock.NewStringResponder(200, plansHTML("1GB - ₦250")))

	h := newHarness(t, mt, 1)
	h.factory.failURL = "/airtel"

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn", "airtel", "glo", "9mobile"))
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "airtel")

	failed := resultFor(t, summary, "airtel")
	assert.Equal(t, models.StageFailed, failed.Stage)

	ctx := context.Background()
	for _, network := range []string{"mtn", "glo", "9mobile"} {
		list, err := h.store.ListActive(ctx, "data_bundles:"+network)
		require.NoError(t, err)
		assert.NotEmpty(t, list, network)
	}
	list, err := h.store.ListActive(ctx, "data_bundles:airtel")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SubTargets.WithLabelValues("data_bundles", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.SubTargets.WithLabelValues("data_bundles", "persisted")))
	assert.Zero(t, h.pool.Stats().CheckedOut, "运行结束后会话已归还")
}

func TestCoordinator_SkipNotFail(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn", "9mobile", "glo"))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, models.StageSkipped, resultFor(t, summary, "9mobile").Stage)

	// 无金额文本与占位项都不会生成条目
	glo, err := h.store.ListActive(context.Background(), "data_bundles:glo")
	require.NoError(t, err)
	require.Len(t, glo, 1)
	assert.Equal(t, 500.0, glo[0].Cost)
	assert.Equal(t, 1, resultFor(t, summary, "glo").Unparsed)
}

func TestCoordinator_IdempotentReruns(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	_, err := h.coordinator(t, WithClock(func() time.Time { return first })).RunAll(ctx, newPortal("mtn"))
	require.NoError(t, err)
	_, err = h.coordinator(t, WithClock(func() time.Time { return second })).RunAll(ctx, newPortal("mtn"))
	require.NoError(t, err)

	list, err := h.store.ListActive(ctx, "data_bundles:mtn")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, e := range list {
		assert.True(t, e.RefreshedAt.Equal(second))
	}
	assert.Equal(t, 300.0, list[1].Cost)
	assert.Equal(t, 420.0, list[1].RetailPrice)
}

func TestCoordinator_CrashedSessionIsReplaced(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	h.factory.failURL = "/airtel"
	h.factory.panic = true

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn", "airtel", "glo"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, resultFor(t, summary, "airtel").Reason, crawlers.ErrSessionCrashed.Error())
	assert.Equal(t, int32(2), h.factory.created.Load(), "崩溃后创建了新会话")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsDestroyed.WithLabelValues(crawlers.ReasonCrashed)))
}

func TestCoordinator_CancellationBetweenSubTargets(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.coordinator(t, WithResultHook(func(models.SubTargetResult) { cancel() }))
	summary, err := c.RunAll(ctx, newPortal("mtn", "airtel", "glo"))

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Attempted)
	assert.NotEmpty(t, summary.RunError)
	assert.Zero(t, h.pool.Stats().CheckedOut, "取消后会话已归还")
}

func TestCoordinator_CancellationDuringSubTarget(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("并行=%v", parallel), func(t *testing.T) {
			h := newHarness(t, newMockPortal(t), 1)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// 抽取记录时收到取消信号
			h.factory.onContainer = func(url string) {
				if strings.HasSuffix(url, "/mtn") {
					cancel()
				}
			}

			portal := newPortal("mtn", "glo")
			portal.Parallel = parallel
			summary, err := h.coordinator(t).RunAll(ctx, portal)

			assert.ErrorIs(t, err, context.Canceled)
			require.NotNil(t, summary)
			assert.Equal(t, 1, summary.Attempted, "取消后不再开始新的子目标")
			assert.Equal(t, models.StagePersisted, resultFor(t, summary, "mtn").Stage)

			list, err := h.store.ListActive(context.Background(), "data_bundles:mtn")
			require.NoError(t, err)
			assert.Len(t, list, 2, "进行中的子目标完整写入")
			glo, err := h.store.ListActive(context.Background(), "data_bundles:glo")
			require.NoError(t, err)
			assert.Empty(t, glo)
			assert.Zero(t, h.pool.Stats().CheckedOut)
		})
	}
}

func TestCoordinator_DriverClosedReplacesSession(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	h.factory.failURL = "/airtel"
	h.factory.failErr = fmt.Errorf("查询元素失败: %w", fmt.Errorf("%w: websocket: close 1006", crawlers.ErrDriverClosed))

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn", "airtel", "glo"))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, models.StageFailed, resultFor(t, summary, "airtel").Stage)
	assert.Equal(t, int32(2), h.factory.created.Load(), "连接断开后换用新会话")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsDestroyed.WithLabelValues(crawlers.ReasonCrashed)))
}

func TestCoordinator_EntryUnreachableAbortsRun(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("GET", entryURL, httpmock.NewStringResponder(503, "maintenance"))
	h := newHarness(t, mt, 1)

	summary, err := h.coordinator(t).RunAll(context.Background(), newPortal("mtn", "glo"))
	assert.ErrorIs(t, err, ErrEntryUnreachable)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Succeeded)
	assert.Zero(t, h.pool.Stats().CheckedOut)
}

func TestCoordinator_PoolExhaustedAbortsRun(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)

	held, err := h.pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer h.pool.Release(held, false) //nolint:errcheck

	pricer, _ := NewPricer(models.PricingConfig{RetailMultiplier: 1.4, ResellerMultiplier: 1.2})
	c, err := NewCoordinator(h.pool, h.store, pricer,
		models.TimeoutConfig{Navigation: time.Second, Settle: time.Second, PollInterval: 10 * time.Millisecond},
		50*time.Millisecond)
	require.NoError(t, err)

	summary, err := c.RunAll(context.Background(), newPortal("mtn"))
	assert.ErrorIs(t, err, crawlers.ErrPoolExhausted)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Attempted)
}

func TestCoordinator_ParallelMode(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 2)
	h.factory.failURL = "/airtel"

	portal := newPortal("mtn", "airtel", "glo", "9mobile")
	portal.Parallel = true

	var seen atomic.Int32
	summary, err := h.coordinator(t, WithResultHook(func(models.SubTargetResult) { seen.Add(1) })).
		RunAll(context.Background(), portal)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, int32(4), seen.Load())
	assert.LessOrEqual(t, h.factory.created.Load(), int32(2), "并行数不超过会话池上限")
	assert.Zero(t, h.pool.Stats().CheckedOut)
}

func TestCoordinator_InvalidPortal(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	summary, err := h.coordinator(t).RunAll(context.Background(), models.PortalConfig{Name: "broken"})
	assert.Error(t, err)
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.RunError)
}

func TestNewCoordinator_Validation(t *testing.T) {
	h := newHarness(t, newMockPortal(t), 1)
	pricer, _ := NewPricer(models.PricingConfig{RetailMultiplier: 1.4, ResellerMultiplier: 1.2})
	ok := models.TimeoutConfig{Navigation: time.Second, Settle: time.Second, PollInterval: time.Millisecond}

	_, err := NewCoordinator(nil, h.store, pricer, ok, time.Second)
	assert.Error(t, err)
	_, err = NewCoordinator(h.pool, nil, pricer, ok, time.Second)
	assert.Error(t, err)
	_, err = NewCoordinator(h.pool, h.store, nil, ok, time.Second)
	assert.Error(t, err)
	_, err = NewCoordinator(h.pool, h.store, pricer, models.TimeoutConfig{}, time.Second)
	assert.Error(t, err)
	_, err = NewCoordinator(h.pool, h.store, pricer, ok, 0)
	assert.Error(t, err)
}
