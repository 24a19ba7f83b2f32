package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const networksHTML = `<html><body>
<div class="providers">
  <img src="/img/mtn.png" alt="MTN Logo">
  <button class="provider-btn">Airtel</button>
  <span class="tile glo-tile">Glo</span>
</div>
<select id="plan">
  <option value="">Select Plan</option>
  <option value="500mb">500MB - ₦150</option>
  <option value="1gb">1GB - ₦300</option>
  <option value="unlimited">Unlimited Night</option>
  <option value="1gb">1GB - ₦280</option>
</select>
<ul class="plans">
  <li data-plan-code="2gb">2GB - N500</li>
  <li>5GB - N1,200</li>
</ul>
</body></html>`

func mustPage(t *testing.T, html string) crawlers.Page {
	t.Helper()
	page, err := crawlers.PageFromHTML("https://vendor.example.com/data", html)
	require.NoError(t, err)
	return page
}

func attrOf(t *testing.T, el crawlers.Element, name string) string {
	t.Helper()
	v, _ := crawlers.Attr(el, name)
	return v
}

func TestChain_Locate(t *testing.T) {
	page := mustPage(t, networksHTML)
	chain := DefaultChain()
	ctx := context.Background()

	t.Run("属性匹配alt文本", func(t *testing.T) {
		el, found, err := chain.Locate(ctx, page, Target{Token: "mtn"})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "MTN Logo", attrOf(t, el, "alt"))
	})

	t.Run("文本匹配按钮", func(t *testing.T) {
		el, found, err := chain.Locate(ctx, page, Target{Token: "AIRTEL"})
		require.NoError(t, err)
		require.True(t, found)
		text, _ := el.Text()
		assert.Equal(t, "Airtel", text)
	})

	t.Run("兜底选择器", func(t *testing.T) {
		el, found, err := chain.Locate(ctx, page, Target{
			Token:              "glo",
			CandidateSelectors: []string{"button"},
			FallbackSelectors:  []string{"span.{token}-tile"},
		})
		require.NoError(t, err)
		require.True(t, found)
		assert.Contains(t, attrOf(t, el, "class"), "glo-tile")
	})

	t.Run("全部未命中返回none而不是错误", func(t *testing.T) {
		el, found, err := chain.Locate(ctx, page, Target{Token: "9mobile"})
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, el)
	})

	t.Run("空标识", func(t *testing.T) {
		_, _, err := chain.Locate(ctx, page, Target{Token: " "})
		assert.Error(t, err)
	})
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Locate(context.Context, crawlers.Page, Target) (crawlers.Element, bool, error) {
	return nil, false, errors.New("页面已断开")
}

func TestChain_StrategyErrors(t *testing.T) {
	page := mustPage(t, networksHTML)
	ctx := context.Background()

	// 出错的策略被跳过, 后续策略仍然生效
	el, found, err := NewChain(failingStrategy{}, AttributeStrategy{}).Locate(ctx, page, Target{Token: "mtn"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, el)

	// 全部出错才返回错误
	_, found, err = NewChain(failingStrategy{}, failingStrategy{}).Locate(ctx, page, Target{Token: "mtn"})
	assert.Error(t, err)
	assert.False(t, found)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = DefaultChain().Locate(cancelled, page, Target{Token: "mtn"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractRecords(t *testing.T) {
	page := mustPage(t, networksHTML)

	res, err := ExtractRecords(context.Background(), page, Options{
		ContainerSelectors: []string{"select#plan option", "ul.plans li"},
		PlaceholderWords:   []string{"select", "choose"},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, res.Scanned)
	assert.Equal(t, 1, res.Placeholders)
	assert.Equal(t, 1, res.Unparsed)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Records, 4)

	// 重复键后写覆盖, 位置不变
	assert.Equal(t, "500mb", res.Records[0].DedupKey)
	assert.Equal(t, "1gb", res.Records[1].DedupKey)
	amount, ok := res.Records[1].Amount()
	assert.True(t, ok)
	assert.Equal(t, 280.0, amount)

	assert.Equal(t, "2gb", res.Records[2].SourceID, "data-* 属性作为来源ID")
	assert.Equal(t, "5gb - n1,200", res.Records[3].DedupKey, "无属性时用原始文本")
	amount, _ = res.Records[3].Amount()
	assert.Equal(t, 1200.0, amount)
}

func TestExtractRecords_SinglePlanScenario(t *testing.T) {
	page := mustPage(t, `<select><option>Select Plan</option><option value="p1">500MB - ₦150</option></select>`)

	res, err := ExtractRecords(context.Background(), page, Options{
		ContainerSelectors: []string{"option"},
		PlaceholderWords:   []string{"select"},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, models.AmountParsed, rec.State)
	amount, ok := rec.Amount()
	assert.True(t, ok)
	assert.Equal(t, 150.0, amount)
	assert.Equal(t, "500MB - ₦150", rec.RawText)
}

func TestExtractRecords_DefaultAmount(t *testing.T) {
	page := mustPage(t, `<table class="schools">
		<tr data-school-id="kc-01"><td>Kings College</td></tr>
		<tr data-school-id="qc-02"><td>Queens College</td></tr>
	</table>`)

	zero := 0.0
	res, err := ExtractRecords(context.Background(), page, Options{
		ContainerSelectors: []string{"table.schools tr"},
		DefaultAmount:      &zero,
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, models.AmountDefaulted, res.Records[0].State)
	assert.Equal(t, "kc-01", res.Records[0].DedupKey)
	assert.Zero(t, res.Unparsed)
}

func TestExtractRecords_NoMatches(t *testing.T) {
	page := mustPage(t, networksHTML)
	res, err := ExtractRecords(context.Background(), page, Options{ContainerSelectors: []string{"table.none td"}})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestStaticPageWaitFor(t *testing.T) {
	page := mustPage(t, networksHTML)
	assert.NoError(t, page.WaitFor(context.Background(), []string{"select#plan option"}, time.Second))
}
