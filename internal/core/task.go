package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/extract"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/RecoveryAshes/portalharvest/internal/store"
	"github.com/RecoveryAshes/portalharvest/internal/utils"
)

// 运行与子目标错误
var (
	ErrSubTargetSkipped = errors.New("子目标当前没有可达的入口控件")
	ErrPersistence      = errors.New("目录写入失败")
	ErrEntryUnreachable = errors.New("门户入口页面不可达")
)

// Task 门户中一个子目标(网络/州)的抓取单元
type Task struct {
	Portal    models.PortalConfig
	SubTarget string
	Chain     *extract.Chain
	Pricer    *Pricer
	Writer    store.CatalogWriter
	Settle    time.Duration
	Now       func() time.Time
}

// Domain 目录域
func (t *Task) Domain() string {
	return models.DomainKey(t.Portal.Name, t.SubTarget)
}

func (t *Task) target() extract.Target {
	return extract.Target{
		Token:              t.SubTarget,
		CandidateSelectors: t.Portal.CandidateSelectors,
		FallbackSelectors:  t.Portal.FallbackSelectors,
	}
}

func (t *Task) options() extract.Options {
	return extract.Options{
		ContainerSelectors: t.Portal.ContainerSelectors,
		PlaceholderWords:   t.Portal.PlaceholderWords,
		DefaultAmount:      t.Portal.DefaultAmount,
	}
}

// Run 在已停留于入口页面的 page 上执行 定位 -> 交互 -> 等待 -> 抽取 -> 归一化 -> 写入
// res.Stage 随每一步前进; 返回的错误由调用方决定记为跳过还是失败
func (t *Task) Run(ctx context.Context, page crawlers.Page, res *models.SubTargetResult) error {
	logger := utils.SubTargetLogger(ctx, t.SubTarget)

	el, found, err := t.Chain.Locate(ctx, page, t.target())
	if err != nil {
		return fmt.Errorf("定位入口控件失败: %w", err)
	}
	if !found {
		return ErrSubTargetSkipped
	}

	if err := el.Click(ctx); err != nil {
		return fmt.Errorf("点击入口控件失败: %w", err)
	}
	if err := page.WaitFor(ctx, t.Portal.ContainerSelectors, t.Settle); err != nil {
		return fmt.Errorf("等待记录容器失败: %w", err)
	}
	res.Stage = models.StageLocated
	logger.Debug().Str("url", page.URL()).Msg("入口控件已交互,内容已就绪")

	extracted, err := extract.ExtractRecords(ctx, page, t.options())
	if err != nil {
		return fmt.Errorf("抽取记录失败: %w", err)
	}
	res.Stage = models.StageExtracted
	res.RecordsFound = len(extracted.Records)
	res.Unparsed = extracted.Unparsed
	logger.Debug().
		Int("scanned", extracted.Scanned).
		Int("records", len(extracted.Records)).
		Int("placeholders", extracted.Placeholders).
		Int("unparsed", extracted.Unparsed).
		Int("duplicates", extracted.Duplicates).
		Msg("记录抽取完成")

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	refreshed := now()

	entries := make([]models.CatalogEntry, 0, len(extracted.Records))
	for _, rec := range extracted.Records {
		switch rec.State {
		case models.AmountParsed, models.AmountDefaulted:
		default:
			continue
		}
		entry, err := t.Pricer.Normalize(rec, t.Domain(), refreshed)
		if err != nil {
			return fmt.Errorf("归一化记录失败: %w", err)
		}
		entries = append(entries, entry)
	}

	n, err := t.Writer.Upsert(ctx, entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	res.Stage = models.StagePersisted
	res.RecordsUpserted = n
	return nil
}
