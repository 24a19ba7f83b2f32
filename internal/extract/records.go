package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/RecoveryAshes/portalharvest/internal/models"
	"github.com/rs/zerolog/log"
)

// 作为记录来源ID的属性, 按优先级
var sourceIDAttributes = []string{"value", "id", "data-id", "data-value", "data-plan", "data-code"}

// Options 记录抽取选项
type Options struct {
	ContainerSelectors []string
	PlaceholderWords   []string // 文本包含这些词(不区分大小写)的元素视为占位项
	DefaultAmount      *float64 // 文本无金额时使用; 为空则丢弃该元素
}

// Result 抽取结果
type Result struct {
	Records      []models.ExtractionRecord
	Scanned      int // 扫描的元素数
	Placeholders int // 跳过的占位项
	Unparsed     int // 无金额被丢弃
	Duplicates   int // 被后出现的同键记录覆盖
}

// ExtractRecords 扫描容器选择器匹配的元素, 生成去重后的抽取记录
// 去重键相同时后出现的记录覆盖先前的, 位置保持首次出现的位置
func ExtractRecords(ctx context.Context, page crawlers.Page, opts Options) (*Result, error) {
	res := &Result{Records: make([]models.ExtractionRecord, 0)}
	index := make(map[string]int)

	placeholders := make([]string, 0, len(opts.PlaceholderWords))
	for _, w := range opts.PlaceholderWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			placeholders = append(placeholders, w)
		}
	}

	for _, sel := range opts.ContainerSelectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		els, err := page.Elements(ctx, sel)
		if err != nil {
			return nil, err
		}

		for _, el := range els {
			res.Scanned++

			text, err := el.Text()
			if err != nil {
				log.Debug().Err(err).Str("selector", sel).Msg("读取元素文本失败,跳过")
				continue
			}
			text = strings.Join(strings.Fields(text), " ")
			if text == "" {
				continue
			}
			if isPlaceholder(text, placeholders) {
				res.Placeholders++
				continue
			}

			attrs, err := el.Attributes()
			if err != nil {
				attrs = map[string]string{}
			}
			sourceID := sourceIDOf(attrs)
			key := sourceID
			if key == "" {
				key = strings.ToLower(text)
			}

			var rec models.ExtractionRecord
			if amount, ok := ParseAmount(text); ok {
				rec = models.NewParsedRecord(text, sourceID, key, amount)
			} else if opts.DefaultAmount != nil {
				rec = models.NewDefaultedRecord(text, sourceID, key, *opts.DefaultAmount)
			} else {
				res.Unparsed++
				continue
			}

			if i, seen := index[key]; seen {
				res.Records[i] = rec
				res.Duplicates++
				continue
			}
			index[key] = len(res.Records)
			res.Records = append(res.Records, rec)
		}
	}
	return res, nil
}

func isPlaceholder(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func sourceIDOf(attrs map[string]string) string {
	for _, name := range sourceIDAttributes {
		if v := strings.TrimSpace(attrs[name]); v != "" {
			return v
		}
	}
	// 其余 data-* 属性按名称排序保证稳定
	names := make([]string, 0)
	for name := range attrs {
		if strings.HasPrefix(name, "data-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if v := strings.TrimSpace(attrs[name]); v != "" {
			return v
		}
	}
	return ""
}
