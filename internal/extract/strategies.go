package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
)

var (
	// 可能承载子目标标识的控件
	defaultAttributeSelectors = []string{
		"img", "button", "a", "input", "option", "label", "li",
		"[role=button]", "[role=tab]", "[data-network]", "[data-state]",
	}
	// 可能承载可见文本的交互元素
	defaultTextSelectors = []string{
		"a", "button", "option", "label", "li",
		"[role=button]", "[role=tab]", "[onclick]",
	}
	// 参与属性匹配的属性, 另外所有 data-* 属性也参与
	matchAttributes = []string{"alt", "class", "title", "value", "id", "name", "aria-label"}
)

const maxLabelLength = 64

// AttributeStrategy alt/class/title/value/id/data-* 包含标识(不区分大小写)
type AttributeStrategy struct{}

func (AttributeStrategy) Name() string { return "attribute" }

func (AttributeStrategy) Locate(ctx context.Context, page crawlers.Page, target Target) (crawlers.Element, bool, error) {
	token := strings.ToLower(strings.TrimSpace(target.Token))
	selectors := target.CandidateSelectors
	if len(selectors) == 0 {
		selectors = defaultAttributeSelectors
	}

	for _, sel := range selectors {
		els, err := page.Elements(ctx, sel)
		if err != nil {
			return nil, false, err
		}
		for _, el := range els {
			attrs, err := el.Attributes()
			if err != nil {
				continue
			}
			if attributesContain(attrs, token) {
				return el, true, nil
			}
		}
	}
	return nil, false, nil
}

func attributesContain(attrs map[string]string, token string) bool {
	for _, name := range matchAttributes {
		if v, ok := attrs[name]; ok && strings.Contains(strings.ToLower(v), token) {
			return true
		}
	}
	for name, v := range attrs {
		if strings.HasPrefix(name, "data-") && strings.Contains(strings.ToLower(v), token) {
			return true
		}
	}
	return false
}

// TextStrategy 交互元素的短可见文本按单词匹配标识, 完全相等优先
type TextStrategy struct{}

func (TextStrategy) Name() string { return "text" }

func (TextStrategy) Locate(ctx context.Context, page crawlers.Page, target Target) (crawlers.Element, bool, error) {
	token := strings.ToLower(strings.TrimSpace(target.Token))
	word := regexp.MustCompile(`(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(token) + `($|[^\p{L}\p{N}])`)

	selectors := target.CandidateSelectors
	if len(selectors) == 0 {
		selectors = defaultTextSelectors
	}

	var partial crawlers.Element
	for _, sel := range selectors {
		els, err := page.Elements(ctx, sel)
		if err != nil {
			return nil, false, err
		}
		for _, el := range els {
			text, err := el.Text()
			if err != nil {
				continue
			}
			text = strings.ToLower(strings.Join(strings.Fields(text), " "))
			if text == "" || len(text) > maxLabelLength {
				continue
			}
			if text == token {
				return el, true, nil
			}
			if partial == nil && word.MatchString(text) {
				partial = el
			}
		}
	}
	if partial != nil {
		return partial, true, nil
	}
	return nil, false, nil
}

// FallbackStrategy 门户配置的兜底选择器, {token} 替换为子目标标识
type FallbackStrategy struct{}

func (FallbackStrategy) Name() string { return "fallback" }

func (FallbackStrategy) Locate(ctx context.Context, page crawlers.Page, target Target) (crawlers.Element, bool, error) {
	token := strings.ToLower(strings.TrimSpace(target.Token))
	for _, tmpl := range target.FallbackSelectors {
		sel := strings.ReplaceAll(tmpl, "{token}", token)
		els, err := page.Elements(ctx, sel)
		if err != nil {
			return nil, false, err
		}
		if len(els) > 0 {
			return els[0], true, nil
		}
	}
	return nil, false, nil
}
