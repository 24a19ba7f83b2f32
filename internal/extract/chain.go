// Package extract 在不稳定的门户页面上定位入口控件并抽取记录
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RecoveryAshes/portalharvest/internal/crawlers"
	"github.com/rs/zerolog/log"
)

// Target 子目标定位描述
type Target struct {
	Token              string   // 子目标标识, 如 "mtn"
	CandidateSelectors []string // 候选控件选择器, 为空时使用默认列表
	FallbackSelectors  []string // 兜底选择器, {token} 替换为 Token
}

// Strategy 一种定位启发式
// 没有匹配时返回 (nil, false, nil); 只有页面查询本身失败才返回错误
type Strategy interface {
	Name() string
	Locate(ctx context.Context, page crawlers.Page, target Target) (crawlers.Element, bool, error)
}

// Chain 按顺序尝试各策略, 返回第一个匹配
type Chain struct {
	strategies []Strategy
}

// NewChain 创建策略链
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// DefaultChain 属性匹配 -> 文本匹配 -> 兜底选择器
func DefaultChain() *Chain {
	return NewChain(AttributeStrategy{}, TextStrategy{}, FallbackStrategy{})
}

// Locate 返回第一个命中的元素; 全部未命中返回 found=false 且 err=nil
// 仅当所有策略都出错或ctx结束时返回错误
func (c *Chain) Locate(ctx context.Context, page crawlers.Page, target Target) (crawlers.Element, bool, error) {
	if strings.TrimSpace(target.Token) == "" {
		return nil, false, fmt.Errorf("定位目标标识为空")
	}

	var errs []error
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		el, found, err := s.Locate(ctx, page, target)
		if err != nil {
			log.Debug().Err(err).Str("strategy", s.Name()).Str("token", target.Token).Msg("定位策略出错,尝试下一个")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if found {
			log.Debug().Str("strategy", s.Name()).Str("token", target.Token).Msg("定位成功")
			return el, true, nil
		}
	}

	if len(c.strategies) > 0 && len(errs) == len(c.strategies) {
		return nil, false, errors.Join(errs...)
	}
	return nil, false, nil
}
