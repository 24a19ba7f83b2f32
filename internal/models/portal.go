package models

import (
	"fmt"
	"strings"
	"time"
)

// DriverKind 会话驱动类型
type DriverKind string

const (
	DriverDynamic DriverKind = "dynamic" // go-rod驱动的Chromium
	DriverStatic  DriverKind = "static"  // colly抓取 + goquery解析
)

// PortalConfig 单个门户的抓取配置
type PortalConfig struct {
	Name               string   `mapstructure:"name" json:"name"`                               // 门户名称,同时作为目录域前缀
	EntryURL           string   `mapstructure:"entry_url" json:"entry_url"`                     // 入口页面
	SubTargets         []string `mapstructure:"sub_targets" json:"sub_targets"`                 // 子目标(网络/州)
	CandidateSelectors []string `mapstructure:"candidate_selectors" json:"candidate_selectors"` // 入口控件候选选择器
	ContainerSelectors []string `mapstructure:"container_selectors" json:"container_selectors"` // 记录容器选择器
	FallbackSelectors  []string `mapstructure:"fallback_selectors" json:"fallback_selectors"`   // 兜底选择器, {token} 会被替换
	PlaceholderWords   []string `mapstructure:"placeholder_words" json:"placeholder_words"`     // 占位项关键字
	DefaultAmount      *float64 `mapstructure:"default_amount" json:"default_amount,omitempty"` // 文本无金额时的默认成本
	Parallel           bool     `mapstructure:"parallel" json:"parallel"`                       // 子目标并行处理
}

// Validate 验证门户配置
func (p *PortalConfig) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("门户名称不能为空")
	}
	if err := ValidateURL(p.EntryURL); err != nil {
		return fmt.Errorf("门户 %s 入口URL无效: %w", p.Name, err)
	}
	if len(p.SubTargets) == 0 {
		return fmt.Errorf("门户 %s 至少需要一个子目标", p.Name)
	}
	if len(p.ContainerSelectors) == 0 {
		return fmt.Errorf("门户 %s 未配置记录容器选择器", p.Name)
	}
	if p.DefaultAmount != nil && *p.DefaultAmount < 0 {
		return fmt.Errorf("门户 %s 默认金额不能为负数", p.Name)
	}
	return nil
}

// PricingConfig 定价倍率配置
type PricingConfig struct {
	RetailMultiplier   float64 `mapstructure:"retail_multiplier" json:"retail_multiplier"`
	ResellerMultiplier float64 `mapstructure:"reseller_multiplier" json:"reseller_multiplier"`
}

// Validate 验证倍率,必须为正数
func (c PricingConfig) Validate() error {
	if c.RetailMultiplier <= 0 {
		return fmt.Errorf("零售倍率必须大于0")
	}
	if c.ResellerMultiplier <= 0 {
		return fmt.Errorf("分销倍率必须大于0")
	}
	return nil
}

// TimeoutConfig 导航与等待的超时配置
type TimeoutConfig struct {
	Navigation   time.Duration `mapstructure:"navigation" json:"navigation"`
	Settle       time.Duration `mapstructure:"settle" json:"settle"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}

// Validate 验证超时,不允许无界等待
func (c TimeoutConfig) Validate() error {
	if c.Navigation <= 0 {
		return fmt.Errorf("导航超时必须大于0")
	}
	if c.Settle <= 0 {
		return fmt.Errorf("内容稳定等待超时必须大于0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("轮询间隔必须大于0")
	}
	return nil
}
