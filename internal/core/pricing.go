package core

import (
	"fmt"
	"math"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// Pricer 按配置倍率派生价格档位
type Pricer struct {
	retail   float64
	reseller float64
}

// NewPricer 创建定价器, 倍率必须为正
func NewPricer(cfg models.PricingConfig) (*Pricer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pricer{retail: cfg.RetailMultiplier, reseller: cfg.ResellerMultiplier}, nil
}

// priceEpsilon 吸收乘法的浮点误差, 远小于任何真实的分位差额
const priceEpsilon = 1e-9

// Derive 向上取整的 cost*multiplier, 不低于成本
func Derive(cost, multiplier float64) float64 {
	// 150*1.4=210.00000000000003 不进位到 211, 但 210.0015 必须进位
	v := math.Ceil(cost*multiplier - priceEpsilon)
	v = math.Max(v, math.Ceil(cost-priceEpsilon))
	// 零成本时 Ceil(-epsilon) 为 -0
	return math.Max(v, 0)
}

// Normalize 将抽取记录转换为目录条目
// 未解析金额的记录返回错误, 调用方应在此之前已将其丢弃
func (p *Pricer) Normalize(rec models.ExtractionRecord, domain string, now time.Time) (models.CatalogEntry, error) {
	cost, ok := rec.Amount()
	if !ok {
		return models.CatalogEntry{}, fmt.Errorf("记录金额未解析: %q", rec.RawText)
	}

	entry := models.CatalogEntry{
		Domain:        domain,
		NaturalKey:    rec.DedupKey,
		DisplayName:   rec.RawText,
		Cost:          cost,
		RetailPrice:   Derive(cost, p.retail),
		ResellerPrice: Derive(cost, p.reseller),
		Active:        true,
		RefreshedAt:   now,
	}
	if err := entry.Validate(); err != nil {
		return models.CatalogEntry{}, err
	}
	return entry, nil
}
