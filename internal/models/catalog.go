package models

import (
	"fmt"
	"strings"
	"time"
)

// CatalogEntry 持久化的目录条目,以 (Domain, NaturalKey) 为唯一键
type CatalogEntry struct {
	Domain        string    `json:"domain"`         // 门户:子目标, 如 data_bundles:mtn
	NaturalKey    string    `json:"natural_key"`    // 套餐ID/学校ID
	DisplayName   string    `json:"display_name"`
	Cost          float64   `json:"cost"`
	RetailPrice   float64   `json:"retail_price"`
	ResellerPrice float64   `json:"reseller_price"`
	Active        bool      `json:"active"`
	RefreshedAt   time.Time `json:"refreshed_at"`
}

// Validate 检查条目不变量: 成本非负,派生价格不低于成本
func (e *CatalogEntry) Validate() error {
	if strings.TrimSpace(e.Domain) == "" {
		return fmt.Errorf("目录域不能为空")
	}
	if strings.TrimSpace(e.NaturalKey) == "" {
		return fmt.Errorf("自然键不能为空 [%s]", e.Domain)
	}
	if e.Cost < 0 {
		return fmt.Errorf("成本不能为负数 [%s/%s]: %.2f", e.Domain, e.NaturalKey, e.Cost)
	}
	if e.RetailPrice < e.Cost {
		return fmt.Errorf("零售价低于成本 [%s/%s]: %.2f < %.2f", e.Domain, e.NaturalKey, e.RetailPrice, e.Cost)
	}
	if e.ResellerPrice < e.Cost {
		return fmt.Errorf("分销价低于成本 [%s/%s]: %.2f < %.2f", e.Domain, e.NaturalKey, e.ResellerPrice, e.Cost)
	}
	return nil
}
