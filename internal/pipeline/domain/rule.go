package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransformKind 价格变换类型
type TransformKind string

const (
	TransformPercent  TransformKind = "percent"  // 百分比调价
	TransformAbsolute TransformKind = "absolute" // 绝对值调价（分）
)

// Transform 价格变换定义，规则保存时校验，物化时直接应用
// Value 对 percent 是百分数（可带小数），对 absolute 是以分为单位的差值
type Transform struct {
	Kind    TransformKind   `json:"kind"`
	Value   decimal.Decimal `json:"value"`
	Floor   *int64          `json:"floor,omitempty"`
	Ceiling *int64          `json:"ceiling,omitempty"`
}

// Validate 校验变换定义的合法性
func (t Transform) Validate() error {
	switch t.Kind {
	case TransformPercent, TransformAbsolute:
	default:
		return fmt.Errorf("unknown transform kind: %q", t.Kind)
	}
	if t.Kind == TransformPercent && t.Value.LessThanOrEqual(decimal.NewFromInt(-100)) {
		return errors.New("percent transform must be greater than -100")
	}
	// 金额以分为单位，绝对值调价不允许带小数
	if t.Kind == TransformAbsolute && !t.Value.IsInteger() {
		return errors.New("absolute transform value must be a whole number of minor units")
	}
	if t.Floor != nil && *t.Floor < 0 {
		return errors.New("floor must not be negative")
	}
	if t.Ceiling != nil && *t.Ceiling < 0 {
		return errors.New("ceiling must not be negative")
	}
	if t.Floor != nil && t.Ceiling != nil && *t.Floor > *t.Ceiling {
		return errors.New("floor must not exceed ceiling")
	}
	return nil
}

// Apply 对以分为单位的价格应用变换，四舍五入（round-half-up）到分，再按上下限收口
func (t Transform) Apply(beforeAmount int64) int64 {
	var after int64
	switch t.Kind {
	case TransformPercent:
		factor := decimal.NewFromInt(1).Add(t.Value.Div(decimal.NewFromInt(100)))
		after = decimal.NewFromInt(beforeAmount).Mul(factor).Round(0).IntPart()
	case TransformAbsolute:
		after = beforeAmount + t.Value.IntPart()
	}
	if t.Floor != nil && after < *t.Floor {
		after = *t.Floor
	}
	if t.Ceiling != nil && after > *t.Ceiling {
		after = *t.Ceiling
	}
	return after
}

// Selector 商品筛选条件，tags/category/SKU 前缀任意组合，全部为空表示不匹配任何商品
type Selector struct {
	Tags       []string `json:"tags,omitempty"`
	SKUPattern string   `json:"sku_pattern,omitempty"`
	Category   string   `json:"category,omitempty"`
}

// IsEmpty 是否为空选择器
func (s Selector) IsEmpty() bool {
	return len(s.Tags) == 0 && s.SKUPattern == "" && s.Category == ""
}

// MatchesSKU 判断 SKU 编码是否满足 SKUPattern（前缀通配，如 "TEE-*"）
func (s Selector) MatchesSKU(skuCode string) bool {
	if s.SKUPattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(s.SKUPattern, "*"); ok {
		return strings.HasPrefix(skuCode, prefix)
	}
	return skuCode == s.SKUPattern
}

// PricingRule 定价规则聚合根，由规则编辑端维护，管道只读
type PricingRule struct {
	gorm.Model
	RuleID      string    `gorm:"column:rule_id;type:varchar(64);uniqueIndex;not null" json:"rule_id"`
	TenantID    string    `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	ProjectID   string    `gorm:"column:project_id;type:varchar(64);index;not null" json:"project_id"`
	Name        string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	Selector    Selector  `gorm:"column:selector;serializer:json;type:text" json:"selector"`
	Transform   Transform `gorm:"column:transform;serializer:json;type:text" json:"transform"`
	Enabled     bool      `gorm:"column:enabled;not null" json:"enabled"`
}

// TableName 表名
func (PricingRule) TableName() string { return "pricing_rules" }
