package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// RuleRepo 规则仓储的 GORM 实现（管道侧只读）
type RuleRepo struct {
	db *gorm.DB
}

// NewRuleRepo 创建规则仓储
func NewRuleRepo(db *gorm.DB) domain.RuleRepository {
	return &RuleRepo{db: db}
}

func (r *RuleRepo) Get(ctx context.Context, ruleID string) (*domain.PricingRule, error) {
	var rule domain.PricingRule
	err := dbFrom(ctx, r.db).Where("rule_id = ?", ruleID).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
