package domain

import (
	"time"

	"gorm.io/gorm"
)

// ReconciliationReport 对账报告：应用完成后比对外部实际价与意图价，发现漂移
// 只报告，不自动纠正
type ReconciliationReport struct {
	gorm.Model
	ReportID     string    `gorm:"column:report_id;type:varchar(64);uniqueIndex;not null" json:"report_id"`
	RunID        string    `gorm:"column:run_id;type:varchar(64);index;not null" json:"run_id"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	TotalChecked int       `gorm:"column:total_checked;not null" json:"total_checked"`
	Mismatches   int       `gorm:"column:mismatches;not null" json:"mismatches"`
	CheckedAt    time.Time `gorm:"column:checked_at;not null" json:"checked_at"`

	Details []PriceMismatch `gorm:"foreignKey:ReportID;references:ReportID" json:"details,omitempty"`
}

// TableName 表名
func (ReconciliationReport) TableName() string { return "reconciliation_reports" }

// PriceMismatch 单个目标的价格漂移明细
type PriceMismatch struct {
	gorm.Model
	ReportID       string `gorm:"column:report_id;type:varchar(64);index;not null" json:"report_id"`
	TargetID       string `gorm:"column:target_id;type:varchar(64);index;not null" json:"target_id"`
	SKUID          string `gorm:"column:sku_id;type:varchar(64);not null" json:"sku_id"`
	IntendedAmount int64  `gorm:"column:intended_amount;not null" json:"intended_amount"`
	LiveAmount     int64  `gorm:"column:live_amount;not null" json:"live_amount"`
	Currency       string `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	LiveCurrency   string `gorm:"column:live_currency;type:varchar(3);not null" json:"live_currency"`
	Detail         string `gorm:"column:detail;type:varchar(255)" json:"detail"`
}

// TableName 表名
func (PriceMismatch) TableName() string { return "price_mismatches" }
