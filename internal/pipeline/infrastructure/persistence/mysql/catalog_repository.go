package mysql

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// Product 商品持久化模型
type Product struct {
	gorm.Model
	ProductID string `gorm:"column:product_id;type:varchar(64);uniqueIndex;not null"`
	TenantID  string `gorm:"column:tenant_id;type:varchar(64);index;not null"`
	ProjectID string `gorm:"column:project_id;type:varchar(64);index;not null"`
	Title     string `gorm:"column:title;type:varchar(255);not null"`
	Category  string `gorm:"column:category;type:varchar(100);index"`
	// 逗号分隔标签，如 ",summer,sale,"，首尾逗号便于 LIKE 精确命中
	Tags string `gorm:"column:tags;type:varchar(512)"`
}

// TableName 表名
func (Product) TableName() string { return "products" }

// SKU SKU 持久化模型
type SKU struct {
	gorm.Model
	SKUID     string  `gorm:"column:sku_id;type:varchar(64);uniqueIndex;not null"`
	ProductID string  `gorm:"column:product_id;type:varchar(64);index;not null"`
	SKUCode   string  `gorm:"column:sku_code;type:varchar(128);index;not null"`
	VariantID *string `gorm:"column:variant_id;type:varchar(64)"`
}

// TableName 表名
func (SKU) TableName() string { return "skus" }

// Price 渠道现行价持久化模型，金额为最小货币单位（分）
type Price struct {
	gorm.Model
	SKUID    string `gorm:"column:sku_id;type:varchar(64);index;not null"`
	Channel  string `gorm:"column:channel;type:varchar(32);index;not null"`
	Currency string `gorm:"column:currency;type:varchar(3);not null"`
	Amount   int64  `gorm:"column:amount;not null"`
	Active   bool   `gorm:"column:active;not null"`
}

// TableName 表名
func (Price) TableName() string { return "prices" }

// NormalizeTags 将标签列表编码为可 LIKE 命中的存储形式
func NormalizeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

// CatalogRepo 商品目录协作方的关系库实现：按选择器解析 (商品, SKU, 现行价)
type CatalogRepo struct {
	db *gorm.DB
}

// NewCatalogRepo 创建目录仓储
func NewCatalogRepo(db *gorm.DB) domain.CatalogSource {
	return &CatalogRepo{db: db}
}

// Resolve 解析选择器。tags/category 走 SQL 过滤，SKU 模式在内存中匹配；
// 命中 SKU 但无现行价时仍返回条目（Price 为 nil），由物化侧跳过并记录。
func (r *CatalogRepo) Resolve(ctx context.Context, tenantID, projectID string, selector domain.Selector) ([]domain.CatalogEntry, error) {
	if selector.IsEmpty() {
		return nil, nil
	}

	query := dbFrom(ctx, r.db).Model(&Product{}).
		Where("tenant_id = ? AND project_id = ?", tenantID, projectID)
	if selector.Category != "" {
		query = query.Where("category = ?", selector.Category)
	}
	for _, tag := range selector.Tags {
		query = query.Where("tags LIKE ?", "%,"+tag+",%")
	}

	var products []Product
	if err := query.Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, nil
	}

	productIDs := make([]string, 0, len(products))
	for _, p := range products {
		productIDs = append(productIDs, p.ProductID)
	}

	var skus []SKU
	if err := dbFrom(ctx, r.db).Where("product_id IN ?", productIDs).Find(&skus).Error; err != nil {
		return nil, err
	}

	entries := make([]domain.CatalogEntry, 0, len(skus))
	for _, sku := range skus {
		if !selector.MatchesSKU(sku.SKUCode) {
			continue
		}

		var prices []Price
		if err := dbFrom(ctx, r.db).
			Where("sku_id = ? AND active = ?", sku.SKUID, true).
			Find(&prices).Error; err != nil {
			return nil, err
		}

		if len(prices) == 0 {
			entries = append(entries, domain.CatalogEntry{
				ProductID: sku.ProductID,
				SKUID:     sku.SKUID,
				SKUCode:   sku.SKUCode,
				VariantID: sku.VariantID,
			})
			continue
		}
		for _, price := range prices {
			entries = append(entries, domain.CatalogEntry{
				ProductID: sku.ProductID,
				SKUID:     sku.SKUID,
				SKUCode:   sku.SKUCode,
				VariantID: sku.VariantID,
				Channel:   price.Channel,
				Price: &domain.PriceSnapshot{
					Currency: price.Currency,
					Amount:   price.Amount,
				},
			})
		}
	}
	return entries, nil
}
