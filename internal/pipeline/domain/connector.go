package domain

import "context"

// CatalogEntry 选择器命中的一条 (商品, SKU, 现行价) 记录
type CatalogEntry struct {
	ProductID string
	SKUID     string
	SKUCode   string
	VariantID *string
	Channel   string
	Price     *PriceSnapshot // 无现行价时为 nil，物化时跳过并记录
}

// CatalogSource 商品目录协作方：按选择器解析出受影响的 SKU 与现行价
type CatalogSource interface {
	Resolve(ctx context.Context, tenantID, projectID string, selector Selector) ([]CatalogEntry, error)
}

// PriceQuote 渠道侧实际价格
type PriceQuote struct {
	Amount   int64
	Currency string
}

// ChannelConnector 外部商务平台适配器，每个平台一个实现。
// 错误须携带 HTTP 状态码或渠道错误码，供 Applier 做可重试/致命分类。
type ChannelConnector interface {
	Code() string
	UpdatePrice(ctx context.Context, skuIdentifier string, amount int64, currency string) error
	GetCurrentPrice(ctx context.Context, skuIdentifier string) (*PriceQuote, error)
}

// ConnectorRegistry 按渠道编码解析连接器
type ConnectorRegistry interface {
	Connector(channel string) (ChannelConnector, error)
}

// ChannelLimiter 渠道限流：外部平台按店铺/账号共享速率预算，应用调用前申请配额
type ChannelLimiter interface {
	// Wait 阻塞直到取得对渠道 key 的调用配额或 ctx 取消
	Wait(ctx context.Context, key string) error
}
