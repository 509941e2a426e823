// Package channel 实现各外部商务平台的价格连接器
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// ShopifyConnector Shopify 渠道连接器
type ShopifyConnector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewShopifyConnector 创建 Shopify 连接器
func NewShopifyConnector(endpoint, token string, timeout time.Duration) *ShopifyConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ShopifyConnector{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Code 渠道编码
func (c *ShopifyConnector) Code() string { return "shopify" }

type shopifyPriceBody struct {
	SKU      string `json:"sku"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type shopifyErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdatePrice 调用 Shopify 价格更新接口。非 2xx 响应转换为 ChannelError，
// 429/5xx 可重试，其余 4xx 致命。
func (c *ShopifyConnector) UpdatePrice(ctx context.Context, skuIdentifier string, amount int64, currency string) error {
	body, err := json.Marshal(shopifyPriceBody{SKU: skuIdentifier, Amount: amount, Currency: currency})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/variants/%s/price", c.endpoint, skuIdentifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewChannelError(c.Code(), 0, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return c.asChannelError(resp)
}

// GetCurrentPrice 读取渠道现行价，对账用
func (c *ShopifyConnector) GetCurrentPrice(ctx context.Context, skuIdentifier string) (*domain.PriceQuote, error) {
	url := fmt.Sprintf("%s/variants/%s/price", c.endpoint, skuIdentifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewChannelError(c.Code(), 0, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.asChannelError(resp)
	}

	var quote shopifyPriceBody
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode shopify price response: %w", err)
	}
	return &domain.PriceQuote{Amount: quote.Amount, Currency: quote.Currency}, nil
}

func (c *ShopifyConnector) asChannelError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body shopifyErrorBody
	message := string(data)
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		message = body.Message
	}
	return domain.NewChannelError(c.Code(), resp.StatusCode, body.Code, message)
}
