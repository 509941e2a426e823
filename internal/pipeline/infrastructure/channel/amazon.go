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

// AmazonConnector Amazon 渠道连接器（SP-API 风格的价格 feed 接口）
type AmazonConnector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewAmazonConnector 创建 Amazon 连接器
func NewAmazonConnector(endpoint, token string, timeout time.Duration) *AmazonConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AmazonConnector{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Code 渠道编码
func (c *AmazonConnector) Code() string { return "amazon" }

type amazonListing struct {
	SKU          string `json:"sku"`
	PriceAmount  int64  `json:"price_amount"`
	CurrencyCode string `json:"currency_code"`
}

type amazonError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdatePrice 更新 listing 价格
func (c *AmazonConnector) UpdatePrice(ctx context.Context, skuIdentifier string, amount int64, currency string) error {
	body, err := json.Marshal(amazonListing{SKU: skuIdentifier, PriceAmount: amount, CurrencyCode: currency})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/listings/%s/price", c.endpoint, skuIdentifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

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

// GetCurrentPrice 读取 listing 现行价
func (c *AmazonConnector) GetCurrentPrice(ctx context.Context, skuIdentifier string) (*domain.PriceQuote, error) {
	url := fmt.Sprintf("%s/listings/%s/price", c.endpoint, skuIdentifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewChannelError(c.Code(), 0, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.asChannelError(resp)
	}

	var listing amazonListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode amazon listing response: %w", err)
	}
	return &domain.PriceQuote{Amount: listing.PriceAmount, Currency: listing.CurrencyCode}, nil
}

func (c *AmazonConnector) asChannelError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body amazonError
	message := string(data)
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		message = body.Message
	}
	return domain.NewChannelError(c.Code(), resp.StatusCode, body.Code, message)
}
