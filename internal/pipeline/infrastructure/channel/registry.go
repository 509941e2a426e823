package channel

import (
	"fmt"

	"github.com/pricepilot/pricepilot/internal/pipeline/domain"
)

// Registry 按渠道编码解析连接器
type Registry struct {
	connectors map[string]domain.ChannelConnector
}

// NewRegistry 创建连接器注册表
func NewRegistry(connectors ...domain.ChannelConnector) *Registry {
	m := make(map[string]domain.ChannelConnector, len(connectors))
	for _, c := range connectors {
		m[c.Code()] = c
	}
	return &Registry{connectors: m}
}

// Connector 解析渠道连接器，未注册的渠道视为致命错误（目标立即 FAILED）
func (r *Registry) Connector(channel string) (domain.ChannelConnector, error) {
	c, ok := r.connectors[channel]
	if !ok {
		return nil, fmt.Errorf("no connector registered for channel %q", channel)
	}
	return c, nil
}
