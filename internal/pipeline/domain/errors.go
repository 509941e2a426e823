package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// 调用方可判定的哨兵错误
var (
	ErrRuleNotFound   = errors.New("pricing rule not found")
	ErrRuleDisabled   = errors.New("pricing rule is disabled")
	ErrRunNotFound    = errors.New("rule run not found")
	ErrTargetNotFound = errors.New("rule target not found")
	ErrInvalidState   = errors.New("operation not allowed in current state")
)

// ChannelError 外部渠道调用错误，携带足够信息供 Applier 做可重试/致命分类
type ChannelError struct {
	Channel    string // 渠道编码，如 shopify / amazon
	StatusCode int    // HTTP 状态码，网络错误时为 0
	Code       string // 渠道侧错误码，可为空
	Message    string
	Retryable  bool
}

func (e *ChannelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("channel %s: %s (status=%d code=%s)", e.Channel, e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("channel %s: %s", e.Channel, e.Message)
}

// NewChannelError 按 HTTP 状态码分类渠道错误：
// 429 与 5xx 可重试，其余 4xx 致命；状态码为 0 视为网络瞬断，可重试。
func NewChannelError(channel string, statusCode int, code, message string) *ChannelError {
	retryable := statusCode == 0 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= http.StatusInternalServerError
	return &ChannelError{
		Channel:    channel,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
	}
}

// IsRetryableChannelError 是否为可重试的渠道错误
func IsRetryableChannelError(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce) && ce.Retryable
}
