package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Webhook channel names, also used as metric labels.
const (
	ChannelWeCom    = "wecom"
	ChannelDingTalk = "dingtalk"
	ChannelGeneric  = "webhook"
	ChannelWebPush  = "webpush"
)

const webhookTimeout = 10 * time.Second

// WebhookSender posts alert notifications to IM bots and generic endpoints.
// The channel is detected from the URL: qyapi.weixin.qq.com is WeCom,
// oapi.dingtalk.com is DingTalk, anything else gets the generic JSON body.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a sender with the default 10 s request timeout.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: webhookTimeout}}
}

// DetectChannel classifies a webhook URL.
func DetectChannel(url string) string {
	switch {
	case strings.Contains(url, "qyapi.weixin.qq.com"):
		return ChannelWeCom
	case strings.Contains(url, "oapi.dingtalk.com"):
		return ChannelDingTalk
	default:
		return ChannelGeneric
	}
}

// WebhookPayload carries the alert fields the outbound bodies are built from.
type WebhookPayload struct {
	AlertType   string
	StockCode   string
	StockName   string
	TriggerData map[string]any
	TriggerTime time.Time
	Message     string
}

// Send posts the alert to url using the channel-appropriate body and
// success criterion.
func (s *WebhookSender) Send(ctx context.Context, url string, p WebhookPayload) error {
	channel := DetectChannel(url)

	var body any
	switch channel {
	case ChannelWeCom, ChannelDingTalk:
		// Both bot APIs share the text message shape.
		body = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": p.Message},
		}
	default:
		body = map[string]any{
			"alertType":   p.AlertType,
			"stockCode":   p.StockCode,
			"stockName":   p.StockName,
			"triggerData": p.TriggerData,
			"timestamp":   p.TriggerTime.Format(time.RFC3339),
			"message":     p.Message,
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch channel {
	case ChannelWeCom, ChannelDingTalk:
		// Bot APIs return 200 with an errcode body; only errcode 0 is success.
		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode %s response: %w", channel, err)
		}
		if result.ErrCode != 0 {
			return fmt.Errorf("%s rejected message: errcode=%d errmsg=%s", channel, result.ErrCode, result.ErrMsg)
		}
		return nil
	default:
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
}
