package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/stockwatch-io/gateway/internal/store"
)

// ErrSubscriptionExpired signals a 410-style response; the caller should
// clear the stored subscription.
var ErrSubscriptionExpired = errors.New("notify: push subscription expired")

const (
	webPushTTLSeconds = 300
	webPushTimeout    = 10 * time.Second
)

// WebPushSender delivers browser push notifications with VAPID identity.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subject    string
	client     *http.Client
}

// WebPushConfig holds the VAPID identity.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// NewWebPushSender creates a sender; returns nil when no key pair is
// configured (push disabled for this deployment).
func NewWebPushSender(cfg WebPushConfig) *WebPushSender {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil
	}
	return &WebPushSender{
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		subject:    cfg.Subject,
		client:     &http.Client{Timeout: webPushTimeout},
	}
}

// WebPushPayload is the notification body the service worker displays.
type WebPushPayload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag"`
	RequireInteraction bool           `json:"requireInteraction"`
	Data               WebPushData    `json:"data"`
}

// WebPushData rides along for the click handler.
type WebPushData struct {
	AlertType   string         `json:"alertType"`
	StockCode   string         `json:"stockCode"`
	StockName   string         `json:"stockName"`
	TriggerData map[string]any `json:"triggerData"`
	URL         string         `json:"url"`
}

// Send pushes the payload to one subscription. Returns
// ErrSubscriptionExpired on gone-style responses.
func (s *WebPushSender) Send(sub *store.PushSubscription, payload WebPushPayload) error {
	payload.RequireInteraction = true

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotification(body, target, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             webPushTTLSeconds,
	})
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}
