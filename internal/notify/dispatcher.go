package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/store"
)

// Alert is one OPEN transition handed to the dispatcher by the server-side
// replay path.
type Alert struct {
	UserID      string
	TSCode      string
	StockName   string
	RuleID      *int64
	AlertType   string
	TriggerTime time.Time
	TriggerData map[string]any
}

// Dispatcher persists an alert record and fans it out to the user's
// configured channels. The record is inserted before any outbound work so
// the UI sees the alert even when every channel fails; notified is updated
// by the primary key the insert returned, once at least one channel
// succeeded.
type Dispatcher struct {
	alerts   store.AlertStore
	settings store.SettingsStore
	webhook  *WebhookSender
	webpush  *WebPushSender // nil when no VAPID identity configured
	cooldown *Cooldown
	logger   zerolog.Logger
}

// NewDispatcher wires the dispatcher. webpush may be nil.
func NewDispatcher(alerts store.AlertStore, settings store.SettingsStore, webhook *WebhookSender, webpush *WebPushSender, cooldown *Cooldown, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		alerts:   alerts,
		settings: settings,
		webhook:  webhook,
		webpush:  webpush,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch handles one alert OPEN. Persistence failure aborts the outbound
// fanout; channel failures are logged per channel and never retried within
// this invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) error {
	id, err := d.alerts.InsertAlert(store.AlertRecord{
		UserID:      a.UserID,
		TSCode:      a.TSCode,
		StockName:   a.StockName,
		RuleID:      a.RuleID,
		AlertType:   a.AlertType,
		TriggerTime: a.TriggerTime,
		TriggerData: a.TriggerData,
	})
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("user_id", a.UserID).
			Str("ts_code", a.TSCode).
			Str("alert_type", a.AlertType).
			Msg("Failed to persist alert record")
		return fmt.Errorf("insert alert: %w", err)
	}

	if !d.cooldown.Ready(a.UserID, a.TSCode, a.AlertType) {
		d.logger.Debug().
			Str("user_id", a.UserID).
			Str("ts_code", a.TSCode).
			Str("alert_type", a.AlertType).
			Msg("Notification suppressed by cooldown")
		return nil
	}

	settings, err := d.settings.SettingsFor(a.UserID)
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", a.UserID).Msg("Failed to load notification settings")
		return nil
	}
	if settings == nil {
		// No settings record means all channels disabled.
		return nil
	}

	delivered := false

	if settings.WebhookEnabled && settings.WebhookURL != "" {
		channel := DetectChannel(settings.WebhookURL)
		err := d.webhook.Send(ctx, settings.WebhookURL, WebhookPayload{
			AlertType:   a.AlertType,
			StockCode:   a.TSCode,
			StockName:   a.StockName,
			TriggerData: a.TriggerData,
			TriggerTime: a.TriggerTime,
			Message:     FormatMessage(a),
		})
		if err != nil {
			monitoring.NotificationsFailed.WithLabelValues(channel).Inc()
			d.logger.Warn().
				Err(err).
				Str("user_id", a.UserID).
				Str("ts_code", a.TSCode).
				Str("channel", channel).
				Msg("Webhook notification failed")
		} else {
			monitoring.NotificationsSent.WithLabelValues(channel).Inc()
			delivered = true
		}
	}

	if settings.BrowserPushEnabled && settings.PushSubscription != nil && d.webpush != nil {
		err := d.webpush.Send(settings.PushSubscription, WebPushPayload{
			Title: fmt.Sprintf("%s (%s)", a.StockName, a.TSCode),
			Body:  FormatMessage(a),
			Tag:   fmt.Sprintf("%s-%s", a.TSCode, a.AlertType),
			Data: WebPushData{
				AlertType:   a.AlertType,
				StockCode:   a.TSCode,
				StockName:   a.StockName,
				TriggerData: a.TriggerData,
				URL:         "/alerts",
			},
		})
		switch {
		case errors.Is(err, ErrSubscriptionExpired):
			monitoring.NotificationsFailed.WithLabelValues(ChannelWebPush).Inc()
			d.logger.Info().Str("user_id", a.UserID).Msg("Push subscription expired, clearing")
			if err := d.settings.MarkPushExpired(a.UserID); err != nil {
				d.logger.Warn().Err(err).Str("user_id", a.UserID).Msg("Failed to clear expired push subscription")
			}
		case err != nil:
			monitoring.NotificationsFailed.WithLabelValues(ChannelWebPush).Inc()
			d.logger.Warn().
				Err(err).
				Str("user_id", a.UserID).
				Str("ts_code", a.TSCode).
				Msg("Web push notification failed")
		default:
			monitoring.NotificationsSent.WithLabelValues(ChannelWebPush).Inc()
			delivered = true
		}
	}

	if delivered {
		// The window starts only once something went out; a fully failed
		// fanout leaves the next alert free to retry immediately.
		d.cooldown.Record(a.UserID, a.TSCode, a.AlertType)
		if err := d.alerts.MarkNotified(id); err != nil {
			d.logger.Error().Err(err).Int64("alert_id", id).Msg("Failed to mark alert notified")
		}
	}

	return nil
}

// FormatMessage renders the human-readable text shared by the IM and push
// channels.
func FormatMessage(a Alert) string {
	base := fmt.Sprintf("[StockWatch] %s (%s) %s", a.StockName, a.TSCode, describeAlert(a.AlertType))
	if pct, ok := a.TriggerData["changePercent"].(float64); ok {
		base += fmt.Sprintf(", change %.2f%%", pct)
	}
	if price, ok := a.TriggerData["currentPrice"].(float64); ok {
		base += fmt.Sprintf(", price %.2f", price)
	}
	return base + " @ " + a.TriggerTime.In(ExchangeLocation()).Format("15:04:05")
}

func describeAlert(alertType string) string {
	switch alertType {
	case "price_change":
		return "price change alert"
	case "volume_spike":
		return "volume spike alert"
	case "limit_up":
		return "approaching limit up"
	case "limit_down":
		return "approaching limit down"
	case "price_breakout":
		return "price breakout alert"
	default:
		return alertType + " alert"
	}
}
