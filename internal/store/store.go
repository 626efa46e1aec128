// Package store defines the persistence interfaces the gateway consumes.
// Real deployments back these with a database; the in-memory implementation
// serves tests and single-node setups.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stockwatch-io/gateway/internal/rules"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrInvalidWatched = errors.New("store: costPrice and quantity must both be set and positive, or both absent")
)

// WatchedStock is one entry on a user's watchlist.
type WatchedStock struct {
	ID        int64
	UserID    string
	TSCode    string
	StockName string
	GroupID   *int64
	CostPrice *float64
	Quantity  *float64
	Monitored bool
	AddedAt   time.Time
}

// StockGroup is a user-defined watchlist grouping. Deleting a group nulls
// the members' GroupID; it never cascades.
type StockGroup struct {
	ID     int64
	UserID string
	Name   string
}

// MonitorRule is a persisted alert rule. Config is the per-type JSON blob,
// validated by rules.ParseConfig at the boundary.
type MonitorRule struct {
	ID       int64
	UserID   string
	RuleType rules.RuleType
	RuleName string
	Enabled  bool
	Config   json.RawMessage
}

// StockRuleAssociation scopes a rule to one watched stock. A rule applies
// iff rule.Enabled, association.Enabled and watchedStock.Monitored all hold.
type StockRuleAssociation struct {
	ID             int64
	UserID         string
	WatchedStockID int64
	RuleID         int64
	Enabled        bool
}

// AlertRecord is one persisted alert, written exactly once per OPEN
// transition that reaches the dispatcher.
type AlertRecord struct {
	ID          int64
	UserID      string
	TSCode      string
	StockName   string
	RuleID      *int64
	AlertType   string
	TriggerTime time.Time
	TriggerData map[string]any
	Read        bool
	Notified    bool
	CreatedAt   time.Time
}

// PushSubscription matches the standard Web Push subscription object.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// NotificationSettings holds a user's outbound channels. At most one record
// per user; absence means all channels disabled.
type NotificationSettings struct {
	UserID             string
	WebhookURL         string
	WebhookEnabled     bool
	PushSubscription   *PushSubscription
	BrowserPushEnabled bool
	QuietHoursStart    string
	QuietHoursEnd      string
}

// RuleStore manages monitor rules.
type RuleStore interface {
	CreateRule(r MonitorRule) (int64, error)
	RulesFor(userID string) ([]MonitorRule, error)
	// SetEnabledMany toggles every rule in ids owned by userID and returns
	// the number of rules affected.
	SetEnabledMany(userID string, ids []int64, enabled bool) (int, error)
	DeleteRule(userID string, id int64) error
}

// WatchlistStore manages watched stocks and groups.
type WatchlistStore interface {
	AddWatched(w WatchedStock) (int64, error)
	WatchedFor(userID string) ([]WatchedStock, error)
	// MonitoredWatched returns every monitored watchlist entry across all
	// users; the scheduled replay path iterates this.
	MonitoredWatched() ([]WatchedStock, error)
	SetMonitored(userID string, id int64, monitored bool) error
	RemoveWatched(userID string, id int64) error
	CreateGroup(g StockGroup) (int64, error)
	// DeleteGroup removes the group and nulls GroupID on its members.
	DeleteGroup(userID string, groupID int64) error
}

// AssociationStore scopes rules to watched stocks.
type AssociationStore interface {
	Associate(a StockRuleAssociation) (int64, error)
	SetAssociationEnabled(userID string, id int64, enabled bool) error
	// ActiveRulesFor returns the rules that currently apply to (user, code):
	// association exists, rule enabled, association enabled, stock monitored.
	ActiveRulesFor(userID, tsCode string) ([]MonitorRule, error)
}

// AlertStore persists alert records.
type AlertStore interface {
	// InsertAlert returns the new record's primary key; MarkNotified must
	// be called with exactly that key.
	InsertAlert(a AlertRecord) (int64, error)
	MarkNotified(id int64) error
	MarkRead(userID string, id int64) error
	AlertsFor(userID string, limit int) ([]AlertRecord, error)
}

// SettingsStore manages per-user notification settings.
type SettingsStore interface {
	// SettingsFor returns nil (no error) when the user has no record.
	SettingsFor(userID string) (*NotificationSettings, error)
	SaveSettings(s NotificationSettings) error
	// MarkPushExpired clears an invalidated push subscription after a
	// 410-style response.
	MarkPushExpired(userID string) error
}

// Store is the full persistence surface the gateway needs.
type Store interface {
	RuleStore
	WatchlistStore
	AssociationStore
	AlertStore
	SettingsStore
}
