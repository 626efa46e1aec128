package store

import (
	"encoding/json"
	"testing"

	"github.com/stockwatch-io/gateway/internal/rules"
)

func addWatched(t *testing.T, s *MemoryStore, userID, tsCode string, monitored bool) int64 {
	t.Helper()
	id, err := s.AddWatched(WatchedStock{UserID: userID, TSCode: tsCode, Monitored: monitored})
	if err != nil {
		t.Fatalf("AddWatched: %v", err)
	}
	return id
}

func addRule(t *testing.T, s *MemoryStore, userID string, enabled bool) int64 {
	t.Helper()
	id, err := s.CreateRule(MonitorRule{
		UserID:   userID,
		RuleType: rules.RulePriceChange,
		RuleName: "pct",
		Enabled:  enabled,
		Config:   json.RawMessage(`{"threshold":5}`),
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return id
}

func TestAddWatchedValidatesCostFields(t *testing.T) {
	s := NewMemoryStore()
	cost := 10.5
	qty := 100.0
	zero := 0.0

	if _, err := s.AddWatched(WatchedStock{UserID: "u1", TSCode: "600519.SH", CostPrice: &cost}); err != ErrInvalidWatched {
		t.Errorf("costPrice without quantity: err = %v, want ErrInvalidWatched", err)
	}
	if _, err := s.AddWatched(WatchedStock{UserID: "u1", TSCode: "600519.SH", CostPrice: &cost, Quantity: &zero}); err != ErrInvalidWatched {
		t.Errorf("zero quantity: err = %v, want ErrInvalidWatched", err)
	}
	if _, err := s.AddWatched(WatchedStock{UserID: "u1", TSCode: "600519.SH", CostPrice: &cost, Quantity: &qty}); err != nil {
		t.Errorf("both set: err = %v, want nil", err)
	}
	if _, err := s.AddWatched(WatchedStock{UserID: "u1", TSCode: "000001.SZ"}); err != nil {
		t.Errorf("both absent: err = %v, want nil", err)
	}
}

func TestSetEnabledManyAffectsAllOwned(t *testing.T) {
	s := NewMemoryStore()
	id1 := addRule(t, s, "u1", true)
	id2 := addRule(t, s, "u1", true)
	other := addRule(t, s, "u2", true)

	affected, err := s.SetEnabledMany("u1", []int64{id1, id2, other, 9999}, false)
	if err != nil {
		t.Fatalf("SetEnabledMany: %v", err)
	}
	if affected != 2 {
		t.Errorf("affected = %d, want 2 (foreign and missing ids skipped)", affected)
	}

	mine, _ := s.RulesFor("u1")
	for _, r := range mine {
		if r.Enabled {
			t.Errorf("rule %d still enabled", r.ID)
		}
	}
	theirs, _ := s.RulesFor("u2")
	if len(theirs) != 1 || !theirs[0].Enabled {
		t.Error("other user's rule should be untouched")
	}
}

func TestActiveRulesForGates(t *testing.T) {
	s := NewMemoryStore()
	watchedID := addWatched(t, s, "u1", "600519.SH", true)
	ruleID := addRule(t, s, "u1", true)
	assocID, err := s.Associate(StockRuleAssociation{
		UserID:         "u1",
		WatchedStockID: watchedID,
		RuleID:         ruleID,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}

	active, _ := s.ActiveRulesFor("u1", "600519.SH")
	if len(active) != 1 || active[0].ID != ruleID {
		t.Fatalf("active = %v, want the associated rule", active)
	}

	// Gate 1: rule disabled.
	s.SetEnabledMany("u1", []int64{ruleID}, false)
	if active, _ := s.ActiveRulesFor("u1", "600519.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none with rule disabled", active)
	}
	s.SetEnabledMany("u1", []int64{ruleID}, true)

	// Gate 2: association disabled.
	s.SetAssociationEnabled("u1", assocID, false)
	if active, _ := s.ActiveRulesFor("u1", "600519.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none with association disabled", active)
	}
	s.SetAssociationEnabled("u1", assocID, true)

	// Gate 3: stock not monitored.
	s.SetMonitored("u1", watchedID, false)
	if active, _ := s.ActiveRulesFor("u1", "600519.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none with stock unmonitored", active)
	}

	// No watchlist entry at all.
	if active, _ := s.ActiveRulesFor("u1", "999999.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none for unknown stock", active)
	}
}

func TestAssociateIdempotent(t *testing.T) {
	s := NewMemoryStore()
	watchedID := addWatched(t, s, "u1", "600519.SH", true)
	ruleID := addRule(t, s, "u1", true)

	a1, _ := s.Associate(StockRuleAssociation{UserID: "u1", WatchedStockID: watchedID, RuleID: ruleID, Enabled: true})
	a2, _ := s.Associate(StockRuleAssociation{UserID: "u1", WatchedStockID: watchedID, RuleID: ruleID, Enabled: false})
	if a1 != a2 {
		t.Errorf("ids %d != %d, want re-associate to reuse the row", a1, a2)
	}

	// The re-associate updated the enabled flag.
	if active, _ := s.ActiveRulesFor("u1", "600519.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none after disabling via re-associate", active)
	}
}

func TestAssociateRequiresBothSides(t *testing.T) {
	s := NewMemoryStore()
	watchedID := addWatched(t, s, "u1", "600519.SH", true)

	if _, err := s.Associate(StockRuleAssociation{UserID: "u1", WatchedStockID: watchedID, RuleID: 9999}); err != ErrNotFound {
		t.Errorf("missing rule: err = %v, want ErrNotFound", err)
	}
	if _, err := s.Associate(StockRuleAssociation{UserID: "u1", WatchedStockID: 9999, RuleID: 1}); err != ErrNotFound {
		t.Errorf("missing watched stock: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteGroupNullsMembers(t *testing.T) {
	s := NewMemoryStore()
	groupID, _ := s.CreateGroup(StockGroup{UserID: "u1", Name: "banks"})
	wID, _ := s.AddWatched(WatchedStock{UserID: "u1", TSCode: "600036.SH", GroupID: &groupID})

	if err := s.DeleteGroup("u1", groupID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}

	watched, _ := s.WatchedFor("u1")
	if len(watched) != 1 {
		t.Fatalf("watched = %d entries, want 1 (member survives)", len(watched))
	}
	if watched[0].ID != wID || watched[0].GroupID != nil {
		t.Errorf("member = %+v, want GroupID nulled", watched[0])
	}
}

func TestDeleteRuleCascadesAssociations(t *testing.T) {
	s := NewMemoryStore()
	watchedID := addWatched(t, s, "u1", "600519.SH", true)
	ruleID := addRule(t, s, "u1", true)
	s.Associate(StockRuleAssociation{UserID: "u1", WatchedStockID: watchedID, RuleID: ruleID, Enabled: true})

	if err := s.DeleteRule("u1", ruleID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if active, _ := s.ActiveRulesFor("u1", "600519.SH"); len(active) != 0 {
		t.Errorf("active = %v, want none after rule deletion", active)
	}
	// Ownership enforced.
	id2 := addRule(t, s, "u1", true)
	if err := s.DeleteRule("u2", id2); err != ErrNotFound {
		t.Errorf("foreign delete: err = %v, want ErrNotFound", err)
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.InsertAlert(AlertRecord{UserID: "u1", TSCode: "600519.SH", AlertType: "price_change"})
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}

	if err := s.MarkNotified(id); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if err := s.MarkNotified(9999); err != ErrNotFound {
		t.Errorf("MarkNotified(missing) = %v, want ErrNotFound", err)
	}
	if err := s.MarkRead("u1", id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := s.MarkRead("u2", id); err != ErrNotFound {
		t.Errorf("foreign MarkRead = %v, want ErrNotFound", err)
	}

	alerts, _ := s.AlertsFor("u1", 10)
	if len(alerts) != 1 || !alerts[0].Notified || !alerts[0].Read {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestAlertsForNewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		s.InsertAlert(AlertRecord{UserID: "u1", TSCode: "600519.SH", AlertType: "price_change"})
	}

	alerts, _ := s.AlertsFor("u1", 3)
	if len(alerts) != 3 {
		t.Fatalf("len = %d, want 3", len(alerts))
	}
	if alerts[0].ID < alerts[1].ID || alerts[1].ID < alerts[2].ID {
		t.Errorf("alerts not newest-first: %v %v %v", alerts[0].ID, alerts[1].ID, alerts[2].ID)
	}
}

func TestMarkPushExpired(t *testing.T) {
	s := NewMemoryStore()
	sub := &PushSubscription{Endpoint: "https://push.example/ep"}
	s.SaveSettings(NotificationSettings{UserID: "u1", PushSubscription: sub, BrowserPushEnabled: true})

	if err := s.MarkPushExpired("u1"); err != nil {
		t.Fatalf("MarkPushExpired: %v", err)
	}
	ns, _ := s.SettingsFor("u1")
	if ns == nil || ns.PushSubscription != nil || ns.BrowserPushEnabled {
		t.Errorf("settings = %+v, want push cleared", ns)
	}

	if err := s.MarkPushExpired("nobody"); err != ErrNotFound {
		t.Errorf("MarkPushExpired(missing) = %v, want ErrNotFound", err)
	}
}

func TestSettingsForAbsentUser(t *testing.T) {
	s := NewMemoryStore()
	ns, err := s.SettingsFor("ghost")
	if err != nil || ns != nil {
		t.Errorf("SettingsFor = %v, %v; want nil, nil", ns, err)
	}
}
