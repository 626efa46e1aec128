package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store implementation. All methods are safe
// for concurrent use; critical sections are short and never perform I/O.
type MemoryStore struct {
	mu sync.RWMutex

	nextID       int64
	rules        map[int64]*MonitorRule
	watched      map[int64]*WatchedStock
	groups       map[int64]*StockGroup
	associations map[int64]*StockRuleAssociation
	alerts       map[int64]*AlertRecord
	settings     map[string]*NotificationSettings
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:        make(map[int64]*MonitorRule),
		watched:      make(map[int64]*WatchedStock),
		groups:       make(map[int64]*StockGroup),
		associations: make(map[int64]*StockRuleAssociation),
		alerts:       make(map[int64]*AlertRecord),
		settings:     make(map[string]*NotificationSettings),
	}
}

func (s *MemoryStore) nextKey() int64 {
	s.nextID++
	return s.nextID
}

// --- RuleStore ---

func (s *MemoryStore) CreateRule(r MonitorRule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.nextKey()
	s.rules[r.ID] = &r
	return r.ID, nil
}

func (s *MemoryStore) RulesFor(userID string) ([]MonitorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MonitorRule
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetEnabledMany(userID string, ids []int64, enabled bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := 0
	for _, id := range ids {
		if r, ok := s.rules[id]; ok && r.UserID == userID {
			r.Enabled = enabled
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryStore) DeleteRule(userID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok || r.UserID != userID {
		return ErrNotFound
	}
	delete(s.rules, id)
	for aid, a := range s.associations {
		if a.RuleID == id {
			delete(s.associations, aid)
		}
	}
	return nil
}

// --- WatchlistStore ---

func (s *MemoryStore) AddWatched(w WatchedStock) (int64, error) {
	if (w.CostPrice == nil) != (w.Quantity == nil) {
		return 0, ErrInvalidWatched
	}
	if w.CostPrice != nil && (*w.CostPrice <= 0 || *w.Quantity <= 0) {
		return 0, ErrInvalidWatched
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now()
	}
	w.ID = s.nextKey()
	s.watched[w.ID] = &w
	return w.ID, nil
}

func (s *MemoryStore) WatchedFor(userID string) ([]WatchedStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []WatchedStock
	for _, w := range s.watched {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MonitoredWatched() ([]WatchedStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []WatchedStock
	for _, w := range s.watched {
		if w.Monitored {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetMonitored(userID string, id int64, monitored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watched[id]
	if !ok || w.UserID != userID {
		return ErrNotFound
	}
	w.Monitored = monitored
	return nil
}

func (s *MemoryStore) RemoveWatched(userID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watched[id]
	if !ok || w.UserID != userID {
		return ErrNotFound
	}
	delete(s.watched, id)
	for aid, a := range s.associations {
		if a.WatchedStockID == id {
			delete(s.associations, aid)
		}
	}
	return nil
}

func (s *MemoryStore) CreateGroup(g StockGroup) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g.ID = s.nextKey()
	s.groups[g.ID] = &g
	return g.ID, nil
}

func (s *MemoryStore) DeleteGroup(userID string, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok || g.UserID != userID {
		return ErrNotFound
	}
	delete(s.groups, groupID)
	// Null the reference; members stay on the watchlist.
	for _, w := range s.watched {
		if w.GroupID != nil && *w.GroupID == groupID {
			w.GroupID = nil
		}
	}
	return nil
}

// --- AssociationStore ---

func (s *MemoryStore) Associate(a StockRuleAssociation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watched[a.WatchedStockID]; !ok {
		return 0, ErrNotFound
	}
	if _, ok := s.rules[a.RuleID]; !ok {
		return 0, ErrNotFound
	}

	// Idempotent per (watchedStock, rule) pair.
	for _, existing := range s.associations {
		if existing.WatchedStockID == a.WatchedStockID && existing.RuleID == a.RuleID {
			existing.Enabled = a.Enabled
			return existing.ID, nil
		}
	}

	a.ID = s.nextKey()
	s.associations[a.ID] = &a
	return a.ID, nil
}

func (s *MemoryStore) SetAssociationEnabled(userID string, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.associations[id]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	a.Enabled = enabled
	return nil
}

func (s *MemoryStore) ActiveRulesFor(userID, tsCode string) ([]MonitorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var watchedID int64
	found := false
	for _, w := range s.watched {
		if w.UserID == userID && w.TSCode == tsCode {
			if !w.Monitored {
				return nil, nil
			}
			watchedID = w.ID
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	var out []MonitorRule
	for _, a := range s.associations {
		if a.WatchedStockID != watchedID || !a.Enabled {
			continue
		}
		if r, ok := s.rules[a.RuleID]; ok && r.Enabled {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- AlertStore ---

func (s *MemoryStore) InsertAlert(a AlertRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.ID = s.nextKey()
	s.alerts[a.ID] = &a
	return a.ID, nil
}

func (s *MemoryStore) MarkNotified(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Notified = true
	return nil
}

func (s *MemoryStore) MarkRead(userID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	a.Read = true
	return nil
}

func (s *MemoryStore) AlertsFor(userID string, limit int) ([]AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AlertRecord
	for _, a := range s.alerts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- SettingsStore ---

func (s *MemoryStore) SettingsFor(userID string) (*NotificationSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.settings[userID]
	if !ok {
		return nil, nil
	}
	cp := *ns
	return &cp, nil
}

func (s *MemoryStore) SaveSettings(ns NotificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := ns
	s.settings[ns.UserID] = &cp
	return nil
}

func (s *MemoryStore) MarkPushExpired(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.settings[userID]
	if !ok {
		return ErrNotFound
	}
	ns.PushSubscription = nil
	ns.BrowserPushEnabled = false
	return nil
}

var _ Store = (*MemoryStore)(nil)
