package subscription

import "sync"

// Index is the bidirectional map between users and subscribed stock codes.
//
// Invariant: code ∈ StocksOf(u) ⇔ u ∈ SubscribersOf(code). Both directions
// are mutated under the same write lock, so the invariant holds after any
// operation sequence.
//
// Callers validate codes before subscribing; the index stores what it is
// given. Critical sections are short and never perform I/O - readers copy
// snapshots out.
type Index struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // userID → set of codes
	byCode map[string]map[string]struct{} // code → set of userIDs
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{
		byUser: make(map[string]map[string]struct{}),
		byCode: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the (user, code) pairs in both directions.
// Idempotent per pair.
func (idx *Index) Subscribe(userID string, codes []string) {
	if len(codes) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	userSet := idx.byUser[userID]
	if userSet == nil {
		userSet = make(map[string]struct{})
		idx.byUser[userID] = userSet
	}

	for _, code := range codes {
		userSet[code] = struct{}{}
		codeSet := idx.byCode[code]
		if codeSet == nil {
			codeSet = make(map[string]struct{})
			idx.byCode[code] = codeSet
		}
		codeSet[userID] = struct{}{}
	}
}

// Unsubscribe removes the (user, code) pairs in both directions and drops
// empty sets. Codes the user is not subscribed to are a no-op.
func (idx *Index) Unsubscribe(userID string, codes []string) {
	if len(codes) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	userSet := idx.byUser[userID]
	for _, code := range codes {
		if userSet != nil {
			delete(userSet, code)
		}
		if codeSet := idx.byCode[code]; codeSet != nil {
			delete(codeSet, userID)
			if len(codeSet) == 0 {
				delete(idx.byCode, code)
			}
		}
	}
	if userSet != nil && len(userSet) == 0 {
		delete(idx.byUser, userID)
	}
}

// UnsubscribeAll removes the user from every stock set. Called on disconnect.
func (idx *Index) UnsubscribeAll(userID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	userSet, ok := idx.byUser[userID]
	if !ok {
		return
	}
	for code := range userSet {
		if codeSet := idx.byCode[code]; codeSet != nil {
			delete(codeSet, userID)
			if len(codeSet) == 0 {
				delete(idx.byCode, code)
			}
		}
	}
	delete(idx.byUser, userID)
}

// StocksOf returns a snapshot of the codes the user is subscribed to.
func (idx *Index) StocksOf(userID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	userSet := idx.byUser[userID]
	result := make([]string, 0, len(userSet))
	for code := range userSet {
		result = append(result, code)
	}
	return result
}

// SubscribersOf returns a snapshot of the users subscribed to code.
func (idx *Index) SubscribersOf(code string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	codeSet := idx.byCode[code]
	result := make([]string, 0, len(codeSet))
	for userID := range codeSet {
		result = append(result, userID)
	}
	return result
}

// AllCodes returns a snapshot of every code with at least one subscriber.
func (idx *Index) AllCodes() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := make([]string, 0, len(idx.byCode))
	for code := range idx.byCode {
		result = append(result, code)
	}
	return result
}
