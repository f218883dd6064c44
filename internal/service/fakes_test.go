package service

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 内存版端口实现，仅测试使用。

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*Account

	serverErrors   map[string]int64
	streamTimeouts map[string]int64
	sessionIDs     map[string]map[string]bool

	statusUpdates []string // "id:status:schedulable"
	resetAts      map[string]*time.Time
	cleared       []string
}

func newFakeAccountRepo(accounts ...*Account) *fakeAccountRepo {
	r := &fakeAccountRepo{
		accounts:       map[string]*Account{},
		serverErrors:   map[string]int64{},
		streamTimeouts: map[string]int64{},
		sessionIDs:     map[string]map[string]bool{},
		resetAts:       map[string]*time.Time{},
	}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not found", id)
	}
	return a, nil
}

func (r *fakeAccountRepo) List(_ context.Context, filter AccountFilter) ([]*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Account
	for _, a := range r.accounts {
		if filter.GroupID != "" && a.GroupID != filter.GroupID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeAccountRepo) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
	return nil
}

func (r *fakeAccountRepo) Update(_ context.Context, a *Account) error {
	return r.Create(context.Background(), a)
}

func (r *fakeAccountRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
	return nil
}

func (r *fakeAccountRepo) UpdateStatus(_ context.Context, id, status, reason string, schedulable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.Status = status
		a.StatusReason = reason
		a.Schedulable = schedulable
	}
	r.statusUpdates = append(r.statusUpdates, fmt.Sprintf("%s:%s:%t", id, status, schedulable))
	return nil
}

func (r *fakeAccountRepo) SetRateLimitResetAt(_ context.Context, id string, resetAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetAts[id] = resetAt
	if a, ok := r.accounts[id]; ok {
		a.RateLimitResetAt = resetAt
	}
	return nil
}

func (r *fakeAccountRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.LastUsedAt = &at
	}
	return nil
}

func (r *fakeAccountRepo) RecordServerError(_ context.Context, id string, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverErrors[id]++
	return r.serverErrors[id], nil
}

func (r *fakeAccountRepo) RecordStreamTimeout(_ context.Context, id string, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamTimeouts[id]++
	return r.streamTimeouts[id], nil
}

func (r *fakeAccountRepo) ClearErrorLedgers(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverErrors[id] = 0
	r.streamTimeouts[id] = 0
	r.cleared = append(r.cleared, id)
	return nil
}

func (r *fakeAccountRepo) CountSessionIDs(_ context.Context, id string, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.sessionIDs[id])), nil
}

func (r *fakeAccountRepo) HasSessionID(_ context.Context, id, sessionID string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionIDs[id][sessionID], nil
}

func (r *fakeAccountRepo) AddSessionID(_ context.Context, id, sessionID string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionIDs[id] == nil {
		r.sessionIDs[id] = map[string]bool{}
	}
	r.sessionIDs[id][sessionID] = true
	return nil
}

func (r *fakeAccountRepo) RecordSlowResponse(_ context.Context, id string, _ time.Duration) (int64, error) {
	return 1, nil
}

type fakeSessionCache struct {
	mu       sync.Mutex
	mappings map[string]*SessionMapping
	ttls     map[string]time.Duration
	renewed  []string
	deleted  []string
}

func newFakeSessionCache() *fakeSessionCache {
	return &fakeSessionCache{
		mappings: map[string]*SessionMapping{},
		ttls:     map[string]time.Duration{},
	}
}

func (c *fakeSessionCache) GetMapping(_ context.Context, fp string) (*SessionMapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mappings[fp], nil
}

func (c *fakeSessionCache) SetMapping(_ context.Context, fp string, m *SessionMapping, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappings[fp] = m
	c.ttls[fp] = ttl
	return nil
}

func (c *fakeSessionCache) TTL(_ context.Context, fp string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl, ok := c.ttls[fp]; ok {
		return ttl, nil
	}
	return -1, nil
}

func (c *fakeSessionCache) Renew(_ context.Context, fp string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[fp] = ttl
	c.renewed = append(c.renewed, fp)
	return nil
}

func (c *fakeSessionCache) DeleteMapping(_ context.Context, fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mappings, fp)
	delete(c.ttls, fp)
	c.deleted = append(c.deleted, fp)
	return nil
}

type fakeConcurrencyCache struct {
	mu        sync.Mutex
	slots     map[string]map[string]bool // ownerKey -> requestID set
	refreshes map[string]int
	rateCount int64
}

func newFakeConcurrencyCache() *fakeConcurrencyCache {
	return &fakeConcurrencyCache{
		slots:     map[string]map[string]bool{},
		refreshes: map[string]int{},
	}
}

func (c *fakeConcurrencyCache) acquire(owner, requestID string, limit int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[owner] == nil {
		c.slots[owner] = map[string]bool{}
	}
	if len(c.slots[owner]) >= limit {
		return false, nil
	}
	c.slots[owner][requestID] = true
	return true, nil
}

func (c *fakeConcurrencyCache) release(owner, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots[owner], requestID)
	return nil
}

func (c *fakeConcurrencyCache) count(owner string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.slots[owner])), nil
}

func (c *fakeConcurrencyCache) AcquireAccountSlot(_ context.Context, accountID, requestID string, limit int, _ time.Duration) (bool, error) {
	return c.acquire("account:"+accountID, requestID, limit)
}

func (c *fakeConcurrencyCache) ReleaseAccountSlot(_ context.Context, accountID, requestID string) error {
	return c.release("account:"+accountID, requestID)
}

func (c *fakeConcurrencyCache) RefreshAccountSlot(_ context.Context, accountID, requestID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes["account:"+accountID]++
	return nil
}

func (c *fakeConcurrencyCache) AccountSlotCount(_ context.Context, accountID string) (int64, error) {
	return c.count("account:" + accountID)
}

func (c *fakeConcurrencyCache) AcquireKeySlot(_ context.Context, apiKeyID, requestID string, limit int, _ time.Duration) (bool, error) {
	return c.acquire("key:"+apiKeyID, requestID, limit)
}

func (c *fakeConcurrencyCache) ReleaseKeySlot(_ context.Context, apiKeyID, requestID string) error {
	return c.release("key:"+apiKeyID, requestID)
}

func (c *fakeConcurrencyCache) KeySlotCount(_ context.Context, apiKeyID string) (int64, error) {
	return c.count("key:" + apiKeyID)
}

func (c *fakeConcurrencyCache) CleanupExpired(_ context.Context) (int64, error) { return 0, nil }

func (c *fakeConcurrencyCache) StaleRecords(_ context.Context, _ time.Duration) ([]SlotRecord, error) {
	return nil, nil
}

func (c *fakeConcurrencyCache) IncrementRateWindow(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateCount++
	return c.rateCount, nil
}

type fakeResponseCache struct {
	mu      sync.Mutex
	entries map[string]*CachedResponse
	ttls    map[string]time.Duration
}

func newFakeResponseCache() *fakeResponseCache {
	return &fakeResponseCache{
		entries: map[string]*CachedResponse{},
		ttls:    map[string]time.Duration{},
	}
}

func (c *fakeResponseCache) Get(_ context.Context, fp string) (*CachedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[fp], nil
}

func (c *fakeResponseCache) Set(_ context.Context, fp string, resp *CachedResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fp] = resp
	c.ttls[fp] = ttl
	return nil
}

func (c *fakeResponseCache) Delete(_ context.Context, fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fp)
	return nil
}
