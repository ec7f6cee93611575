package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by a MemoryCache after Close.
var ErrClosed = errors.New("cache: closed")

// MemoryItem stores cached value with expiration.
type MemoryItem struct {
	Value    []byte
	Counter  int64
	ExpireAt time.Time
}

// IsExpired checks if item has expired.
func (m *MemoryItem) IsExpired() bool {
	return !m.ExpireAt.IsZero() && time.Now().After(m.ExpireAt)
}

type scoredMember struct {
	score  float64
	member string
}

// MemoryCache implements Service using in-memory storage with LRU eviction.
// Values are stored JSON-encoded so Get behaves like the Redis backend.
type MemoryCache struct {
	data          map[string]*MemoryItem
	sets          map[string][]scoredMember
	access        map[string]time.Time
	mutex         sync.RWMutex
	maxSize       int
	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
	closed        bool
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		CleanupInterval: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data:          make(map[string]*MemoryItem),
		sets:          make(map[string][]scoredMember),
		access:        make(map[string]time.Time),
		maxSize:       cfg.MaxSize,
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		done:          make(chan struct{}),
	}

	go mc.cleanupExpired()
	return mc
}

func (mc *MemoryCache) Ping(_ context.Context) error {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	if mc.closed {
		return ErrClosed
	}
	return nil
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.closed {
		return ErrClosed
	}

	if _, ok := mc.data[key]; !ok && len(mc.data) >= mc.maxSize {
		mc.evictLRU()
	}

	item := &MemoryItem{Value: data}
	if expiration > 0 {
		item.ExpireAt = time.Now().Add(expiration)
	}
	mc.data[key] = item
	mc.access[key] = time.Now()
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.closed {
		return ErrClosed
	}

	item, exists := mc.data[key]
	if !exists || item.IsExpired() {
		if exists {
			mc.remove(key)
		}
		return ErrCacheMiss
	}

	mc.access[key] = time.Now()
	if item.Value == nil {
		return decode([]byte(strconv.FormatInt(item.Counter, 10)), dest)
	}
	return decode(item.Value, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for _, key := range keys {
		mc.remove(key)
		delete(mc.sets, key)
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	for _, key := range keys {
		if item, ok := mc.data[key]; ok && !item.IsExpired() {
			return true, nil
		}
		if len(mc.sets[key]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (mc *MemoryCache) Expire(_ context.Context, key string, expiration time.Duration) (bool, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if item, ok := mc.data[key]; ok && !item.IsExpired() {
		item.ExpireAt = time.Now().Add(expiration)
		return true, nil
	}
	return false, nil
}

func (mc *MemoryCache) IncrementWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.closed {
		return 0, ErrClosed
	}

	item, exists := mc.data[key]
	if !exists || item.IsExpired() {
		item = &MemoryItem{}
		if window > 0 {
			item.ExpireAt = time.Now().Add(window)
		}
		mc.data[key] = item
	}
	item.Counter++
	item.Value = nil
	mc.access[key] = time.Now()
	return item.Counter, nil
}

func (mc *MemoryCache) AppendCapped(_ context.Context, key string, score float64, member interface{}, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultHistoryCap
	}
	data, err := encode(member)
	if err != nil {
		return err
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if mc.closed {
		return ErrClosed
	}

	set := mc.sets[key]
	m := string(data)
	// Members are unique, re-adding updates the score.
	for i := range set {
		if set[i].member == m {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	idx := sort.Search(len(set), func(i int) bool {
		if set[i].score == score {
			return set[i].member > m
		}
		return set[i].score > score
	})
	set = append(set, scoredMember{})
	copy(set[idx+1:], set[idx:])
	set[idx] = scoredMember{score: score, member: m}

	if len(set) > maxLen {
		set = append([]scoredMember(nil), set[len(set)-maxLen:]...)
	}
	mc.sets[key] = set
	return nil
}

func (mc *MemoryCache) RangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	if mc.closed {
		return nil, ErrClosed
	}

	var out []string
	for _, sm := range mc.sets[key] {
		if sm.score >= min && sm.score <= max {
			out = append(out, sm.member)
		}
	}
	return out, nil
}

// Len returns the number of live scalar keys.
func (mc *MemoryCache) Len() int {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	return len(mc.data)
}

// Keys returns every scalar and ordered-set key currently held.
func (mc *MemoryCache) Keys() []string {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	keys := make([]string, 0, len(mc.data)+len(mc.sets))
	for k := range mc.data {
		keys = append(keys, k)
	}
	for k := range mc.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (mc *MemoryCache) remove(key string) {
	delete(mc.data, key)
	delete(mc.access, key)
}

func (mc *MemoryCache) evictLRU() {
	if len(mc.data) == 0 {
		return
	}

	var oldestKey string
	oldestTime := time.Now()

	for key, accessTime := range mc.access {
		if !accessTime.After(oldestTime) {
			oldestTime = accessTime
			oldestKey = key
		}
	}

	if oldestKey != "" {
		mc.remove(oldestKey)
	}
}

func (mc *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-mc.done:
			return
		case <-mc.cleanupTicker.C:
		}

		mc.mutex.Lock()
		for key, item := range mc.data {
			if item.IsExpired() {
				mc.remove(key)
			}
		}
		mc.mutex.Unlock()
	}
}

// Close stops the cleanup goroutine. Later operations return ErrClosed.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		mc.cleanupTicker.Stop()
		close(mc.done)
		mc.mutex.Lock()
		mc.closed = true
		mc.mutex.Unlock()
	})
	return nil
}
