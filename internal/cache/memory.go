package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoYakushev/notlike/pkg/types"
)

type entryKind int

const (
	kindScalar entryKind = iota
	kindCounter
	kindSet
	kindList
	kindHash
)

func (k entryKind) String() string {
	switch k {
	case kindScalar:
		return "scalar"
	case kindCounter:
		return "counter"
	case kindSet:
		return "set"
	case kindList:
		return "list"
	default:
		return "hash"
	}
}

// entry holds one key's value. Only the field matching kind is populated.
type entry struct {
	kind     entryKind
	scalar   []byte
	counter  int64
	set      map[string]struct{}
	list     []string
	hash     map[string][]byte
	expireAt time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Memory is the in-process Store implementation. One mutex guards the
// whole table; expiry is lazy on access with a janitor sweep as backstop,
// which keeps the "removed no later than TTL+2s" guarantee without any
// timer per key.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*entry)}
}

// Run sweeps expired entries once per second until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}

// live returns the entry at key if present and unexpired. Expired entries
// are removed on sight so a miss is authoritative immediately after the
// deadline.
func (m *Memory) live(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

// want returns the entry at key, creating it with the wanted kind when
// absent. A live entry of a different kind is a caller bug, reported as a
// conflict (Redis' WRONGTYPE).
func (m *Memory) want(key string, kind entryKind) (*entry, error) {
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kind}
		switch kind {
		case kindSet:
			e.set = make(map[string]struct{})
		case kindHash:
			e.hash = make(map[string][]byte)
		}
		m.entries[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, types.Conflictf("key %q holds a %s, not a %s", key, e.kind, kind)
	}
	return e, nil
}

func (m *Memory) Get(ctx context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return types.NotFoundf("cache key %q", key)
	}
	if e.kind != kindScalar {
		return types.Conflictf("key %q holds a %s, not a scalar", key, e.kind)
	}
	if err := json.Unmarshal(e.scalar, dest); err != nil {
		return fmt.Errorf("unmarshal cache value %q: %w", key, err)
	}
	return nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{kind: kindScalar, scalar: data}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

func (m *Memory) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.want(key, kindCounter)
	if err != nil {
		return 0, err
	}
	e.counter += delta
	return e.counter, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.want(key, kindSet)
	if err != nil {
		return err
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindSet {
		return types.Conflictf("key %q holds a %s, not a set", key, e.kind)
	}
	for _, member := range members {
		delete(e.set, member)
	}
	if len(e.set) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindSet {
		return nil, types.Conflictf("key %q holds a %s, not a set", key, e.kind)
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.want(key, kindList)
	if err != nil {
		return err
	}
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return nil
}

func (m *Memory) LPop(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return "", types.NotFoundf("cache list %q", key)
	}
	if e.kind != kindList {
		return "", types.Conflictf("key %q holds a %s, not a list", key, e.kind)
	}
	if len(e.list) == 0 {
		return "", types.NotFoundf("cache list %q is empty", key)
	}
	head := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(m.entries, key)
	}
	return head, nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, types.Conflictf("key %q holds a %s, not a list", key, e.kind)
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindList {
		return types.Conflictf("key %q holds a %s, not a list", key, e.kind)
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(m.entries, key)
		return nil
	}
	e.list = append([]string(nil), e.list[start:stop+1]...)
	return nil
}

func (m *Memory) HSet(ctx context.Context, key, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal hash field %s.%s: %w", key, field, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, werr := m.want(key, kindHash)
	if werr != nil {
		return werr
	}
	e.hash[field] = data
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return types.NotFoundf("cache hash %q", key)
	}
	if e.kind != kindHash {
		return types.Conflictf("key %q holds a %s, not a hash", key, e.kind)
	}
	data, ok := e.hash[field]
	if !ok {
		return types.NotFoundf("cache hash field %s.%s", key, field)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal hash field %s.%s: %w", key, field, err)
	}
	return nil
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindHash {
		return types.Conflictf("key %q holds a %s, not a hash", key, e.kind)
	}
	for _, field := range fields {
		delete(e.hash, field)
	}
	if len(e.hash) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return map[string][]byte{}, nil
	}
	if e.kind != kindHash {
		return nil, types.Conflictf("key %q holds a %s, not a hash", key, e.kind)
	}
	out := make(map[string][]byte, len(e.hash))
	for field, data := range e.hash {
		cp := make([]byte, len(data))
		copy(cp, data)
		out[field] = cp
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
