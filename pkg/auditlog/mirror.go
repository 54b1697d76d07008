package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"upliftcs/pkg/queue"
)

// DefaultMirrorCapacity 本地镜像最多保留的条数
const DefaultMirrorCapacity = 1000

// MemoryMirror 内存环形缓冲，超出容量时淘汰最旧的
type MemoryMirror struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// NewMemoryMirror 创建内存镜像
func NewMemoryMirror(capacity int) *MemoryMirror {
	if capacity <= 0 {
		capacity = DefaultMirrorCapacity
	}
	return &MemoryMirror{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Append 追加一条
func (m *MemoryMirror) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.capacity {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Recent 最新的在前
func (m *MemoryMirror) Recent(_ context.Context, orgID uint, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	result := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if orgID != 0 && m.entries[i].OrganizationID != orgID {
			continue
		}
		result = append(result, m.entries[i])
	}
	return result, nil
}

// Len 当前条数
func (m *MemoryMirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisMirror 基于Redis列表的镜像，每个组织一个列表，LPUSH 后 LTRIM 保持容量
type RedisMirror struct {
	store    *queue.RedisStore
	capacity int64
}

// NewRedisMirror 创建Redis镜像
func NewRedisMirror(store *queue.RedisStore, capacity int) *RedisMirror {
	if capacity <= 0 {
		capacity = DefaultMirrorCapacity
	}
	return &RedisMirror{
		store:    store,
		capacity: int64(capacity),
	}
}

// keyFor 组织对应的列表键，未登录的动作单独存放
func (m *RedisMirror) keyFor(orgID uint) string {
	if orgID == 0 {
		return m.store.Key("audit", "anonymous")
	}
	return m.store.Key("audit", strconv.FormatUint(uint64(orgID), 10))
}

// Append 追加一条
func (m *RedisMirror) Append(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化审计日志失败: %w", err)
	}
	return m.store.PushCapped(ctx, m.keyFor(entry.OrganizationID), data, m.capacity)
}

// Recent 最新的在前
func (m *RedisMirror) Recent(ctx context.Context, orgID uint, limit int) ([]Entry, error) {
	if limit <= 0 || int64(limit) > m.capacity {
		limit = int(m.capacity)
	}
	raw, err := m.store.Range(ctx, m.keyFor(orgID), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
