// Package storage 提供池状态快照的持久化适配层
// 仅通过get/set-by-key操作消费底层存储,快照不存在不视为错误
package storage

import "sync"

// KeyValueStore 键值存储接口
// storeId用于区分不同的存储空间(如不同爬取任务),key定位具体快照
type KeyValueStore interface {
	// Get 读取指定键的值,不存在时found返回false且不报错
	Get(storeID, key string) (value []byte, found bool, err error)

	// Set 写入指定键的值,覆盖旧值
	Set(storeID, key string, value []byte) error
}

// MemoryStore 内存键值存储
// 用于测试和不需要持久化的短任务
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryStore 创建内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get 读取键值
func (ms *MemoryStore) Get(storeID, key string) ([]byte, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	value, ok := ms.data[storeID+"/"+key]
	if !ok {
		return nil, false, nil
	}

	// 返回副本,防止调用方修改内部数据
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set 写入键值
func (ms *MemoryStore) Set(storeID, key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	ms.data[storeID+"/"+key] = stored
	return nil
}
