package pools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/RecoveryAshes/RodRotate/internal/models"
	"github.com/RecoveryAshes/RodRotate/internal/storage"
)

// newTestPool 创建禁用周期任务干扰的测试会话池
func newTestPool(t *testing.T, opts SessionPoolOptions) *SessionPool {
	t.Helper()
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	// 测试里把周期间隔拉长,避免后台任务干扰断言
	if opts.PersistIntervalSecs == 0 {
		opts.PersistIntervalSecs = 3600
	}
	if opts.CleanupIntervalSecs == 0 {
		opts.CleanupIntervalSecs = 3600
	}
	sp := NewSessionPool(opts)
	if err := sp.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(sp.Teardown)
	return sp
}

func TestSessionPool_NotInitialized(t *testing.T) {
	sp := NewSessionPool(SessionPoolOptions{})

	if _, err := sp.GetSession(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("GetSession() error = %v, 期望 ErrNotInitialized", err)
	}
	if _, err := sp.GetState(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("GetState() error = %v, 期望 ErrNotInitialized", err)
	}
	if err := sp.PersistState(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("PersistState() error = %v, 期望 ErrNotInitialized", err)
	}
}

func TestSessionPool_GetSession_GrowsToCapacity(t *testing.T) {
	sp := newTestPool(t, SessionPoolOptions{MaxPoolSize: 3})

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		s, err := sp.GetSession()
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		seen[s.ID] = true
	}

	// 池满后复用既有会话,总量不突破上限
	if sp.Size() != 3 {
		t.Errorf("Size() = %d, 期望 3", sp.Size())
	}
	if len(seen) != 3 {
		t.Errorf("不同会话数 = %d, 期望 3", len(seen))
	}
}

func TestSessionPool_GetSession_ReplacesUnusable(t *testing.T) {
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize:    2,
		SessionOptions: models.SessionOptions{MaxErrorScore: 1.0},
	})

	first, err := sp.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if _, err := sp.GetSession(); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	// 打坏其中一个会话
	first.MarkBad()

	// 多抽几次,总会命中不可用会话并触发替换;替换在单次调用内完成
	for i := 0; i < 20; i++ {
		s, err := sp.GetSession()
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if !s.IsUsable() {
			t.Error("GetSession()返回了不可用会话")
		}
	}

	// 被打坏的会话应已被移出池
	state, err := sp.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	for _, ss := range state.Sessions {
		if ss.ID == first.ID {
			t.Error("不可用会话仍留在池中")
		}
	}
	if sp.Size() != 2 {
		t.Errorf("替换后Size() = %d, 期望 2", sp.Size())
	}
}

func TestSessionPool_FactoryFailure(t *testing.T) {
	factoryErr := errors.New("代理不可达")
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize:       2,
		CreateSessionFunc: func() (*models.Session, error) { return nil, factoryErr },
	})

	_, err := sp.GetSession()
	if !errors.Is(err, models.ErrSessionCreation) {
		t.Errorf("GetSession() error = %v, 期望 ErrSessionCreation", err)
	}
}

func TestSessionPool_ProxyRotation(t *testing.T) {
	proxies := []string{"http://p1:8080", "http://p2:8080", "http://p3:8080"}
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize: 3,
		ProxyURLs:   proxies,
	})

	if !sp.UsesProxyRotation() {
		t.Error("UsesProxyRotation() = false, 期望 true")
	}

	// 默认工厂按轮换顺序绑定粘性代理
	for i := 0; i < 3; i++ {
		s, err := sp.GetSession()
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if s.ProxyURL != proxies[i] {
			t.Errorf("第%d个会话代理 = %s, 期望 %s", i+1, s.ProxyURL, proxies[i])
		}
	}
}

func TestSessionPool_RetireRemovesFromPool(t *testing.T) {
	sp := newTestPool(t, SessionPoolOptions{MaxPoolSize: 2})

	s, err := sp.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	notified := 0
	var notifiedID string
	id := sp.SubscribeSessionRetired(func(retired *models.Session) {
		notified++
		notifiedID = retired.ID
	})
	defer sp.Unsubscribe(id)

	before := sp.Size()
	s.Retire()

	if sp.Size() != before-1 {
		t.Errorf("下线后Size() = %d, 期望 %d", sp.Size(), before-1)
	}
	if notified != 1 {
		t.Errorf("下线通知次数 = %d, 期望 1", notified)
	}
	if notifiedID != s.ID {
		t.Errorf("通知的会话ID = %s, 期望 %s", notifiedID, s.ID)
	}

	// 重复下线不再通知
	s.Retire()
	if notified != 1 {
		t.Errorf("重复下线后通知次数 = %d, 期望仍为 1", notified)
	}
}

func TestSessionPool_Cleanup(t *testing.T) {
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize:    3,
		SessionOptions: models.SessionOptions{MaxErrorScore: 1.0},
	})

	var sessions []*models.Session
	for i := 0; i < 3; i++ {
		s, err := sp.GetSession()
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		sessions = append(sessions, s)
	}

	// 打坏两个会话后手动触发清理
	sessions[0].MarkBad()
	sessions[1].MarkBad()
	sp.Cleanup()

	if sp.Size() != 1 {
		t.Errorf("清理后Size() = %d, 期望 1", sp.Size())
	}
}

func TestSessionPool_PersistAndRestore(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := SessionPoolOptions{
		MaxPoolSize:         3,
		Store:               store,
		PersistStateStoreID: "test",
		PersistStateKey:     "STATE",
	}

	sp := newTestPool(t, opts)
	s1, err := sp.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	s1.MarkGood()
	s1.MarkGood()
	if _, err := sp.GetSession(); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	persisted := 0
	id := sp.SubscribeStatePersisted(func(SessionPoolState) { persisted++ })
	if err := sp.PersistState(); err != nil {
		t.Fatalf("PersistState() error = %v", err)
	}
	sp.Unsubscribe(id)
	if persisted != 1 {
		t.Errorf("持久化通知次数 = %d, 期望 1", persisted)
	}

	// 新池从同一存储恢复
	restored := newTestPool(t, opts)
	if restored.Size() != 2 {
		t.Fatalf("恢复后Size() = %d, 期望 2", restored.Size())
	}

	state, err := restored.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	found := false
	for _, ss := range state.Sessions {
		if ss.ID == s1.ID {
			found = true
			if ss.UsageCount != 2 {
				t.Errorf("恢复的UsageCount = %d, 期望 2", ss.UsageCount)
			}
		}
	}
	if !found {
		t.Errorf("恢复的池中找不到会话 %s", s1.ID)
	}
}

func TestSessionPool_RestoreSkipsUnusable(t *testing.T) {
	store := storage.NewMemoryStore()

	// 手工构造一份混合快照: 一个可用,一个已下线,一个用量耗尽
	now := time.Now()
	state := SessionPoolState{
		Sessions: []models.SessionState{
			{ID: "usable", CreatedAt: now, MaxAgeSecs: 3000, MaxUsageCount: 50, MaxErrorScore: 3.0},
			{ID: "retired", CreatedAt: now, MaxAgeSecs: 3000, MaxUsageCount: 50, MaxErrorScore: 3.0, Retired: true},
			{ID: "exhausted", CreatedAt: now, MaxAgeSecs: 3000, MaxUsageCount: 50, MaxErrorScore: 3.0, UsageCount: 50},
		},
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("test", "STATE", data); err != nil {
		t.Fatal(err)
	}

	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize:         10,
		Store:               store,
		PersistStateStoreID: "test",
		PersistStateKey:     "STATE",
	})

	// 只有可用会话进入池
	if sp.Size() != 1 {
		t.Errorf("恢复后Size() = %d, 期望 1", sp.Size())
	}
	state2, err := sp.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if len(state2.Sessions) != 1 || state2.Sessions[0].ID != "usable" {
		t.Errorf("恢复的会话 = %+v, 期望只有usable", state2.Sessions)
	}
}

func TestSessionPool_RestoreCorruptSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	if err := store.Set("test", "STATE", []byte("{不是合法的JSON")); err != nil {
		t.Fatal(err)
	}

	// 损坏的快照降级为空池启动,不报错
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize:         3,
		Store:               store,
		PersistStateStoreID: "test",
		PersistStateKey:     "STATE",
	})
	if sp.Size() != 0 {
		t.Errorf("损坏快照恢复后Size() = %d, 期望 0", sp.Size())
	}
	if _, err := sp.GetSession(); err != nil {
		t.Errorf("损坏快照后GetSession() error = %v, 期望正常工作", err)
	}
}

func TestSessionPool_TeardownIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	sp := NewSessionPool(SessionPoolOptions{
		MaxPoolSize:         2,
		Store:               store,
		PersistStateStoreID: "test",
		PersistStateKey:     "STATE",
		Rand:                rand.New(rand.NewSource(1)),
	})
	if err := sp.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := sp.GetSession(); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	sp.Teardown()
	sp.Teardown() // 幂等

	// 拆除时应完成最终持久化
	if _, found, _ := store.Get("test", "STATE"); !found {
		t.Error("拆除后存储中应有最终快照")
	}

	// 拆除后的池拒绝新操作
	if _, err := sp.GetSession(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("拆除后GetSession() error = %v, 期望 ErrNotInitialized", err)
	}
	if err := sp.Initialize(); !errors.Is(err, models.ErrNotInitialized) {
		t.Errorf("拆除后Initialize() error = %v, 期望 ErrNotInitialized", err)
	}
}

func TestSessionPool_CustomFactory(t *testing.T) {
	counter := 0
	sp := newTestPool(t, SessionPoolOptions{
		MaxPoolSize: 2,
		CreateSessionFunc: func() (*models.Session, error) {
			counter++
			return models.NewSession(models.SessionOptions{ID: fmt.Sprintf("custom-%d", counter)})
		},
	})

	s, err := sp.GetSession()
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.ID != "custom-1" {
		t.Errorf("会话ID = %s, 期望 custom-1", s.ID)
	}
}
