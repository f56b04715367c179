package pools

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/RecoveryAshes/RodRotate/internal/models"
	"github.com/RecoveryAshes/RodRotate/internal/storage"
	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// 会话池默认配置
const (
	DefaultMaxPoolSize         = 1000
	DefaultPersistIntervalSecs = 60
	DefaultCleanupIntervalSecs = 60
	DefaultPersistStateStoreID = "default"
	DefaultPersistStateKey     = "SESSION_POOL_STATE"

	// 创建替换会话的最大重试次数,超过后返回ErrSessionCreation
	maxSessionCreateRetries = 3
)

// SessionFactory 会话工厂函数
type SessionFactory func() (*models.Session, error)

// SessionPoolOptions 会话池配置
type SessionPoolOptions struct {
	MaxPoolSize         int                   // 并发会话上限,0使用默认值
	SessionOptions      models.SessionOptions // 新会话的阈值参数
	ProxyURLs           []string              // 外部提供的代理轮换列表
	PersistStateStoreID string                // 快照存储空间ID
	PersistStateKey     string                // 快照键
	PersistIntervalSecs int                   // 周期持久化间隔(秒)
	CleanupIntervalSecs int                   // 周期清理间隔(秒)
	CreateSessionFunc   SessionFactory        // 自定义会话工厂,nil使用默认工厂
	Store               storage.KeyValueStore // 持久化存储,nil时禁用持久化
	Rand                *rand.Rand            // 随机源,nil使用时间种子(测试可注入固定种子)
}

// SessionPoolState 会话池的可序列化快照
type SessionPoolState struct {
	UsableSessionsCount  int                   `json:"usable_sessions_count"`
	RetiredSessionsCount int                   `json:"retired_sessions_count"`
	Sessions             []models.SessionState `json:"sessions"`
}

// SessionPool 会话轮换池
// 职责: 维护不超过MaxPoolSize个轮换网络身份,惰性淘汰不可用会话,
// 周期清理过期会话并补充新会话,周期持久化快照支持崩溃恢复
//
// 状态机: 未初始化 → 已初始化 → 已拆除
// Initialize之前调用其他操作返回ErrNotInitialized
type SessionPool struct {
	opts    SessionPoolOptions
	factory SessionFactory
	rand    *rand.Rand

	sessions   []*models.Session
	sessionIDs map[string]bool // 防止重复ID进入池

	// 代理轮换游标(默认工厂使用)
	proxyIndex int

	initialized bool
	tornDown    bool

	persistTask *PeriodicTask
	cleanupTask *PeriodicTask

	// 观察者注册表: 事件名 → 订阅ID → 回调
	// 显式注册/注销,替代事件发射器继承
	retiredListeners map[int]func(*models.Session)
	persistListeners map[int]func(SessionPoolState)
	nextListenerID   int

	mu sync.Mutex
}

// NewSessionPool 创建会话池(未初始化状态)
func NewSessionPool(opts SessionPoolOptions) *SessionPool {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = DefaultMaxPoolSize
	}
	if opts.PersistStateStoreID == "" {
		opts.PersistStateStoreID = DefaultPersistStateStoreID
	}
	if opts.PersistStateKey == "" {
		opts.PersistStateKey = DefaultPersistStateKey
	}
	if opts.PersistIntervalSecs <= 0 {
		opts.PersistIntervalSecs = DefaultPersistIntervalSecs
	}
	if opts.CleanupIntervalSecs <= 0 {
		opts.CleanupIntervalSecs = DefaultCleanupIntervalSecs
	}

	sp := &SessionPool{
		opts:             opts,
		sessionIDs:       make(map[string]bool),
		retiredListeners: make(map[int]func(*models.Session)),
		persistListeners: make(map[int]func(SessionPoolState)),
	}

	sp.rand = opts.Rand
	if sp.rand == nil {
		sp.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	sp.factory = opts.CreateSessionFunc
	if sp.factory == nil {
		sp.factory = sp.defaultFactory
	}

	return sp
}

// defaultFactory 默认会话工厂
// 从ProxyURLs轮换列表中按游标取下一个代理,实现粘性代理绑定
func (sp *SessionPool) defaultFactory() (*models.Session, error) {
	sessionOpts := sp.opts.SessionOptions
	sessionOpts.ID = "" // 每个会话独立生成ID

	if len(sp.opts.ProxyURLs) > 0 {
		sessionOpts.ProxyURL = sp.opts.ProxyURLs[sp.proxyIndex%len(sp.opts.ProxyURLs)]
		sp.proxyIndex++
	}

	return models.NewSession(sessionOpts)
}

// Initialize 初始化会话池
// 尝试从存储恢复上次快照(跳过已不可用的会话),启动周期持久化和清理任务
// 重复调用安全(幂等)
func (sp *SessionPool) Initialize() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.tornDown {
		return fmt.Errorf("%w: 会话池已拆除", models.ErrNotInitialized)
	}
	if sp.initialized {
		return nil
	}

	sp.restoreStateLocked()
	sp.initialized = true

	sp.persistTask = NewPeriodicTask(time.Duration(sp.opts.PersistIntervalSecs)*time.Second, func() {
		if err := sp.PersistState(); err != nil {
			utils.Warnf("周期持久化会话池状态失败: %v", err)
		}
	})
	sp.cleanupTask = NewPeriodicTask(time.Duration(sp.opts.CleanupIntervalSecs)*time.Second, sp.Cleanup)

	if sp.opts.Store != nil {
		sp.persistTask.Start()
	}
	sp.cleanupTask.Start()

	utils.Debugf("会话池初始化完成: 上限=%d, 恢复会话数=%d", sp.opts.MaxPoolSize, len(sp.sessions))
	return nil
}

// restoreStateLocked 从存储恢复快照
// 快照不存在正常启动,快照损坏降级为警告并从空池开始
func (sp *SessionPool) restoreStateLocked() {
	if sp.opts.Store == nil {
		return
	}

	data, found, err := sp.opts.Store.Get(sp.opts.PersistStateStoreID, sp.opts.PersistStateKey)
	if err != nil {
		utils.Warnf("读取会话池快照失败,从空池开始: %v", err)
		return
	}
	if !found {
		utils.Debugf("未找到会话池快照,从空池开始")
		return
	}

	var state SessionPoolState
	if err := json.Unmarshal(data, &state); err != nil {
		utils.Warnf("会话池快照损坏,从空池开始: %v", err)
		return
	}

	restored := 0
	for _, sessionState := range state.Sessions {
		if len(sp.sessions) >= sp.opts.MaxPoolSize {
			break
		}

		session, err := models.NewSessionFromState(sessionState)
		if err != nil {
			utils.Warnf("恢复会话失败,跳过 [%s]: %v", sessionState.ID, err)
			continue
		}

		// 快照期间已过期/下线的会话不再进入池
		if !session.IsUsable() {
			continue
		}

		sp.addSessionLocked(session)
		restored++
	}

	utils.Infof("会话池快照恢复完成: 可恢复会话 %d/%d", restored, len(state.Sessions))
}

// GetSession 获取一个可用会话
// 池未满时创建新会话;池已满时均匀随机挑选一个,
// 选中的会话不可用则移除并创建替换(惰性淘汰策略,
// 避免每次请求扫描整个池,同时把单个槽位的过期滞留限制在一次抽取周期内)
func (sp *SessionPool) GetSession() (*models.Session, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := sp.checkInitializedLocked(); err != nil {
		return nil, err
	}

	if len(sp.sessions) < sp.opts.MaxPoolSize {
		return sp.createSessionLocked()
	}

	picked := sp.sessions[sp.rand.Intn(len(sp.sessions))]
	if picked.IsUsable() {
		return picked, nil
	}

	// 选中会话已不可用: 移除后创建替换
	// 已持有该会话引用的调用方可以继续使用,直到其自行观察到IsUsable()==false
	sp.removeSessionLocked(picked)
	return sp.createSessionLocked()
}

// createSessionLocked 通过工厂创建新会话并入池,带有限重试
func (sp *SessionPool) createSessionLocked() (*models.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSessionCreateRetries; attempt++ {
		session, err := sp.factory()
		if err != nil {
			lastErr = err
			utils.Warnf("会话工厂创建失败 (第%d/%d次): %v", attempt, maxSessionCreateRetries, err)
			continue
		}
		if session == nil {
			lastErr = fmt.Errorf("会话工厂返回nil")
			continue
		}
		sp.addSessionLocked(session)
		return session, nil
	}
	return nil, fmt.Errorf("%w: %v", models.ErrSessionCreation, lastErr)
}

// addSessionLocked 会话入池,保持无重复ID不变式
func (sp *SessionPool) addSessionLocked(session *models.Session) {
	if sp.sessionIDs[session.ID] {
		return
	}
	sp.sessions = append(sp.sessions, session)
	sp.sessionIDs[session.ID] = true

	// 注入下线回调: Retire()触发时从池移除并级联通知订阅者
	session.SetOnRetired(sp.handleSessionRetired)
}

// removeSessionLocked 会话出池
// 不取消该会话上的在途工作,持有引用的调用方继续用到自然失败为止
func (sp *SessionPool) removeSessionLocked(session *models.Session) {
	for i, s := range sp.sessions {
		if s == session {
			sp.sessions = append(sp.sessions[:i], sp.sessions[i+1:]...)
			break
		}
	}
	delete(sp.sessionIDs, session.ID)
}

// handleSessionRetired 会话主动下线回调
// 从池中移除并向订阅者(BrowserPool)发出级联退休通知
func (sp *SessionPool) handleSessionRetired(session *models.Session) {
	sp.mu.Lock()
	sp.removeSessionLocked(session)
	listeners := make([]func(*models.Session), 0, len(sp.retiredListeners))
	for _, fn := range sp.retiredListeners {
		listeners = append(listeners, fn)
	}
	sp.mu.Unlock()

	utils.Debugf("会话已下线: %s", session.ID)

	// 在锁外通知,订阅者回调可能反过来访问池
	for _, fn := range listeners {
		fn(session)
	}
}

// SubscribeSessionRetired 订阅会话下线事件,返回订阅ID
func (sp *SessionPool) SubscribeSessionRetired(fn func(*models.Session)) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.nextListenerID++
	sp.retiredListeners[sp.nextListenerID] = fn
	return sp.nextListenerID
}

// SubscribeStatePersisted 订阅状态持久化事件,返回订阅ID
func (sp *SessionPool) SubscribeStatePersisted(fn func(SessionPoolState)) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.nextListenerID++
	sp.persistListeners[sp.nextListenerID] = fn
	return sp.nextListenerID
}

// Unsubscribe 注销订阅
func (sp *SessionPool) Unsubscribe(id int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	delete(sp.retiredListeners, id)
	delete(sp.persistListeners, id)
}

// Cleanup 周期清理: 移除不可用会话
// 不主动补充,空出的槽位由下次GetSession按需创建填充
func (sp *SessionPool) Cleanup() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if !sp.initialized || sp.tornDown {
		return
	}

	kept := sp.sessions[:0]
	removed := 0
	for _, session := range sp.sessions {
		if session.IsUsable() {
			kept = append(kept, session)
		} else {
			delete(sp.sessionIDs, session.ID)
			removed++
		}
	}
	sp.sessions = kept

	if removed > 0 {
		utils.Debugf("会话池清理: 移除%d个不可用会话,当前%d个", removed, len(sp.sessions))
	}
}

// UsesProxyRotation 返回会话池是否配置了代理轮换列表
// BrowserPool据此检测池级代理配置冲突
func (sp *SessionPool) UsesProxyRotation() bool {
	return len(sp.opts.ProxyURLs) > 0
}

// Size 返回当前池中的会话数量
func (sp *SessionPool) Size() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.sessions)
}

// GetState 导出会话池快照
func (sp *SessionPool) GetState() (SessionPoolState, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := sp.checkInitializedLocked(); err != nil {
		return SessionPoolState{}, err
	}
	return sp.getStateLocked(), nil
}

func (sp *SessionPool) getStateLocked() SessionPoolState {
	state := SessionPoolState{
		Sessions: make([]models.SessionState, 0, len(sp.sessions)),
	}
	for _, session := range sp.sessions {
		if session.IsUsable() {
			state.UsableSessionsCount++
		} else {
			state.RetiredSessionsCount++
		}
		state.Sessions = append(state.Sessions, session.GetState())
	}
	return state
}

// PersistState 序列化当前状态并写入存储
// 由周期任务触发,也可在关闭前按需调用
func (sp *SessionPool) PersistState() error {
	sp.mu.Lock()
	if err := sp.checkInitializedLocked(); err != nil {
		sp.mu.Unlock()
		return err
	}

	state := sp.getStateLocked()
	store := sp.opts.Store
	storeID := sp.opts.PersistStateStoreID
	key := sp.opts.PersistStateKey

	listeners := make([]func(SessionPoolState), 0, len(sp.persistListeners))
	for _, fn := range sp.persistListeners {
		listeners = append(listeners, fn)
	}
	sp.mu.Unlock()

	if store == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化会话池状态失败: %w", err)
	}
	if err := store.Set(storeID, key, data); err != nil {
		return fmt.Errorf("写入会话池快照失败: %w", err)
	}

	utils.Debugf("会话池状态已持久化: 可用=%d, 下线=%d", state.UsableSessionsCount, state.RetiredSessionsCount)

	for _, fn := range listeners {
		fn(state)
	}
	return nil
}

// Teardown 拆除会话池
// 停止周期任务并做最后一次持久化,重复调用安全
func (sp *SessionPool) Teardown() {
	sp.mu.Lock()
	if sp.tornDown {
		sp.mu.Unlock()
		return
	}
	initialized := sp.initialized
	persistTask := sp.persistTask
	cleanupTask := sp.cleanupTask
	sp.mu.Unlock()

	if persistTask != nil {
		persistTask.Stop()
	}
	if cleanupTask != nil {
		cleanupTask.Stop()
	}

	// 关闭前持久化最终状态
	if initialized {
		if err := sp.PersistState(); err != nil {
			utils.Warnf("拆除前持久化会话池状态失败: %v", err)
		}
	}

	sp.mu.Lock()
	sp.tornDown = true
	sp.mu.Unlock()

	utils.Debugf("会话池已拆除")
}

// checkInitializedLocked 状态机检查
func (sp *SessionPool) checkInitializedLocked() error {
	if sp.tornDown {
		return fmt.Errorf("%w: 会话池已拆除", models.ErrNotInitialized)
	}
	if !sp.initialized {
		return models.ErrNotInitialized
	}
	return nil
}
