package models

import (
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// 会话默认阈值
const (
	DefaultMaxAgeSecs    = 3000 // 会话最大存活时间(秒)
	DefaultMaxUsageCount = 50   // 会话最大使用次数
	DefaultMaxErrorScore = 3.0  // 错误评分上限,达到后会话不再可用
)

// 错误评分调整权重
const (
	errorScoreIncrement = 1.0 // markBad时错误评分增量
	errorScoreDecrement = 0.5 // markGood时错误评分衰减量
)

// Session 轮换网络身份
// 职责: 绑定一个代理出口和Cookie状态,维护健康计数器,
// 供SessionPool判断该身份是否仍可继续对目标站点发起请求
type Session struct {
	// 身份信息
	ID       string         // 唯一ID
	ProxyURL string         // 粘性代理地址(空表示直连)
	Jar      http.CookieJar // Cookie容器
	UserData map[string]any // 调用方附加数据

	// 健康计数器
	usageCount    int
	errorScore    float64
	createdAt     time.Time
	maxAgeSecs    int
	maxUsageCount int
	maxErrorScore float64

	// 永久下线标记
	retired bool

	// 下线回调,由SessionPool注入,用于向BrowserPool级联退休通知
	onRetired func(*Session)

	mu sync.Mutex
}

// SessionOptions 会话创建参数
type SessionOptions struct {
	ID            string         // 为空时自动生成UUID
	ProxyURL      string         // 代理地址
	MaxAgeSecs    int            // 最大存活时间(秒),0表示使用默认值
	MaxUsageCount int            // 最大使用次数,0表示使用默认值
	MaxErrorScore float64        // 错误评分上限,0表示使用默认值
	UserData      map[string]any // 附加数据
}

// SessionState 会话的可序列化快照
// 与isUsable判定相关的全部字段都必须进入快照,
// 保证恢复后在相同时钟参考下isUsable结果一致
type SessionState struct {
	ID            string         `json:"id"`
	ProxyURL      string         `json:"proxy_url,omitempty"`
	UsageCount    int            `json:"usage_count"`
	ErrorScore    float64        `json:"error_score"`
	CreatedAt     time.Time      `json:"created_at"`
	MaxAgeSecs    int            `json:"max_age_secs"`
	MaxUsageCount int            `json:"max_usage_count"`
	MaxErrorScore float64        `json:"max_error_score"`
	Retired       bool           `json:"retired"`
	UserData      map[string]any `json:"user_data,omitempty"`
}

// NewSession 创建新会话
// Cookie jar使用publicsuffix列表,保证跨子域Cookie隔离正确
func NewSession(opts SessionOptions) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	s := &Session{
		ID:            id,
		ProxyURL:      opts.ProxyURL,
		Jar:           jar,
		UserData:      opts.UserData,
		createdAt:     time.Now(),
		maxAgeSecs:    opts.MaxAgeSecs,
		maxUsageCount: opts.MaxUsageCount,
		maxErrorScore: opts.MaxErrorScore,
	}
	s.applyDefaults()

	if s.UserData == nil {
		s.UserData = make(map[string]any)
	}

	return s, nil
}

// NewSessionFromState 从快照恢复会话
func NewSessionFromState(state SessionState) (*Session, error) {
	s, err := NewSession(SessionOptions{
		ID:            state.ID,
		ProxyURL:      state.ProxyURL,
		MaxAgeSecs:    state.MaxAgeSecs,
		MaxUsageCount: state.MaxUsageCount,
		MaxErrorScore: state.MaxErrorScore,
		UserData:      state.UserData,
	})
	if err != nil {
		return nil, err
	}

	s.usageCount = state.UsageCount
	s.errorScore = state.ErrorScore
	s.createdAt = state.CreatedAt
	s.retired = state.Retired
	return s, nil
}

// applyDefaults 填充未指定的阈值
func (s *Session) applyDefaults() {
	if s.maxAgeSecs <= 0 {
		s.maxAgeSecs = DefaultMaxAgeSecs
	}
	if s.maxUsageCount <= 0 {
		s.maxUsageCount = DefaultMaxUsageCount
	}
	if s.maxErrorScore <= 0 {
		s.maxErrorScore = DefaultMaxErrorScore
	}
}

// MarkGood 记录一次成功使用
// 使用次数+1,错误评分衰减(不低于0)
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usageCount++
	if s.errorScore > 0 {
		s.errorScore -= errorScoreDecrement
		if s.errorScore < 0 {
			s.errorScore = 0
		}
	}
}

// MarkBad 记录一次失败
// 错误评分+1,达到上限后IsUsable返回false
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorScore += errorScoreIncrement
}

// Retire 立即永久下线该会话,幂等
// 之后任何MarkGood都无法使其恢复可用
func (s *Session) Retire() {
	s.mu.Lock()
	alreadyRetired := s.retired
	s.retired = true
	callback := s.onRetired
	s.mu.Unlock()

	// 只在第一次下线时通知,保证回调幂等
	if !alreadyRetired && callback != nil {
		callback(s)
	}
}

// IsUsable 判断会话是否仍可用于新请求
// 任一条件不满足即不可用: 未下线、未过期、未超用、错误评分未超标
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsableLocked()
}

func (s *Session) isUsableLocked() bool {
	if s.retired {
		return false
	}
	if time.Since(s.createdAt) >= time.Duration(s.maxAgeSecs)*time.Second {
		return false
	}
	if s.usageCount >= s.maxUsageCount {
		return false
	}
	if s.errorScore >= s.maxErrorScore {
		return false
	}
	return true
}

// IsExpired 判断会话是否因年龄或用量超限而过期
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.createdAt) >= time.Duration(s.maxAgeSecs)*time.Second {
		return true
	}
	return s.usageCount >= s.maxUsageCount
}

// UsageCount 返回当前使用次数
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// ErrorScore 返回当前错误评分
func (s *Session) ErrorScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore
}

// CreatedAt 返回会话创建时间
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// SetOnRetired 注册下线回调(由SessionPool调用)
func (s *Session) SetOnRetired(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetired = fn
}

// GetState 导出可序列化快照
// 注意: Cookie jar不进入快照,恢复后的会话从空Cookie开始
func (s *Session) GetState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionState{
		ID:            s.ID,
		ProxyURL:      s.ProxyURL,
		UsageCount:    s.usageCount,
		ErrorScore:    s.errorScore,
		CreatedAt:     s.createdAt,
		MaxAgeSecs:    s.maxAgeSecs,
		MaxUsageCount: s.maxUsageCount,
		MaxErrorScore: s.maxErrorScore,
		Retired:       s.retired,
		UserData:      s.UserData,
	}
}
