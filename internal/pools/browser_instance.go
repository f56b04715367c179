package pools

import (
	"time"

	"github.com/RecoveryAshes/RodRotate/internal/models"
)

// BrowserInstance 单个浏览器进程的簿记记录
// 纯数据结构,自身不做并发控制,所有字段变更都在BrowserPool的锁内进行
type BrowserInstance struct {
	// 池内单调递增ID
	ID int64

	// 底层进程句柄,启动完成后非nil
	// 启动是异步的,launchDone关闭后browser/launchErr才可读
	browser    Browser
	launchDone chan struct{}
	launchErr  error

	// 绑定的会话集合
	// 新实例启动时绑定一个会话;标签页跨会话复用时可能绑定多个
	sessions map[string]*models.Session

	// 启动时绑定的首个会话,新开标签页默认归属该会话
	primary *models.Session

	// 标签页计数器
	activeTabs int // 当前打开的标签页数
	totalTabs  int // 生命周期累计标签页数

	// 最后一次打开标签页的时间,空闲超时判定依据
	lastTabOpenedAt time.Time

	// 生命周期标记: Active → retired(不再接受新标签页) → killed(进程已终止)
	retired bool
	killed  bool

	// 磁盘缓存目录,进程终止后清理
	userDataDir string
}

// newBrowserInstance 创建处于启动中状态的实例记录
func newBrowserInstance(id int64, session *models.Session, userDataDir string) *BrowserInstance {
	bi := &BrowserInstance{
		ID:              id,
		launchDone:      make(chan struct{}),
		sessions:        make(map[string]*models.Session),
		lastTabOpenedAt: time.Now(),
		userDataDir:     userDataDir,
	}
	if session != nil {
		bi.sessions[session.ID] = session
		bi.primary = session
	}
	return bi
}

// primarySession 返回启动时绑定的会话
func (bi *BrowserInstance) primarySession() *models.Session {
	return bi.primary
}

// incrementPageCount 记录一次标签页分配
func (bi *BrowserInstance) incrementPageCount() {
	bi.activeTabs++
	bi.totalTabs++
	bi.lastTabOpenedAt = time.Now()
}

// bindSession 绑定额外的会话(标签页复用场景)
func (bi *BrowserInstance) bindSession(session *models.Session) {
	if session != nil {
		bi.sessions[session.ID] = session
	}
}

// boundTo 判断实例是否绑定了指定会话
func (bi *BrowserInstance) boundTo(sessionID string) bool {
	_, ok := bi.sessions[sessionID]
	return ok
}

// hasUnusableSession 判断实例绑定的会话中是否有已不可用的
func (bi *BrowserInstance) hasUnusableSession() bool {
	for _, session := range bi.sessions {
		if !session.IsUsable() {
			return true
		}
	}
	return false
}

// ActiveTabs 返回当前打开的标签页数
func (bi *BrowserInstance) ActiveTabs() int {
	return bi.activeTabs
}

// TotalTabs 返回生命周期累计标签页数
func (bi *BrowserInstance) TotalTabs() int {
	return bi.totalTabs
}

// IsRetired 返回实例是否已退休
func (bi *BrowserInstance) IsRetired() bool {
	return bi.retired
}

// IsKilled 返回实例进程是否已终止
func (bi *BrowserInstance) IsKilled() bool {
	return bi.killed
}

// PID 返回底层进程ID,启动未完成时返回0
func (bi *BrowserInstance) PID() int {
	select {
	case <-bi.launchDone:
		if bi.browser != nil {
			return bi.browser.PID()
		}
	default:
	}
	return 0
}
