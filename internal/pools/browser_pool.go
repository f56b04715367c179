package pools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RecoveryAshes/RodRotate/internal/models"
	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// 浏览器池默认配置
const (
	DefaultMaxOpenPagesPerInstance         = 50
	DefaultRetireInstanceAfterRequestCount = 100
	DefaultOperationTimeoutSecs            = 15
	DefaultInstanceKillerIntervalSecs      = 60
	DefaultKillInstanceAfterSecs           = 300
)

// BrowserPoolOptions 浏览器池配置
type BrowserPoolOptions struct {
	MaxOpenPagesPerInstance         int  // 单实例标签页上限
	RetireInstanceAfterRequestCount int  // 实例生命周期标签页阈值,达到后退休
	OperationTimeoutSecs            int  // 启动/开页等单次操作超时(秒)
	InstanceKillerIntervalSecs      int  // 清理扫描间隔(秒)
	KillInstanceAfterSecs           int  // 空闲宽限期(秒),超过后连进程一起清理
	ReusePages                      bool // 回收标签页供复用,而不是立即关闭
	UseIncognitoPages               bool // 每个标签页独立无痕上下文
	Headless                        bool // 无头模式

	// 池级代理轮换列表
	// 与SessionPool自带的代理轮换互斥,同时配置视为配置冲突
	ProxyURLs []string

	// 浏览器启动器,nil使用rod真实启动器
	Launcher Launcher

	// 可选的资源监控器,配置后内存不足时拒绝启动新实例
	ResourceMonitor *ResourceMonitor
}

// PageHandle 交给调用方的标签页句柄
// 每个句柄持有稳定的整数ID,池内通过ID在自有map中跟踪归属关系
type PageHandle struct {
	ID       int64
	page     Page
	instance *BrowserInstance
	session  *models.Session
}

// Navigate 导航到目标URL,返回主文档HTTP状态码
func (ph *PageHandle) Navigate(ctx context.Context, url string) (int, error) {
	return ph.page.Navigate(ctx, url)
}

// Session 返回该标签页绑定的会话,调用方据此回报健康信号
func (ph *PageHandle) Session() *models.Session {
	return ph.session
}

// Instance 返回该标签页所属的浏览器实例
func (ph *PageHandle) Instance() *BrowserInstance {
	return ph.instance
}

// BrowserPool 浏览器进程池
// 职责: 在容量、新鲜度和会话绑定策略约束下分发可用标签页,
// 并确定性地回收进程资源
//
// 每个新实例启动时绑定一个会话的代理身份,该进程内所有标签页共享
// 同一出口;会话下线时其绑定的全部实例级联退休,保证不再有标签页
// 顶着被封的身份继续请求
type BrowserPool struct {
	opts        BrowserPoolOptions
	sessionPool *SessionPool
	launcher    Launcher

	activeInstances  map[int64]*BrowserInstance
	retiredInstances map[int64]*BrowserInstance

	// 空闲标签页列表(ReusePages开启时使用)
	idlePages []*PageHandle

	// 标签页ID → 所属实例
	pageOwners map[int64]*BrowserInstance

	nextInstanceID int64
	nextPageID     int64

	// 成功启动的实例累计数,只增不减
	launchedCount int

	// 池级代理轮换游标
	proxyIndex int

	killerTask   *PeriodicTask
	retiredSubID int
	destroyed    bool

	mu sync.Mutex
}

// NewBrowserPool 创建并启动浏览器池
// 配置冲突在此同步检查,返回ErrInvalidConfiguration
func NewBrowserPool(opts BrowserPoolOptions, sessionPool *SessionPool) (*BrowserPool, error) {
	if sessionPool == nil {
		return nil, fmt.Errorf("%w: 缺少会话池", models.ErrInvalidConfiguration)
	}
	if len(opts.ProxyURLs) > 0 && sessionPool.UsesProxyRotation() {
		return nil, fmt.Errorf("%w: 池级ProxyURLs与会话池的代理轮换互斥,只能配置其一", models.ErrInvalidConfiguration)
	}
	for _, proxyURL := range opts.ProxyURLs {
		if proxyURL == "" {
			return nil, fmt.Errorf("%w: ProxyURLs包含空地址", models.ErrInvalidConfiguration)
		}
	}

	if opts.MaxOpenPagesPerInstance <= 0 {
		opts.MaxOpenPagesPerInstance = DefaultMaxOpenPagesPerInstance
	}
	if opts.RetireInstanceAfterRequestCount <= 0 {
		opts.RetireInstanceAfterRequestCount = DefaultRetireInstanceAfterRequestCount
	}
	if opts.OperationTimeoutSecs <= 0 {
		opts.OperationTimeoutSecs = DefaultOperationTimeoutSecs
	}
	if opts.InstanceKillerIntervalSecs <= 0 {
		opts.InstanceKillerIntervalSecs = DefaultInstanceKillerIntervalSecs
	}
	if opts.KillInstanceAfterSecs <= 0 {
		opts.KillInstanceAfterSecs = DefaultKillInstanceAfterSecs
	}

	bp := &BrowserPool{
		opts:             opts,
		sessionPool:      sessionPool,
		launcher:         opts.Launcher,
		activeInstances:  make(map[int64]*BrowserInstance),
		retiredInstances: make(map[int64]*BrowserInstance),
		pageOwners:       make(map[int64]*BrowserInstance),
	}
	if bp.launcher == nil {
		bp.launcher = NewRodLauncher()
	}

	// 会话下线 → 级联退休绑定实例
	bp.retiredSubID = sessionPool.SubscribeSessionRetired(bp.retireBrowserWithSession)

	bp.killerTask = NewPeriodicTask(time.Duration(opts.InstanceKillerIntervalSecs)*time.Second, bp.KillIdleInstances)
	bp.killerTask.Start()

	return bp, nil
}

// operationTimeout 返回单次浏览器操作的超时时长
func (bp *BrowserPool) operationTimeout() time.Duration {
	return time.Duration(bp.opts.OperationTimeoutSecs) * time.Second
}

// NewPage 获取一个可用标签页
// 顺序: 空闲标签页复用 → 有余量的存活实例 → 启动新实例
// 超时会退休肇事实例并返回ErrOperationTimeout,调用方重新调用即可重试
func (bp *BrowserPool) NewPage(ctx context.Context) (*PageHandle, error) {
	// 路径1: 复用空闲标签页
	if bp.opts.ReusePages {
		if handle, err := bp.reuseIdlePage(); err != nil {
			return nil, err
		} else if handle != nil {
			return handle, nil
		}
	}

	// 路径2: 既有实例的空余槽位
	instance := bp.claimExistingSlot()

	// 路径3: 启动新实例
	if instance == nil {
		var err error
		instance, err = bp.launchInstance(ctx)
		if err != nil {
			return nil, err
		}
	}

	return bp.openPageOn(ctx, instance)
}

// reuseIdlePage 从空闲列表取一个标签页,重新绑定新会话
// 所属实例已退休或死亡的空闲标签页直接丢弃并释放槽位,
// 防止退休实例(被封代理出口)的停放标签页被重新发出去
func (bp *BrowserPool) reuseIdlePage() (*PageHandle, error) {
	var handle *PageHandle
	var stale []*PageHandle

	bp.mu.Lock()
	if bp.destroyed {
		bp.mu.Unlock()
		return nil, models.ErrPoolDestroyed
	}
	for len(bp.idlePages) > 0 {
		candidate := bp.idlePages[len(bp.idlePages)-1]
		bp.idlePages = bp.idlePages[:len(bp.idlePages)-1]
		if candidate.instance.killed || candidate.instance.retired {
			delete(bp.pageOwners, candidate.ID)
			if candidate.instance.activeTabs > 0 {
				candidate.instance.activeTabs--
			}
			stale = append(stale, candidate)
			continue
		}
		handle = candidate
		break
	}
	bp.mu.Unlock()

	for _, s := range stale {
		closeCtx, cancel := context.WithTimeout(context.Background(), bp.operationTimeout())
		_ = s.page.Close(closeCtx)
		cancel()
	}

	if handle == nil {
		return nil, nil
	}

	// 轮换策略: 复用的标签页每次使用绑定一个新会话
	session, err := bp.sessionPool.GetSession()
	if err != nil {
		// 会话获取失败,标签页放回空闲列表,错误向上传播
		bp.mu.Lock()
		if !bp.destroyed {
			bp.idlePages = append(bp.idlePages, handle)
		}
		bp.mu.Unlock()
		return nil, err
	}

	bp.mu.Lock()
	handle.session = session
	handle.instance.bindSession(session)
	handle.instance.lastTabOpenedAt = time.Now()
	bp.mu.Unlock()

	utils.Debugf("复用空闲标签页 #%d (实例#%d, 会话%s)", handle.ID, handle.instance.ID, session.ID)
	return handle, nil
}

// claimExistingSlot 在既有活跃实例中认领一个标签页槽位
// 认领即计数,输掉竞争的调用方自然落入新实例启动路径
func (bp *BrowserPool) claimExistingSlot() *BrowserInstance {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, bi := range bp.activeInstances {
		if bi.retired || bi.killed {
			continue
		}
		if bi.activeTabs >= bp.opts.MaxOpenPagesPerInstance {
			continue
		}
		if bi.totalTabs >= bp.opts.RetireInstanceAfterRequestCount {
			continue
		}
		bi.incrementPageCount()
		return bi
	}
	return nil
}

// launchInstance 启动新浏览器实例并认领首个标签页槽位
// 启动在池锁之外进行,期间池状态可能变化,完成后重新检查
func (bp *BrowserPool) launchInstance(ctx context.Context) (*BrowserInstance, error) {
	if bp.opts.ResourceMonitor != nil {
		if ok, reason := bp.opts.ResourceMonitor.CheckResourceAvailability(); !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrResourceExhausted, reason)
		}
	}

	// 绑定会话: 会话池轮换优先,否则使用池级代理列表
	session, err := bp.sessionPool.GetSession()
	if err != nil {
		return nil, err
	}

	proxyURL := session.ProxyURL
	bp.mu.Lock()
	if bp.destroyed {
		bp.mu.Unlock()
		return nil, models.ErrPoolDestroyed
	}
	if proxyURL == "" && len(bp.opts.ProxyURLs) > 0 {
		proxyURL = bp.opts.ProxyURLs[bp.proxyIndex%len(bp.opts.ProxyURLs)]
		bp.proxyIndex++
	}

	var userDataDir string
	if !bp.opts.UseIncognitoPages {
		if dir, dirErr := os.MkdirTemp("", "rodrotate-profile-"); dirErr == nil {
			userDataDir = dir
		} else {
			utils.Warnf("创建磁盘缓存目录失败,使用浏览器默认目录: %v", dirErr)
		}
	}

	bp.nextInstanceID++
	bi := newBrowserInstance(bp.nextInstanceID, session, userDataDir)
	bi.incrementPageCount() // 认领首个槽位
	bp.activeInstances[bi.ID] = bi
	bp.mu.Unlock()

	launchCtx, cancel := context.WithTimeout(ctx, bp.operationTimeout())
	browser, err := bp.launcher.Launch(launchCtx, LaunchOptions{
		Headless:       bp.opts.Headless,
		ProxyURL:       proxyURL,
		UserDataDir:    userDataDir,
		IncognitoPages: bp.opts.UseIncognitoPages,
	})
	cancel()

	bp.mu.Lock()
	if err != nil {
		// 启动失败: 实例从簿记中移除,等待方收到launchErr
		bi.launchErr = err
		bi.killed = true
		close(bi.launchDone)
		delete(bp.activeInstances, bi.ID)
		bp.mu.Unlock()
		bp.cleanupUserDataDir(bi)

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: 浏览器启动超过%d秒", models.ErrOperationTimeout, bp.opts.OperationTimeoutSecs)
		}
		return nil, fmt.Errorf("启动浏览器实例失败: %w", err)
	}

	bi.browser = browser
	bp.launchedCount++
	close(bi.launchDone)

	if bp.destroyed {
		// 启动期间池已销毁,进程就地终止
		delete(bp.activeInstances, bi.ID)
		bi.killed = true
		bp.mu.Unlock()
		bp.closeBrowser(bi)
		return nil, models.ErrPoolDestroyed
	}
	bp.mu.Unlock()

	utils.Infof("启动浏览器实例 #%d (PID: %d, 会话: %s)", bi.ID, browser.PID(), session.ID)
	return bi, nil
}

// openPageOn 在指定实例上打开标签页
// 槽位已在认领阶段计数;打开失败时回滚计数并退休实例
func (bp *BrowserPool) openPageOn(ctx context.Context, bi *BrowserInstance) (*PageHandle, error) {
	// 等待实例启动完成(槽位可能认领在启动中的实例上)
	select {
	case <-bi.launchDone:
	case <-time.After(bp.operationTimeout()):
		bp.releaseSlotAndRetire(bi)
		return nil, fmt.Errorf("%w: 等待实例#%d启动超过%d秒", models.ErrOperationTimeout, bi.ID, bp.opts.OperationTimeoutSecs)
	case <-ctx.Done():
		bp.releaseSlot(bi)
		return nil, ctx.Err()
	}
	if bi.launchErr != nil {
		bp.releaseSlot(bi)
		return nil, fmt.Errorf("实例#%d启动失败: %w", bi.ID, bi.launchErr)
	}

	openCtx, cancel := context.WithTimeout(ctx, bp.operationTimeout())
	page, err := bi.browser.NewPage(openCtx)
	cancel()

	if err != nil {
		bp.releaseSlotAndRetire(bi)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: 实例#%d打开标签页超过%d秒", models.ErrOperationTimeout, bi.ID, bp.opts.OperationTimeoutSecs)
		}
		// 开页失败视为崩溃信号
		return nil, fmt.Errorf("%w: 实例#%d打开标签页失败: %v", models.ErrProcessCrashed, bi.ID, err)
	}

	bp.mu.Lock()
	if bi.killed || bp.destroyed {
		// 开页期间实例被后台清理,作为可重试条件处理
		bp.mu.Unlock()
		closeCtx, cancelClose := context.WithTimeout(context.Background(), bp.operationTimeout())
		_ = page.Close(closeCtx)
		cancelClose()
		bp.releaseSlot(bi)
		return nil, fmt.Errorf("%w: 实例#%d已被清理,请重试", models.ErrProcessCrashed, bi.ID)
	}

	bp.nextPageID++
	handle := &PageHandle{
		ID:       bp.nextPageID,
		page:     page,
		instance: bi,
		session:  bi.primarySession(),
	}
	bp.pageOwners[handle.ID] = bi

	// 开页后的退休触发检查
	if bi.totalTabs >= bp.opts.RetireInstanceAfterRequestCount {
		bp.retireLocked(bi, "达到生命周期标签页上限")
	} else if bi.hasUnusableSession() {
		bp.retireLocked(bi, "绑定会话已不可用")
	}
	bp.mu.Unlock()

	return handle, nil
}

// releaseSlot 回滚一次槽位认领
func (bp *BrowserPool) releaseSlot(bi *BrowserInstance) {
	bp.mu.Lock()
	if bi.activeTabs > 0 {
		bi.activeTabs--
	}
	bp.mu.Unlock()
}

// releaseSlotAndRetire 回滚槽位认领并退休实例(超时/崩溃路径)
func (bp *BrowserPool) releaseSlotAndRetire(bi *BrowserInstance) {
	bp.mu.Lock()
	if bi.activeTabs > 0 {
		bi.activeTabs--
	}
	bp.retireLocked(bi, "操作超时或失败")
	bp.mu.Unlock()
}

// RecyclePage 归还标签页
// ReusePages开启时停入空闲列表供复用(实例的activeTabs保持计数,
// 直到标签页随进程关闭才真正释放);否则立即关闭并触发退休检查
func (bp *BrowserPool) RecyclePage(handle *PageHandle) {
	if handle == nil {
		return
	}

	bp.mu.Lock()
	owner := handle.instance
	if bp.opts.ReusePages && !bp.destroyed && !owner.killed && !owner.retired {
		bp.idlePages = append(bp.idlePages, handle)
		bp.mu.Unlock()
		return
	}

	delete(bp.pageOwners, handle.ID)
	if owner.activeTabs > 0 {
		owner.activeTabs--
	}
	if owner.hasUnusableSession() {
		bp.retireLocked(owner, "绑定会话已不可用")
	}
	bp.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), bp.operationTimeout())
	defer cancel()
	if err := handle.page.Close(closeCtx); err != nil {
		utils.Warnf("关闭标签页 #%d 失败: %v", handle.ID, err)
	}
}

// Retire 显式退休一个实例
// 停止接受新标签页,在途标签页继续完成,进程由周期清理回收
// 这是与强杀(kill)的本质区别
func (bp *BrowserPool) Retire(bi *BrowserInstance) {
	if bi == nil {
		return
	}
	bp.mu.Lock()
	bp.retireLocked(bi, "调用方显式退休")
	bp.mu.Unlock()
}

// retireLocked 实例从活跃转入退休,幂等
func (bp *BrowserPool) retireLocked(bi *BrowserInstance, reason string) {
	if bi.retired || bi.killed {
		return
	}
	bi.retired = true
	delete(bp.activeInstances, bi.ID)
	bp.retiredInstances[bi.ID] = bi
	utils.Debugf("实例#%d退休: %s (活跃标签页: %d)", bi.ID, reason, bi.activeTabs)
}

// retireBrowserWithSession 会话下线的级联处理
// 绑定该会话的每个实例都退休,保证不再有新标签页使用被封身份
func (bp *BrowserPool) retireBrowserWithSession(session *models.Session) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, bi := range bp.activeInstances {
		if bi.boundTo(session.ID) {
			bp.retireLocked(bi, fmt.Sprintf("会话%s已下线", session.ID))
		}
	}
}

// KillIdleInstances 周期清理扫描
// 清理对象: 无活跃标签页的退休实例;空闲超过宽限期的任何实例;
// 绑定会话已不可用的活跃实例顺带退休,下个周期回收
// 进程终止失败仅记录日志,簿记照常移除——泄漏一个OS进程
// 好过留着一个阻塞后续启动的内存句柄
func (bp *BrowserPool) KillIdleInstances() {
	idleLimit := time.Duration(bp.opts.KillInstanceAfterSecs) * time.Second

	bp.mu.Lock()
	if bp.destroyed {
		bp.mu.Unlock()
		return
	}

	// 会话失效的活跃实例先退休
	for _, bi := range bp.activeInstances {
		if bi.hasUnusableSession() {
			bp.retireLocked(bi, "绑定会话已不可用")
		}
	}

	var victims []*BrowserInstance
	for id, bi := range bp.retiredInstances {
		if bi.activeTabs == 0 || time.Since(bi.lastTabOpenedAt) > idleLimit {
			bi.killed = true
			delete(bp.retiredInstances, id)
			victims = append(victims, bi)
		}
	}
	for id, bi := range bp.activeInstances {
		if time.Since(bi.lastTabOpenedAt) > idleLimit {
			bi.killed = true
			delete(bp.activeInstances, id)
			victims = append(victims, bi)
		}
	}

	// 死亡实例的标签页从簿记中摘除
	for pageID, owner := range bp.pageOwners {
		if owner.killed {
			delete(bp.pageOwners, pageID)
		}
	}
	kept := bp.idlePages[:0]
	for _, handle := range bp.idlePages {
		if !handle.instance.killed {
			kept = append(kept, handle)
		}
	}
	bp.idlePages = kept
	bp.mu.Unlock()

	for _, bi := range victims {
		utils.Infof("清理浏览器实例 #%d (累计标签页: %d)", bi.ID, bi.totalTabs)
		bp.closeBrowser(bi)
	}
}

// closeBrowser 终止实例的底层进程并清理磁盘缓存目录
func (bp *BrowserPool) closeBrowser(bi *BrowserInstance) {
	select {
	case <-bi.launchDone:
	case <-time.After(bp.operationTimeout()):
		utils.Warnf("实例#%d启动未完成,放弃等待直接清理簿记", bi.ID)
		return
	}

	if bi.browser != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), bp.operationTimeout())
		if err := bi.browser.Close(closeCtx); err != nil {
			utils.Warnf("终止实例#%d进程失败(已从簿记移除): %v", bi.ID, err)
		}
		cancel()
	}
	bp.cleanupUserDataDir(bi)
}

// cleanupUserDataDir 删除实例的磁盘缓存目录
func (bp *BrowserPool) cleanupUserDataDir(bi *BrowserInstance) {
	if bi.userDataDir == "" {
		return
	}
	if err := os.RemoveAll(bi.userDataDir); err != nil {
		utils.Warnf("清理实例#%d缓存目录失败: %v", bi.ID, err)
	}
}

// Destroy 销毁整个池
// 先解除周期清理,再退休所有活跃实例,最后无视在途标签页强杀全部进程
func (bp *BrowserPool) Destroy() {
	// 先解除周期任务,避免清理动作作用在半销毁状态上
	bp.killerTask.Stop()
	bp.sessionPool.Unsubscribe(bp.retiredSubID)

	bp.mu.Lock()
	if bp.destroyed {
		bp.mu.Unlock()
		return
	}
	bp.destroyed = true

	var victims []*BrowserInstance
	for _, bi := range bp.activeInstances {
		bp.retireLocked(bi, "池销毁")
	}
	for id, bi := range bp.retiredInstances {
		bi.killed = true
		delete(bp.retiredInstances, id)
		victims = append(victims, bi)
	}
	bp.idlePages = nil
	bp.pageOwners = make(map[int64]*BrowserInstance)
	bp.mu.Unlock()

	for _, bi := range victims {
		bp.closeBrowser(bi)
	}

	utils.Infof("浏览器池已销毁: 共回收%d个实例", len(victims))
}

// Stats 池运行统计
type Stats struct {
	ActiveInstances   int `json:"active_instances"`
	RetiredInstances  int `json:"retired_instances"`
	LaunchedInstances int `json:"launched_instances"`
	IdlePages         int `json:"idle_pages"`
	OpenPages         int `json:"open_pages"`
}

// GetStats 返回当前池状态统计
// 停入空闲列表的标签页仍留在归属簿记中,OpenPages只计使用中的部分
func (bp *BrowserPool) GetStats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	return Stats{
		ActiveInstances:   len(bp.activeInstances),
		RetiredInstances:  len(bp.retiredInstances),
		LaunchedInstances: bp.launchedCount,
		IdlePages:         len(bp.idlePages),
		OpenPages:         len(bp.pageOwners) - len(bp.idlePages),
	}
}
