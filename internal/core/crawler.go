package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/RecoveryAshes/RodRotate/internal/models"
	"github.com/RecoveryAshes/RodRotate/internal/pools"
	"github.com/RecoveryAshes/RodRotate/internal/storage"
	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// 被目标站判定为封禁的HTTP状态码
var blockedStatusCodes = map[int]bool{
	401: true,
	403: true,
	429: true,
}

// crawlItem 一次待执行的页面访问
type crawlItem struct {
	url     string
	attempt int
}

// Crawler 无人值守爬取运行器
// 职责: 组装会话池与浏览器池,用worker池消费URL列表,
// 并把HTTP结果转换成会话健康信号反馈给SessionPool
type Crawler struct {
	config      *Config
	sessionPool *pools.SessionPool
	browserPool *pools.BrowserPool
	monitor     *pools.ResourceMonitor
	store       storage.KeyValueStore

	// 统计
	startedAt time.Time
	succeeded int
	failed    int
	retried   int
	statsMu   sync.Mutex
}

// NewCrawler 创建爬取运行器
// 两个池在此组装: 浏览器池持有会话池引用,并订阅其会话下线事件
func NewCrawler(config *Config) (*Crawler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store := storage.NewFileStore(config.Storage.Dir)

	sessionPool := pools.NewSessionPool(pools.SessionPoolOptions{
		MaxPoolSize: config.Session.MaxPoolSize,
		SessionOptions: models.SessionOptions{
			MaxAgeSecs:    config.Session.MaxAgeSecs,
			MaxUsageCount: config.Session.MaxUsageCount,
			MaxErrorScore: config.Session.MaxErrorScore,
		},
		ProxyURLs:           config.Session.ProxyURLs,
		PersistStateStoreID: config.Session.PersistStateStoreID,
		PersistStateKey:     config.Session.PersistStateKey,
		PersistIntervalSecs: config.Session.PersistIntervalSecs,
		CleanupIntervalSecs: config.Session.CleanupIntervalSecs,
		Store:               store,
	})
	if err := sessionPool.Initialize(); err != nil {
		return nil, err
	}

	var monitor *pools.ResourceMonitor
	if config.Resource.Enabled {
		monitor = pools.NewResourceMonitor(pools.ResourceMonitorConfig{
			SafetyReserveMemory: config.Resource.SafetyReserveMemory,
			SafetyThreshold:     config.Resource.SafetyThreshold,
			CPULoadThreshold:    config.Resource.CPULoadThreshold,
			InstanceMemoryUsage: config.Resource.InstanceMemoryUsage,
		})
		monitor.StartMonitoring(time.Second)
	}

	browserPool, err := pools.NewBrowserPool(pools.BrowserPoolOptions{
		MaxOpenPagesPerInstance:         config.Browser.MaxOpenPagesPerInstance,
		RetireInstanceAfterRequestCount: config.Browser.RetireInstanceAfterRequestCount,
		OperationTimeoutSecs:            config.Browser.OperationTimeoutSecs,
		InstanceKillerIntervalSecs:      config.Browser.InstanceKillerIntervalSecs,
		KillInstanceAfterSecs:           config.Browser.KillInstanceAfterSecs,
		ReusePages:                      config.Browser.ReusePages,
		UseIncognitoPages:               config.Browser.UseIncognitoPages,
		Headless:                        config.Browser.Headless,
		ProxyURLs:                       config.Browser.ProxyURLs,
		ResourceMonitor:                 monitor,
	}, sessionPool)
	if err != nil {
		if monitor != nil {
			monitor.StopMonitoring()
		}
		sessionPool.Teardown()
		return nil, err
	}

	return &Crawler{
		config:      config,
		sessionPool: sessionPool,
		browserPool: browserPool,
		monitor:     monitor,
		store:       store,
	}, nil
}

// Run 消费URL列表直到全部完成或context取消
func (c *Crawler) Run(ctx context.Context, urls []string) error {
	c.startedAt = time.Now()

	utils.Infof("🌐 爬取启动: %d个URL, %d个worker, 会话池上限%d",
		len(urls), c.config.Crawl.Workers, c.config.Session.MaxPoolSize)

	// 容量覆盖全部重试,入队永不阻塞
	items := make(chan crawlItem, len(urls)*(c.config.Crawl.RetryLimit+1))
	var pending sync.WaitGroup
	for _, u := range urls {
		pending.Add(1)
		items <- crawlItem{url: u}
	}

	// 全部条目终结后关闭队列,worker自然退出
	go func() {
		pending.Wait()
		close(items)
	}()

	bar := utils.NewProgressBar(len(urls), "页面访问")

	var wg sync.WaitGroup
	for i := 0; i < c.config.Crawl.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.worker(ctx, workerID, items, &pending, bar)
		}(i)
	}
	wg.Wait()

	return c.finish()
}

// worker 从队列拉取URL并访问,失败时按策略重试
func (c *Crawler) worker(ctx context.Context, workerID int, items chan crawlItem, pending *sync.WaitGroup, bar *progressbar.ProgressBar) {
	for item := range items {
		if ctx.Err() != nil {
			pending.Done()
			continue
		}

		err := c.visit(ctx, item.url)
		if err == nil {
			c.statsMu.Lock()
			c.succeeded++
			c.statsMu.Unlock()
			_ = bar.Add(1)
			pending.Done()
			continue
		}

		if isRetryable(err) && item.attempt < c.config.Crawl.RetryLimit {
			utils.Warnf("Worker %d 访问失败,重试(%d/%d) [%s]: %v",
				workerID, item.attempt+1, c.config.Crawl.RetryLimit, item.url, err)
			c.statsMu.Lock()
			c.retried++
			c.statsMu.Unlock()
			items <- crawlItem{url: item.url, attempt: item.attempt + 1}
			continue
		}

		utils.Errorf("Worker %d 访问失败 [%s]: %v", workerID, item.url, err)
		c.statsMu.Lock()
		c.failed++
		c.statsMu.Unlock()
		_ = bar.Add(1)
		pending.Done()
	}
}

// visit 访问单个URL并回报会话健康信号
func (c *Crawler) visit(ctx context.Context, url string) error {
	page, err := c.browserPool.NewPage(ctx)
	if err != nil {
		return err
	}
	defer c.browserPool.RecyclePage(page)

	navCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.Browser.OperationTimeoutSecs)*time.Second)
	status, err := page.Navigate(navCtx, url)
	cancel()

	session := page.Session()
	if err != nil {
		// 导航失败视为实例级故障信号
		if session != nil {
			session.MarkBad()
		}
		c.browserPool.Retire(page.Instance())
		return err
	}

	if session != nil {
		switch {
		case status == 407:
			// 代理认证失败,该身份已不可用
			utils.Warnf("代理认证失败,下线会话 %s", session.ID)
			session.Retire()
		case blockedStatusCodes[status]:
			utils.Debugf("疑似封禁响应 %d [%s],会话%s记一次失败", status, url, session.ID)
			session.MarkBad()
		case status > 0:
			session.MarkGood()
		}
	}

	return nil
}

// isRetryable 判断错误是否可通过重试恢复
// 超时、进程崩溃和资源不足都是局部故障,换一个实例/会话即可
func isRetryable(err error) bool {
	return errors.Is(err, models.ErrOperationTimeout) ||
		errors.Is(err, models.ErrProcessCrashed) ||
		errors.Is(err, models.ErrResourceExhausted)
}

// finish 收尾: 持久化会话状态,销毁池,生成报告
func (c *Crawler) finish() error {
	finishedAt := time.Now()

	if err := c.sessionPool.PersistState(); err != nil {
		utils.Warnf("收尾持久化会话状态失败: %v", err)
	}

	sessionState, stateErr := c.sessionPool.GetState()
	poolStats := c.browserPool.GetStats()

	c.browserPool.Destroy()
	c.sessionPool.Teardown()
	if c.monitor != nil {
		c.monitor.StopMonitoring()
	}

	c.statsMu.Lock()
	report := utils.RunReport{
		StartedAt:         c.startedAt,
		FinishedAt:        finishedAt,
		Duration:          finishedAt.Sub(c.startedAt).Seconds(),
		TotalURLs:         c.succeeded + c.failed,
		SucceededURLs:     c.succeeded,
		FailedURLs:        c.failed,
		RetriedURLs:       c.retried,
		ActiveInstances:   poolStats.ActiveInstances,
		RetiredInstances:  poolStats.RetiredInstances,
		LaunchedInstances: poolStats.LaunchedInstances,
	}
	c.statsMu.Unlock()

	if stateErr == nil {
		report.UsableSessions = sessionState.UsableSessionsCount
		report.RetiredSessions = sessionState.RetiredSessionsCount
	}

	reporter := utils.NewReporter(c.config.Storage.Dir)
	if err := reporter.GenerateReport(report); err != nil {
		utils.Warnf("生成运行报告失败: %v", err)
	}

	utils.Infof("✅ 爬取完成: 成功%d, 失败%d, 重试%d, 耗时%.2f秒",
		report.SucceededURLs, report.FailedURLs, report.RetriedURLs, report.Duration)
	return nil
}
