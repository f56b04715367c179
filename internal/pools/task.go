// Package pools 实现浏览器资源池和会话轮换引擎
// 两个核心组件: SessionPool管理轮换网络身份,BrowserPool管理浏览器进程和标签页
package pools

import (
	"context"
	"sync"
	"time"
)

// PeriodicTask 独立持有的周期任务
// 职责: 以固定间隔执行回调(状态持久化、实例清理等),
// 显式Start/Stop控制生命周期,测试中可通过Tick手动驱动而无需真实等待
type PeriodicTask struct {
	interval time.Duration
	fn       func()

	cancelFunc context.CancelFunc
	isRunning  bool
	mu         sync.Mutex
}

// NewPeriodicTask 创建周期任务实例
func NewPeriodicTask(interval time.Duration, fn func()) *PeriodicTask {
	return &PeriodicTask{
		interval: interval,
		fn:       fn,
	}
}

// Start 启动后台执行goroutine,幂等
func (pt *PeriodicTask) Start() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.isRunning {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pt.cancelFunc = cancel
	pt.isRunning = true

	go pt.loop(ctx)
}

// loop 后台执行循环
func (pt *PeriodicTask) loop(ctx context.Context) {
	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pt.fn()
		}
	}
}

// Tick 手动触发一次执行
// 不要求任务已Start,供测试确定性驱动周期行为
func (pt *PeriodicTask) Tick() {
	pt.fn()
}

// Stop 停止后台执行,幂等
// 停止后不会再有新的周期触发,已在执行中的回调不被打断
func (pt *PeriodicTask) Stop() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.isRunning && pt.cancelFunc != nil {
		pt.cancelFunc()
		pt.isRunning = false
		pt.cancelFunc = nil
	}
}

// IsRunning 返回任务是否在后台运行
func (pt *PeriodicTask) IsRunning() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.isRunning
}
