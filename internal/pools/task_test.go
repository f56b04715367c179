package pools

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicTask_Tick(t *testing.T) {
	var runs int64
	task := NewPeriodicTask(time.Hour, func() { atomic.AddInt64(&runs, 1) })

	// 未启动也可手动触发
	task.Tick()
	task.Tick()
	if got := atomic.LoadInt64(&runs); got != 2 {
		t.Errorf("手动触发次数 = %d, 期望 2", got)
	}
}

func TestPeriodicTask_StartStop(t *testing.T) {
	var runs int64
	task := NewPeriodicTask(10*time.Millisecond, func() { atomic.AddInt64(&runs, 1) })

	task.Start()
	task.Start() // 幂等
	if !task.IsRunning() {
		t.Error("Start后IsRunning() = false")
	}

	// 等待至少一个周期触发
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) == 0 {
		select {
		case <-deadline:
			t.Fatal("周期任务从未触发")
		case <-time.After(5 * time.Millisecond):
		}
	}

	task.Stop()
	task.Stop() // 幂等
	if task.IsRunning() {
		t.Error("Stop后IsRunning() = true")
	}

	// 停止后不再触发
	stopped := atomic.LoadInt64(&runs)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != stopped {
		t.Errorf("Stop后仍在触发: %d → %d", stopped, got)
	}
}

func TestPeriodicTask_Restart(t *testing.T) {
	var runs int64
	task := NewPeriodicTask(time.Hour, func() { atomic.AddInt64(&runs, 1) })

	task.Start()
	task.Stop()
	task.Start()
	if !task.IsRunning() {
		t.Error("重新Start后IsRunning() = false")
	}
	task.Stop()
}
