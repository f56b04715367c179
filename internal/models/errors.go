package models

import "errors"

// 池级错误类型定义
// 所有池操作的失败都归类到以下哨兵错误之一,调用方通过errors.Is判断
var (
	// ErrNotInitialized 池未初始化就调用了其他操作(编程错误)
	ErrNotInitialized = errors.New("会话池未初始化,请先调用Initialize")

	// ErrSessionCreation 会话工厂连续失败,无法创建新会话
	ErrSessionCreation = errors.New("创建会话失败")

	// ErrOperationTimeout 浏览器启动/标签页操作超时(可重试)
	ErrOperationTimeout = errors.New("浏览器操作超时")

	// ErrProcessCrashed 浏览器进程意外退出
	ErrProcessCrashed = errors.New("浏览器进程崩溃")

	// ErrInvalidConfiguration 配置冲突(启动时同步抛出,致命)
	ErrInvalidConfiguration = errors.New("配置无效")

	// ErrPoolDestroyed 池已销毁,拒绝新请求
	ErrPoolDestroyed = errors.New("浏览器池已销毁")

	// ErrResourceExhausted 系统资源不足,暂缓启动新实例(可重试)
	ErrResourceExhausted = errors.New("系统资源不足")
)
