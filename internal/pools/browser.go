package pools

import "context"

// Browser 浏览器进程句柄抽象
// BrowserPool通过该接口操作底层进程,真实实现基于rod(见rod_browser.go),
// 测试使用假实现,避免依赖本机Chrome
type Browser interface {
	// NewPage 打开一个新标签页
	NewPage(ctx context.Context) (Page, error)

	// Close 终止浏览器进程,释放全部资源
	Close(ctx context.Context) error

	// PID 返回底层进程ID,未知时返回0
	PID() int
}

// Page 标签页句柄抽象
type Page interface {
	// Navigate 导航到目标URL并等待页面加载完成
	// 返回主文档的HTTP状态码,调用方据此回报会话健康信号
	// 状态码不可得时返回0(不视为错误)
	Navigate(ctx context.Context, url string) (status int, err error)

	// Close 关闭标签页
	Close(ctx context.Context) error
}

// LaunchOptions 浏览器启动参数
type LaunchOptions struct {
	Headless       bool   // 无头模式
	ProxyURL       string // 绑定会话的代理出口,空表示直连
	UserDataDir    string // 磁盘缓存目录,空表示使用临时目录
	IncognitoPages bool   // 每个标签页使用独立的无痕上下文
}

// Launcher 浏览器启动器抽象
type Launcher interface {
	// Launch 启动一个浏览器进程并建立控制连接
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
