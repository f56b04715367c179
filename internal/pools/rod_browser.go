package pools

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// RodLauncher 基于rod的真实浏览器启动器
type RodLauncher struct{}

// NewRodLauncher 创建rod启动器实例
func NewRodLauncher() *RodLauncher {
	return &RodLauncher{}
}

// Launch 启动浏览器进程并建立DevTools控制连接
func (rl *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l := launcher.New()

	l = l.Headless(opts.Headless)

	// 跳过HTTPS证书验证,适用于内网/开发环境的自签名证书
	l = l.Set("ignore-certificate-errors")

	// 绑定会话的代理出口,该进程内所有标签页共享同一网络身份
	if opts.ProxyURL != "" {
		l = l.Proxy(opts.ProxyURL)
		utils.Debugf("浏览器代理出口: %s", utils.RedactProxyURL(opts.ProxyURL))
	}

	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	utils.Debugf("浏览器已启动: %s (PID: %d)", controlURL, l.PID())

	return &rodBrowser{
		browser:        browser,
		launcher:       l,
		incognitoPages: opts.IncognitoPages,
	}, nil
}

// rodBrowser rod浏览器进程句柄
type rodBrowser struct {
	browser        *rod.Browser
	launcher       *launcher.Launcher
	incognitoPages bool
}

// NewPage 打开新标签页
// incognitoPages开启时每个标签页使用独立的无痕上下文,互不共享Cookie
func (rb *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	target := rb.browser.Context(ctx)

	if rb.incognitoPages {
		incognito, err := target.Incognito()
		if err != nil {
			return nil, fmt.Errorf("创建无痕上下文失败: %w", err)
		}
		target = incognito
	}

	page, err := target.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("创建标签页失败(浏览器可能已崩溃): %w", err)
	}

	return &rodPage{page: page}, nil
}

// Close 终止浏览器进程
func (rb *rodBrowser) Close(ctx context.Context) error {
	err := rb.browser.Close()

	// 无论控制连接是否正常关闭,都强杀底层进程,防止泄漏
	rb.launcher.Kill()

	if err != nil {
		return fmt.Errorf("关闭浏览器失败: %w", err)
	}
	return nil
}

// PID 返回浏览器进程ID
func (rb *rodBrowser) PID() int {
	return rb.launcher.PID()
}

// rodPage rod标签页句柄
type rodPage struct {
	page *rod.Page
}

// Navigate 导航到目标URL并等待加载完成
// 监听主文档的响应事件获取HTTP状态码,供调用方判断会话是否被封
func (rp *rodPage) Navigate(ctx context.Context, url string) (int, error) {
	page := rp.page.Context(ctx)

	status := 0
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(url); err != nil {
		return 0, fmt.Errorf("导航失败: %w", err)
	}
	wait()
	if err := page.WaitLoad(); err != nil {
		return status, fmt.Errorf("等待页面加载失败: %w", err)
	}
	return status, nil
}

// Close 关闭标签页
func (rp *rodPage) Close(ctx context.Context) error {
	return rp.page.Close()
}
