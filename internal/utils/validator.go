package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// 允许的代理协议
var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ProxyValidator 验证外部提供的代理轮换列表
// 代理配置错误会让整池会话绑定到不可用出口,启动前必须全量校验
type ProxyValidator struct {
	allowedSchemes map[string]bool
}

// NewProxyValidator 创建代理验证器
func NewProxyValidator() *ProxyValidator {
	return &ProxyValidator{
		allowedSchemes: allowedProxySchemes,
	}
}

// ValidateProxyURL 验证单个代理地址
func (pv *ProxyValidator) ValidateProxyURL(proxyURL string) error {
	if strings.TrimSpace(proxyURL) == "" {
		return fmt.Errorf("代理地址不能为空")
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("代理地址格式无效: %w", err)
	}

	if !pv.allowedSchemes[parsed.Scheme] {
		return fmt.Errorf("不支持的代理协议: %q (允许: http, https, socks5)", parsed.Scheme)
	}

	if parsed.Hostname() == "" {
		return fmt.Errorf("代理地址缺少主机名")
	}

	if parsed.Port() == "" {
		return fmt.Errorf("代理地址缺少端口: %s", RedactProxyURL(proxyURL))
	}

	return nil
}

// ValidateProxyURLs 验证整个代理列表,返回第一个错误
// 同一地址出现多次视为配置错误
func (pv *ProxyValidator) ValidateProxyURLs(proxyURLs []string) error {
	seen := make(map[string]bool, len(proxyURLs))
	for i, proxyURL := range proxyURLs {
		if err := pv.ValidateProxyURL(proxyURL); err != nil {
			return fmt.Errorf("代理列表第%d项: %w", i+1, err)
		}
		if seen[proxyURL] {
			return fmt.Errorf("代理列表第%d项重复: %s", i+1, RedactProxyURL(proxyURL))
		}
		seen[proxyURL] = true
	}
	return nil
}
