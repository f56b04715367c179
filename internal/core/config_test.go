package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// 指向空目录,不存在配置文件时全部使用默认值
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(oldWd)

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Session.MaxPoolSize != 20 {
		t.Errorf("session.max_pool_size = %d, 期望 20", config.Session.MaxPoolSize)
	}
	if config.Browser.MaxOpenPagesPerInstance != 8 {
		t.Errorf("browser.max_open_pages_per_instance = %d, 期望 8", config.Browser.MaxOpenPagesPerInstance)
	}
	if !config.Browser.Headless {
		t.Error("browser.headless 默认应为 true")
	}
	if config.Crawl.Workers != 4 {
		t.Errorf("crawl.workers = %d, 期望 4", config.Crawl.Workers)
	}
	if config.Logging.Level != "info" {
		t.Errorf("logging.level = %s, 期望 info", config.Logging.Level)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
session:
  max_pool_size: 7
  proxy_urls:
    - http://127.0.0.1:8080
browser:
  max_open_pages_per_instance: 3
  headless: false
crawl:
  workers: 12
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Session.MaxPoolSize != 7 {
		t.Errorf("session.max_pool_size = %d, 期望 7", config.Session.MaxPoolSize)
	}
	if len(config.Session.ProxyURLs) != 1 {
		t.Errorf("session.proxy_urls数量 = %d, 期望 1", len(config.Session.ProxyURLs))
	}
	if config.Browser.MaxOpenPagesPerInstance != 3 {
		t.Errorf("browser.max_open_pages_per_instance = %d, 期望 3", config.Browser.MaxOpenPagesPerInstance)
	}
	if config.Browser.Headless {
		t.Error("browser.headless 应为 false")
	}
	if config.Crawl.Workers != 12 {
		t.Errorf("crawl.workers = %d, 期望 12", config.Crawl.Workers)
	}
	// 未覆盖的字段保持默认值
	if config.Crawl.RetryLimit != 3 {
		t.Errorf("crawl.retry_limit = %d, 期望默认值 3", config.Crawl.RetryLimit)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Session: SessionConfig{MaxPoolSize: 20},
			Crawl:   CrawlConfig{Workers: 4, RetryLimit: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"有效配置", func(c *Config) {}, false},
		{"会话池上限为0", func(c *Config) { c.Session.MaxPoolSize = 0 }, true},
		{"worker数超限", func(c *Config) { c.Crawl.Workers = 200 }, true},
		{"重试次数为负", func(c *Config) { c.Crawl.RetryLimit = -1 }, true},
		{
			"双重代理配置",
			func(c *Config) {
				c.Session.ProxyURLs = []string{"http://p1:8080"}
				c.Browser.ProxyURLs = []string{"http://p2:8080"}
			},
			true,
		},
		{
			"会话代理合法",
			func(c *Config) { c.Session.ProxyURLs = []string{"socks5://127.0.0.1:1080"} },
			false,
		},
		{
			"代理协议非法",
			func(c *Config) { c.Session.ProxyURLs = []string{"ftp://127.0.0.1:21"} },
			true,
		},
		{
			"代理缺少端口",
			func(c *Config) { c.Browser.ProxyURLs = []string{"http://127.0.0.1"} },
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
