package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// Config 应用程序配置
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Resource ResourceConfig `mapstructure:"resource"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SessionConfig 会话池配置
type SessionConfig struct {
	MaxPoolSize         int      `mapstructure:"max_pool_size"`
	MaxAgeSecs          int      `mapstructure:"max_age_secs"`
	MaxUsageCount       int      `mapstructure:"max_usage_count"`
	MaxErrorScore       float64  `mapstructure:"max_error_score"`
	PersistIntervalSecs int      `mapstructure:"persist_interval_secs"`
	CleanupIntervalSecs int      `mapstructure:"cleanup_interval_secs"`
	PersistStateStoreID string   `mapstructure:"persist_state_store_id"`
	PersistStateKey     string   `mapstructure:"persist_state_key"`
	ProxyURLs           []string `mapstructure:"proxy_urls"`
}

// BrowserConfig 浏览器池配置
type BrowserConfig struct {
	MaxOpenPagesPerInstance         int      `mapstructure:"max_open_pages_per_instance"`
	RetireInstanceAfterRequestCount int      `mapstructure:"retire_instance_after_request_count"`
	OperationTimeoutSecs            int      `mapstructure:"operation_timeout_secs"`
	InstanceKillerIntervalSecs      int      `mapstructure:"instance_killer_interval_secs"`
	KillInstanceAfterSecs           int      `mapstructure:"kill_instance_after_secs"`
	ReusePages                      bool     `mapstructure:"reuse_pages"`
	UseIncognitoPages               bool     `mapstructure:"use_incognito_pages"`
	Headless                        bool     `mapstructure:"headless"`
	ProxyURLs                       []string `mapstructure:"proxy_urls"`
}

// CrawlConfig 爬取运行配置
type CrawlConfig struct {
	Workers    int `mapstructure:"workers"`     // 并发worker数
	RetryLimit int `mapstructure:"retry_limit"` // 单URL可重试次数
	SeedLimit  int `mapstructure:"seed_limit"`  // 从入口页收集种子URL的上限
}

// StorageConfig 持久化存储配置
type StorageConfig struct {
	Dir string `mapstructure:"dir"` // 文件存储根目录
}

// ResourceConfig 资源监控配置
type ResourceConfig struct {
	Enabled             bool  `mapstructure:"enabled"`
	SafetyReserveMemory int64 `mapstructure:"safety_reserve_memory"`
	SafetyThreshold     int64 `mapstructure:"safety_threshold"`
	CPULoadThreshold    int   `mapstructure:"cpu_load_threshold"`
	InstanceMemoryUsage int64 `mapstructure:"instance_memory_usage"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		v.AddConfigPath("./configs")
		v.AddConfigPath(".")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rodrotate"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 会话池默认值
	v.SetDefault("session.max_pool_size", 20)
	v.SetDefault("session.max_age_secs", 3000)
	v.SetDefault("session.max_usage_count", 50)
	v.SetDefault("session.max_error_score", 3.0)
	v.SetDefault("session.persist_interval_secs", 60)
	v.SetDefault("session.cleanup_interval_secs", 60)
	v.SetDefault("session.persist_state_store_id", "default")
	v.SetDefault("session.persist_state_key", "SESSION_POOL_STATE")

	// 浏览器池默认值
	v.SetDefault("browser.max_open_pages_per_instance", 8)
	v.SetDefault("browser.retire_instance_after_request_count", 100)
	v.SetDefault("browser.operation_timeout_secs", 15)
	v.SetDefault("browser.instance_killer_interval_secs", 60)
	v.SetDefault("browser.kill_instance_after_secs", 300)
	v.SetDefault("browser.reuse_pages", false)
	v.SetDefault("browser.use_incognito_pages", false)
	v.SetDefault("browser.headless", true)

	// 爬取默认值
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.retry_limit", 3)
	v.SetDefault("crawl.seed_limit", 100)

	// 存储默认值
	v.SetDefault("storage.dir", "state")

	// 资源监控默认值
	v.SetDefault("resource.enabled", true)
	v.SetDefault("resource.safety_reserve_memory", 1024*1024*1024)
	v.SetDefault("resource.safety_threshold", 500*1024*1024)
	v.SetDefault("resource.cpu_load_threshold", 80)
	v.SetDefault("resource.instance_memory_usage", 300*1024*1024)

	// 日志配置默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)
}

// Validate 验证配置
// 代理配置冲突和非法代理地址在启动前拦截
func (c *Config) Validate() error {
	if c.Session.MaxPoolSize < 1 {
		return fmt.Errorf("会话池上限必须>=1,当前值: %d", c.Session.MaxPoolSize)
	}
	if c.Crawl.Workers < 1 || c.Crawl.Workers > 100 {
		return fmt.Errorf("并发worker数必须在1-100之间,当前值: %d", c.Crawl.Workers)
	}
	if c.Crawl.RetryLimit < 0 || c.Crawl.RetryLimit > 10 {
		return fmt.Errorf("重试次数必须在0-10之间,当前值: %d", c.Crawl.RetryLimit)
	}

	if len(c.Session.ProxyURLs) > 0 && len(c.Browser.ProxyURLs) > 0 {
		return fmt.Errorf("session.proxy_urls与browser.proxy_urls互斥,只能配置其一")
	}

	pv := utils.NewProxyValidator()
	if err := pv.ValidateProxyURLs(c.Session.ProxyURLs); err != nil {
		return fmt.Errorf("会话代理列表无效: %w", err)
	}
	if err := pv.ValidateProxyURLs(c.Browser.ProxyURLs); err != nil {
		return fmt.Errorf("浏览器代理列表无效: %w", err)
	}

	return nil
}
