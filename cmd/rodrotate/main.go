package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RecoveryAshes/RodRotate/internal/core"
	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string

	validateConfig bool // 验证配置文件

	// 爬取参数
	targetURL string
	urlFile   string
	workers   int
	seedLimit int
	headless  bool

	// 池参数
	maxSessions int
	maxPages    int
	proxyURLs   []string
	reusePages  bool
	incognito   bool
	storageDir  string
)

var rootCmd = &cobra.Command{
	Use:   "rodrotate",
	Short: "浏览器资源池与会话轮换爬取工具",
	Long: `RodRotate - 基于Chrome实例池的大规模页面访问工具 (Go版本)

围绕两个池组织长时间运行的爬取任务:
  • 会话池: 身份轮换、错误计分、自动下线与持久化恢复
  • 浏览器池: 实例复用、标签页配额、按请求数退休、空闲清理
  • 封禁响应(401/403/429)自动反馈会话健康,换身份重试
  • 代理轮换支持池级与会话级两种模式

使用示例:
  # 从入口页收集同域URL并爬取
  rodrotate -u https://example.com

  # 爬取文件中列出的URL,8个并发worker
  rodrotate -f urls.txt --workers 8

  # 验证配置文件
  rodrotate --validate-config

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 初始化日志系统
		logConfig := utils.LogConfig{
			Level:      config.Logging.Level,
			LogDir:     config.Logging.LogDir,
			MaxSize:    config.Logging.Rotation.MaxSize,
			MaxBackups: config.Logging.Rotation.MaxBackups,
			MaxAge:     config.Logging.Rotation.MaxAge,
			Compress:   config.Logging.Rotation.Compress,
		}

		// 命令行参数覆盖配置文件
		if logLevel != "" {
			logConfig.Level = logLevel
		}

		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		appConfig, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		applyFlagOverrides(cmd, appConfig)

		// 如果用户请求验证配置
		if validateConfig {
			utils.Info("🔍 验证配置文件...")
			if err := appConfig.Validate(); err != nil {
				return fmt.Errorf("配置验证失败: %w", err)
			}
			utils.Info("✅ 配置验证通过!")
			if len(appConfig.Session.ProxyURLs) > 0 {
				utils.Infof("会话级代理 (%d个):", len(appConfig.Session.ProxyURLs))
				for _, p := range utils.RedactProxyURLs(appConfig.Session.ProxyURLs) {
					utils.Infof("  %s", p)
				}
			}
			if len(appConfig.Browser.ProxyURLs) > 0 {
				utils.Infof("池级代理 (%d个):", len(appConfig.Browser.ProxyURLs))
				for _, p := range utils.RedactProxyURLs(appConfig.Browser.ProxyURLs) {
					utils.Infof("  %s", p)
				}
			}
			return nil
		}

		// 如果没有提供任何参数,显示帮助信息
		if targetURL == "" && urlFile == "" {
			return cmd.Help()
		}

		if err := ValidateFlags(targetURL, workers, maxSessions, maxPages, seedLimit); err != nil {
			return err
		}

		// 组装待爬URL列表
		var urls []string
		if urlFile != "" {
			urls, err = utils.ReadURLsFromFile(urlFile)
			if err != nil {
				return fmt.Errorf("读取URL文件失败: %w", err)
			}
		} else {
			normalized, err := utils.NormalizeURL(targetURL)
			if err != nil {
				return fmt.Errorf("无效的目标URL: %w", err)
			}
			collector, err := core.NewSeedCollector(normalized, appConfig.Crawl.SeedLimit)
			if err != nil {
				return fmt.Errorf("创建种子收集器失败: %w", err)
			}
			urls, err = collector.Collect(normalized)
			if err != nil {
				return fmt.Errorf("种子收集失败: %w", err)
			}
		}
		if len(urls) == 0 {
			return fmt.Errorf("没有可爬取的URL")
		}

		crawler, err := core.NewCrawler(appConfig)
		if err != nil {
			return fmt.Errorf("创建爬取器失败: %w", err)
		}

		// 信号处理: Ctrl+C取消context,让运行中的任务自然收尾,
		// 状态持久化和池销毁由Run内部的finish完成
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		}()

		if err := crawler.Run(ctx, urls); err != nil {
			return fmt.Errorf("爬取失败: %w", err)
		}

		utils.Info("✨ 爬取任务完成!")
		return nil
	},
}

// applyFlagOverrides 命令行参数覆盖配置文件
func applyFlagOverrides(cmd *cobra.Command, config *core.Config) {
	if cmd.Flags().Changed("workers") {
		config.Crawl.Workers = workers
	}
	if cmd.Flags().Changed("seed-limit") {
		config.Crawl.SeedLimit = seedLimit
	}
	if cmd.Flags().Changed("headless") {
		config.Browser.Headless = headless
	}
	if cmd.Flags().Changed("max-sessions") {
		config.Session.MaxPoolSize = maxSessions
	}
	if cmd.Flags().Changed("max-pages") {
		config.Browser.MaxOpenPagesPerInstance = maxPages
	}
	if cmd.Flags().Changed("proxy") {
		config.Session.ProxyURLs = proxyURLs
	}
	if cmd.Flags().Changed("reuse-pages") {
		config.Browser.ReusePages = reusePages
	}
	if cmd.Flags().Changed("incognito") {
		config.Browser.UseIncognitoPages = incognito
	}
	if cmd.Flags().Changed("output") {
		config.Storage.Dir = storageDir
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RodRotate %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Println("Go实现版本 - 浏览器池与会话轮换工具")
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&validateConfig, "validate-config", false, "验证配置文件正确性")

	// 爬取参数
	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "入口URL (必需,除非使用 --url-file)")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "包含URL列表的文件路径")
	rootCmd.Flags().IntVar(&workers, "workers", 4, "并发worker数")
	rootCmd.Flags().IntVar(&seedLimit, "seed-limit", 100, "从入口页收集种子URL的上限")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "无头浏览器模式")

	// 池参数
	rootCmd.Flags().IntVar(&maxSessions, "max-sessions", 20, "会话池容量上限")
	rootCmd.Flags().IntVar(&maxPages, "max-pages", 8, "单个浏览器实例标签页上限")
	rootCmd.Flags().StringSliceVar(&proxyURLs, "proxy", []string{}, "会话级代理轮换列表,可多次指定")
	rootCmd.Flags().BoolVar(&reusePages, "reuse-pages", false, "回收标签页供后续请求复用")
	rootCmd.Flags().BoolVar(&incognito, "incognito", false, "每个标签页使用独立无痕上下文")
	rootCmd.Flags().StringVarP(&storageDir, "output", "o", "state", "状态与报告输出目录")

	// 添加子命令
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
