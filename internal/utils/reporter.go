package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// RunReport 爬取运行报告
// 记录一次长时间运行结束时的池状态和访问统计,用于事后排查封禁率
type RunReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   float64   `json:"duration_secs"`

	// 访问统计
	TotalURLs     int `json:"total_urls"`
	SucceededURLs int `json:"succeeded_urls"`
	FailedURLs    int `json:"failed_urls"`
	RetriedURLs   int `json:"retried_urls"`

	// 会话统计
	UsableSessions  int `json:"usable_sessions"`
	RetiredSessions int `json:"retired_sessions"`

	// 实例统计
	ActiveInstances   int `json:"active_instances"`
	RetiredInstances  int `json:"retired_instances"`
	LaunchedInstances int `json:"launched_instances"`
}

// Reporter 报告生成器
type Reporter struct {
	outputDir string
}

// NewReporter 创建报告生成器
func NewReporter(outputDir string) *Reporter {
	return &Reporter{outputDir: outputDir}
}

// GenerateReport 生成运行报告
func (r *Reporter) GenerateReport(report RunReport) error {
	reportsDir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}

	filename := fmt.Sprintf("run_report_%s.json", report.FinishedAt.Format("20060102_150405"))
	if err := r.saveJSONReport(reportsDir, filename, report); err != nil {
		return err
	}

	Infof("✅ 运行报告已生成: %s", filepath.Join(reportsDir, filename))
	return nil
}

// saveJSONReport 保存JSON报告
func (r *Reporter) saveJSONReport(dir string, filename string, data interface{}) error {
	path := filepath.Join(dir, filename)

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("写入报告文件失败: %w", err)
	}

	Debugf("保存报告: %s", path)
	return nil
}

// NewProgressBar 创建进度条
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
