package main

import (
	"fmt"

	"github.com/RecoveryAshes/RodRotate/internal/utils"
)

// ValidateFlags 验证命令行标志
func ValidateFlags(targetURL string, workers, maxSessions, maxPages, seedLimit int) error {
	// 验证URL
	if targetURL != "" {
		if err := utils.ValidateURL(targetURL); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
	}

	// 验证并发数
	if workers < 1 || workers > 100 {
		return fmt.Errorf("并发worker数必须在1-100之间,当前值: %d", workers)
	}

	// 验证会话池容量
	if maxSessions < 1 || maxSessions > 1000 {
		return fmt.Errorf("会话池容量必须在1-1000之间,当前值: %d", maxSessions)
	}

	// 验证标签页上限
	if maxPages < 1 || maxPages > 50 {
		return fmt.Errorf("单实例标签页上限必须在1-50之间,当前值: %d", maxPages)
	}

	// 验证种子上限
	if seedLimit < 1 || seedLimit > 10000 {
		return fmt.Errorf("种子URL上限必须在1-10000之间,当前值: %d", seedLimit)
	}

	return nil
}
