package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// 快照文件扩展名,brotli压缩存储
const snapshotExt = ".json.br"

// FileStore 文件键值存储
// 布局: {baseDir}/{storeId}/{key}.json.br,每个key一个文件
// 值在落盘前经过brotli压缩,长时间运行的爬取任务快照可能很大
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore 创建文件存储实例
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Get 读取并解压指定键的快照
// 文件不存在返回found=false,解压失败作为错误返回(由调用方降级处理)
func (fs *FileStore) Get(storeID, key string) ([]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.keyPath(storeID, key)
	if err != nil {
		return nil, false, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("读取快照文件失败: %w", err)
	}

	reader := brotli.NewReader(bytes.NewReader(compressed))
	value, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("解压快照失败: %w", err)
	}

	return value, true, nil
}

// Set 压缩并写入指定键的快照
// 先写临时文件再rename,避免写一半时崩溃留下损坏的快照
func (fs *FileStore) Set(storeID, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path, err := fs.keyPath(storeID, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建存储目录失败: %w", err)
	}

	var buf bytes.Buffer
	writer := brotli.NewWriter(&buf)
	if _, err := writer.Write(value); err != nil {
		return fmt.Errorf("压缩快照失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("压缩快照失败: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("写入快照文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("替换快照文件失败: %w", err)
	}

	return nil
}

// keyPath 计算快照文件路径,拒绝包含路径分隔符的storeId/key
func (fs *FileStore) keyPath(storeID, key string) (string, error) {
	for _, part := range []string{storeID, key} {
		if part == "" {
			return "", fmt.Errorf("storeId和key不能为空")
		}
		if strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return "", fmt.Errorf("storeId或key包含非法字符: %s", part)
		}
	}
	return filepath.Join(fs.baseDir, storeID, key+snapshotExt), nil
}
