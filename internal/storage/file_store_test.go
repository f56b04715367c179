package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	payload := []byte(`{"usable_sessions_count": 3, "sessions": []}`)
	if err := fs.Set("default", "SESSION_POOL_STATE", payload); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, found, err := fs.Get("default", "SESSION_POOL_STATE")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, 期望 true")
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %s, 期望 %s", got, payload)
	}
}

func TestFileStore_AbsenceIsNotError(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	got, found, err := fs.Get("default", "不存在的键")
	if err != nil {
		t.Errorf("Get() error = %v, 期望 nil", err)
	}
	if found {
		t.Error("Get() found = true, 期望 false")
	}
	if got != nil {
		t.Errorf("Get() = %v, 期望 nil", got)
	}
}

func TestFileStore_Overwrite(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	if err := fs.Set("s", "k", []byte("第一版")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Set("s", "k", []byte("第二版")); err != nil {
		t.Fatal(err)
	}

	got, _, err := fs.Get("s", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "第二版" {
		t.Errorf("Get() = %s, 期望覆盖为第二版", got)
	}
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	fs := NewFileStore(t.TempDir())

	tests := []struct {
		name    string
		storeID string
		key     string
	}{
		{"键含路径分隔符", "s", "a/b"},
		{"键含上级目录", "s", ".."},
		{"空间ID含路径分隔符", "a/b", "k"},
		{"空键", "s", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := fs.Set(tt.storeID, tt.key, []byte("x")); err == nil {
				t.Error("Set()应拒绝非法键")
			}
			if _, _, err := fs.Get(tt.storeID, tt.key); err == nil {
				t.Error("Get()应拒绝非法键")
			}
		})
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	fs := NewFileStore(dir)

	if err := fs.Set("s", "k", []byte("正常数据")); err != nil {
		t.Fatal(err)
	}

	// 直接破坏磁盘文件,Get应报错而不是返回脏数据
	matches, err := filepath.Glob(filepath.Join(dir, "s", "*"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("定位快照文件失败: %v (%d个)", err, len(matches))
	}
	if err := os.WriteFile(matches[0], []byte("不是brotli流"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := fs.Get("s", "k"); err == nil {
		t.Error("损坏文件的Get()应返回错误")
	}
}

func TestMemoryStore_Isolation(t *testing.T) {
	ms := NewMemoryStore()

	if err := ms.Set("a", "k", []byte("空间A")); err != nil {
		t.Fatal(err)
	}
	if err := ms.Set("b", "k", []byte("空间B")); err != nil {
		t.Fatal(err)
	}

	got, found, err := ms.Get("a", "k")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if string(got) != "空间A" {
		t.Errorf("Get() = %s, 同名键应按存储空间隔离", got)
	}

	// 返回的是副本,调用方修改不影响存储
	got[0] = 'X'
	again, _, _ := ms.Get("a", "k")
	if string(again) != "空间A" {
		t.Error("存储内容被外部修改污染")
	}
}
