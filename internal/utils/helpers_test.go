package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"有效的HTTP URL", "http://example.com", false},
		{"有效的HTTPS URL", "https://example.com", false},
		{"带路径的URL", "https://example.com/path/to/resource", false},
		{"无效的协议", "ftp://example.com", true},
		{"无效的URL", "not a url", true},
		{"空URL", "", true},
		{"无协议", "example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"已带协议保持不变", "https://example.com/a", "https://example.com/a"},
		{"缺协议补https", "example.com", "https://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReadURLsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urls.txt")
	content := `# 种子URL列表
https://example.com/a

https://example.com/b
不是URL的行
ftp://example.com/skip
https://example.com/c
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	urls, err := ReadURLsFromFile(path)
	if err != nil {
		t.Fatalf("ReadURLsFromFile() error = %v", err)
	}

	want := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	if len(urls) != len(want) {
		t.Fatalf("URL数量 = %d, 期望 %d", len(urls), len(want))
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("urls[%d] = %s, 期望 %s", i, urls[i], want[i])
		}
	}
}

func TestReadURLsFromFile_Errors(t *testing.T) {
	t.Run("文件不存在", func(t *testing.T) {
		if _, err := ReadURLsFromFile("/不存在/urls.txt"); err == nil {
			t.Error("应返回错误")
		}
	})

	t.Run("无有效URL", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.txt")
		if err := os.WriteFile(path, []byte("# 只有注释\n\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadURLsFromFile(path); err == nil {
			t.Error("应返回错误")
		}
	})
}
