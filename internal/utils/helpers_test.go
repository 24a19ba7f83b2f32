package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadSubTargetsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	content := "# 网络列表\nMTN\n\nairtel\nglo:bad\nmtn\n  9mobile  \n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	targets, err := ReadSubTargetsFromFile(path)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	expected := []string{"MTN", "airtel", "9mobile"}
	if len(targets) != len(expected) {
		t.Fatalf("期望 %v, 实际 %v", expected, targets)
	}
	for i := range expected {
		if targets[i] != expected[i] {
			t.Errorf("第 %d 项: 期望=%s, 实际=%s", i, expected[i], targets[i])
		}
	}
}

func TestReadSubTargetsFromFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("# 只有注释\n\n"), 0644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	if _, err := ReadSubTargetsFromFile(path); err == nil {
		t.Error("期望返回错误")
	}
	if _, err := ReadSubTargetsFromFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("文件不存在时期望返回错误")
	}
}
