package utils

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadSubTargetsFromFile 从文件中读取子目标列表(每行一个网络/州名称)
// 空行与 # 注释行被跳过, 重复项只保留第一次出现
func ReadSubTargetsFromFile(filepath string) ([]string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开子目标文件失败: %w", err)
	}
	defer file.Close()

	targets := make([]string, 0)
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := ValidateSubTarget(line); err != nil {
			Warnf("跳过无效子目标 (行 %d): %s - %v", lineNum, line, err)
			continue
		}

		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取子目标文件失败: %w", err)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("子目标文件中没有有效的子目标")
	}

	Infof("从文件加载了 %d 个子目标", len(targets))
	return targets, nil
}

// ValidateSubTarget 验证子目标名称
// ':' 是目录域的分隔符, 不能出现在名称中
func ValidateSubTarget(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("子目标名称不能为空")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("子目标名称不能包含 ':'")
	}
	if len(name) > 64 {
		return fmt.Errorf("子目标名称过长: %d 字节 (最大 64)", len(name))
	}
	return nil
}
