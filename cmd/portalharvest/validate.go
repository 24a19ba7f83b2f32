package main

import (
	"fmt"
	"time"

	"github.com/RecoveryAshes/portalharvest/internal/models"
)

// ValidateRunFlags 验证 run 命令的标志, 零值表示沿用配置
func ValidateRunFlags(maxSessions int, acquireTimeout time.Duration, driver string) error {
	// 验证会话上限
	if maxSessions < 0 || maxSessions > 64 {
		return fmt.Errorf("会话上限必须在1-64之间,当前值: %d", maxSessions)
	}

	// 验证等待时间
	if acquireTimeout < 0 || acquireTimeout > 10*time.Minute {
		return fmt.Errorf("会话等待时间必须在0-10分钟之间,当前值: %s", acquireTimeout)
	}

	// 验证驱动
	if driver != "" {
		validDrivers := map[models.DriverKind]bool{
			models.DriverDynamic: true,
			models.DriverStatic:  true,
		}
		if !validDrivers[models.DriverKind(driver)] {
			return fmt.Errorf("无效的会话驱动: %s (有效值: dynamic, static)", driver)
		}
	}

	return nil
}
