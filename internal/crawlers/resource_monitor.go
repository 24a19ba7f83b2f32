package crawlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const mb = 1024 * 1024

// ResourceMonitor 系统资源监控器
// 周期采样可用内存与CPU负载, 计算当前可以创建的会话数
type ResourceMonitor struct {
	config ResourceMonitorConfig

	sampleMemory func() (total, available uint64, err error)
	sampleCPU    func() (float64, error)

	mu              sync.RWMutex
	totalMemory     uint64
	availableMemory uint64
	cpuUsage        float64

	// 缓存的计算结果, 1秒内有效
	cacheMu       sync.Mutex
	cachedMax     int
	lastCacheTime time.Time

	cancelFunc context.CancelFunc
	isRunning  bool
}

// ResourceMonitorConfig 资源监控器配置(字节 / 百分比)
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64   // 为系统保留的内存
	SafetyThreshold     int64   // 低于该可用内存时不再创建会话
	CPULoadThreshold    float64 // CPU负载阈值, >= 200 视为禁用
	MaxSessionsLimit    int     // 绝对上限
	SessionMemoryUsage  int64   // 单个会话平均内存消耗
}

// MemoryStatus 内存状态
type MemoryStatus struct {
	TotalMemory     uint64
	AvailableMemory int64 // 扣除安全保留后
	MemoryPressure  string
	CPUUsage        float64
}

// NewResourceMonitor 创建资源监控器并立即采样一次
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.SessionMemoryUsage <= 0 {
		config.SessionMemoryUsage = 200 * mb
	}
	if config.MaxSessionsLimit < 1 {
		config.MaxSessionsLimit = 1
	}

	rm := &ResourceMonitor{
		config: config,
		sampleMemory: func() (uint64, uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, 0, err
			}
			return vm.Total, vm.Available, nil
		},
		sampleCPU: func() (float64, error) {
			// perCPU=false 返回所有核心的平均使用率
			p, err := cpu.Percent(100*time.Millisecond, false)
			if err != nil {
				return 0, err
			}
			if len(p) == 0 {
				return 0, fmt.Errorf("CPU使用率数据为空")
			}
			return p[0], nil
		},
	}
	rm.sample()

	rm.mu.RLock()
	log.Info().Msgf("系统总内存: %.2f GB, 可用: %.2f GB",
		float64(rm.totalMemory)/(1024*mb), float64(rm.availableMemory)/(1024*mb))
	rm.mu.RUnlock()
	return rm
}

// StartMonitoring 启动后台采样, 重复调用无副作用
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample()
		}
	}
}

func (rm *ResourceMonitor) sample() {
	total, available, err := rm.sampleMemory()
	if err != nil {
		log.Warn().Err(err).Msg("获取系统内存失败,沿用上次采样")
	}
	usage, cpuErr := rm.sampleCPU()
	if cpuErr != nil {
		log.Warn().Err(cpuErr).Msg("获取CPU使用率失败")
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if err == nil {
		rm.totalMemory = total
		rm.availableMemory = available
	} else if rm.totalMemory == 0 {
		// 默认4GB
		rm.totalMemory = 4 * 1024 * mb
		rm.availableMemory = rm.totalMemory
	}
	if cpuErr == nil {
		rm.cpuUsage = usage
	}
}

// StopMonitoring 停止后台采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

// CalculateMaxSessions 基于可用内存和CPU负载计算会话上限, 至少为1
func (rm *ResourceMonitor) CalculateMaxSessions() int {
	rm.cacheMu.Lock()
	defer rm.cacheMu.Unlock()

	if time.Since(rm.lastCacheTime) < time.Second && rm.cachedMax > 0 {
		return rm.cachedMax
	}

	rm.mu.RLock()
	available := int64(rm.availableMemory) - rm.config.SafetyReserveMemory
	cpuUsage := rm.cpuUsage
	rm.mu.RUnlock()

	result := 1
	if available > rm.config.SafetyThreshold {
		result = int((available - rm.config.SafetyThreshold) / rm.config.SessionMemoryUsage)
	}
	if rm.config.CPULoadThreshold < 200 && cpuUsage > rm.config.CPULoadThreshold {
		log.Warn().Msgf("CPU负载过高(当前%.1f%%),会话创建受限", cpuUsage)
		result = 1
	}
	if result > rm.config.MaxSessionsLimit {
		result = rm.config.MaxSessionsLimit
	}
	if result < 1 {
		result = 1
	}

	rm.cachedMax = result
	rm.lastCacheTime = time.Now()
	return result
}

// CheckResourceAvailability 当前资源是否允许再创建会话
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	rm.mu.RLock()
	available := int64(rm.availableMemory) - rm.config.SafetyReserveMemory
	cpuUsage := rm.cpuUsage
	rm.mu.RUnlock()

	if available < rm.config.SafetyThreshold {
		return false, fmt.Sprintf("内存不足(当前%dMB)", available/mb)
	}
	if rm.config.CPULoadThreshold < 200 && cpuUsage > rm.config.CPULoadThreshold {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", cpuUsage)
	}
	return true, ""
}

// GetMemoryStatus 当前内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	available := int64(rm.availableMemory) - rm.config.SafetyReserveMemory
	var pressure string
	switch availableMB := available / mb; {
	case availableMB < 200:
		pressure = "emergency"
	case availableMB < 300:
		pressure = "critical"
	case availableMB < 500:
		pressure = "warning"
	default:
		pressure = "normal"
	}

	return MemoryStatus{
		TotalMemory:     rm.totalMemory,
		AvailableMemory: available,
		MemoryPressure:  pressure,
		CPUUsage:        rm.cpuUsage,
	}
}

// Describe 一行资源摘要, 资源不足以再创建会话时 ok 为 false 并附带原因
func (rm *ResourceMonitor) Describe() (summary string, ok bool) {
	status := rm.GetMemoryStatus()
	summary = fmt.Sprintf("内存: 总计%.2fGB, 可用%dMB, 压力=%s, CPU=%.1f%%",
		float64(status.TotalMemory)/(1024*mb), status.AvailableMemory/mb, status.MemoryPressure, status.CPUUsage)

	ok, reason := rm.CheckResourceAvailability()
	if !ok {
		summary += ", " + reason
	}
	return summary, ok
}
