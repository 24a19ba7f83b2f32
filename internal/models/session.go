package models

// SessionHealth 自动化会话健康状态
type SessionHealth int

const (
	HealthHealthy  SessionHealth = iota // 正常
	HealthDegraded                      // 重置失败过,仍可使用
	HealthDead                          // 进程无响应,等待销毁
)

func (h SessionHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PoolStats 会话池快照
type PoolStats struct {
	MaxSessions int `json:"max_sessions"`
	Total       int `json:"total"`       // 空闲 + 借出 + 创建中
	Idle        int `json:"idle"`
	CheckedOut  int `json:"checked_out"`
	Waiting     int `json:"waiting"`
}
