package models

import (
	"encoding/json"
	"sync"
	"time"
)

// SubTargetStage 子目标处理阶段
type SubTargetStage string

const (
	StagePending   SubTargetStage = "pending"
	StageNavigated SubTargetStage = "navigated"
	StageLocated   SubTargetStage = "located"
	StageExtracted SubTargetStage = "extracted"
	StagePersisted SubTargetStage = "persisted"
	StageSkipped   SubTargetStage = "skipped"
	StageFailed    SubTargetStage = "failed"
)

// Terminal 是否为终态
func (s SubTargetStage) Terminal() bool {
	return s == StagePersisted || s == StageSkipped || s == StageFailed
}

// SubTargetResult 单个子目标的处理结果
type SubTargetResult struct {
	SubTarget       string         `json:"sub_target"`
	Domain          string         `json:"domain"`
	Stage           SubTargetStage `json:"stage"`
	RecordsFound    int            `json:"records_found"`
	RecordsUpserted int            `json:"records_upserted"`
	Unparsed        int            `json:"unparsed"` // 无金额被丢弃的记录数
	Reason          string         `json:"reason,omitempty"`
	Duration        float64        `json:"duration"` // 秒
}

// RunSummary 一次任务运行的汇总
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Portal    string    `json:"portal"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // 秒

	Attempted       int `json:"attempted"`
	Succeeded       int `json:"succeeded"`
	Skipped         int `json:"skipped"`
	Failed          int `json:"failed"`
	RecordsUpserted int `json:"records_upserted"`

	Results  []SubTargetResult `json:"results"`
	Errors   []string          `json:"errors"` // "子目标: 原因"
	RunError string            `json:"run_error,omitempty"`

	mu sync.Mutex
}

// NewRunSummary 创建运行汇总
func NewRunSummary(portal string) *RunSummary {
	return &RunSummary{
		RunID:     generateID(),
		Portal:    portal,
		StartTime: time.Now(),
		Results:   make([]SubTargetResult, 0),
		Errors:    make([]string, 0),
	}
}

// Record 记录一个子目标的终态结果,并发安全
func (s *RunSummary) Record(r SubTargetResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Attempted++
	switch r.Stage {
	case StagePersisted:
		s.Succeeded++
		s.RecordsUpserted += r.RecordsUpserted
	case StageSkipped:
		s.Skipped++
	default:
		s.Failed++
		s.Errors = append(s.Errors, r.SubTarget+": "+r.Reason)
	}
	s.Results = append(s.Results, r)
}

// Finish 结束运行并记录运行级错误
func (s *RunSummary) Finish(runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime).Seconds()
	if runErr != nil {
		s.RunError = runErr.Error()
	}
}

// ToJSON 序列化为JSON
func (s *RunSummary) ToJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s, "", "  ")
}
