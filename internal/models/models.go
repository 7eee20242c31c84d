package models

import "time"

// CredentialRecord 保存管理员密码的盐与派生哈希（十六进制编码）。
type CredentialRecord struct {
	Salt string `json:"salt"`
	Hash string `json:"hash"`
}

// RunKind 标识后台任务的类型。
type RunKind string

const (
	RunInstall RunKind = "install"
	RunRestore RunKind = "restore"
)

// RunStatus 定义任务记录的状态枚举。
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusInterrupted = "interrupted"
)

// Report 汇总一次安装或还原过程中各步骤的结果。
type Report struct {
	Kind     RunKind       `json:"kind"`
	Warnings int           `json:"warnings"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"duration"`
}

// Run 表示一次已记录的安装或还原任务。
type Run struct {
	ID         string     `json:"id"`
	Kind       RunKind    `json:"kind"`
	Status     string     `json:"status"`
	Warnings   int        `json:"warnings"`
	Failures   int        `json:"failures"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
