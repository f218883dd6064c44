package logger

import "strings"

// DefaultContainerLogPath 为容器内默认日志文件路径。
const DefaultContainerLogPath = "/app/data/logs/claude-relay.log"

type InitOptions struct {
	Level    string
	Format   string
	Caller   bool
	Output   OutputOptions
	Rotation RotationOptions
}

type OutputOptions struct {
	ToStdout bool
	ToFile   bool
	FilePath string
}

type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (o InitOptions) normalized() InitOptions {
	out := o
	out.Level = strings.ToLower(strings.TrimSpace(out.Level))
	if out.Level == "" {
		out.Level = "info"
	}
	out.Format = strings.ToLower(strings.TrimSpace(out.Format))
	if out.Format == "" {
		out.Format = "json"
	}
	if out.Output.ToFile && strings.TrimSpace(out.Output.FilePath) == "" {
		out.Output.FilePath = DefaultContainerLogPath
	}
	if out.Rotation.MaxSizeMB <= 0 {
		out.Rotation.MaxSizeMB = 100
	}
	if out.Rotation.MaxBackups < 0 {
		out.Rotation.MaxBackups = 0
	}
	if out.Rotation.MaxAgeDays <= 0 {
		out.Rotation.MaxAgeDays = 7
	}
	return out
}
