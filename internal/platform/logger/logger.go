// Package logger 輸出 Cloud Logging 格式的 JSON 日誌，同時寫入輪轉檔案與標準輸出.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"freelance-chat/internal/platform/config"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// Severity Cloud Logging 嚴重級別.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityNotice  Severity = "NOTICE"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

var severityRank = map[Severity]int{
	SeverityDebug:   100,
	SeverityInfo:    200,
	SeverityNotice:  300,
	SeverityWarning: 400,
	SeverityError:   500,
}

// ParseSeverity 解析配置中的等級字串，無法辨識時回傳 INFO.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return SeverityDebug
	case "NOTICE":
		return SeverityNotice
	case "WARN", "WARNING":
		return SeverityWarning
	case "ERROR":
		return SeverityError
	}
	return SeverityInfo
}

// Options 建立 Logger 的參數.
type Options struct {
	Dir          string // 空字串表示不寫檔
	Project      string
	Service      string
	MinSeverity  Severity
	RotationTime time.Duration
	MaxAge       time.Duration
	MaxSizeBytes int64
	Console      io.Writer // nil 表示 os.Stdout
}

// Logger 依最低等級過濾後輸出 JSON 行.
type Logger struct {
	mu      sync.Mutex
	file    io.Writer
	console io.Writer
	min     int
	project string
	service string
}

// New 建立 Logger；Dir 非空時以 rotatelogs 按時間與大小輪轉.
func New(opts Options) (*Logger, error) {
	l := &Logger{
		console: opts.Console,
		min:     severityRank[ParseSeverity(string(opts.MinSeverity))],
		project: opts.Project,
		service: opts.Service,
	}
	if l.console == nil {
		l.console = os.Stdout
	}
	if opts.Dir == "" {
		return l, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, err
	}
	name := filepath.Join(opts.Dir, "app.log")
	w, err := rotatelogs.New(
		name+".%Y%m%d",
		rotatelogs.WithLinkName(name),
		rotatelogs.WithRotationTime(opts.RotationTime),
		rotatelogs.WithMaxAge(opts.MaxAge),
		rotatelogs.WithRotationSize(opts.MaxSizeBytes),
	)
	if err != nil {
		return nil, err
	}
	l.file = w
	return l, nil
}

// Enabled 回報該等級是否會被輸出.
func (l *Logger) Enabled(s Severity) bool {
	return severityRank[s] >= l.min
}

func (l *Logger) emit(ctx context.Context, s Severity, msg string, opts []LogOption) {
	if !l.Enabled(s) {
		return
	}
	entry := &LogEntry{
		Severity:       s,
		Message:        msg,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:        traceFrom(ctx, l.project),
		SourceLocation: callerAt(3),
		InsertID:       newInsertID(),
		Labels:         map[string]string{"service": l.service},
	}
	for _, opt := range opts {
		opt(entry)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(line)
	}
	_, _ = l.console.Write(line)
}

// Close 關閉輪轉檔案.
func (l *Logger) Close() error {
	if c, ok := l.file.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// std 在 InitLogger 之前只輸出到標準輸出.
var std, _ = New(Options{Project: "local-dev", Service: "freelance-chat", MinSeverity: SeverityInfo})

// InitLogger 依環境變數與配置建立全域 Logger.
// LOG_PATH、GCP_PROJECT_ID、SERVICE_NAME 可覆蓋預設值；debug 模式一律輸出 DEBUG.
func InitLogger() error {
	opts := Options{
		Dir:          envOr("LOG_PATH", "./logs"),
		Project:      envOr("GCP_PROJECT_ID", "local-dev"),
		Service:      envOr("SERVICE_NAME", "freelance-chat"),
		MinSeverity:  SeverityInfo,
		RotationTime: 24 * time.Hour,
		MaxAge:       30 * 24 * time.Hour,
		MaxSizeBytes: 100 << 20,
	}
	if cfg := config.Get(); cfg != nil {
		if cfg.Log.RotationTimeHours > 0 {
			opts.RotationTime = time.Duration(cfg.Log.RotationTimeHours) * time.Hour
		}
		if cfg.Log.MaxAgeDays > 0 {
			opts.MaxAge = time.Duration(cfg.Log.MaxAgeDays) * 24 * time.Hour
		}
		if cfg.Log.MaxSizeMB > 0 {
			opts.MaxSizeBytes = int64(cfg.Log.MaxSizeMB) << 20
		}
		opts.MinSeverity = ParseSeverity(cfg.Log.Level)
	}
	if config.IsDebug() {
		opts.MinSeverity = SeverityDebug
	}

	l, err := New(opts)
	if err != nil {
		return err
	}
	std = l
	return nil
}

// CloseLogger 關閉全域 Logger 的日誌檔案.
func CloseLogger() {
	if err := std.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Debug(ctx context.Context, msg string, opts ...LogOption) {
	std.emit(ctx, SeverityDebug, msg, opts)
}

func Info(ctx context.Context, msg string, opts ...LogOption) {
	std.emit(ctx, SeverityInfo, msg, opts)
}

// Notice 用於審計等需要保留但非異常的事件.
func Notice(ctx context.Context, msg string, opts ...LogOption) {
	std.emit(ctx, SeverityNotice, msg, opts)
}

func Warning(ctx context.Context, msg string, opts ...LogOption) {
	std.emit(ctx, SeverityWarning, msg, opts)
}

func Error(ctx context.Context, msg string, opts ...LogOption) {
	std.emit(ctx, SeverityError, msg, opts)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	std.emit(ctx, SeverityInfo, fmt.Sprintf(format, args...), nil)
}

// 無 context 的簡寫，供啟動階段使用

func LogInfof(format string, v ...interface{}) {
	std.emit(context.Background(), SeverityInfo, fmt.Sprintf(format, v...), nil)
}

func LogWarnf(format string, v ...interface{}) {
	std.emit(context.Background(), SeverityWarning, fmt.Sprintf(format, v...), nil)
}

func LogErrorf(format string, v ...interface{}) {
	std.emit(context.Background(), SeverityError, fmt.Sprintf(format, v...), nil)
}
