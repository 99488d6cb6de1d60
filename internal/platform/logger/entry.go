package logger

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// LogEntry 一行 Cloud Logging 結構化日誌；欄位名稱沿用 GCP 的 JSON 格式.
type LogEntry struct {
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      string            `json:"timestamp"`
	TraceID        string            `json:"trace,omitempty"` // projects/<project>/traces/<id>
	HTTPRequest    *HTTPRequest      `json:"httpRequest,omitempty"`
	SourceLocation *SourceLocation   `json:"sourceLocation,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	InsertID       string            `json:"insertId,omitempty"`

	UserID          string                 `json:"userId,omitempty"`
	ConversationKey string                 `json:"conversationKey,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	Action          string                 `json:"action,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// HTTPRequest 請求日誌區塊，由 gin 中間件填入.
type HTTPRequest struct {
	RequestMethod string `json:"requestMethod,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	RequestSize   int64  `json:"requestSize,omitempty"`
	Status        int    `json:"status,omitempty"`
	ResponseSize  int64  `json:"responseSize,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	Referer       string `json:"referer,omitempty"`
	Latency       string `json:"latency,omitempty"` // 例如 "0.012s"
	Protocol      string `json:"protocol,omitempty"`
}

// SourceLocation 呼叫端位置.
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int64  `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// LogOption 設定單筆日誌的附加欄位.
type LogOption func(*LogEntry)

func WithUserID(userID string) LogOption {
	return func(e *LogEntry) { e.UserID = userID }
}

func WithConversationKey(key string) LogOption {
	return func(e *LogEntry) { e.ConversationKey = key }
}

func WithMessageID(id string) LogOption {
	return func(e *LogEntry) { e.MessageID = id }
}

func WithAction(action string) LogOption {
	return func(e *LogEntry) { e.Action = action }
}

// WithError 記錄錯誤字串；err 為 nil 時不寫入.
func WithError(err error) LogOption {
	return func(e *LogEntry) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

func WithDetails(details map[string]interface{}) LogOption {
	return func(e *LogEntry) { e.Details = details }
}

func WithHTTPRequest(req *HTTPRequest) LogOption {
	return func(e *LogEntry) { e.HTTPRequest = req }
}

// WithLabels 合併標籤，不覆蓋 service 以外的既有標籤.
func WithLabels(labels map[string]string) LogOption {
	return func(e *LogEntry) {
		if e.Labels == nil {
			e.Labels = make(map[string]string, len(labels))
		}
		for k, v := range labels {
			e.Labels[k] = v
		}
	}
}

type traceIDKey struct{}

// WithTraceID 將請求 ID 放入 context，之後的日誌都帶上同一個 trace.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func traceFrom(ctx context.Context, project string) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey{}).(string)
	if id == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", project, id)
}

func callerAt(skip int) *SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return nil
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return &SourceLocation{File: filepath.Base(file), Line: int64(line), Function: name}
}

func newInsertID() string {
	return uuid.NewString()
}
