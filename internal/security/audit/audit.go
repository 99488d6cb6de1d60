package audit

import (
	"context"
	"strings"
	"time"

	"freelance-chat/internal/platform/logger"
)

// AuditService 審計服務
type AuditService struct {
	enabled     bool
	onlyFailure bool
	sink        func(event AuditEvent)
}

// NewAuditService 創建審計服務
// level 為 warning/error 時只記錄失敗、拒絕與限流事件；其他值記錄全部
func NewAuditService(enabled bool, level string) *AuditService {
	a := &AuditService{enabled: enabled}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warn", "warning", "error":
		a.onlyFailure = true
	}
	a.sink = a.log
	return a
}

// record 依等級過濾後送出
func (a *AuditService) record(event AuditEvent) {
	if a.onlyFailure && event.Result == "success" {
		return
	}
	a.sink(event)
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp       time.Time              `json:"timestamp"`
	EventType       string                 `json:"event_type"`
	UserID          string                 `json:"user_id"`
	ConversationKey string                 `json:"conversation_key,omitempty"`
	MessageID       string                 `json:"message_id,omitempty"`
	Action          string                 `json:"action"`
	Result          string                 `json:"result"` // success, failure, denied, blocked
	Details         map[string]interface{} `json:"details,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
}

// RequestInfo 請求來源資訊，由 HTTP/gRPC 中間件放入 context
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo 把請求來源資訊放進 context.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// LogMessageSent 記錄消息發送
func (a *AuditService) LogMessageSent(ctx context.Context, userID, conversationKey, messageID string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:       time.Now(),
		EventType:       "message_sent",
		UserID:          userID,
		ConversationKey: conversationKey,
		MessageID:       messageID,
		Action:          "send_message",
		Result:          "success",
	}

	a.enrichWithMetadata(ctx, &event)
	a.record(event)
}

// LogMessagesRead 記錄批次標記已讀
func (a *AuditService) LogMessagesRead(ctx context.Context, userID, conversationKey string, count int) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:       time.Now(),
		EventType:       "message_read",
		UserID:          userID,
		ConversationKey: conversationKey,
		Action:          "mark_read",
		Result:          "success",
		Details: map[string]interface{}{
			"count": count,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.record(event)
}

// LogAuthenticationFailure 記錄認證失敗
func (a *AuditService) LogAuthenticationFailure(ctx context.Context, userID, reason string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "authentication",
		UserID:    userID,
		Action:    "authenticate",
		Result:    "failure",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.record(event)
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "rate_limit",
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   "rate_limit_exceeded",
		},
	}

	a.record(event)
}

// LogAccessDenied 記錄訪問被拒絕
func (a *AuditService) LogAccessDenied(ctx context.Context, userID, conversationKey, reason string) {
	if !a.enabled {
		return
	}

	event := AuditEvent{
		Timestamp:       time.Now(),
		EventType:       "access_denied",
		UserID:          userID,
		ConversationKey: conversationKey,
		Action:          "access_resource",
		Result:          "denied",
		Details: map[string]interface{}{
			"reason": reason,
		},
	}

	a.enrichWithMetadata(ctx, &event)
	a.record(event)
}

// log 以結構化日誌輸出審計事件
func (a *AuditService) log(event AuditEvent) {
	details := map[string]interface{}{
		"event_type": event.EventType,
		"result":     event.Result,
	}
	if event.IPAddress != "" {
		details["ip_address"] = event.IPAddress
	}
	if event.UserAgent != "" {
		details["user_agent"] = event.UserAgent
	}
	for k, v := range event.Details {
		details[k] = v
	}

	logger.Notice(context.Background(), "[AUDIT] "+event.EventType,
		logger.WithUserID(event.UserID),
		logger.WithConversationKey(event.ConversationKey),
		logger.WithMessageID(event.MessageID),
		logger.WithAction(event.Action),
		logger.WithDetails(details),
		logger.WithLabels(map[string]string{"log_type": "audit"}),
	)
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a.enabled
}

// enrichWithMetadata 從 context 提取元數據並豐富審計事件
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	if ctx == nil {
		return
	}
	if info, ok := ctx.Value(requestInfoKey{}).(RequestInfo); ok {
		event.IPAddress = info.IPAddress
		event.UserAgent = info.UserAgent
	}
}
