package httputil

import (
	"errors"
	"net/http"
	"strings"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode, code int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)

	// 記錄真實錯誤到日誌（用於調試）
	logger.Error(c.Request.Context(), "API Error",
		logger.WithUserID(middleware.GetUserID(c)),
		logger.WithError(err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}

	c.JSON(statusCode, ErrorBody(code, message, requestID))
}

// ErrorBody 統一的錯誤回應格式
func ErrorBody(code int, message, requestID string) gin.H {
	return gin.H{
		"error":      message,
		"code":       code,
		"success":    false,
		"request_id": requestID,
	}
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	// 不應顯示的錯誤關鍵字（可能洩露敏感信息）
	dangerousKeywords := []string{
		"mongo",
		"postgres",
		"pgx",
		"sql",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"grpc",
		"internal",
		"store",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(err.Error())
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// ChatError 把聊天核心的錯誤分類映射成 HTTP 回應
func ChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrAuthentication):
		Unauthorized(c, "")
	case errors.Is(err, chat.ErrForbidden):
		Forbidden(c, "")
	case errors.Is(err, chat.ErrInvalidArgument):
		BadRequest(c, strings.TrimPrefix(err.Error(), chat.ErrInvalidArgument.Error()+": "))
	case errors.Is(err, chat.ErrNotFound):
		NotFoundError(c, "")
	case errors.Is(err, chat.ErrStoreWrite):
		SafeError(c, http.StatusBadGateway, ErrorCodeStoreWrite, err, "訊息寫入失敗，請稍後重試")
	case errors.Is(err, chat.ErrStoreQuery):
		SafeError(c, http.StatusBadGateway, ErrorCodeStoreQuery, err, "讀取訊息失敗，請稍後重試")
	default:
		InternalServerError(c, err)
	}
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, ErrorCodeProcessingFailed, err, "服務器內部錯誤，請稍後再試")
}

// BadRequest 錯誤的請求
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorBody(ErrorCodeInvalidParameter, message, middleware.GetRequestID(c)))
}

// Unauthorized 未授權
func Unauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "未授權訪問"
	}
	c.JSON(http.StatusUnauthorized, ErrorBody(ErrorCodeUnauthenticated, message, middleware.GetRequestID(c)))
}

// Forbidden 禁止訪問
func Forbidden(c *gin.Context, message string) {
	if message == "" {
		message = "禁止訪問"
	}
	c.JSON(http.StatusForbidden, ErrorBody(ErrorCodeNotParticipant, message, middleware.GetRequestID(c)))
}

// NotFoundError 資源不存在
func NotFoundError(c *gin.Context, message string) {
	if message == "" {
		message = "資源不存在"
	}
	c.JSON(http.StatusNotFound, ErrorBody(ErrorCodeRecordNotFound, message, middleware.GetRequestID(c)))
}
