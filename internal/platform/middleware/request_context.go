package middleware

import (
	"strings"
	"time"

	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// RequestMetadataMiddleware 提取請求來源並放入 context，供審計事件使用
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithRequestInfo(c.Request.Context(), audit.RequestInfo{
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetClientIP 獲取客戶端真實 IP
func GetClientIP(c *gin.Context) string {
	// X-Forwarded-For 可能包含多個 IP，取第一個
	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := c.Request.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.ClientIP()
}

// AccessLogMiddleware 以 GCP httpRequest 格式記錄每個請求
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		req := &logger.HTTPRequest{
			RequestMethod: c.Request.Method,
			RequestURL:    c.Request.URL.Path,
			RequestSize:   c.Request.ContentLength,
			Status:        status,
			ResponseSize:  int64(c.Writer.Size()),
			UserAgent:     c.Request.UserAgent(),
			RemoteIP:      GetClientIP(c),
			Latency:       time.Since(start).String(),
			Protocol:      c.Request.Proto,
		}

		opts := []logger.LogOption{logger.WithHTTPRequest(req)}
		if userID := GetUserID(c); userID != "" {
			opts = append(opts, logger.WithUserID(userID))
		}

		switch {
		case status >= 500:
			logger.Error(c.Request.Context(), "HTTP 請求", opts...)
		case status >= 400:
			logger.Warning(c.Request.Context(), "HTTP 請求", opts...)
		default:
			logger.Info(c.Request.Context(), "HTTP 請求", opts...)
		}
	}
}
