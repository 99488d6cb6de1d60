package server

import (
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/constants"
	"freelance-chat/internal/message"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/health"
	"freelance-chat/internal/platform/middleware"
	"freelance-chat/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// Deps 路由需要的依賴
type Deps struct {
	Service *chat.Service
	Auth    *middleware.JWTMiddleware
	Audit   *audit.AuditService
	Streams *middleware.StreamLimiter
	Limits  *middleware.PerEndpointRateLimiter
}

// NewRateLimiter 依配置建立端點級速率限制器
func NewRateLimiter(cfg *config.Config) *middleware.PerEndpointRateLimiter {
	defaultLimit := constants.DefaultRateLimitPerMinute
	if cfg != nil && cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
		defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
	}
	cleanupMin := 0
	if cfg != nil {
		cleanupMin = cfg.Limits.RateLimiting.CleanupInterval
	}
	rateLimiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute,
		config.CleanupEvery(cleanupMin, constants.RateLimitCleanupIntervalMin))

	// 為不同端點設置不同的速率限制
	messagesPerMin := constants.DefaultMessageRateLimit
	streamsPerMin := constants.DefaultStreamRateLimit
	if cfg != nil {
		if cfg.Limits.RateLimiting.MessagesPerMin > 0 {
			messagesPerMin = cfg.Limits.RateLimiting.MessagesPerMin
		}
		if cfg.Limits.RateLimiting.StreamsPerMin > 0 {
			streamsPerMin = cfg.Limits.RateLimiting.StreamsPerMin
		}
	}
	rateLimiter.SetLimit("POST /api/v1/messages", messagesPerMin, time.Minute)
	for _, route := range []string{
		"GET /api/v1/conversations/stream",
		"GET /api/v1/conversations/:key/messages/stream",
		"GET /api/v1/ws/conversations",
		"GET /api/v1/ws/conversations/:key/messages",
	} {
		rateLimiter.SetLimit(route, streamsPerMin, time.Minute)
	}
	return rateLimiter
}

// NewStreamLimiter 依配置建立串流連接限制器
func NewStreamLimiter(cfg *config.Config) *middleware.StreamLimiter {
	maxPerClient := constants.DefaultSSEMaxConnectionsPerIP
	interval := constants.DefaultSSEMinConnectionInterval
	maxTotal := constants.DefaultSSEMaxTotalConnections
	cleanupMin := 0
	if cfg != nil {
		cleanupMin = cfg.Limits.SSE.CleanupInterval
		if cfg.Limits.SSE.MaxConnectionsPerIP > 0 {
			maxPerClient = cfg.Limits.SSE.MaxConnectionsPerIP
		}
		if cfg.Limits.SSE.MinConnectionInterval > 0 {
			interval = cfg.Limits.SSE.MinConnectionInterval
		}
		if cfg.Limits.SSE.MaxTotalConnections > 0 {
			maxTotal = cfg.Limits.SSE.MaxTotalConnections
		}
	}
	return middleware.NewStreamLimiter(maxPerClient, time.Duration(interval)*time.Second, maxTotal,
		config.CleanupEvery(cleanupMin, constants.SSEConnectionCleanupIntervalMin))
}

// Router 設定路由
func Router(deps Deps) *gin.Engine {
	cfg := config.Get()

	r := gin.New()
	r.Use(gin.Recovery())

	var allowedOrigins []string
	if cfg != nil {
		allowedOrigins = cfg.Server.AllowedOrigins
	}
	r.Use(middleware.CORS(allowedOrigins))

	// 請求 ID 最優先，之後的日誌都帶 trace
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.AccessLogMiddleware())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestMetadataMiddleware())

	maxBody := int64(constants.DefaultMaxRequestBodySize)
	if cfg != nil && cfg.Limits.Request.MaxBodySize > 0 {
		maxBody = cfg.Limits.Request.MaxBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	heartbeat := constants.DefaultSSEHeartbeatInterval
	if cfg != nil && cfg.Limits.SSE.HeartbeatInterval > 0 {
		heartbeat = cfg.Limits.SSE.HeartbeatInterval
	}

	healthHandler := health.NewHealthHandler(deps.Service)
	r.GET("/health", healthHandler.HealthCheck)

	// 認證失敗與限流都寫入審計
	if deps.Audit != nil {
		deps.Auth.SetAuditService(deps.Audit)
		if deps.Limits != nil {
			deps.Limits.SetAuditService(deps.Audit)
		}
	}

	api := r.Group("/api/v1")
	api.Use(deps.Auth.GinMiddleware())
	if deps.Limits != nil && (cfg == nil || cfg.Limits.RateLimiting.Enabled) {
		api.Use(deps.Limits.Middleware())
	}

	message.NewMessageHandler(deps.Service).Register(api)

	streams := NewStreamHandler(deps.Service, time.Duration(heartbeat)*time.Second, allowedOrigins)
	streamGroup := api.Group("")
	if deps.Streams != nil {
		streamGroup.Use(deps.Streams.Middleware())
	}
	streamGroup.GET("/conversations/stream", streams.StreamConversations)
	streamGroup.GET("/conversations/:key/messages/stream", streams.StreamMessages)
	streamGroup.GET("/ws/conversations", streams.WSConversations)
	streamGroup.GET("/ws/conversations/:key/messages", streams.WSMessages)

	return r
}
