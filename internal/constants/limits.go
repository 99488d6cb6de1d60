package constants

// HTTP 請求相關常數
const (
	DefaultMaxRequestBodySize = 1 << 20 // 1MB，可被配置覆蓋
)

// 訊息相關常數
const (
	DefaultMaxMessageLength = 500
	MessageChannelBuffer    = 10
)

// 訂閱相關常數
const (
	DefaultSafetyTimeoutSeconds = 5
	DefaultPollIntervalMS       = 1000
	MinPollIntervalMS           = 100
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultMessageRateLimit     = 30
	DefaultStreamRateLimit      = 5
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 串流連接（SSE / WebSocket）相關常數
const (
	DefaultSSEMaxConnectionsPerIP   = 3
	DefaultSSEMaxTotalConnections   = 1000
	DefaultSSEMinConnectionInterval = 1  // 秒
	DefaultSSEHeartbeatInterval     = 15 // 秒
	SSEConnectionCleanupIntervalMin = 10 // 分鐘
)

// WebSocket 相關常數
const (
	WSWriteWaitSeconds = 10
	WSPongWaitSeconds  = 60
	WSMaxReadBytes     = 4096
)

// PostgreSQL 連線池默認值
const (
	DefaultPostgresMaxConns = 10
	DefaultPostgresMinConns = 1
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)
