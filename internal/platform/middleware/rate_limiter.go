package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitRecorder 記錄被限流的請求.
type RateLimitRecorder interface {
	LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string)
}

// RateLimiter 固定時間窗口的速率限制器
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.Mutex
	rate     int           // 每個時間窗口允許的請求數
	window   time.Duration // 時間窗口
	idle     time.Duration // 清理週期，閒置超過此時間的記錄會被刪除
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// Visitor 訪問者信息
type Visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// defaultCleanupEvery 未指定清理週期時使用
const defaultCleanupEvery = 10 * time.Minute

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
// cleanupEvery: 清理週期，<= 0 時為 10 分鐘
func NewRateLimiter(rate int, window, cleanupEvery time.Duration) *RateLimiter {
	if cleanupEvery <= 0 {
		cleanupEvery = defaultCleanupEvery
	}
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
		rate:     rate,
		window:   window,
		idle:     cleanupEvery,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	// 定期清理過期的訪問者記錄
	go rl.cleanupVisitors()

	return rl
}

// Stop 停止背景清理
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow 檢查 key（已認證用戶或 IP）是否還能發出請求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	visitor, exists := rl.visitors[key]

	if !exists {
		rl.visitors[key] = &Visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	// 時間窗口已過期，重置計數器
	if now.After(visitor.resetTime) {
		visitor.requests = 1
		visitor.resetTime = now.Add(rl.window)
		visitor.lastSeen = now
		return true
	}

	visitor.lastSeen = now
	if visitor.requests >= rl.rate {
		return false
	}
	visitor.requests++
	return true
}

// cleanupVisitors 每個清理週期執行一次 sweep
func (rl *RateLimiter) cleanupVisitors() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep 刪除閒置超過一個清理週期的訪問者，回傳刪除筆數
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, visitor := range rl.visitors {
		if now.Sub(visitor.lastSeen) > rl.idle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// visitorKey 已認證的請求以用戶計數，其餘以 IP 計數
func visitorKey(c *gin.Context) string {
	if userID := GetUserID(c); userID != "" {
		return "user:" + userID
	}
	return "ip:" + GetClientIP(c)
}

// PerEndpointRateLimiter 為不同端點設置不同的速率限制
type PerEndpointRateLimiter struct {
	limiters     map[string]*RateLimiter
	default_     *RateLimiter
	audit        RateLimitRecorder
	cleanupEvery time.Duration
}

// NewPerEndpointRateLimiter 創建端點級速率限制器；所有端點共用同一個清理週期
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow, cleanupEvery time.Duration) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters:     make(map[string]*RateLimiter),
		default_:     NewRateLimiter(defaultRate, defaultWindow, cleanupEvery),
		cleanupEvery: cleanupEvery,
	}
}

// SetLimit 為特定端點設置限制；key 為 "METHOD 路由樣式"，例如 "POST /api/v1/messages"
func (p *PerEndpointRateLimiter) SetLimit(route string, rate int, window time.Duration) {
	p.limiters[route] = NewRateLimiter(rate, window, p.cleanupEvery)
}

// SetAuditService 設定限流事件的審計記錄
func (p *PerEndpointRateLimiter) SetAuditService(a RateLimitRecorder) {
	p.audit = a
}

// Stop 停止所有限制器的背景清理
func (p *PerEndpointRateLimiter) Stop() {
	p.default_.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// Middleware 返回 Gin 中間件；需放在認證中間件之後才能以用戶計數
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.Method + " " + c.FullPath()
		limiter, exists := p.limiters[route]
		if !exists {
			limiter = p.default_
		}

		if !limiter.Allow(visitorKey(c)) {
			if p.audit != nil {
				p.audit.LogRateLimitExceeded(c.Request.Context(), GetClientIP(c), route)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "請求過於頻繁，請稍後再試",
				"success": false,
			})
			return
		}

		c.Next()
	}
}
