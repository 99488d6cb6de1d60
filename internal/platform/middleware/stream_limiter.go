package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamLimiter 長連線（SSE、WebSocket、gRPC 串流）連接限制器
type StreamLimiter struct {
	mu                sync.Mutex
	connections       map[string]int       // client -> 連接數
	lastConnect       map[string]time.Time // client -> 最後連接時間
	maxPerClient      int                  // 每個 client 最大連接數
	minInterval       time.Duration        // 最小連接間隔
	maxTotalConns     int                  // 全局最大連接數
	currentTotalConns int                  // 當前總連接數
	idle              time.Duration        // 清理週期
	now               func() time.Time
	stop              chan struct{}
	stopOnce          sync.Once
}

// NewStreamLimiter 創建串流連接限制器；cleanupEvery <= 0 時為 10 分鐘
func NewStreamLimiter(maxPerClient int, minInterval time.Duration, maxTotal int, cleanupEvery time.Duration) *StreamLimiter {
	if cleanupEvery <= 0 {
		cleanupEvery = defaultCleanupEvery
	}
	l := &StreamLimiter{
		connections:   make(map[string]int),
		lastConnect:   make(map[string]time.Time),
		maxPerClient:  maxPerClient,
		minInterval:   minInterval,
		maxTotalConns: maxTotal,
		idle:          cleanupEvery,
		now:           time.Now,
		stop:          make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// Middleware 串流連接限制中間件；連線在 handler 返回後釋放
func (l *StreamLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := visitorKey(c)

		if !l.Acquire(client) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "串流連接數已達上限，請稍後再試",
				"success": false,
			})
			return
		}
		defer l.Release(client)

		c.Next()
	}
}

// Acquire 嘗試為 client 佔用一個連線名額
func (l *StreamLimiter) Acquire(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentTotalConns >= l.maxTotalConns {
		return false
	}
	if l.connections[client] >= l.maxPerClient {
		return false
	}
	now := l.now()
	if last, exists := l.lastConnect[client]; exists && now.Sub(last) < l.minInterval {
		return false
	}

	l.connections[client]++
	l.currentTotalConns++
	l.lastConnect[client] = now
	return true
}

// Release 釋放 Acquire 佔用的名額
func (l *StreamLimiter) Release(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, exists := l.connections[client]
	if !exists {
		return
	}
	if count <= 1 {
		delete(l.connections, client)
	} else {
		l.connections[client]--
	}
	l.currentTotalConns--
}

// Stop 停止背景清理
func (l *StreamLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// cleanup 每個清理週期執行一次 sweep
func (l *StreamLimiter) cleanup() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep 刪除已無連線且閒置超過一個清理週期的 client 記錄
func (l *StreamLimiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, last := range l.lastConnect {
		if now.Sub(last) > l.idle && l.connections[client] == 0 {
			delete(l.lastConnect, client)
			removed++
		}
	}
	return removed
}

// Stats 獲取統計信息
func (l *StreamLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_connections": l.currentTotalConns,
		"unique_clients":    len(l.connections),
		"max_total":         l.maxTotalConns,
		"max_per_client":    l.maxPerClient,
	}
}
