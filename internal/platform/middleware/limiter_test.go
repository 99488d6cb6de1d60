package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute, 0)
	defer rl.Stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("窗口內前兩次請求應被允許")
	}
	if rl.Allow("k") {
		t.Error("第三次請求應被拒絕")
	}
	if !rl.Allow("other") {
		t.Error("不同 key 應獨立計數")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("k") {
		t.Error("窗口過期後應重置")
	}
}

func TestRateLimiterSweepUsesCleanupInterval(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute, 2*time.Minute)
	defer rl.Stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(time.Minute)
	rl.Allow("recent")

	now = now.Add(90 * time.Second)
	if n := rl.sweep(); n != 1 {
		t.Fatalf("應只清除閒置超過 2 分鐘的記錄，實際清除 %d 筆", n)
	}
	if _, ok := rl.visitors["recent"]; !ok {
		t.Error("未閒置超過清理週期的記錄不應被清除")
	}

	p := NewPerEndpointRateLimiter(10, time.Minute, 3*time.Minute)
	defer p.Stop()
	p.SetLimit("POST /x", 1, time.Minute)
	if got := p.limiters["POST /x"].idle; got != 3*time.Minute {
		t.Errorf("端點限制器應沿用清理週期，實際為 %v", got)
	}
	if got := NewRateLimiter(1, time.Minute, 0); got.idle != defaultCleanupEvery {
		got.Stop()
		t.Errorf("未指定清理週期時應為預設值，實際為 %v", got.idle)
	} else {
		got.Stop()
	}
}

func TestPerEndpointRateLimiterRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := NewPerEndpointRateLimiter(100, time.Minute, 0)
	defer p.Stop()
	p.SetLimit("POST /messages", 1, time.Minute)

	r := gin.New()
	r.Use(p.Middleware())
	r.POST("/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for _, method := range []string{http.MethodPost, http.MethodPost, http.MethodGet} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, "/messages", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusOK {
		t.Errorf("限流結果錯誤: %v", codes)
	}
}

func TestStreamLimiter(t *testing.T) {
	l := NewStreamLimiter(1, 0, 2, 0)
	defer l.Stop()

	if !l.Acquire("a") {
		t.Fatal("第一個連線應被允許")
	}
	if l.Acquire("a") {
		t.Error("超過單一 client 上限應被拒絕")
	}
	if !l.Acquire("b") {
		t.Fatal("其他 client 應被允許")
	}
	if l.Acquire("c") {
		t.Error("超過全局上限應被拒絕")
	}

	l.Release("a")
	if !l.Acquire("c") {
		t.Error("釋放後應可再連線")
	}
	if got := l.Stats()["total_connections"]; got != 2 {
		t.Errorf("總連線數應為 2，實際為 %v", got)
	}
}

func TestStreamLimiterSweep(t *testing.T) {
	l := NewStreamLimiter(2, 0, 10, time.Minute)
	defer l.Stop()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Acquire("idle")
	l.Release("idle")
	l.Acquire("open")

	now = now.Add(2 * time.Minute)
	if n := l.sweep(); n != 1 {
		t.Fatalf("應只清除已無連線的閒置 client，實際清除 %d 筆", n)
	}
	if _, ok := l.lastConnect["open"]; !ok {
		t.Error("仍有連線的 client 不應被清除")
	}
}

func TestStreamLimiterMiddlewareReleases(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewStreamLimiter(1, 0, 10, 0)
	defer l.Stop()

	r := gin.New()
	r.GET("/stream", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("第 %d 次連線應成功（前一次已結束），實際為 %d", i+1, w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("允許的來源應回傳 Allow-Origin")
	}

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("未允許的來源不應回傳 Allow-Origin，狀態碼 %d", w.Code)
	}
}
