package server

import (
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/httputil"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamHandler 以 SSE 與 WebSocket 推送即時訂閱
type StreamHandler struct {
	svc       *chat.Service
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewStreamHandler 創建串流處理器
func NewStreamHandler(svc *chat.Service, heartbeat time.Duration, allowedOrigins []string) *StreamHandler {
	return &StreamHandler{
		svc:       svc,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.OriginAllowed(allowedOrigins),
		},
	}
}

// stateEvent 推送給客戶端的一個完整狀態
type stateEvent[T any] struct {
	Items    []T    `json:"items"`
	Loaded   bool   `json:"loaded"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

func toEvent[T any](st chat.State[T]) stateEvent[T] {
	ev := stateEvent[T]{Items: st.Items, Loaded: st.Loaded, TimedOut: st.TimedOut}
	if ev.Items == nil {
		ev.Items = []T{}
	}
	if st.Err != nil {
		ev.Error = "查詢訊息失敗，請稍後重試"
	}
	return ev
}

func listUserID(c *gin.Context) string {
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return middleware.GetUserID(c)
}

// StreamConversations 以 SSE 推送對話列表
func (h *StreamHandler) StreamConversations(c *gin.Context) {
	userID := listUserID(c)
	w := chat.NewWatcher[chat.Conversation]()
	sub, err := h.svc.SubscribeConversations(c.Request.Context(), userID, w.Observer())
	if err != nil {
		httputil.ChatError(c, err)
		return
	}
	defer sub.Unsubscribe()

	logger.Info(c.Request.Context(), "開始對話列表 SSE", logger.WithUserID(userID), logger.WithAction("stream_conversations"))
	serveSSE(c, w, h.heartbeat)
}

// StreamMessages 以 SSE 推送單一對話的訊息
func (h *StreamHandler) StreamMessages(c *gin.Context) {
	key := c.Param("key")
	w := chat.NewWatcher[chat.Message]()
	sub, err := h.svc.SubscribeMessages(c.Request.Context(), key, w.Observer())
	if err != nil {
		httputil.ChatError(c, err)
		return
	}
	defer sub.Unsubscribe()

	logger.Info(c.Request.Context(), "開始訊息 SSE",
		logger.WithUserID(middleware.GetUserID(c)),
		logger.WithConversationKey(key),
		logger.WithAction("stream_messages"))
	serveSSE(c, w, h.heartbeat)
}

// setupSSEHeaders 設置 SSE headers
func setupSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"status": "ok"})
	c.Writer.Flush()
}

// serveSSE 每次狀態變更推送一個 snapshot 事件，定期送出心跳
func serveSSE[T any](c *gin.Context, w *chat.Watcher[T], heartbeat time.Duration) {
	setupSSEHeaders(c)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()

		case st := <-w.Updates():
			c.SSEvent("snapshot", toEvent(st))
			c.Writer.Flush()
		}
	}
}
