package server

import (
	"context"
	"errors"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/constants"
	"freelance-chat/internal/httputil"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = constants.WSWriteWaitSeconds * time.Second
	wsPongWait   = constants.WSPongWaitSeconds * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsInbound 客戶端在訊息 socket 上可送出的指令
type wsInbound struct {
	Type string `json:"type"` // send | mark_read
	Text string `json:"text,omitempty"`
}

// wsOutbound 伺服器送出的事件
type wsOutbound struct {
	Type    string      `json:"type"` // snapshot | sent | read | error
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// WSConversations 以 WebSocket 推送對話列表
func (h *StreamHandler) WSConversations(c *gin.Context) {
	userID := listUserID(c)
	w := chat.NewWatcher[chat.Conversation]()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.svc.SubscribeConversations(ctx, userID, w.Observer())
	if err != nil {
		httputil.ChatError(c, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger.Info(ctx, "開始對話列表 WebSocket", logger.WithUserID(userID), logger.WithAction("ws_conversations"))
	go readLoop(conn, cancel, nil)
	writeLoop(ctx, conn, w, nil)
}

// WSMessages 以 WebSocket 推送單一對話，並接受 send / mark_read 指令
func (h *StreamHandler) WSMessages(c *gin.Context) {
	key := c.Param("key")
	me := middleware.GetUserID(c)
	w := chat.NewWatcher[chat.Message]()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.svc.SubscribeMessages(ctx, key, w.Observer())
	if err != nil {
		httputil.ChatError(c, err)
		return
	}
	defer sub.Unsubscribe()
	other, _ := chat.OtherParticipant(key, me)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	replies := make(chan wsOutbound, 8)
	handle := func(in wsInbound) {
		var out wsOutbound
		switch in.Type {
		case "send":
			msg, err := h.svc.SendMessage(ctx, other, in.Text)
			if err != nil {
				out = wsOutbound{Type: "error", Error: clientError(err)}
			} else {
				out = wsOutbound{Type: "sent", Payload: msg}
			}
		case "mark_read":
			if err := h.svc.MarkRead(ctx, key, other); err != nil {
				out = wsOutbound{Type: "error", Error: clientError(err)}
			} else {
				out = wsOutbound{Type: "read", Payload: gin.H{"conversation_key": key}}
			}
		default:
			out = wsOutbound{Type: "error", Error: "未知的指令"}
		}
		select {
		case replies <- out:
		case <-ctx.Done():
		}
	}

	logger.Info(ctx, "開始訊息 WebSocket",
		logger.WithUserID(me),
		logger.WithConversationKey(key),
		logger.WithAction("ws_messages"))
	go readLoop(conn, cancel, handle)
	writeLoop(ctx, conn, w, replies)
}

// clientError 給 WebSocket 客戶端的錯誤訊息，不包含存儲細節
func clientError(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		return err.Error()
	case errors.Is(err, chat.ErrForbidden):
		return "禁止訪問"
	default:
		return "操作失敗，請稍後重試"
	}
}

// readLoop 讀取客戶端訊息直到連線關閉；關閉時取消 ctx 以結束訂閱
func readLoop(conn *websocket.Conn, cancel context.CancelFunc, handle func(wsInbound)) {
	defer cancel()
	conn.SetReadLimit(constants.WSMaxReadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if handle != nil {
			handle(in)
		}
	}
}

// writeLoop 是連線上唯一的寫入者
func writeLoop[T any](ctx context.Context, conn *websocket.Conn, w *chat.Watcher[T], replies <-chan wsOutbound) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(v interface{}) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v) == nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case st := <-w.Updates():
			if !write(wsOutbound{Type: "snapshot", Payload: toEvent(st)}) {
				return
			}

		case out := <-replies:
			if !write(out) {
				return
			}
		}
	}
}
