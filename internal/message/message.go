package message

import (
	"errors"
	"net/http"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/httputil"
	"freelance-chat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// MessageHandler 私訊 REST 處理器.
type MessageHandler struct {
	svc *chat.Service
}

// NewMessageHandler 創建新的 message 處理器.
func NewMessageHandler(svc *chat.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

// Register 註冊一次性（非串流）路由.
func (h *MessageHandler) Register(rg gin.IRoutes) {
	rg.POST("/messages", h.SendMessage)
	rg.POST("/conversations/key", h.GetConversationKey)
	rg.POST("/conversations/:key/read", h.MarkRead)
	rg.GET("/conversations", h.ListConversations)
	rg.GET("/conversations/:key/messages", h.GetMessages)
}

// badRequest 參數錯誤統一走 ChatError，保持相同的回應格式
func badRequest(c *gin.Context, err error) {
	if errors.Is(err, chat.ErrInvalidArgument) {
		httputil.ChatError(c, err)
		return
	}
	httputil.BadRequest(c, err.Error())
}

// SendMessage 以已認證用戶身份發送訊息.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}
	if err := ValidateSendMessageRequest(&req, h.svc); err != nil {
		badRequest(c, err)
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), req.ReceiverID, req.Text)
	if err != nil {
		httputil.ChatError(c, err)
		return
	}

	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, SendMessageResponse{
		ConversationKey: msg.ConversationKey,
		Message:         msg,
	}))
}

// GetConversationKey 回傳兩個參與者的對話 key.
func (h *MessageHandler) GetConversationKey(c *gin.Context) {
	var req ConversationKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}
	if err := ValidateConversationKeyRequest(&req); err != nil {
		badRequest(c, err)
		return
	}

	key, err := h.svc.GetOrCreateConversationKey(req.ParticipantA, req.ParticipantB)
	if err != nil {
		httputil.ChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{"conversation_key": key}))
}

// MarkRead 把對方發來的未讀訊息標記為已讀.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "Invalid request format")
		return
	}
	if err := ValidateMarkReadRequest(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.MarkRead(c.Request.Context(), c.Param("key"), req.OtherID); err != nil {
		httputil.ChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, nil))
}

// ListConversations 一次性回傳對話列表.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	var q ConversationListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httputil.BadRequest(c, "Invalid query")
		return
	}
	userID := q.UserID
	if userID == "" {
		userID = middleware.GetUserID(c)
	}

	convs, err := h.svc.ListConversations(c.Request.Context(), userID)
	if err != nil {
		httputil.ChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewListResponse(httputil.DataRetrieved, convs, len(convs)))
}

// GetMessages 一次性回傳對話的所有訊息（時間升序）.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	msgs, err := h.svc.FetchConversation(c.Request.Context(), c.Param("key"))
	if err != nil {
		httputil.ChatError(c, err)
		return
	}

	c.JSON(http.StatusOK, httputil.NewListResponse(httputil.DataRetrieved, msgs, len(msgs)))
}
