package message

import "freelance-chat/internal/chat"

// SendMessageRequest 發送訊息請求；發送者一律是已認證用戶.
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Text       string `json:"text" binding:"required"`
}

// SendMessageResponse 發送訊息回應.
type SendMessageResponse struct {
	ConversationKey string       `json:"conversation_key"`
	Message         chat.Message `json:"message"`
}

// ConversationKeyRequest 取得對話 key 請求.
type ConversationKeyRequest struct {
	ParticipantA string `json:"participant_a" binding:"required"`
	ParticipantB string `json:"participant_b" binding:"required"`
}

// MarkReadRequest 標記已讀請求.
type MarkReadRequest struct {
	OtherID string `json:"other_id" binding:"required"`
}

// ConversationListQuery 對話列表查詢參數；user_id 省略時為當前用戶.
type ConversationListQuery struct {
	UserID string `form:"user_id"`
}
