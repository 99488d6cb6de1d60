package message

import (
	"errors"
	"strings"

	"freelance-chat/internal/chat"
)

// ValidateSendMessageRequest 驗證發送訊息請求.
func ValidateSendMessageRequest(req *SendMessageRequest, svc *chat.Service) error {
	if err := chat.ValidateParticipantID(req.ReceiverID); err != nil {
		return errors.New("receiver_id is invalid")
	}
	return svc.ValidateText(req.Text)
}

// ValidateConversationKeyRequest 驗證取得對話 key 請求.
func ValidateConversationKeyRequest(req *ConversationKeyRequest) error {
	if strings.TrimSpace(req.ParticipantA) == "" || strings.TrimSpace(req.ParticipantB) == "" {
		return errors.New("participant_a and participant_b are required")
	}
	if req.ParticipantA == req.ParticipantB {
		return errors.New("participants must be different users")
	}
	return nil
}

// ValidateMarkReadRequest 驗證標記已讀請求.
func ValidateMarkReadRequest(req *MarkReadRequest) error {
	if err := chat.ValidateParticipantID(req.OtherID); err != nil {
		return errors.New("other_id is invalid")
	}
	return nil
}
