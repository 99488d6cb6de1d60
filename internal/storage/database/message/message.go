package message

import (
	"time"

	"freelance-chat/internal/chat"
)

// CollectionName 訊息集合名稱.
const CollectionName = "messages"

// Document messages 集合中的文件格式.
type Document struct {
	ID              string     `bson:"_id"`
	ConversationKey string     `bson:"conversation_key"`
	SenderID        string     `bson:"sender_id"`
	ReceiverID      string     `bson:"receiver_id"`
	Text            string     `bson:"text"`
	CreatedAt       int64      `bson:"created_at"` // 毫秒
	Read            bool       `bson:"read"`
	ReadAt          *time.Time `bson:"read_at,omitempty"`
}

func fromDomain(m *chat.Message) Document {
	return Document{
		ID:              m.ID,
		ConversationKey: m.ConversationKey,
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Text:            m.Text,
		CreatedAt:       m.CreatedAt,
		Read:            m.Read,
		ReadAt:          m.ReadAt,
	}
}

func (d *Document) toDomain() chat.Message {
	return chat.Message{
		ID:              d.ID,
		ConversationKey: d.ConversationKey,
		SenderID:        d.SenderID,
		ReceiverID:      d.ReceiverID,
		Text:            d.Text,
		CreatedAt:       d.CreatedAt,
		Read:            d.Read,
		ReadAt:          d.ReadAt,
	}
}

// fieldName chat.Field 對應的文件欄位
func fieldName(f chat.Field) (string, bool) {
	switch f {
	case chat.FieldSenderID:
		return "sender_id", true
	case chat.FieldReceiverID:
		return "receiver_id", true
	case chat.FieldConversationKey:
		return "conversation_key", true
	}
	return "", false
}
