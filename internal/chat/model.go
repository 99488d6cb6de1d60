package chat

import (
	"sort"
	"time"
)

// Message 一則私訊；除了 Read 以外建立後不再變動.
type Message struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	SenderID        string     `json:"sender_id"`
	ReceiverID      string     `json:"receiver_id"`
	Text            string     `json:"text"`
	CreatedAt       int64      `json:"created_at"` // 毫秒
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
}

// Conversation 由訊息即時推導出的對話摘要，不落地存儲.
type Conversation struct {
	ID                 string    `json:"id"`
	Participants       [2]string `json:"participants"`
	OtherParticipantID string    `json:"other_participant_id"`
	LastMessage        string    `json:"last_message"`
	LastMessageTime    int64     `json:"last_message_time"`
	LastSenderID       string    `json:"last_sender_id"`
	LastMessageID      string    `json:"last_message_id"`
	UnreadCount        int       `json:"unread_count"`
}

// newerThan 判斷 m 是否比 (createdAt, id) 更新；時間相同時比較 ID.
func (m *Message) newerThan(createdAt int64, id string) bool {
	if m.CreatedAt != createdAt {
		return m.CreatedAt > createdAt
	}
	return m.ID > id
}

// SortMessages 依 CreatedAt 升序排序，時間相同時依 ID.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}
