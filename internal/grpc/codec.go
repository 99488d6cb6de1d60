package grpc

import (
	"time"

	"freelance-chat/internal/chat"

	"google.golang.org/protobuf/types/known/structpb"
)

// MessageMap 把訊息轉成 structpb 可接受的 map.
func MessageMap(m chat.Message) map[string]interface{} {
	out := map[string]interface{}{
		"id":               m.ID,
		"conversation_key": m.ConversationKey,
		"sender_id":        m.SenderID,
		"receiver_id":      m.ReceiverID,
		"text":             m.Text,
		"created_at":       m.CreatedAt,
		"read":             m.Read,
	}
	if m.ReadAt != nil {
		out["read_at"] = m.ReadAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// ConversationMap 把對話摘要轉成 structpb 可接受的 map.
func ConversationMap(c chat.Conversation) map[string]interface{} {
	return map[string]interface{}{
		"id":                   c.ID,
		"participants":         []interface{}{c.Participants[0], c.Participants[1]},
		"other_participant_id": c.OtherParticipantID,
		"last_message":         c.LastMessage,
		"last_message_time":    c.LastMessageTime,
		"last_sender_id":       c.LastSenderID,
		"last_message_id":      c.LastMessageID,
		"unread_count":         c.UnreadCount,
	}
}

// ListStruct 把一組項目包成 {"items": [...]}.
func ListStruct[T any](items []T, encode func(T) map[string]interface{}) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(items))
	for _, it := range items {
		list = append(list, encode(it))
	}
	return structpb.NewStruct(map[string]interface{}{"items": list})
}

// StateStruct 把訂閱狀態編碼成串流的一個事件.
func StateStruct[T any](st chat.State[T], encode func(T) map[string]interface{}) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(st.Items))
	for _, it := range st.Items {
		list = append(list, encode(it))
	}
	fields := map[string]interface{}{
		"items":     list,
		"loaded":    st.Loaded,
		"timed_out": st.TimedOut,
	}
	if st.Err != nil {
		fields["error"] = "查詢訊息失敗，請稍後重試"
	}
	return structpb.NewStruct(fields)
}

// StringField 讀取字串欄位；不存在時為空字串.
func StringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func int64Field(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// MessageFromStruct 解碼 MessageMap 的結果.
func MessageFromStruct(s *structpb.Struct) chat.Message {
	m := chat.Message{
		ID:              StringField(s, "id"),
		ConversationKey: StringField(s, "conversation_key"),
		SenderID:        StringField(s, "sender_id"),
		ReceiverID:      StringField(s, "receiver_id"),
		Text:            StringField(s, "text"),
		CreatedAt:       int64Field(s, "created_at"),
		Read:            s.GetFields()["read"].GetBoolValue(),
	}
	if v := StringField(s, "read_at"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.ReadAt = &t
		}
	}
	return m
}

// ConversationFromStruct 解碼 ConversationMap 的結果.
func ConversationFromStruct(s *structpb.Struct) chat.Conversation {
	c := chat.Conversation{
		ID:                 StringField(s, "id"),
		OtherParticipantID: StringField(s, "other_participant_id"),
		LastMessage:        StringField(s, "last_message"),
		LastMessageTime:    int64Field(s, "last_message_time"),
		LastSenderID:       StringField(s, "last_sender_id"),
		LastMessageID:      StringField(s, "last_message_id"),
		UnreadCount:        int(int64Field(s, "unread_count")),
	}
	for i, v := range s.GetFields()["participants"].GetListValue().GetValues() {
		if i < 2 {
			c.Participants[i] = v.GetStringValue()
		}
	}
	return c
}

// DecodeList 解碼 {"items": [...]}.
func DecodeList[T any](s *structpb.Struct, decode func(*structpb.Struct) T) []T {
	values := s.GetFields()["items"].GetListValue().GetValues()
	out := make([]T, 0, len(values))
	for _, v := range values {
		out = append(out, decode(v.GetStructValue()))
	}
	return out
}
