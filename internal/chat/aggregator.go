package chat

import "sort"

// MergeConversations 由「我發出的」與「我收到的」兩份完整快照推導對話列表.
//
// 每次都從頭計算，不做增量修補：兩個查詢不論以什麼順序觸發，
// 相同的兩份快照永遠得到相同的結果。回傳依 LastMessageTime 降序.
func MergeConversations(userID string, sent, received []Message) []Conversation {
	summaries := make(map[string]*Conversation)

	touch := func(m *Message, other string) *Conversation {
		key := m.ConversationKey
		if key == "" {
			key = ConversationKey(userID, other)
		}
		c, ok := summaries[key]
		if !ok {
			c = &Conversation{
				ID:                 key,
				Participants:       participants(userID, other),
				OtherParticipantID: other,
			}
			summaries[key] = c
		}
		if c.LastMessageID == "" || m.newerThan(c.LastMessageTime, c.LastMessageID) {
			c.LastMessage = m.Text
			c.LastMessageTime = m.CreatedAt
			c.LastSenderID = m.SenderID
			c.LastMessageID = m.ID
		}
		return c
	}

	// 自己發出的訊息永遠不會是自己的未讀
	for i := range sent {
		touch(&sent[i], sent[i].ReceiverID)
	}
	for i := range received {
		c := touch(&received[i], received[i].SenderID)
		if !received[i].Read {
			c.UnreadCount++
		}
	}

	out := make([]Conversation, 0, len(summaries))
	for _, c := range summaries {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func participants(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
