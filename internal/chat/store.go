package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrResultLimit 查詢結果超過存儲設定的上限；存儲一律回傳此錯誤而不截斷結果.
var ErrResultLimit = errors.New("chat: query result exceeds limit")

// Field 事件存儲可建立單欄位索引查詢的欄位.
type Field string

// 可查詢的欄位.
const (
	FieldSenderID        Field = "sender_id"
	FieldReceiverID      Field = "receiver_id"
	FieldConversationKey Field = "conversation_key"
)

// Query 單欄位等值查詢；存儲不支援跨欄位的 OR 查詢.
type Query struct {
	Field Field
	Value string
}

// Matches 判斷訊息是否落在查詢範圍內.
func (q Query) Matches(m *Message) bool {
	switch q.Field {
	case FieldSenderID:
		return m.SenderID == q.Value
	case FieldReceiverID:
		return m.ReceiverID == q.Value
	case FieldConversationKey:
		return m.ConversationKey == q.Value
	}
	return false
}

// Snapshot 一次推送的完整查詢結果；Err 非 nil 時 Messages 無意義.
type Snapshot struct {
	Messages []Message
	Err      error
}

// EventStore 即時事件存儲.
//
// Find 與 Watch 的每個結果都是完整列表；設有上限的存儲超過時回傳 ErrResultLimit.
// Watch 先推送一次初始快照，之後每次相關資料變動都推送完整快照（不是差量）.
// 回傳的 channel 只保留最新一筆快照，ctx 結束後關閉並釋放底層監聽.
type EventStore interface {
	Append(ctx context.Context, msg *Message) error
	Find(ctx context.Context, q Query) ([]Message, error)
	Watch(ctx context.Context, q Query) (<-chan Snapshot, error)
	MarkRead(ctx context.Context, ids []string) (int, error)
	Ping(ctx context.Context) error
}

// CheckResultLimit n 筆結果超過 max 時回傳 ErrResultLimit；max <= 0 代表不限制.
//
// 未讀數與已讀標記都以完整結果計算，只取部分結果會讓較舊的未讀訊息永遠無法清除.
func CheckResultLimit(q Query, n, max int) error {
	if max > 0 && n > max {
		return fmt.Errorf("%w: %s=%s 超過 %d 筆", ErrResultLimit, q.Field, q.Value, max)
	}
	return nil
}

// OfferSnapshot 以「只留最新」的方式送出快照；呼叫端必須是該 channel 唯一的寫入者.
func OfferSnapshot(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Fingerprint 快照內容的指紋，供輪詢型監聽判斷是否需要推送；建立後只有 Read 會變動.
func Fingerprint(msgs []Message) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(msgs)))
	for i := range msgs {
		b.WriteByte('|')
		b.WriteString(msgs[i].ID)
		if msgs[i].Read {
			b.WriteByte('r')
		}
	}
	return b.String()
}
