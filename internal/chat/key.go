package chat

import (
	"fmt"
	"strings"

	"freelance-chat/internal/constants"
)

// KeySeparator 對話 key 中兩個參與者 ID 之間的分隔符.
const KeySeparator = "_"

// ConversationKey 由兩個參與者 ID 推導對話 key，與參數順序無關.
func ConversationKey(idA, idB string) string {
	if idB < idA {
		idA, idB = idB, idA
	}
	return idA + KeySeparator + idB
}

// ParseConversationKey 將對話 key 拆回兩個參與者 ID.
func ParseConversationKey(key string) (a, b string, ok bool) {
	parts := strings.Split(key, KeySeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// OtherParticipant 回傳對話中除 me 以外的另一位參與者.
func OtherParticipant(key, me string) (string, bool) {
	a, b, ok := ParseConversationKey(key)
	if !ok {
		return "", false
	}
	switch me {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// ValidateParticipantID 驗證參與者 ID 可以安全地組成對話 key.
func ValidateParticipantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: 用戶 ID 不能為空", ErrInvalidArgument)
	}
	if len(id) > constants.MaxUserIDLength {
		return fmt.Errorf("%w: 用戶 ID 格式錯誤", ErrInvalidArgument)
	}
	// 分隔符出現在 ID 內會讓不同參與者組合產生相同的 key
	if strings.Contains(id, KeySeparator) {
		return fmt.Errorf("%w: 用戶 ID 不能包含 %q", ErrInvalidArgument, KeySeparator)
	}
	if strings.ContainsAny(id, "\x00${}[] ") {
		return fmt.Errorf("%w: 用戶 ID 包含非法字符", ErrInvalidArgument)
	}
	return nil
}
