package chat

import "errors"

// 聊天核心的錯誤分類，呼叫端以 errors.Is 判斷.
var (
	// ErrAuthentication 沒有可用的當前用戶身份.
	ErrAuthentication = errors.New("chat: authentication required")
	// ErrForbidden 當前用戶不是該對話的參與者.
	ErrForbidden = errors.New("chat: not a participant of this conversation")
	// ErrInvalidArgument 參數驗證失敗.
	ErrInvalidArgument = errors.New("chat: invalid argument")
	// ErrStoreWrite 寫入事件存儲失敗（不自動重試）.
	ErrStoreWrite = errors.New("chat: store write failed")
	// ErrStoreQuery 查詢或監聽事件存儲失敗.
	ErrStoreQuery = errors.New("chat: store query failed")
	// ErrNotFound 資源不存在；對話查詢一律以空結果表示，不回傳此錯誤.
	ErrNotFound = errors.New("chat: not found")
)
