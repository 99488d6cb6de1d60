package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"freelance-chat/internal/constants"
	"freelance-chat/internal/platform/logger"
)

// Auditor 接收聊天核心的審計事件.
type Auditor interface {
	LogMessageSent(ctx context.Context, userID, conversationKey, messageID string)
	LogMessagesRead(ctx context.Context, userID, conversationKey string, count int)
	LogAccessDenied(ctx context.Context, userID, conversationKey, reason string)
}

type nopAuditor struct{}

func (nopAuditor) LogMessageSent(context.Context, string, string, string)  {}
func (nopAuditor) LogMessagesRead(context.Context, string, string, int)    {}
func (nopAuditor) LogAccessDenied(context.Context, string, string, string) {}

// Service 私訊核心：發送、訂閱、對話聚合與已讀標記.
type Service struct {
	store         EventStore
	identity      Identity
	clock         func() time.Time
	safetyTimeout time.Duration
	maxTextLength int
	auditor       Auditor
}

// Option 設定 Service.
type Option func(*Service)

// WithClock 設定產生 CreatedAt 的時鐘.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithSafetyTimeout 設定訂閱初次載入的安全超時.
func WithSafetyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.safetyTimeout = d
		}
	}
}

// WithMaxTextLength 設定訊息文字的最大字元數.
func WithMaxTextLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTextLength = n
		}
	}
}

// WithAuditor 設定審計事件接收者.
func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

// NewService 建立 Service.
func NewService(store EventStore, identity Identity, opts ...Option) *Service {
	s := &Service{
		store:         store,
		identity:      identity,
		clock:         time.Now,
		safetyTimeout: constants.DefaultSafetyTimeoutSeconds * time.Second,
		maxTextLength: constants.DefaultMaxMessageLength,
		auditor:       nopAuditor{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxTextLength 目前的訊息長度上限.
func (s *Service) MaxTextLength() int {
	return s.maxTextLength
}

func (s *Service) currentUser(ctx context.Context) (string, error) {
	if s.identity == nil {
		return "", ErrAuthentication
	}
	id, err := s.identity.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrAuthentication
	}
	return id, nil
}

// ValidateText 驗證訊息文字；空白訊息與超長訊息都會被拒絕.
func (s *Service) ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: 訊息內容不能為空", ErrInvalidArgument)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: 訊息內容不是合法的 UTF-8", ErrInvalidArgument)
	}
	if n := utf8.RuneCountInString(text); n > s.maxTextLength {
		return fmt.Errorf("%w: 訊息長度 %d 超過上限 %d", ErrInvalidArgument, n, s.maxTextLength)
	}
	return nil
}

// GetOrCreateConversationKey 回傳兩個參與者的對話 key；對話不需要事先建立.
func (s *Service) GetOrCreateConversationKey(participantA, participantB string) (string, error) {
	if err := ValidateParticipantID(participantA); err != nil {
		return "", err
	}
	if err := ValidateParticipantID(participantB); err != nil {
		return "", err
	}
	return ConversationKey(participantA, participantB), nil
}

// SendMessage 以當前用戶身份發送一則訊息給 receiverID.
//
// 寫入失敗不會重試；重送會產生新的訊息.
func (s *Service) SendMessage(ctx context.Context, receiverID, text string) (Message, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return Message{}, err
	}
	if err := ValidateParticipantID(me); err != nil {
		return Message{}, err
	}
	if err := ValidateParticipantID(receiverID); err != nil {
		return Message{}, err
	}
	if me == receiverID {
		return Message{}, fmt.Errorf("%w: 不能發送訊息給自己", ErrInvalidArgument)
	}
	if err := s.ValidateText(text); err != nil {
		return Message{}, err
	}

	msg := Message{
		ConversationKey: ConversationKey(me, receiverID),
		SenderID:        me,
		ReceiverID:      receiverID,
		Text:            text,
		CreatedAt:       s.clock().UnixMilli(),
		Read:            false,
	}
	if err := s.store.Append(ctx, &msg); err != nil {
		logger.Error(ctx, "寫入訊息失敗",
			logger.WithUserID(me),
			logger.WithConversationKey(msg.ConversationKey),
			logger.WithAction("send_message"),
			logger.WithError(err))
		return Message{}, fmt.Errorf("%w: append message: %w", ErrStoreWrite, err)
	}

	s.auditor.LogMessageSent(ctx, me, msg.ConversationKey, msg.ID)
	return msg, nil
}

// authorizeConversation 確認當前用戶是 key 的參與者
func (s *Service) authorizeConversation(ctx context.Context, key string) (string, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return "", err
	}
	a, b, ok := ParseConversationKey(key)
	if !ok {
		return "", fmt.Errorf("%w: 對話 key 格式錯誤", ErrInvalidArgument)
	}
	if me != a && me != b {
		s.auditor.LogAccessDenied(ctx, me, key, "not a participant")
		return "", ErrForbidden
	}
	return me, nil
}

// authorizeUser 確認 userID 就是當前用戶
func (s *Service) authorizeUser(ctx context.Context, userID string) error {
	me, err := s.currentUser(ctx)
	if err != nil {
		return err
	}
	if err := ValidateParticipantID(userID); err != nil {
		return err
	}
	if me != userID {
		s.auditor.LogAccessDenied(ctx, me, "", "conversation list of another user")
		return ErrForbidden
	}
	return nil
}

// SubscribeMessages 訂閱一個對話的完整訊息列表，每次推送都依時間升序.
func (s *Service) SubscribeMessages(ctx context.Context, key string, obs Observer[Message]) (*Subscription, error) {
	me, err := s.authorizeConversation(ctx, key)
	if err != nil {
		return nil, err
	}

	f := &feed[Message]{
		name:    "subscribe_messages",
		store:   s.store,
		queries: []Query{{Field: FieldConversationKey, Value: key}},
		derive: func(results [][]Message) []Message {
			msgs := append([]Message(nil), results[0]...)
			SortMessages(msgs)
			return msgs
		},
		obs:     obs,
		timeout: s.safetyTimeout,
		onError: func(err error) {
			logger.Error(ctx, "訊息訂閱查詢失敗",
				logger.WithUserID(me),
				logger.WithConversationKey(key),
				logger.WithAction("subscribe_messages"),
				logger.WithError(err))
		},
	}
	return f.start(ctx), nil
}

// FetchConversation 一次性讀取對話的訊息；不存在的對話回傳空列表.
func (s *Service) FetchConversation(ctx context.Context, key string) ([]Message, error) {
	if _, err := s.authorizeConversation(ctx, key); err != nil {
		return nil, err
	}
	msgs, err := s.store.Find(ctx, Query{Field: FieldConversationKey, Value: key})
	if err != nil {
		return nil, fmt.Errorf("%w: find conversation: %w", ErrStoreQuery, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	SortMessages(msgs)
	return msgs, nil
}

// SubscribeConversations 訂閱 userID 的對話列表，依最後訊息時間降序.
//
// 存儲只支援單欄位查詢，所以同時監聽「我發出的」與「我收到的」兩個查詢，
// 任一邊變動都以兩份最新的完整快照重新計算整個列表.
func (s *Service) SubscribeConversations(ctx context.Context, userID string, obs Observer[Conversation]) (*Subscription, error) {
	if err := s.authorizeUser(ctx, userID); err != nil {
		return nil, err
	}

	f := &feed[Conversation]{
		name:  "subscribe_conversations",
		store: s.store,
		queries: []Query{
			{Field: FieldSenderID, Value: userID},
			{Field: FieldReceiverID, Value: userID},
		},
		derive: func(results [][]Message) []Conversation {
			return MergeConversations(userID, results[0], results[1])
		},
		obs:     obs,
		timeout: s.safetyTimeout,
		onError: func(err error) {
			logger.Error(ctx, "對話列表訂閱查詢失敗",
				logger.WithUserID(userID),
				logger.WithAction("subscribe_conversations"),
				logger.WithError(err))
		},
	}
	return f.start(ctx), nil
}

// ListConversations 一次性計算 userID 的對話列表.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := s.authorizeUser(ctx, userID); err != nil {
		return nil, err
	}
	sent, err := s.store.Find(ctx, Query{Field: FieldSenderID, Value: userID})
	if err != nil {
		return nil, fmt.Errorf("%w: find sent: %w", ErrStoreQuery, err)
	}
	received, err := s.store.Find(ctx, Query{Field: FieldReceiverID, Value: userID})
	if err != nil {
		return nil, fmt.Errorf("%w: find received: %w", ErrStoreQuery, err)
	}
	return MergeConversations(userID, sent, received), nil
}

// MarkRead 把 otherParticipantID 發給當前用戶、且尚未讀取的訊息標記為已讀.
//
// 沒有未讀訊息時不寫入存儲。標記期間新到的訊息不一定包含在內.
func (s *Service) MarkRead(ctx context.Context, key, otherParticipantID string) error {
	me, err := s.authorizeConversation(ctx, key)
	if err != nil {
		return err
	}
	if other, ok := OtherParticipant(key, me); !ok || other != otherParticipantID {
		return fmt.Errorf("%w: 對方不是此對話的參與者", ErrInvalidArgument)
	}

	msgs, err := s.store.Find(ctx, Query{Field: FieldConversationKey, Value: key})
	if err != nil {
		return fmt.Errorf("%w: find unread: %w", ErrStoreQuery, err)
	}

	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == otherParticipantID && m.ReceiverID == me && !m.Read {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	n, err := s.store.MarkRead(ctx, ids)
	if err != nil {
		logger.Error(ctx, "標記已讀失敗",
			logger.WithUserID(me),
			logger.WithConversationKey(key),
			logger.WithAction("mark_read"),
			logger.WithError(err))
		return fmt.Errorf("%w: mark read: %w", ErrStoreWrite, err)
	}

	s.auditor.LogMessagesRead(ctx, me, key, n)
	return nil
}

// Ping 檢查事件存儲是否可用.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
