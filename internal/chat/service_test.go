package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/storage/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func as(user string) context.Context {
	return chat.WithUserID(context.Background(), user)
}

func newTestService(t *testing.T, opts ...chat.Option) (*chat.Service, *memstore.Store, *fakeClock) {
	t.Helper()
	store := memstore.New()
	t.Cleanup(store.Close)
	clock := &fakeClock{ms: 1000}
	opts = append([]chat.Option{chat.WithClock(clock.now), chat.WithSafetyTimeout(time.Second)}, opts...)
	return chat.NewService(store, chat.ContextIdentity{}, opts...), store, clock
}

func waitFor[T any](t *testing.T, w *chat.Watcher[T], desc string, pred func(chat.State[T]) bool) chat.State[T] {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var last chat.State[T]
	for {
		select {
		case st := <-w.Updates():
			last = st
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatalf("等待「%s」超時，最後狀態: %+v", desc, last)
			return last
		}
	}
}

func subscribeConversations(t *testing.T, svc *chat.Service, user string) *chat.Watcher[chat.Conversation] {
	t.Helper()
	w := chat.NewWatcher[chat.Conversation]()
	sub, err := svc.SubscribeConversations(as(user), user, w.Observer())
	if err != nil {
		t.Fatalf("訂閱對話列表失敗: %v", err)
	}
	t.Cleanup(sub.Unsubscribe)
	return w
}

func send(t *testing.T, svc *chat.Service, from, to, text string) chat.Message {
	t.Helper()
	m, err := svc.SendMessage(as(from), to, text)
	if err != nil {
		t.Fatalf("發送訊息失敗: %v", err)
	}
	return m
}

func unreadOf(convs []chat.Conversation, key string) int {
	for _, c := range convs {
		if c.ID == key {
			return c.UnreadCount
		}
	}
	return -1
}

func TestEndToEndScenario(t *testing.T) {
	svc, _, _ := newTestService(t)

	key, err := svc.GetOrCreateConversationKey("u1", "u2")
	if err != nil || key != "u1_u2" {
		t.Fatalf("對話 key 應為 u1_u2，實際為 %q (%v)", key, err)
	}

	send(t, svc, "u1", "u2", "hello")

	bList := subscribeConversations(t, svc, "u2")
	st := waitFor(t, bList, "B 看到一則未讀", func(s chat.State[chat.Conversation]) bool {
		return s.Loaded && len(s.Items) == 1 && s.Items[0].UnreadCount == 1
	})
	c := st.Items[0]
	if c.ID != "u1_u2" || c.LastMessage != "hello" || c.LastMessageTime != 1000 {
		t.Fatalf("對話摘要錯誤: %+v", c)
	}
	if !st.Loaded || st.TimedOut {
		t.Errorf("初次載入應完成且未超時: %+v", st)
	}

	aList := subscribeConversations(t, svc, "u1")
	st = waitFor(t, aList, "A 看到對話", func(s chat.State[chat.Conversation]) bool { return len(s.Items) == 1 })
	if st.Items[0].UnreadCount != 0 {
		t.Errorf("發送者的未讀數應永遠為 0，實際為 %d", st.Items[0].UnreadCount)
	}

	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); err != nil {
		t.Fatalf("標記已讀失敗: %v", err)
	}
	waitFor(t, bList, "B 的未讀歸零", func(s chat.State[chat.Conversation]) bool {
		return unreadOf(s.Items, "u1_u2") == 0
	})
}

func TestMarkReadIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "a")
	send(t, svc, "u1", "u2", "b")

	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); err != nil {
		t.Fatalf("第一次標記失敗: %v", err)
	}
	first := store.Stats()
	if first.ReadUpdates != 1 || first.MarkedRead != 2 {
		t.Fatalf("第一次應寫入一個批次共 2 筆，實際為 %+v", first)
	}

	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); err != nil {
		t.Fatalf("第二次標記不應回傳錯誤: %v", err)
	}
	if second := store.Stats(); second.ReadUpdates != first.ReadUpdates {
		t.Fatalf("第二次標記不應寫入存儲，寫入次數 %d -> %d", first.ReadUpdates, second.ReadUpdates)
	}
}

func TestMarkReadOnlyOtherParticipantsMessages(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "to u2")
	send(t, svc, "u2", "u1", "to u1")

	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); err != nil {
		t.Fatalf("標記已讀失敗: %v", err)
	}
	if got := store.Stats().MarkedRead; got != 1 {
		t.Fatalf("只應標記 u1 發給 u2 的 1 筆，實際為 %d", got)
	}

	if err := svc.MarkRead(as("u2"), "u1_u2", "u3"); !errors.Is(err, chat.ErrInvalidArgument) {
		t.Fatalf("對方不是參與者時應回傳 ErrInvalidArgument，實際為 %v", err)
	}
}

func TestUnreadAccounting(t *testing.T) {
	svc, _, clock := newTestService(t)
	for i := 0; i < 3; i++ {
		clock.set(int64(1000 + i))
		send(t, svc, "u1", "u2", "ping")
	}

	list := subscribeConversations(t, svc, "u2")
	waitFor(t, list, "未讀數為 3", func(s chat.State[chat.Conversation]) bool {
		return unreadOf(s.Items, "u1_u2") == 3
	})

	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); err != nil {
		t.Fatalf("標記已讀失敗: %v", err)
	}
	waitFor(t, list, "未讀數歸零", func(s chat.State[chat.Conversation]) bool {
		return unreadOf(s.Items, "u1_u2") == 0
	})

	clock.set(2000)
	send(t, svc, "u1", "u2", "again")
	waitFor(t, list, "未讀數回到 1", func(s chat.State[chat.Conversation]) bool {
		return unreadOf(s.Items, "u1_u2") == 1
	})
}

func TestLastMessageUnderInterleaving(t *testing.T) {
	svc, _, clock := newTestService(t)
	list := subscribeConversations(t, svc, "u1")
	waitFor(t, list, "初次載入", func(s chat.State[chat.Conversation]) bool { return s.Loaded })

	clock.set(100)
	send(t, svc, "u1", "u2", "M1")
	clock.set(200)
	send(t, svc, "u2", "u1", "M2")

	st := waitFor(t, list, "最後訊息為 M2", func(s chat.State[chat.Conversation]) bool {
		return len(s.Items) == 1 && s.Items[0].LastMessage == "M2"
	})
	if st.Items[0].LastMessageTime != 200 || st.Items[0].LastSenderID != "u2" {
		t.Fatalf("最後訊息摘要錯誤: %+v", st.Items[0])
	}
}

func TestConversationListMembership(t *testing.T) {
	svc, _, _ := newTestService(t)
	send(t, svc, "u1", "u2", "not for u5")

	list := subscribeConversations(t, svc, "u5")
	st := waitFor(t, list, "初次載入", func(s chat.State[chat.Conversation]) bool { return s.Loaded })
	if len(st.Items) != 0 {
		t.Fatalf("沒有訊息的用戶不應有對話，實際為 %+v", st.Items)
	}

	send(t, svc, "u5", "u9", "hi")
	st = waitFor(t, list, "新對話出現", func(s chat.State[chat.Conversation]) bool { return len(s.Items) == 1 })
	if st.Items[0].OtherParticipantID != "u9" || st.Items[0].ID != "u5_u9" {
		t.Fatalf("新對話錯誤: %+v", st.Items[0])
	}
}

func TestSubscribeMessagesSortedAscending(t *testing.T) {
	svc, _, clock := newTestService(t)
	clock.set(300)
	send(t, svc, "u1", "u2", "later")
	clock.set(100)
	send(t, svc, "u2", "u1", "earlier")

	w := chat.NewWatcher[chat.Message]()
	sub, err := svc.SubscribeMessages(as("u2"), "u1_u2", w.Observer())
	if err != nil {
		t.Fatalf("訂閱訊息失敗: %v", err)
	}
	defer sub.Unsubscribe()

	st := waitFor(t, w, "兩則訊息", func(s chat.State[chat.Message]) bool { return len(s.Items) == 2 })
	if st.Items[0].Text != "earlier" || st.Items[1].Text != "later" {
		t.Fatalf("訊息應依時間升序: %+v", st.Items)
	}
}

func TestMembershipChecks(t *testing.T) {
	svc, _, _ := newTestService(t)
	obs := chat.Observer[chat.Message]{}

	if _, err := svc.SubscribeMessages(as("u3"), "u1_u2", obs); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("非參與者訂閱應回傳 ErrForbidden，實際為 %v", err)
	}
	if _, err := svc.FetchConversation(as("u3"), "u1_u2"); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("非參與者讀取應回傳 ErrForbidden，實際為 %v", err)
	}
	if err := svc.MarkRead(as("u3"), "u1_u2", "u1"); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("非參與者標記已讀應回傳 ErrForbidden，實際為 %v", err)
	}
	if _, err := svc.SubscribeConversations(as("u1"), "u2", chat.Observer[chat.Conversation]{}); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("訂閱他人對話列表應回傳 ErrForbidden，實際為 %v", err)
	}
	if _, err := svc.ListConversations(as("u1"), "u2"); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("讀取他人對話列表應回傳 ErrForbidden，實際為 %v", err)
	}
	if _, err := svc.SubscribeMessages(as("u1"), "not-a-key", obs); !errors.Is(err, chat.ErrInvalidArgument) {
		t.Errorf("格式錯誤的 key 應回傳 ErrInvalidArgument，實際為 %v", err)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendMessage(ctx, "u2", "hi"); !errors.Is(err, chat.ErrAuthentication) {
		t.Errorf("未認證發送應回傳 ErrAuthentication，實際為 %v", err)
	}
	if _, err := svc.SubscribeConversations(ctx, "u1", chat.Observer[chat.Conversation]{}); !errors.Is(err, chat.ErrAuthentication) {
		t.Errorf("未認證訂閱應回傳 ErrAuthentication，實際為 %v", err)
	}
	if err := svc.MarkRead(ctx, "u1_u2", "u1"); !errors.Is(err, chat.ErrAuthentication) {
		t.Errorf("未認證標記已讀應回傳 ErrAuthentication，實際為 %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, store, _ := newTestService(t, chat.WithMaxTextLength(500))

	tests := []struct {
		name    string
		to      string
		text    string
		wantErr bool
	}{
		{"正常訊息", "u2", "hello", false},
		{"剛好 500 字", "u2", strings.Repeat("字", 500), false},
		{"超過 500 字", "u2", strings.Repeat("字", 501), true},
		{"空白訊息", "u2", "   \n", true},
		{"發給自己", "u1", "hi", true},
		{"接收者含分隔符", "u_2", "hi", true},
		{"空接收者", "", "hi", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := store.Stats().Appends
			m, err := svc.SendMessage(as("u1"), tt.to, tt.text)
			if tt.wantErr {
				if !errors.Is(err, chat.ErrInvalidArgument) {
					t.Fatalf("應回傳 ErrInvalidArgument，實際為 %v", err)
				}
				if store.Stats().Appends != before {
					t.Fatal("驗證失敗時不應寫入存儲")
				}
				return
			}
			if err != nil {
				t.Fatalf("不應有錯誤: %v", err)
			}
			if m.ID == "" || m.Read || m.ConversationKey != "u1_u2" || m.CreatedAt != 1000 {
				t.Fatalf("訊息欄位錯誤: %+v", m)
			}
		})
	}
}

func TestSendMessageStoreFailure(t *testing.T) {
	svc, store, _ := newTestService(t)
	boom := errors.New("disk full")
	store.SetFault(memstore.OpAppend, boom)

	_, err := svc.SendMessage(as("u1"), "u2", "hi")
	if !errors.Is(err, chat.ErrStoreWrite) || !errors.Is(err, boom) {
		t.Fatalf("應回傳包裝原因的 ErrStoreWrite，實際為 %v", err)
	}
}

func TestMarkReadStoreFailures(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "hi")

	store.SetFault(memstore.OpFind, errors.New("timeout"))
	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); !errors.Is(err, chat.ErrStoreQuery) {
		t.Fatalf("查詢失敗應回傳 ErrStoreQuery，實際為 %v", err)
	}
	store.SetFault(memstore.OpFind, nil)

	store.SetFault(memstore.OpMarkRead, errors.New("conflict"))
	if err := svc.MarkRead(as("u2"), "u1_u2", "u1"); !errors.Is(err, chat.ErrStoreWrite) {
		t.Fatalf("更新失敗應回傳 ErrStoreWrite，實際為 %v", err)
	}
}

func TestFetchAndListOneShot(t *testing.T) {
	svc, _, _ := newTestService(t)

	msgs, err := svc.FetchConversation(as("u1"), "u1_u7")
	if err != nil || msgs == nil || len(msgs) != 0 {
		t.Fatalf("不存在的對話應回傳空列表，實際為 %v (%v)", msgs, err)
	}

	send(t, svc, "u1", "u7", "hi")
	convs, err := svc.ListConversations(as("u7"), "u7")
	if err != nil {
		t.Fatalf("讀取對話列表失敗: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 {
		t.Fatalf("對話列表錯誤: %+v", convs)
	}
}

// stalledStore 的 Watch 永遠不回應，直到 ctx 結束
type stalledStore struct {
	*memstore.Store
}

func (s *stalledStore) Watch(ctx context.Context, _ chat.Query) (<-chan chat.Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSafetyTimeout(t *testing.T) {
	store := &stalledStore{Store: memstore.New()}
	svc := chat.NewService(store, chat.ContextIdentity{}, chat.WithSafetyTimeout(50*time.Millisecond))

	loaded := make(chan bool, 1)
	var nexts atomic.Int32
	start := time.Now()
	sub, err := svc.SubscribeConversations(as("u1"), "u1", chat.Observer[chat.Conversation]{
		Next:   func([]chat.Conversation) { nexts.Add(1) },
		Loaded: func(timedOut bool) { loaded <- timedOut },
	})
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}

	select {
	case timedOut := <-loaded:
		if !timedOut {
			t.Fatal("存儲沒有回應時 Loaded 應帶 timedOut=true")
		}
		if time.Since(start) > time.Second {
			t.Fatalf("安全超時太晚觸發: %v", time.Since(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("安全超時沒有觸發")
	}
	if nexts.Load() != 0 {
		t.Error("沒有資料時不應呼叫 Next")
	}

	sub.Unsubscribe()
	waitDone(t, sub)
}

func TestQueryErrorYieldsEmptyAndRecovers(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "first")

	w := chat.NewWatcher[chat.Message]()
	sub, err := svc.SubscribeMessages(as("u1"), "u1_u2", w.Observer())
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, w, "初始訊息", func(s chat.State[chat.Message]) bool { return len(s.Items) == 1 })

	store.BreakWatchers(errors.New("permission denied"))
	st := waitFor(t, w, "錯誤狀態", func(s chat.State[chat.Message]) bool { return s.Err != nil })
	if len(st.Items) != 0 || !errors.Is(st.Err, chat.ErrStoreQuery) {
		t.Fatalf("查詢失敗時應為空結果加 ErrStoreQuery，實際為 %+v", st)
	}

	send(t, svc, "u2", "u1", "second")
	waitFor(t, w, "恢復", func(s chat.State[chat.Message]) bool { return s.Err == nil && len(s.Items) == 2 })
}

func TestConversationQueryErrorSignalsEmpty(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "hi")
	store.SetFault(memstore.OpWatch, errors.New("index missing"))

	w := chat.NewWatcher[chat.Conversation]()
	sub, err := svc.SubscribeConversations(as("u2"), "u2", w.Observer())
	if err != nil {
		t.Fatalf("訂閱本身不應失敗: %v", err)
	}
	defer sub.Unsubscribe()

	st := waitFor(t, w, "錯誤狀態", func(s chat.State[chat.Conversation]) bool { return s.Err != nil })
	if len(st.Items) != 0 || !errors.Is(st.Err, chat.ErrStoreQuery) {
		t.Fatalf("應為空列表加 ErrStoreQuery，實際為 %+v", st)
	}
}

func waitDone(t *testing.T, sub *chat.Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("取消訂閱後資源沒有釋放")
	}
}

func TestUnsubscribeReleasesListeners(t *testing.T) {
	svc, store, _ := newTestService(t)

	var calls atomic.Int32
	sub, err := svc.SubscribeConversations(as("u1"), "u1", chat.Observer[chat.Conversation]{
		Next: func([]chat.Conversation) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	waitDone(t, sub)

	if got := store.Stats().Watchers; got != 0 {
		t.Fatalf("取消訂閱後應沒有監聽，實際為 %d", got)
	}
	before := calls.Load()
	send(t, svc, "u2", "u1", "after")
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != before {
		t.Fatal("取消訂閱後不應再呼叫回呼")
	}
}

func TestUnsubscribeInsideCallback(t *testing.T) {
	svc, store, _ := newTestService(t)

	subCh := make(chan *chat.Subscription, 1)
	var calls atomic.Int32
	sub, err := svc.SubscribeMessages(as("u1"), "u1_u2", chat.Observer[chat.Message]{
		Next: func([]chat.Message) {
			calls.Add(1)
			(<-subCh).Unsubscribe()
		},
	})
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}
	subCh <- sub
	waitDone(t, sub)

	send(t, svc, "u1", "u2", "late")
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("回呼內取消後應只收到 1 次，實際為 %d", calls.Load())
	}
	if got := store.Stats().Watchers; got != 0 {
		t.Fatalf("監聽應被釋放，實際為 %d", got)
	}
}

func TestIndependentSubscribers(t *testing.T) {
	svc, _, _ := newTestService(t)

	w1 := chat.NewWatcher[chat.Message]()
	w2 := chat.NewWatcher[chat.Message]()
	sub1, err := svc.SubscribeMessages(as("u1"), "u1_u2", w1.Observer())
	if err != nil {
		t.Fatalf("訂閱 1 失敗: %v", err)
	}
	sub2, err := svc.SubscribeMessages(as("u2"), "u1_u2", w2.Observer())
	if err != nil {
		t.Fatalf("訂閱 2 失敗: %v", err)
	}
	defer sub2.Unsubscribe()

	waitFor(t, w1, "訂閱 1 載入", func(s chat.State[chat.Message]) bool { return s.Loaded })
	waitFor(t, w2, "訂閱 2 載入", func(s chat.State[chat.Message]) bool { return s.Loaded })

	sub1.Unsubscribe()
	waitDone(t, sub1)

	send(t, svc, "u1", "u2", "still here")
	waitFor(t, w2, "訂閱 2 仍收到更新", func(s chat.State[chat.Message]) bool { return len(s.Items) == 1 })
}

func TestMarkReadClearsOldUnreadAfterManyReplies(t *testing.T) {
	svc, _, clock := newTestService(t)
	clock.set(1000)
	send(t, svc, "u2", "u1", "r")
	for i := 0; i < 1200; i++ {
		clock.set(int64(2000 + i))
		send(t, svc, "u1", "u2", "reply")
	}

	if err := svc.MarkRead(as("u1"), "u1_u2", "u2"); err != nil {
		t.Fatalf("標記已讀失敗: %v", err)
	}
	convs, err := svc.ListConversations(as("u1"), "u1")
	if err != nil {
		t.Fatalf("查詢對話列表失敗: %v", err)
	}
	if got := unreadOf(convs, "u1_u2"); got != 0 {
		t.Fatalf("較舊的未讀訊息也應被標記，未讀數為 %d", got)
	}
}

func TestResultLimitSurfacesInsteadOfTruncating(t *testing.T) {
	store := memstore.New(memstore.WithMaxResults(5))
	t.Cleanup(store.Close)
	svc := chat.NewService(store, chat.ContextIdentity{}, chat.WithSafetyTimeout(time.Second))

	// u1 發出 6 筆，寄件查詢與對話查詢都超過上限 5
	send(t, svc, "u2", "u1", "r")
	for i := 0; i < 6; i++ {
		send(t, svc, "u1", "u2", "reply")
	}

	err := svc.MarkRead(as("u1"), "u1_u2", "u2")
	if !errors.Is(err, chat.ErrStoreQuery) || !errors.Is(err, chat.ErrResultLimit) {
		t.Fatalf("超過查詢上限時標記已讀應明確失敗，實際為 %v", err)
	}
	if got := store.Stats().MarkedRead; got != 0 {
		t.Fatalf("失敗時不應寫入部分結果，實際標記 %d 筆", got)
	}
	if _, err := svc.ListConversations(as("u1"), "u1"); !errors.Is(err, chat.ErrResultLimit) {
		t.Fatalf("對話列表不應以截斷的結果計算，實際為 %v", err)
	}
}

func TestWatcherKeepsErrorAcrossRepeatedFailures(t *testing.T) {
	svc, store, _ := newTestService(t)
	send(t, svc, "u1", "u2", "first")

	w := chat.NewWatcher[chat.Message]()
	obs := w.Observer()
	var nexts atomic.Int32
	next := obs.Next
	obs.Next = func(items []chat.Message) {
		nexts.Add(1)
		next(items)
	}
	sub, err := svc.SubscribeMessages(as("u1"), "u1_u2", obs)
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, w, "初始訊息", func(s chat.State[chat.Message]) bool { return s.Loaded && len(s.Items) == 1 })
	before := nexts.Load()

	for i := 0; i < 3; i++ {
		store.BreakWatchers(errors.New("permission denied"))
		deadline := time.After(200 * time.Millisecond)
	drain:
		for {
			select {
			case st := <-w.Updates():
				if st.Err == nil {
					t.Fatalf("第 %d 次失敗期間不應出現沒有錯誤的狀態: %+v", i+1, st)
				}
				if len(st.Items) != 0 {
					t.Fatalf("失敗時應為空結果: %+v", st)
				}
			case <-deadline:
				break drain
			}
		}
	}
	if got := nexts.Load(); got != before {
		t.Fatalf("失敗應走單一錯誤推送而非 Next，Next 多呼叫了 %d 次", got-before)
	}

	send(t, svc, "u2", "u1", "second")
	waitFor(t, w, "恢復", func(s chat.State[chat.Message]) bool { return s.Err == nil && len(s.Items) == 2 })
}

func TestNoCallbackStartsAfterUnsubscribeReturns(t *testing.T) {
	svc, _, _ := newTestService(t)

	var stopped atomic.Bool
	var late atomic.Int32
	var calls atomic.Int32
	sub, err := svc.SubscribeMessages(as("u1"), "u1_u2", chat.Observer[chat.Message]{
		Next: func([]chat.Message) {
			if stopped.Load() {
				late.Add(1)
			}
			calls.Add(1)
			time.Sleep(time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("訂閱失敗: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			if _, err := svc.SendMessage(as("u2"), "u1", "tick"); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	sub.Unsubscribe()
	stopped.Store(true)

	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()
	waitDone(t, sub)

	if n := late.Load(); n != 0 {
		t.Fatalf("Unsubscribe 回傳後仍有 %d 次回呼開始執行", n)
	}
}
