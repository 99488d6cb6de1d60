// Package memstore 提供行程內的即時事件存儲，用於本地開發與測試.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"freelance-chat/internal/chat"

	"github.com/google/uuid"
)

// ErrClosed 存儲已關閉.
var ErrClosed = errors.New("memstore: closed")

// Op 可注入錯誤的操作.
type Op string

// 可注入錯誤的操作.
const (
	OpAppend   Op = "append"
	OpFind     Op = "find"
	OpWatch    Op = "watch"
	OpMarkRead Op = "mark_read"
	OpPing     Op = "ping"
)

// Stats 存儲的操作計數.
type Stats struct {
	Appends     int
	ReadUpdates int // 實際執行的已讀批次寫入次數
	MarkedRead  int // 被標記為已讀的訊息總數
	Watchers    int // 目前仍在監聽的查詢數
}

type watcher struct {
	query chat.Query
	ch    chan chat.Snapshot
}

// Store 以 map 保存訊息的 chat.EventStore 實作.
type Store struct {
	mu       sync.Mutex
	messages map[string]*chat.Message
	order    []string
	watchers map[*watcher]struct{}
	faults   map[Op]error
	stats    Stats
	closed   bool
	now      func() time.Time
	// 單次查詢的結果上限，0 代表不限制
	maxResults int
}

// Option 設定 Store.
type Option func(*Store)

// WithMaxResults 單次查詢最多允許的訊息數；超過時查詢失敗而不是截斷.
func WithMaxResults(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

var _ chat.EventStore = (*Store)(nil)

// New 建立空的存儲.
func New(opts ...Option) *Store {
	s := &Store{
		messages: make(map[string]*chat.Message),
		watchers: make(map[*watcher]struct{}),
		faults:   make(map[Op]error),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault 讓之後的 op 呼叫回傳 err；err 為 nil 時清除.
func (s *Store) SetFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// BreakWatchers 對目前所有監聽推送一次錯誤快照，模擬監聽中斷.
func (s *Store) BreakWatchers(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		chat.OfferSnapshot(w.ch, chat.Snapshot{Err: err})
	}
}

// Stats 回傳目前的計數.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Watchers = len(s.watchers)
	return st
}

// Append implements chat.EventStore.
func (s *Store) Append(ctx context.Context, msg *chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.faults[OpAppend]; err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.messages[msg.ID]; exists {
		return errors.New("memstore: duplicate message id")
	}
	stored := *msg
	s.messages[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	s.stats.Appends++

	s.notifyLocked([]*chat.Message{&stored})
	return nil
}

// Find implements chat.EventStore.
func (s *Store) Find(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.faults[OpFind]; err != nil {
		return nil, err
	}
	return s.queryLocked(q)
}

// Watch implements chat.EventStore.
func (s *Store) Watch(ctx context.Context, q chat.Query) (<-chan chat.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.faults[OpWatch]; err != nil {
		s.mu.Unlock()
		return nil, err
	}
	w := &watcher{query: q, ch: make(chan chat.Snapshot, 1)}
	s.watchers[w] = struct{}{}
	chat.OfferSnapshot(w.ch, s.snapshotLocked(q))
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

// MarkRead implements chat.EventStore.
func (s *Store) MarkRead(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.faults[OpMarkRead]; err != nil {
		return 0, err
	}

	now := s.now()
	changed := make([]*chat.Message, 0, len(ids))
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Read {
			continue
		}
		m.Read = true
		readAt := now
		m.ReadAt = &readAt
		changed = append(changed, m)
	}
	s.stats.ReadUpdates++
	s.stats.MarkedRead += len(changed)

	if len(changed) > 0 {
		s.notifyLocked(changed)
	}
	return len(changed), nil
}

// Ping implements chat.EventStore.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.faults[OpPing]
}

// Close 關閉所有監聽；之後的操作都回傳 ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
}

// queryLocked 依 created_at、id 升序回傳符合查詢的訊息副本
func (s *Store) queryLocked(q chat.Query) ([]chat.Message, error) {
	out := make([]chat.Message, 0)
	for _, id := range s.order {
		m := s.messages[id]
		if q.Matches(m) {
			out = append(out, copyMessage(m))
		}
	}
	if err := chat.CheckResultLimit(q, len(out), s.maxResults); err != nil {
		return nil, err
	}
	chat.SortMessages(out)
	return out, nil
}

func (s *Store) snapshotLocked(q chat.Query) chat.Snapshot {
	msgs, err := s.queryLocked(q)
	return chat.Snapshot{Messages: msgs, Err: err}
}

// notifyLocked 對受 changed 影響的每個監聽推送新的完整快照
func (s *Store) notifyLocked(changed []*chat.Message) {
	for w := range s.watchers {
		for _, m := range changed {
			if w.query.Matches(m) {
				chat.OfferSnapshot(w.ch, s.snapshotLocked(w.query))
				break
			}
		}
	}
}

func copyMessage(m *chat.Message) chat.Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return c
}
