package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// notification 觸發器送出的 payload
type notification struct {
	ConversationKey string `json:"conversation_key"`
	SenderID        string `json:"sender_id"`
	ReceiverID      string `json:"receiver_id"`
}

type hubSub struct {
	query chat.Query
	// nil 代表需要重新查詢，非 nil 代表監聽連線中斷
	ch chan error
}

// listenerHub 用一條專用連線 LISTEN，把通知分派給相關的監聽
type listenerHub struct {
	pool    *pgxpool.Pool
	channel string

	mu      sync.Mutex
	subs    map[*hubSub]struct{}
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newListenerHub(pool *pgxpool.Pool, channel string) *listenerHub {
	return &listenerHub{
		pool:    pool,
		channel: channel,
		subs:    make(map[*hubSub]struct{}),
		done:    make(chan struct{}),
	}
}

func (h *listenerHub) subscribe(q chat.Query) *hubSub {
	sub := &hubSub{query: q, ch: make(chan error, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	if !h.started {
		h.started = true
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.run(ctx)
	}
	return sub
}

func (h *listenerHub) unsubscribe(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *listenerHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *listenerHub) close() {
	h.mu.Lock()
	started := h.started
	cancel := h.cancel
	h.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-h.done
}

func (h *listenerHub) run(ctx context.Context) {
	defer close(h.done)

	delay := minReconnectDelay
	for {
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Error(ctx, "PostgreSQL LISTEN 連線中斷",
			logger.WithAction("listen_messages"),
			logger.WithError(err))
		h.broadcast(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < maxReconnectDelay {
			delay *= 2
		}
	}
}

func (h *listenerHub) listen(ctx context.Context) error {
	pooled, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// LISTEN 狀態不能回到連線池
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{h.channel}.Sanitize()); err != nil {
		return err
	}
	// 連線（重新）建立期間可能漏掉通知，全部重新查詢
	h.broadcast(nil)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var p notification
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			logger.Warning(ctx, "無法解析 NOTIFY payload",
				logger.WithAction("listen_messages"),
				logger.WithError(err))
			h.broadcast(nil)
			continue
		}
		h.dispatch(&chat.Message{
			ConversationKey: p.ConversationKey,
			SenderID:        p.SenderID,
			ReceiverID:      p.ReceiverID,
		})
	}
}

func (h *listenerHub) dispatch(m *chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.query.Matches(m) {
			offer(sub.ch, nil)
		}
	}
}

func (h *listenerHub) broadcast(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		offer(sub.ch, err)
	}
}

// offer 只保留最新的信號；呼叫端持有 h.mu
func offer(ch chan error, err error) {
	select {
	case ch <- err:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- err:
	default:
	}
}
