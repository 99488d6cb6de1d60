// Package postgres 以 PostgreSQL 實作即時事件存儲，變更通知使用 LISTEN/NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freelance-chat/internal/chat"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store PostgreSQL 事件存儲.
type Store struct {
	pool       *pgxpool.Pool
	hub        *listenerHub
	maxResults int
	now        func() time.Time
}

var _ chat.EventStore = (*Store)(nil)

// NewStore 建立存儲；channel 必須與觸發器使用的 NOTIFY 頻道一致.
// maxResults <= 0 表示不限制；超過上限時查詢失敗，不截斷.
func NewStore(pool *pgxpool.Pool, channel string, maxResults int) (*Store, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	return &Store{
		pool:       pool,
		hub:        newListenerHub(pool, channel),
		maxResults: maxResults,
		now:        time.Now,
	}, nil
}

// Close 停止 LISTEN 連線；連線池由呼叫端關閉.
func (s *Store) Close() {
	s.hub.close()
}

func column(f chat.Field) (string, error) {
	switch f {
	case chat.FieldSenderID:
		return "sender_id", nil
	case chat.FieldReceiverID:
		return "receiver_id", nil
	case chat.FieldConversationKey:
		return "conversation_key", nil
	}
	return "", fmt.Errorf("unsupported query field %q", f)
}

// Append implements chat.EventStore.
func (s *Store) Append(ctx context.Context, msg *chat.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO chat_messages (id, conversation_key, sender_id, receiver_id, text, created_at, read, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		msg.ID,
		msg.ConversationKey,
		msg.SenderID,
		msg.ReceiverID,
		msg.Text,
		msg.CreatedAt,
		msg.Read,
		msg.ReadAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("insert message (code %s): %w", pgErr.Code, err)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Find implements chat.EventStore.
func (s *Store) Find(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	col, err := column(q.Field)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, conversation_key, sender_id, receiver_id, text, created_at, read, read_at
		FROM chat_messages
		WHERE %s = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, col)

	// LIMIT NULL 等同不限制；多取一筆用來判斷是否超過上限
	var limit any
	if s.maxResults > 0 {
		limit = s.maxResults + 1
	}

	rows, err := s.pool.Query(ctx, query, q.Value, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationKey,
			&m.SenderID,
			&m.ReceiverID,
			&m.Text,
			&m.CreatedAt,
			&m.Read,
			&m.ReadAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := chat.CheckResultLimit(q, len(messages), s.maxResults); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead implements chat.EventStore.
func (s *Store) MarkRead(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `UPDATE chat_messages SET read = TRUE, read_at = $2 WHERE id = ANY($1) AND NOT read`

	tag, err := s.pool.Exec(ctx, query, ids, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping implements chat.EventStore.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Watch implements chat.EventStore.
func (s *Store) Watch(ctx context.Context, q chat.Query) (<-chan chat.Snapshot, error) {
	if _, err := column(q.Field); err != nil {
		return nil, err
	}

	sub := s.hub.subscribe(q)
	out := make(chan chat.Snapshot, 1)
	go func() {
		defer close(out)
		defer s.hub.unsubscribe(sub)

		var last string
		s.publish(ctx, q, out, &last)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.ch:
				if err != nil {
					last = ""
					chat.OfferSnapshot(out, chat.Snapshot{Err: err})
					continue
				}
				s.publish(ctx, q, out, &last)
			}
		}
	}()
	return out, nil
}

// publish 查詢完整快照；內容與上次相同時不推送
func (s *Store) publish(ctx context.Context, q chat.Query, out chan chat.Snapshot, last *string) {
	msgs, err := s.Find(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		*last = ""
		chat.OfferSnapshot(out, chat.Snapshot{Err: err})
		return
	}
	sig := chat.Fingerprint(msgs)
	if sig == *last {
		return
	}
	*last = sig
	chat.OfferSnapshot(out, chat.Snapshot{Messages: msgs})
}
