package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/constants"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageStore 以 MongoDB 實作 chat.EventStore.
//
// 監聽優先使用 change stream；伺服器不支援時（單機 mongod）退回輪詢.
type MessageStore struct {
	db            *mongo.Database
	collection    *mongo.Collection
	pollInterval  time.Duration
	changeStreams bool
	maxResults    int
	now           func() time.Time
}

var _ chat.EventStore = (*MessageStore)(nil)

// Option 設定 MessageStore.
type Option func(*MessageStore)

// WithPollInterval 設定輪詢間隔.
func WithPollInterval(d time.Duration) Option {
	return func(s *MessageStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithChangeStreams 是否嘗試使用 change stream.
func WithChangeStreams(enabled bool) Option {
	return func(s *MessageStore) { s.changeStreams = enabled }
}

// WithMaxResults 單次查詢最多允許的訊息數；超過時查詢失敗而不是截斷，0 代表不限制.
func WithMaxResults(n int) Option {
	return func(s *MessageStore) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// NewMessageStore 創建新的消息存儲.
func NewMessageStore(db *mongo.Database, opts ...Option) *MessageStore {
	s := &MessageStore{
		db:            db,
		collection:    db.Collection(CollectionName),
		pollInterval:  constants.DefaultPollIntervalMS * time.Millisecond,
		changeStreams: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements chat.EventStore.
func (s *MessageStore) Append(ctx context.Context, msg *chat.Message) error {
	if msg.ID == "" {
		msg.ID = bson.NewObjectID().Hex()
	}
	doc := fromDomain(msg)
	_, err := s.collection.InsertOne(ctx, doc)
	return err
}

// Find implements chat.EventStore.
func (s *MessageStore) Find(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	filter, err := queryFilter(q)
	if err != nil {
		return nil, err
	}
	return s.find(ctx, q, filter)
}

func (s *MessageStore) find(ctx context.Context, q chat.Query, filter bson.D) ([]chat.Message, error) {
	opts := options.Find()
	opts.SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if s.maxResults > 0 {
		// 多取一筆以判斷是否超過上限
		opts.SetLimit(int64(s.maxResults) + 1)
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	if err := chat.CheckResultLimit(q, len(docs), s.maxResults); err != nil {
		return nil, err
	}

	messages := make([]chat.Message, len(docs))
	for i := range docs {
		messages[i] = docs[i].toDomain()
	}
	chat.SortMessages(messages)
	return messages, nil
}

// MarkRead implements chat.EventStore.
func (s *MessageStore) MarkRead(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// read=false 條件讓重複標記不會再次寫入
	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "read", Value: false},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "read", Value: true},
		{Key: "read_at", Value: s.now().UTC()},
	}}}

	res, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// Ping implements chat.EventStore.
func (s *MessageStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func queryFilter(q chat.Query) (bson.D, error) {
	field, ok := fieldName(q.Field)
	if !ok {
		return nil, fmt.Errorf("unsupported query field %q", q.Field)
	}
	if q.Value == "" {
		return nil, errors.New("empty query value")
	}
	return bson.D{{Key: field, Value: q.Value}}, nil
}
