package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/logger"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 單機 mongod 不支援 $changeStream 時回傳的錯誤碼
const codeChangeStreamUnsupported = 40573

// Watch implements chat.EventStore.
func (s *MessageStore) Watch(ctx context.Context, q chat.Query) (<-chan chat.Snapshot, error) {
	filter, err := queryFilter(q)
	if err != nil {
		return nil, err
	}

	var stream *mongo.ChangeStream
	if s.changeStreams {
		stream, err = s.openStream(ctx, q)
		if err != nil {
			if !isChangeStreamUnsupported(err) {
				return nil, err
			}
			logger.Warning(ctx, "MongoDB 不支援 change stream，改用輪詢",
				logger.WithAction("watch_messages"),
				logger.WithDetails(map[string]interface{}{"field": string(q.Field)}))
			stream = nil
		}
	}

	out := make(chan chat.Snapshot, 1)
	go s.watchLoop(ctx, q, filter, stream, out)
	return out, nil
}

func (s *MessageStore) openStream(ctx context.Context, q chat.Query) (*mongo.ChangeStream, error) {
	field, _ := fieldName(q.Field)
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
			{Key: "fullDocument." + field, Value: q.Value},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	return s.collection.Watch(ctx, pipeline, opts)
}

// watchLoop 是 out 唯一的寫入者；ctx 結束時關閉 out
func (s *MessageStore) watchLoop(ctx context.Context, q chat.Query, filter bson.D, stream *mongo.ChangeStream, out chan chat.Snapshot) {
	defer close(out)

	var last string
	s.publish(ctx, q, filter, out, &last)

	if stream != nil {
		for stream.Next(ctx) {
			s.publish(ctx, q, filter, out, &last)
		}
		streamErr := stream.Err()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = stream.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		// change stream 中斷後回報一次錯誤，再以輪詢繼續
		logger.Error(ctx, "MongoDB change stream 中斷，改用輪詢",
			logger.WithAction("watch_messages"),
			logger.WithError(streamErr))
		chat.OfferSnapshot(out, chat.Snapshot{Err: fmt.Errorf("change stream: %w", streamErr)})
		last = ""
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(ctx, q, filter, out, &last)
		}
	}
}

// publish 查詢完整快照；內容與上次相同時不推送
func (s *MessageStore) publish(ctx context.Context, q chat.Query, filter bson.D, out chan chat.Snapshot, last *string) {
	msgs, err := s.find(ctx, q, filter)
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

func isChangeStreamUnsupported(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(codeChangeStreamUnsupported)
	}
	return false
}
