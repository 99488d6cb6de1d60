package message

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 建立三個單欄位查詢各自需要的索引.
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	messagesCollection := db.Collection(CollectionName)

	// 1. 對話 key + 創建時間（訊息列表）
	conversationTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_key", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("conversation_time_idx"),
	}

	// 2. 發送者 ID + 創建時間（對話列表：我發出的）
	senderTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "sender_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("sender_time_idx"),
	}

	// 3. 接收者 ID + 創建時間（對話列表：我收到的）
	receiverTimeIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "receiver_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("receiver_time_idx"),
	}

	_, err := messagesCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		conversationTimeIndex,
		senderTimeIndex,
		receiverTimeIndex,
	})
	return err
}

// GetIndexStats 獲取索引統計信息
func GetIndexStats(ctx context.Context, db *mongo.Database) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	cursor, err := db.Collection(CollectionName).Indexes().List(ctx)
	if err != nil {
		return nil, err
	}

	var indexes []bson.M
	if err = cursor.All(ctx, &indexes); err != nil {
		return nil, err
	}
	stats["messages_indexes"] = indexes

	return stats, nil
}
