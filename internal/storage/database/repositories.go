package database

import (
	"context"
	"fmt"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/driver"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/storage/database/message"
	"freelance-chat/internal/storage/memstore"
	"freelance-chat/internal/storage/postgres"
)

// Repositories 倉儲集合.
type Repositories struct {
	Events chat.EventStore
	closer func()
}

// Close 釋放存儲持有的監聽與連線.
func (r *Repositories) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// NewRepositories 依 database.driver 連接並建立事件存儲.
func NewRepositories(ctx context.Context, cfg *config.Config) (*Repositories, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		if err := driver.InitMongo(cfg.Database.Mongo); err != nil {
			return nil, err
		}
		db := driver.GetMongoDatabase()

		// 索引建立失敗不中斷啟動，查詢仍可執行
		if err := message.CreateIndexes(ctx, db); err != nil {
			logger.Error(ctx, "建立 MongoDB 索引失敗", logger.WithError(err))
		}

		store := message.NewMessageStore(db,
			message.WithChangeStreams(cfg.Database.Mongo.ChangeStreams),
			message.WithPollInterval(cfg.Limits.Subscription.PollInterval()),
			message.WithMaxResults(cfg.Limits.Query.MaxResults),
		)
		return &Repositories{
			Events: store,
			closer: func() {
				if err := driver.CloseMongo(); err != nil {
					logger.LogErrorf("關閉 MongoDB 連接失敗: %v", err)
				}
			},
		}, nil

	case config.DriverPostgres:
		if err := driver.InitPostgres(cfg.Database.Postgres); err != nil {
			return nil, err
		}
		store, err := postgres.NewStore(driver.GetPostgresPool(), cfg.Database.Postgres.Channel, cfg.Limits.Query.MaxResults)
		if err != nil {
			driver.ClosePostgres()
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			driver.ClosePostgres()
			return nil, err
		}
		return &Repositories{
			Events: store,
			closer: func() {
				store.Close()
				driver.ClosePostgres()
			},
		}, nil

	case config.DriverMemory:
		logger.LogWarnf("使用記憶體事件存儲，重啟後資料會遺失")
		store := memstore.New(memstore.WithMaxResults(cfg.Limits.Query.MaxResults))
		return &Repositories{Events: store, closer: store.Close}, nil
	}
	return nil, fmt.Errorf("不支援的資料庫驅動: %s", cfg.Database.Driver)
}
