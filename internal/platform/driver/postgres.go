package driver

import (
	"context"
	"fmt"
	"time"

	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresPool *pgxpool.Pool

// InitPostgres 初始化 PostgreSQL 連線池.
func InitPostgres(cfg config.PostgresConfig) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	postgresPool = pool
	logger.LogInfof("PostgreSQL connected successfully")
	return nil
}

// GetPostgresPool 獲取 PostgreSQL 連線池.
func GetPostgresPool() *pgxpool.Pool {
	return postgresPool
}

// ClosePostgres 關閉 PostgreSQL 連線池.
func ClosePostgres() {
	if postgresPool != nil {
		postgresPool.Close()
		postgresPool = nil
	}
}
