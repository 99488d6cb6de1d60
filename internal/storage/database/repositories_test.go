package database

import (
	"context"
	"testing"

	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/storage/memstore"
)

func TestNewRepositoriesMemory(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: config.DriverMemory}}
	repos, err := NewRepositories(context.Background(), cfg)
	if err != nil {
		t.Fatalf("建立記憶體存儲失敗: %v", err)
	}
	defer repos.Close()

	if _, ok := repos.Events.(*memstore.Store); !ok {
		t.Fatalf("應回傳 memstore，實際為 %T", repos.Events)
	}
	if err := repos.Events.Ping(context.Background()); err != nil {
		t.Fatalf("Ping 失敗: %v", err)
	}
}

func TestNewRepositoriesUnknownDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "sqlite"}}
	if _, err := NewRepositories(context.Background(), cfg); err == nil {
		t.Fatal("不支援的驅動應回傳錯誤")
	}
}
