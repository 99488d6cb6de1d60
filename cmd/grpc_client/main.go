package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/grpcclient"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/security/token"

	"google.golang.org/grpc"
)

func main() {
	addr := flag.String("addr", "", "gRPC 服務器地址；未指定時讀取 configs 的 grpc 設定")
	from := flag.String("from", "client1", "發送者 ID")
	to := flag.String("to", "freelancer1", "接收者 ID")
	text := flag.String("text", "你好！這是 gRPC 測試訊息", "訊息內容")
	watch := flag.Duration("watch", 5*time.Second, "監聽訊息串流的時間，0 表示不監聽")
	flag.Parse()

	// 連接到 gRPC 服務器
	conn, closeConn, err := connect(*addr)
	if err != nil {
		log.Fatalf("連接失敗: %v", err)
	}
	defer closeConn()

	// 有 JWT 密鑰時簽發 token，否則使用開發模式的 x-user-id
	sender := newClient(conn, *from)
	receiver := newClient(conn, *to)

	fmt.Println("=== gRPC 私訊測試客戶端 ===")
	fmt.Println()

	ctx := context.Background()
	key := testSend(ctx, sender, *to, *text)
	if key == "" {
		return
	}

	fmt.Println()
	testConversations(ctx, receiver)

	fmt.Println()
	testMarkRead(ctx, receiver, key, *from)

	if *watch > 0 {
		fmt.Println()
		testStreamMessages(ctx, receiver, key, *watch)
	}
}

// connect 指定 addr 時直接連線，否則使用配置中的共用連線
func connect(addr string) (*grpc.ClientConn, func(), error) {
	if addr != "" {
		cc, err := grpcclient.Dial(addr, config.TLSConfig{})
		if err != nil {
			return nil, nil, err
		}
		return cc, func() { _ = cc.Close() }, nil
	}
	if err := config.Load(); err != nil {
		return nil, nil, err
	}
	cc, err := grpcclient.GetConnection()
	if err != nil {
		return nil, nil, err
	}
	return cc, func() { _ = grpcclient.CloseConnection() }, nil
}

func newClient(conn grpc.ClientConnInterface, userID string) *grpcclient.Client {
	secret := os.Getenv("SECURITY_AUTHENTICATION_JWT_SECRET")
	if secret == "" {
		return grpcclient.NewDevClient(conn, userID)
	}
	tok, err := token.NewManager(secret, time.Hour).Issue(userID)
	if err != nil {
		log.Fatalf("簽發 token 失敗: %v", err)
	}
	return grpcclient.NewClient(conn, tok)
}

// 測試發送訊息
func testSend(ctx context.Context, client *grpcclient.Client, to, text string) string {
	fmt.Println("=== 測試發送訊息 ===")

	msg, err := client.SendMessage(ctx, to, text)
	if err != nil {
		log.Printf("發送訊息失敗: %v", err)
		return ""
	}

	fmt.Printf("✓ 訊息發送成功\n")
	fmt.Printf("  訊息 ID: %s\n", msg.ID)
	fmt.Printf("  對話 key: %s\n", msg.ConversationKey)
	fmt.Printf("  時間: %s\n", time.UnixMilli(msg.CreatedAt).Format("2006-01-02 15:04:05"))
	return msg.ConversationKey
}

// 測試對話列表
func testConversations(ctx context.Context, client *grpcclient.Client) {
	fmt.Println("=== 測試對話列表 ===")

	convs, err := client.ListConversations(ctx)
	if err != nil {
		log.Printf("獲取對話列表失敗: %v", err)
		return
	}

	fmt.Printf("✓ 對話數量: %d\n", len(convs))
	for i, c := range convs {
		fmt.Printf("  對話 %d: 與 %s，最後訊息「%s」，未讀 %d\n", i+1, c.OtherParticipantID, c.LastMessage, c.UnreadCount)
	}
}

// 測試標記已讀
func testMarkRead(ctx context.Context, client *grpcclient.Client, key, otherID string) {
	fmt.Println("=== 測試標記已讀 ===")

	if err := client.MarkRead(ctx, key, otherID); err != nil {
		log.Printf("標記已讀失敗: %v", err)
		return
	}
	fmt.Printf("✓ 已標記 %s 的訊息為已讀\n", otherID)
}

// 測試訊息串流
func testStreamMessages(ctx context.Context, client *grpcclient.Client, key string, d time.Duration) {
	fmt.Println("=== 測試訊息串流 ===")
	fmt.Printf("  正在監聽對話: %s（%s）\n", key, d)

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := client.StreamMessages(ctx, key, func(ev grpcclient.StreamEvent[chat.Message]) bool {
		if ev.Error != "" {
			fmt.Printf("  串流錯誤: %s\n", ev.Error)
			return true
		}
		fmt.Printf("  快照: %d 則訊息 (loaded=%v, timed_out=%v)\n", len(ev.Items), ev.Loaded, ev.TimedOut)
		return true
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("訊息串流失敗: %v", err)
	}
}
