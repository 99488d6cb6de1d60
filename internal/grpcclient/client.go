package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"freelance-chat/internal/chat"
	chatgrpc "freelance-chat/internal/grpc"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	conn *grpc.ClientConn
	mu   sync.RWMutex
)

// GetConnection 獲取或創建 gRPC 客戶端連接（單例模式）
// 自動從配置讀取地址
func GetConnection() (*grpc.ClientConn, error) {
	mu.RLock()
	if conn != nil {
		mu.RUnlock()
		return conn, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// 再次檢查（雙重檢查鎖定）
	if conn != nil {
		return conn, nil
	}

	cfg := config.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	c, err := Dial(config.GetGRPCAddr(), cfg.Security.TLS)
	if err != nil {
		return nil, err
	}
	conn = c
	return conn, nil
}

// Dial 依 TLS 配置建立連接
func Dial(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	var (
		c   *grpc.ClientConn
		err error
	)
	if tlsConfig.Enabled {
		c, err = dialWithTLS(address, tlsConfig)
	} else {
		c, err = dialInsecure(address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server at %s: %w", address, err)
	}
	return c, nil
}

// dialWithTLS 使用 TLS 連接
func dialWithTLS(address string, tlsConfig config.TLSConfig) (*grpc.ClientConn, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if tlsConfig.CAFile != "" {
		ca, err := os.ReadFile(filepath.Clean(tlsConfig.CAFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		cfg.RootCAs = certPool
	}

	// 如果有客戶端證書（雙向 TLS）
	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return grpc.NewClient(address, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
}

// dialInsecure 不使用 TLS 連接（僅開發環境）
func dialInsecure(address string) (*grpc.ClientConn, error) {
	logger.Warning(context.Background(), "gRPC 使用不安全連接（開發環境）")
	return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// CloseConnection 關閉 gRPC 連接
func CloseConnection() error {
	mu.Lock()
	defer mu.Unlock()

	if conn != nil {
		err := conn.Close()
		conn = nil
		return err
	}
	return nil
}

// Client 以領域型別包裝 ChatService 的客戶端
type Client struct {
	rpc       *chatgrpc.ChatServiceClient
	token     string
	devUserID string
}

// NewClient 使用 bearer token 認證的客戶端
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{rpc: chatgrpc.NewChatServiceClient(cc), token: token}
}

// NewDevClient 伺服器停用 JWT 時，以 x-user-id 指定身份
func NewDevClient(cc grpc.ClientConnInterface, userID string) *Client {
	return &Client{rpc: chatgrpc.NewChatServiceClient(cc), devUserID: userID}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	if c.devUserID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", c.devUserID)
	}
	return ctx
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return c.rpc.Invoke(c.outgoing(ctx), method, in)
}

// SendMessage 發送訊息
func (c *Client) SendMessage(ctx context.Context, receiverID, text string) (chat.Message, error) {
	out, err := c.invoke(ctx, chatgrpc.MethodSendMessage, map[string]interface{}{
		"receiver_id": receiverID,
		"text":        text,
	})
	if err != nil {
		return chat.Message{}, err
	}
	return chatgrpc.MessageFromStruct(out.GetFields()["message"].GetStructValue()), nil
}

// MarkRead 標記已讀
func (c *Client) MarkRead(ctx context.Context, key, otherID string) error {
	_, err := c.invoke(ctx, chatgrpc.MethodMarkRead, map[string]interface{}{
		"conversation_key": key,
		"other_id":         otherID,
	})
	return err
}

// GetConversationKey 取得對話 key
func (c *Client) GetConversationKey(ctx context.Context, a, b string) (string, error) {
	out, err := c.invoke(ctx, chatgrpc.MethodGetConversationKey, map[string]interface{}{
		"participant_a": a,
		"participant_b": b,
	})
	if err != nil {
		return "", err
	}
	return chatgrpc.StringField(out, "conversation_key"), nil
}

// ListConversations 列出當前用戶的對話
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	out, err := c.invoke(ctx, chatgrpc.MethodListConversations, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return chatgrpc.DecodeList(out, chatgrpc.ConversationFromStruct), nil
}

// FetchConversation 讀取對話的所有訊息
func (c *Client) FetchConversation(ctx context.Context, key string) ([]chat.Message, error) {
	out, err := c.invoke(ctx, chatgrpc.MethodFetchConversation, map[string]interface{}{"conversation_key": key})
	if err != nil {
		return nil, err
	}
	return chatgrpc.DecodeList(out, chatgrpc.MessageFromStruct), nil
}

// StreamEvent 串流收到的一個狀態
type StreamEvent[T any] struct {
	Items    []T
	Loaded   bool
	TimedOut bool
	Error    string
}

// StreamConversations 訂閱對話列表；每個事件都會呼叫 fn，直到 ctx 取消或 fn 回傳 false
func (c *Client) StreamConversations(ctx context.Context, fn func(StreamEvent[chat.Conversation]) bool) error {
	return stream(c, ctx, chatgrpc.MethodStreamConversations, map[string]interface{}{}, chatgrpc.ConversationFromStruct, fn)
}

// StreamMessages 訂閱對話的訊息
func (c *Client) StreamMessages(ctx context.Context, key string, fn func(StreamEvent[chat.Message]) bool) error {
	return stream(c, ctx, chatgrpc.MethodStreamMessages, map[string]interface{}{"conversation_key": key}, chatgrpc.MessageFromStruct, fn)
}

func stream[T any](c *Client, ctx context.Context, method string, fields map[string]interface{}, decode func(*structpb.Struct) T, fn func(StreamEvent[T]) bool) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := c.rpc.Stream(c.outgoing(ctx), method, in)
	if err != nil {
		return err
	}
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		more := fn(StreamEvent[T]{
			Items:    chatgrpc.DecodeList(ev, decode),
			Loaded:   ev.GetFields()["loaded"].GetBoolValue(),
			TimedOut: ev.GetFields()["timed_out"].GetBoolValue(),
			Error:    chatgrpc.StringField(ev, "error"),
		})
		if !more {
			return nil
		}
	}
}
