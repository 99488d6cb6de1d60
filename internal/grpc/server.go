package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/config"
	"freelance-chat/internal/platform/logger"
	"freelance-chat/internal/platform/middleware"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const healthCheckInterval = 10 * time.Second

// Server gRPC 服務器
type Server struct {
	grpcServer *grpc.Server
	svc        *chat.Service
	health     *health.Server
	streams    *middleware.StreamLimiter
	stop       chan struct{}
}

// Options gRPC 服務器選項
type Options struct {
	TLS     config.TLSConfig
	Auth    *middleware.JWTMiddleware
	Streams *middleware.StreamLimiter
}

// NewServer 創建新的 gRPC 服務器
func NewServer(svc *chat.Service, opts Options) (*Server, error) {
	ctx := context.Background()

	var serverOpts []grpc.ServerOption
	// 根據 TLS 配置決定是否啟用 TLS
	if opts.TLS.Enabled {
		tlsCreds, err := loadTLSCredentials(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(tlsCreds))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}
	if opts.Auth != nil {
		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(opts.Auth.GRPCUnaryInterceptor()),
			grpc.ChainStreamInterceptor(opts.Auth.GRPCStreamInterceptor()),
		)
	}

	server := &Server{
		grpcServer: grpc.NewServer(serverOpts...),
		svc:        svc,
		health:     health.NewServer(),
		streams:    opts.Streams,
		stop:       make(chan struct{}),
	}

	RegisterChatServiceServer(server.grpcServer, server)
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	server.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	logger.Infof(ctx, "gRPC 服務器初始化 - TLS: %v, 認證: %v", opts.TLS.Enabled, opts.Auth != nil)
	return server, nil
}

// loadTLSCredentials 載入 TLS 憑證
func loadTLSCredentials(tlsConfig config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12, // 最低 TLS 1.2
	}

	// 如果有 CA 文件，啟用客戶端證書驗證
	if tlsConfig.CAFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA certs")
		}
		cfg.ClientCAs = certPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(cfg), nil
}

// Start 在 port 上啟動服務器
func (s *Server) Start(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	logger.Infof(context.Background(), "gRPC 服務器啟動在端口 %s", port)
	return s.Serve(lis)
}

// Serve 在既有的 listener 上提供服務（測試使用 bufconn）
func (s *Server) Serve(lis net.Listener) error {
	go s.watchHealth()
	return s.grpcServer.Serve(lis)
}

// Stop 優雅關閉；先通知進行中的串流結束，GracefulStop 才不會等待長連線
func (s *Server) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// watchHealth 依事件存儲狀態更新健康檢查結果
func (s *Server) watchHealth() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := s.svc.Ping(ctx)
		cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warning(context.Background(), "事件存儲健康檢查失敗", logger.WithError(err))
		}
		s.health.SetServingStatus(ServiceName, st)
	}
}

// toStatus 把聊天核心的錯誤分類映射成 gRPC 狀態碼
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, chat.ErrAuthentication):
		return status.Error(codes.Unauthenticated, "未認證")
	case errors.Is(err, chat.ErrForbidden):
		return status.Error(codes.PermissionDenied, "不是此對話的參與者")
	case errors.Is(err, chat.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, strings.TrimPrefix(err.Error(), chat.ErrInvalidArgument.Error()+": "))
	case errors.Is(err, chat.ErrNotFound):
		return status.Error(codes.NotFound, "資源不存在")
	case errors.Is(err, chat.ErrStoreWrite), errors.Is(err, chat.ErrStoreQuery):
		logger.Error(ctx, "gRPC 請求存儲失敗", logger.WithError(err))
		return status.Error(codes.Unavailable, "事件存儲暫時無法使用")
	default:
		logger.Error(ctx, "gRPC 請求失敗", logger.WithError(err))
		return status.Error(codes.Internal, "服務器內部錯誤")
	}
}

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	return out, nil
}

// SendMessage 以已認證用戶身份發送訊息
func (s *Server) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := s.svc.SendMessage(ctx, StringField(req, "receiver_id"), StringField(req, "text"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]interface{}{
		"conversation_key": msg.ConversationKey,
		"message":          MessageMap(msg),
	})
}

// MarkRead 標記已讀
func (s *Server) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.svc.MarkRead(ctx, StringField(req, "conversation_key"), StringField(req, "other_id")); err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]interface{}{"success": true})
}

// GetConversationKey 回傳兩個參與者的對話 key
func (s *Server) GetConversationKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := s.svc.GetOrCreateConversationKey(StringField(req, "participant_a"), StringField(req, "participant_b"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]interface{}{"conversation_key": key})
}

// ListConversations 一次性回傳對話列表；user_id 省略時為當前用戶
func (s *Server) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convs, err := s.svc.ListConversations(ctx, s.userIDOrSelf(ctx, req))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	out, err := ListStruct(convs, ConversationMap)
	if err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	return out, nil
}

// FetchConversation 一次性回傳對話的訊息
func (s *Server) FetchConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msgs, err := s.svc.FetchConversation(ctx, StringField(req, "conversation_key"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	out, err := ListStruct(msgs, MessageMap)
	if err != nil {
		return nil, status.Error(codes.Internal, "編碼回應失敗")
	}
	return out, nil
}

func (s *Server) userIDOrSelf(ctx context.Context, req *structpb.Struct) string {
	if id := StringField(req, "user_id"); id != "" {
		return id
	}
	id, _ := chat.UserIDFromContext(ctx)
	return id
}

// acquireStream 佔用串流名額；回傳的函式釋放名額
func (s *Server) acquireStream(ctx context.Context) (func(), error) {
	if s.streams == nil {
		return func() {}, nil
	}
	id, _ := chat.UserIDFromContext(ctx)
	client := "user:" + id
	if !s.streams.Acquire(client) {
		return nil, status.Error(codes.ResourceExhausted, "串流連接數已達上限，請稍後再試")
	}
	return func() { s.streams.Release(client) }, nil
}

// StreamConversations 推送對話列表的每一次變更
func (s *Server) StreamConversations(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	release, err := s.acquireStream(ctx)
	if err != nil {
		return err
	}
	defer release()

	userID := s.userIDOrSelf(ctx, req)
	w := chat.NewWatcher[chat.Conversation]()
	sub, err := s.svc.SubscribeConversations(ctx, userID, w.Observer())
	if err != nil {
		return toStatus(ctx, err)
	}
	defer sub.Unsubscribe()

	logger.Info(ctx, "開始對話列表串流", logger.WithUserID(userID), logger.WithAction("stream_conversations"))
	return pump(ctx, s.stop, w, ConversationMap, stream)
}

// StreamMessages 推送單一對話的完整訊息列表
func (s *Server) StreamMessages(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	release, err := s.acquireStream(ctx)
	if err != nil {
		return err
	}
	defer release()

	key := StringField(req, "conversation_key")
	w := chat.NewWatcher[chat.Message]()
	sub, err := s.svc.SubscribeMessages(ctx, key, w.Observer())
	if err != nil {
		return toStatus(ctx, err)
	}
	defer sub.Unsubscribe()

	logger.Info(ctx, "開始訊息串流", logger.WithConversationKey(key), logger.WithAction("stream_messages"))
	return pump(ctx, s.stop, w, MessageMap, stream)
}

// pump 把 Watcher 的最新狀態逐一送出，直到客戶端斷線或服務器關閉
func pump[T any](ctx context.Context, stop <-chan struct{}, w *chat.Watcher[T], encode func(T) map[string]interface{}, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return status.Error(codes.Unavailable, "服務器正在關閉")
		case st := <-w.Updates():
			out, err := StateStruct(st, encode)
			if err != nil {
				return status.Error(codes.Internal, "編碼串流事件失敗")
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}
