package middleware

import (
	"context"
	"strings"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/logger"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// UserIDKey gin.Context 中的已認證用戶 ID.
	UserIDKey = "user_id"
	// DevUserIDHeader JWT 停用時（本地開發）用來指定身份的 header.
	DevUserIDHeader = "X-User-ID"
)

const (
	devUserIDMetadata = "x-user-id"
	accessTokenQuery  = "access_token"
)

// TokenParser 驗證 token 並回傳用戶 ID.
type TokenParser interface {
	Parse(token string) (string, error)
}

// AuthFailureRecorder 記錄認證失敗.
type AuthFailureRecorder interface {
	LogAuthenticationFailure(ctx context.Context, userID, reason string)
}

// JWTMiddleware JWT 驗證中間件，HTTP 與 gRPC 共用同一套規則
type JWTMiddleware struct {
	parser  TokenParser
	enabled bool
	audit   AuthFailureRecorder
}

// NewJWTMiddleware 創建 JWT 中間件；enabled 為 false 時改用 X-User-ID header
func NewJWTMiddleware(parser TokenParser, enabled bool) *JWTMiddleware {
	return &JWTMiddleware{
		parser:  parser,
		enabled: enabled,
	}
}

// SetAuditService 設定認證失敗的審計記錄
func (m *JWTMiddleware) SetAuditService(a AuthFailureRecorder) {
	m.audit = a
}

// authenticate 由 token（或開發模式的用戶 ID）解析出身份
func (m *JWTMiddleware) authenticate(ctx context.Context, token, devUserID string) (string, string) {
	if !m.enabled {
		if err := chat.ValidateParticipantID(devUserID); err != nil {
			return "", "缺少或無效的 X-User-ID"
		}
		return devUserID, ""
	}
	if token == "" {
		return "", "未提供認證 token"
	}
	userID, err := m.parser.Parse(token)
	if err != nil {
		logger.Warning(ctx, "token 驗證失敗",
			logger.WithAction("authenticate"),
			logger.WithError(err))
		return "", "認證失敗"
	}
	return userID, ""
}

func (m *JWTMiddleware) fail(ctx context.Context, userID, reason string) {
	if m.audit != nil {
		m.audit.LogAuthenticationFailure(ctx, userID, reason)
	}
}

// bearerToken 解析 "Bearer <token>"
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// GinMiddleware Gin HTTP 中間件
//
// 瀏覽器的 EventSource 與 WebSocket 無法設定 header，GET 請求允許以
// access_token 查詢參數帶 token.
func (m *JWTMiddleware) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			t, ok := bearerToken(authHeader)
			if !ok {
				m.fail(c.Request.Context(), "", "無效的認證格式")
				c.AbortWithStatusJSON(401, gin.H{"error": "無效的認證格式", "success": false})
				return
			}
			token = t
		} else if c.Request.Method == "GET" {
			token = c.Query(accessTokenQuery)
		}

		userID, reason := m.authenticate(c.Request.Context(), token, c.GetHeader(DevUserIDHeader))
		if reason != "" {
			m.fail(c.Request.Context(), c.GetHeader(DevUserIDHeader), reason)
			c.AbortWithStatusJSON(401, gin.H{"error": reason, "success": false})
			return
		}

		c.Set(UserIDKey, userID)
		c.Request = c.Request.WithContext(chat.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// GetUserID 從 gin.Context 取得已認證的用戶 ID
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// fromMetadata 從 gRPC metadata 取出認證資訊
func (m *JWTMiddleware) fromMetadata(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	var token, devUserID string
	if values := md.Get("authorization"); len(values) > 0 {
		t, ok := bearerToken(values[0])
		if !ok {
			m.fail(ctx, "", "無效的認證格式")
			return nil, status.Error(codes.Unauthenticated, "無效的認證格式")
		}
		token = t
	}
	if values := md.Get(devUserIDMetadata); len(values) > 0 {
		devUserID = values[0]
	}

	userID, reason := m.authenticate(ctx, token, devUserID)
	if reason != "" {
		m.fail(ctx, devUserID, reason)
		return nil, status.Error(codes.Unauthenticated, reason)
	}
	return chat.WithUserID(ctx, userID), nil
}

// GRPCUnaryInterceptor gRPC Unary 攔截器
func (m *JWTMiddleware) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isHealthMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		authed, err := m.fromMetadata(ctx)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

// GRPCStreamInterceptor gRPC Stream 攔截器
func (m *JWTMiddleware) GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isHealthMethod(info.FullMethod) {
			return handler(srv, ss)
		}
		authed, err := m.fromMetadata(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: authed})
	}
}

// authedStream 帶有已認證身份 context 的 ServerStream
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}
