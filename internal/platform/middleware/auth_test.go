package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/security/token"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type failureRecorder struct {
	reasons []string
}

func (f *failureRecorder) LogAuthenticationFailure(_ context.Context, _ string, reason string) {
	f.reasons = append(f.reasons, reason)
}

func newAuthRouter(m *JWTMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/me", func(c *gin.Context) {
		id, _ := chat.UserIDFromContext(c.Request.Context())
		c.String(http.StatusOK, id+"|"+GetUserID(c))
	})
	return r
}

func TestGinMiddlewareBearerToken(t *testing.T) {
	tokens := token.NewManager(testSecret, time.Hour)
	tok, err := tokens.Issue("alice")
	if err != nil {
		t.Fatalf("簽發 token 失敗: %v", err)
	}
	r := newAuthRouter(NewJWTMiddleware(tokens, true))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("狀態碼應為 200，實際為 %d", w.Code)
	}
	if w.Body.String() != "alice|alice" {
		t.Errorf("身份應同時寫入 context 與 gin，實際為 %q", w.Body.String())
	}
}

func TestGinMiddlewareAccessTokenQuery(t *testing.T) {
	tokens := token.NewManager(testSecret, time.Hour)
	tok, _ := tokens.Issue("bob")
	r := newAuthRouter(NewJWTMiddleware(tokens, true))

	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+tok, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "bob|bob" {
		t.Errorf("GET 請求應接受查詢參數 token，實際為 %d %q", w.Code, w.Body.String())
	}
}

func TestGinMiddlewareRejects(t *testing.T) {
	tokens := token.NewManager(testSecret, time.Hour)
	other := token.NewManager("ffffffffffffffffffffffffffffffff", time.Hour)
	forged, _ := other.Issue("mallory")

	tests := []struct {
		name   string
		header string
	}{
		{"缺少 token", ""},
		{"格式錯誤", "Token abc"},
		{"簽名錯誤", "Bearer " + forged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &failureRecorder{}
			m := NewJWTMiddleware(tokens, true)
			m.SetAuditService(rec)
			r := newAuthRouter(m)

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("狀態碼應為 401，實際為 %d", w.Code)
			}
			if len(rec.reasons) != 1 {
				t.Errorf("應記錄 1 次認證失敗，實際為 %d", len(rec.reasons))
			}
		})
	}
}

func TestGinMiddlewareDevHeader(t *testing.T) {
	r := newAuthRouter(NewJWTMiddleware(nil, false))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(DevUserIDHeader, "carol")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "carol|carol" {
		t.Errorf("停用 JWT 時應使用 X-User-ID，實際為 %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(DevUserIDHeader, "bad_id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("含分隔符的用戶 ID 應被拒絕，實際為 %d", w.Code)
	}
}

func TestGRPCUnaryInterceptor(t *testing.T) {
	tokens := token.NewManager(testSecret, time.Hour)
	tok, _ := tokens.Issue("dave")
	interceptor := NewJWTMiddleware(tokens, true).GRPCUnaryInterceptor()

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		id, _ := chat.UserIDFromContext(ctx)
		return id, nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/freelancechat.chat.v1.ChatService/SendMessage"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
	got, err := interceptor(ctx, nil, info, handler)
	if err != nil || got != "dave" {
		t.Fatalf("應通過認證並帶入身份，實際為 %v, %v", got, err)
	}

	_, err = interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("缺少 token 應回傳 Unauthenticated，實際為 %v", err)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), nil, health, handler); err != nil {
		t.Errorf("健康檢查不需要認證: %v", err)
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestGRPCStreamInterceptorDevMetadata(t *testing.T) {
	interceptor := NewJWTMiddleware(nil, false).GRPCStreamInterceptor()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-user-id", "erin"))

	var seen string
	err := interceptor(nil, &fakeServerStream{ctx: ctx},
		&grpc.StreamServerInfo{FullMethod: "/freelancechat.chat.v1.ChatService/StreamMessages"},
		func(_ interface{}, ss grpc.ServerStream) error {
			seen, _ = chat.UserIDFromContext(ss.Context())
			return nil
		})
	if err != nil {
		t.Fatalf("不應回傳錯誤: %v", err)
	}
	if seen != "erin" {
		t.Errorf("串流 context 應帶入身份，實際為 %q", seen)
	}
}
