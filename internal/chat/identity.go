package chat

import (
	"context"
	"fmt"
)

// Identity 提供當前已認證用戶的 ID.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, error)
}

type userIDKey struct{}

// WithUserID 把已認證的用戶 ID 放進 context，由認證中間件呼叫.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext 取出 WithUserID 放入的用戶 ID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok && id != ""
}

// ContextIdentity 從 request context 取得身份；HTTP 與 gRPC 都使用它.
type ContextIdentity struct{}

// CurrentUserID implements Identity.
func (ContextIdentity) CurrentUserID(ctx context.Context) (string, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return "", ErrAuthentication
	}
	return id, nil
}

// StaticIdentity 固定身份，用於命令列工具與測試.
type StaticIdentity string

// CurrentUserID implements Identity.
func (s StaticIdentity) CurrentUserID(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static identity", ErrAuthentication)
	}
	return string(s), nil
}
