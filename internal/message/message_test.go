package message

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"freelance-chat/internal/chat"
	"freelance-chat/internal/platform/middleware"
	"freelance-chat/internal/storage/memstore"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *memstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	t.Cleanup(store.Close)
	svc := chat.NewService(store, chat.ContextIdentity{})

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.NewJWTMiddleware(nil, false).GinMiddleware())
	NewMessageHandler(svc).Register(api)
	return r, store
}

func do(r *gin.Engine, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.DevUserIDHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("回應不是 JSON: %v (%s)", err, w.Body.String())
	}
	return env
}

func TestSendListAndMarkRead(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/messages", "client1", SendMessageRequest{ReceiverID: "freelancer9", Text: "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("發送訊息應回傳 201，實際為 %d: %s", w.Code, w.Body.String())
	}
	var sent SendMessageResponse
	if err := json.Unmarshal(decode(t, w).Data, &sent); err != nil {
		t.Fatalf("解析發送結果失敗: %v", err)
	}
	if sent.ConversationKey != "client1_freelancer9" || sent.Message.ID == "" {
		t.Fatalf("發送結果錯誤: %+v", sent)
	}

	w = do(r, http.MethodGet, "/api/v1/conversations", "freelancer9", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("列出對話應回傳 200，實際為 %d", w.Code)
	}
	var convs []chat.Conversation
	env := decode(t, w)
	_ = json.Unmarshal(env.Data, &convs)
	if env.Count != 1 || len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].LastMessage != "hi" {
		t.Fatalf("對話列表錯誤: %+v", convs)
	}

	w = do(r, http.MethodPost, "/api/v1/conversations/client1_freelancer9/read", "freelancer9", MarkReadRequest{OtherID: "client1"})
	if w.Code != http.StatusOK {
		t.Fatalf("標記已讀應回傳 200，實際為 %d: %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/v1/conversations", "freelancer9", nil)
	_ = json.Unmarshal(decode(t, w).Data, &convs)
	if convs[0].UnreadCount != 0 {
		t.Errorf("標記後未讀數應為 0，實際為 %d", convs[0].UnreadCount)
	}
}

func TestGetMessages(t *testing.T) {
	r, _ := newTestRouter(t)
	do(r, http.MethodPost, "/api/v1/messages", "a1", SendMessageRequest{ReceiverID: "b1", Text: "one"})
	do(r, http.MethodPost, "/api/v1/messages", "b1", SendMessageRequest{ReceiverID: "a1", Text: "two"})

	w := do(r, http.MethodGet, "/api/v1/conversations/a1_b1/messages", "a1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("讀取訊息應回傳 200，實際為 %d", w.Code)
	}
	var msgs []chat.Message
	_ = json.Unmarshal(decode(t, w).Data, &msgs)
	if len(msgs) != 2 || msgs[0].Text != "one" || msgs[1].Text != "two" {
		t.Errorf("訊息應依時間升序: %+v", msgs)
	}

	w = do(r, http.MethodGet, "/api/v1/conversations/a1_zz/messages", "a1", nil)
	env := decode(t, w)
	if w.Code != http.StatusOK || env.Count != 0 {
		t.Errorf("不存在的對話應回傳空列表，實際為 %d %+v", w.Code, env)
	}

	w = do(r, http.MethodGet, "/api/v1/conversations/a1_b1/messages", "c1", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("非參與者應回傳 403，實際為 %d", w.Code)
	}
}

func TestConversationKey(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/v1/conversations/key", "u1", ConversationKeyRequest{ParticipantA: "u2", ParticipantB: "u1"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"conversation_key":"u1_u2"`) {
		t.Errorf("應回傳排序後的 key，實際為 %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/api/v1/conversations/key", "u1", ConversationKeyRequest{ParticipantA: "a_b", ParticipantB: "c"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("含分隔符的 ID 應回傳 400，實際為 %d", w.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	r, store := newTestRouter(t)

	tests := []struct {
		name   string
		user   string
		req    SendMessageRequest
		status int
	}{
		{"空白訊息", "u1", SendMessageRequest{ReceiverID: "u2", Text: "   "}, http.StatusBadRequest},
		{"超長訊息", "u1", SendMessageRequest{ReceiverID: "u2", Text: strings.Repeat("字", 501)}, http.StatusBadRequest},
		{"發給自己", "u1", SendMessageRequest{ReceiverID: "u1", Text: "hi"}, http.StatusBadRequest},
		{"未認證", "", SendMessageRequest{ReceiverID: "u2", Text: "hi"}, http.StatusUnauthorized},
		{"剛好 500 字", "u1", SendMessageRequest{ReceiverID: "u2", Text: strings.Repeat("字", 500)}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/messages", tt.user, tt.req)
			if w.Code != tt.status {
				t.Errorf("狀態碼應為 %d，實際為 %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	if got := store.Stats().Appends; got != 1 {
		t.Errorf("只有合法訊息應寫入存儲，實際寫入 %d 次", got)
	}
}

func TestStoreFailureIsHidden(t *testing.T) {
	r, store := newTestRouter(t)
	store.SetFault(memstore.OpAppend, errTest("postgres: connection refused"))

	w := do(r, http.MethodPost, "/api/v1/messages", "u1", SendMessageRequest{ReceiverID: "u2", Text: "hi"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("存儲寫入失敗應回傳 502，實際為 %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "postgres") {
		t.Errorf("不應洩露存儲細節: %s", w.Body.String())
	}
}

func TestListOtherUsersConversationsForbidden(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/api/v1/conversations?user_id=someone", "u1", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("查詢他人對話列表應回傳 403，實際為 %d", w.Code)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
