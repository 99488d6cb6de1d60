package token

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	m := NewManager(testSecret, time.Hour)
	tok, err := m.Issue("u1")
	if err != nil {
		t.Fatalf("簽發失敗: %v", err)
	}
	userID, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("驗證失敗: %v", err)
	}
	if userID != "u1" {
		t.Errorf("用戶 ID 應為 u1，實際為 %s", userID)
	}
}

func TestParseExpired(t *testing.T) {
	m := NewManager(testSecret, time.Minute)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := m.Issue("u1")
	if err != nil {
		t.Fatalf("簽發失敗: %v", err)
	}

	m.now = time.Now
	if _, err := m.Parse(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("過期 token 應回傳 ErrExpired，實際為 %v", err)
	}
}

func TestParseWrongSecret(t *testing.T) {
	tok, err := NewManager(testSecret, time.Hour).Issue("u1")
	if err != nil {
		t.Fatalf("簽發失敗: %v", err)
	}
	other := NewManager("ffffffffffffffffffffffffffffffff", time.Hour)
	if _, err := other.Parse(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("錯誤密鑰應回傳 ErrInvalid，實際為 %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	m := NewManager(testSecret, time.Hour)
	if _, err := m.Parse("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("格式錯誤應回傳 ErrMalformed，實際為 %v", err)
	}
}

func TestIssueEmptyUser(t *testing.T) {
	if _, err := NewManager(testSecret, time.Hour).Issue(""); err == nil {
		t.Fatal("空用戶 ID 不應簽發 token")
	}
}
