package audit

import (
	"context"
	"testing"
)

func recordingService(enabled bool) (*AuditService, *[]AuditEvent) {
	return recordingServiceAt(enabled, "info")
}

func recordingServiceAt(enabled bool, level string) (*AuditService, *[]AuditEvent) {
	var events []AuditEvent
	a := NewAuditService(enabled, level)
	a.sink = func(e AuditEvent) { events = append(events, e) }
	return a, &events
}

func TestDisabledAuditIsSilent(t *testing.T) {
	a, events := recordingService(false)
	a.LogMessageSent(context.Background(), "u1", "u1_u2", "m1")
	a.LogAuthenticationFailure(context.Background(), "", "missing token")
	if len(*events) != 0 {
		t.Fatalf("停用時不應記錄事件，實際為 %d 筆", len(*events))
	}
}

func TestEventsCarryRequestInfo(t *testing.T) {
	a, events := recordingService(true)
	ctx := WithRequestInfo(context.Background(), RequestInfo{IPAddress: "10.0.0.1", UserAgent: "test"})

	a.LogMessagesRead(ctx, "u2", "u1_u2", 3)
	if len(*events) != 1 {
		t.Fatalf("應記錄 1 筆事件，實際為 %d 筆", len(*events))
	}
	e := (*events)[0]
	if e.EventType != "message_read" || e.ConversationKey != "u1_u2" || e.Details["count"] != 3 {
		t.Errorf("事件內容錯誤: %+v", e)
	}
	if e.IPAddress != "10.0.0.1" || e.UserAgent != "test" {
		t.Errorf("應帶有請求來源資訊: %+v", e)
	}
}

func TestAccessDenied(t *testing.T) {
	a, events := recordingService(true)
	a.LogAccessDenied(context.Background(), "u3", "u1_u2", "not a participant")
	if (*events)[0].Result != "denied" {
		t.Errorf("結果應為 denied，實際為 %s", (*events)[0].Result)
	}
}

func TestWarningLevelSkipsSuccessEvents(t *testing.T) {
	a, events := recordingServiceAt(true, "warning")
	ctx := context.Background()

	a.LogMessageSent(ctx, "u1", "u1_u2", "m1")
	a.LogMessagesRead(ctx, "u2", "u1_u2", 1)
	a.LogAuthenticationFailure(ctx, "", "missing token")
	a.LogRateLimitExceeded(ctx, "10.0.0.1", "POST /api/v1/messages")
	a.LogAccessDenied(ctx, "u3", "u1_u2", "not a participant")

	if len(*events) != 3 {
		t.Fatalf("warning 等級應只記錄 3 筆失敗事件，實際為 %d 筆", len(*events))
	}
	for _, e := range *events {
		if e.Result == "success" {
			t.Errorf("warning 等級不應記錄成功事件: %+v", e)
		}
	}

	a, events = recordingServiceAt(true, "")
	a.LogMessageSent(ctx, "u1", "u1_u2", "m1")
	if len(*events) != 1 {
		t.Errorf("預設等級應記錄成功事件，實際為 %d 筆", len(*events))
	}
}
