package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Bucket: time.Now(),
		Price:  decimal.RequireFromString("1834.5"),
		Fills: []Fill{
			{LevelIndex: 2, Side: "buy", AmountIn: decimal.NewFromInt(2000), AmountOut: decimal.RequireFromString("1.09")},
		},
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "L2 buy") {
		t.Fatalf("text 应包含成交明细: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Bucket: time.Now(), Price: decimal.NewFromInt(1800)}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageMentionsSlippageAbort(t *testing.T) {
	note := Notification{
		Bucket:        time.Unix(1700000000, 0),
		Price:         decimal.NewFromInt(1900),
		SlippageAbort: true,
	}
	text := renderMessage(note)
	if !strings.Contains(text, "Slippage limit hit") {
		t.Fatalf("渲染结果缺少滑点提示: %q", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
