package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPayload(t *testing.T, summary string) []byte {
	t.Helper()
	raw, err := json.Marshal(payload{
		EventID:    "e1",
		CompanyID:  "c1",
		SourceType: "pricing",
		DetectedAt: "2026-03-01T12:00:00Z",
		Summary:    summary,
	})
	if err != nil {
		t.Fatalf("сериализация тестового тела: %v", err)
	}
	return raw
}

func TestRenderMessage(t *testing.T) {
	subject, body, err := renderMessage(testPayload(t, `"Pro": price 10 → 12`))
	if err != nil {
		t.Fatalf("рендер: %v", err)
	}
	if subject != "pricing change detected" {
		t.Fatalf("неожиданная тема: %q", subject)
	}
	if !strings.Contains(body, `"Pro": price 10 → 12`) {
		t.Fatalf("в теле нет сводки: %q", body)
	}
	if !strings.Contains(body, "2026-03-01T12:00:00Z") {
		t.Fatalf("в теле нет времени обнаружения: %q", body)
	}
}

func TestRenderMessageMalformed(t *testing.T) {
	if _, _, err := renderMessage([]byte("{broken")); err == nil {
		t.Fatalf("битое тело должно давать ошибку")
	}
}

func TestWebhookSendsJSON(t *testing.T) {
	var gotContentType atomic.Value
	var gotSummary atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType.Store(r.Header.Get("Content-Type"))
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		gotSummary.Store(p.Summary)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(5 * time.Second)
	if err := wh.Send(context.Background(), srv.URL, testPayload(t, "summary")); err != nil {
		t.Fatalf("отправка вебхука: %v", err)
	}
	if gotContentType.Load() != "application/json" {
		t.Fatalf("вебхук должен слать JSON, получили %v", gotContentType.Load())
	}
	if gotSummary.Load() != "summary" {
		t.Fatalf("тело уведомления должно передаваться как есть")
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(5 * time.Second)
	if err := wh.Send(context.Background(), srv.URL, testPayload(t, "x")); err == nil {
		t.Fatalf("статус 502 должен давать ошибку доставки")
	}
}

func TestWebhookRejectsBadURL(t *testing.T) {
	wh := NewWebhook(time.Second)
	if err := wh.Send(context.Background(), "not a url", testPayload(t, "x")); err == nil {
		t.Fatalf("некорректный адрес должен отвергаться до запроса")
	}
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := splitMessage(builder.String())
	if len(parts) != 2 {
		t.Fatalf("ожидались 2 части, получили %d", len(parts))
	}

	for i, part := range parts {
		if length := len([]rune(part)); length > telegramMessageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, length)
		}
	}

	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("неожиданное содержимое первой части")
	}
	if !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("вторая часть должна оканчиваться блоком 'c'")
	}
}

func TestSplitMessageShortText(t *testing.T) {
	parts := splitMessage("hello world")
	if len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("короткий текст должен остаться одной частью: %v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := splitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой текст не должен давать частей, получили %d", len(parts))
	}
}
