package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/quailyquaily/morphgate/internal/telegram"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	updates []*telegram.Update
	err     error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, update *telegram.Update) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	d.updates = append(d.updates, update)
	d.mu.Unlock()
	return nil
}

type fakeRegistrar struct {
	url    string
	secret string
	err    error
}

func (r *fakeRegistrar) SetWebhook(_ context.Context, webhookURL, secret string) error {
	if r.err != nil {
		return r.err
	}
	r.url = webhookURL
	r.secret = secret
	return nil
}

func newTestServer(cfg Config) (*Server, *fakeDispatcher, *fakeRegistrar) {
	d := &fakeDispatcher{}
	r := &fakeRegistrar{}
	return NewServer(cfg, d, r, nil, nil), d, r
}

func postWebhook(s *Server, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

const sampleUpdate = `{"update_id":9,"message":{"message_id":1,"chat":{"id":42},"from":{"id":7,"first_name":"Ana"},"text":"hi"}}`

func TestWebhookAcceptsValidUpdate(t *testing.T) {
	s, d, _ := newTestServer(Config{WebhookSecret: "s3cret"})

	w := postWebhook(s, "s3cret", sampleUpdate)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(d.updates) != 1 || d.updates[0].ChatID() != 42 {
		t.Fatalf("dispatcher got %+v", d.updates)
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	s, d, _ := newTestServer(Config{WebhookSecret: "s3cret"})

	for _, secret := range []string{"", "wrong"} {
		w := postWebhook(s, secret, sampleUpdate)
		if w.Code != http.StatusForbidden {
			t.Fatalf("secret %q: status = %d", secret, w.Code)
		}
	}
	if len(d.updates) != 0 {
		t.Fatal("rejected delivery reached the dispatcher")
	}
}

func TestWebhookRejectsInvalidBody(t *testing.T) {
	s, _, _ := newTestServer(Config{WebhookSecret: "s3cret"})

	w := postWebhook(s, "s3cret", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	s, _, _ := newTestServer(Config{WebhookSecret: "s3cret", RateLimit: 1, RateBurst: 1})

	if w := postWebhook(s, "s3cret", sampleUpdate); w.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", w.Code)
	}
	// Burst exhausted; the immediate follow-up is throttled.
	if w := postWebhook(s, "s3cret", `{"update_id":10,"message":{"chat":{"id":42},"text":"hi"}}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second delivery: status = %d", w.Code)
	}
	// Another chat keeps its own budget.
	if w := postWebhook(s, "s3cret", `{"update_id":11,"message":{"chat":{"id":77},"text":"hi"}}`); w.Code != http.StatusOK {
		t.Fatalf("other chat delivery: status = %d", w.Code)
	}
}

type fakeNotifier struct {
	chatIDs  []int64
	messages []string
}

func (n *fakeNotifier) SendMessage(_ context.Context, chatID int64, text string) error {
	n.chatIDs = append(n.chatIDs, chatID)
	n.messages = append(n.messages, text)
	return nil
}

func TestWebhookSuppressesBotSenders(t *testing.T) {
	d := &fakeDispatcher{}
	n := &fakeNotifier{}
	s := NewServer(Config{WebhookSecret: "s3cret"}, d, &fakeRegistrar{}, n, nil)

	body := `{"update_id":12,"message":{"chat":{"id":42},"from":{"id":9,"first_name":"OtherBot","is_bot":true},"text":"hi"}}`
	w := postWebhook(s, "s3cret", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(d.updates) != 0 {
		t.Fatal("bot update reached the dispatcher")
	}
	if len(n.chatIDs) != 1 || n.chatIDs[0] != 42 {
		t.Fatalf("suppression reply chats = %v", n.chatIDs)
	}
	if !strings.Contains(n.messages[0], "don't respond to other bots") {
		t.Fatalf("unexpected reply: %q", n.messages[0])
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(Config{})

	for _, path := range []string{"/", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["status"] != "healthy" {
			t.Fatalf("%s: body = %s", path, w.Body.String())
		}
	}
}

func TestSetWebhookUsesPublicBaseURL(t *testing.T) {
	s, _, r := newTestServer(Config{WebhookSecret: "s3cret", PublicBaseURL: "https://bot.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/telegram/set-webhook", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if r.url != "https://bot.example.com/telegram/webhook" {
		t.Fatalf("registered URL = %q", r.url)
	}
	if r.secret != "s3cret" {
		t.Fatalf("registered secret = %q", r.secret)
	}
}

func TestSetWebhookDerivesFromRequest(t *testing.T) {
	s, _, r := newTestServer(Config{})

	req := httptest.NewRequest(http.MethodGet, "http://bot.internal:8080/telegram/set-webhook", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if r.url != "http://bot.internal:8080/telegram/webhook" {
		t.Fatalf("registered URL = %q", r.url)
	}
}
