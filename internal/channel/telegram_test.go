package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ocrbot/internal/domain"
)

const testToken = "123:abc"

// fakeBotAPI answers Bot API calls at /bot<token>/<method> and file
// downloads at /file/bot<token>/<path>.
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	forms    map[string][]string
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	f := &fakeBotAPI{
		calls:    map[string]int{},
		forms:    map[string][]string{},
		handlers: map[string]func(http.ResponseWriter, *http.Request){},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	var method string
	switch {
	case strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/"):
		method = "file"
	case strings.HasPrefix(r.URL.Path, "/bot"+testToken+"/"):
		method = strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
	default:
		http.NotFound(w, r)
		return
	}
	r.ParseForm()

	f.mu.Lock()
	f.calls[method]++
	f.forms[method] = append(f.forms[method], r.Form.Encode())
	h := f.handlers[method]
	f.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	switch method {
	case "getMe":
		io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"ocr","username":"ocr_bot"}}`)
	case "sendMessage":
		io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeBotAPI) handle(method string, h func(http.ResponseWriter, *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeBotAPI) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestTelegram(t *testing.T, srv *httptest.Server) *Telegram {
	t.Helper()
	tg, err := NewTelegram(TelegramConfig{
		Token:        testToken,
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
		Timeout:      5 * time.Second,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	tg.sendBackoff = time.Millisecond
	return tg
}

func TestNewTelegramClients(t *testing.T) {
	api, download := newTelegramClients(7 * time.Second)
	if api.Timeout != 7*time.Second {
		t.Errorf("api timeout = %s", api.Timeout)
	}
	if download.Timeout != 0 {
		t.Errorf("downloads must be bounded by context only, got timeout %s", download.Timeout)
	}
	if api.Transport != download.Transport {
		t.Error("api and download clients should share one transport")
	}
	tr := download.Transport.(*http.Transport)
	if tr.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("response header timeout = %s", tr.ResponseHeaderTimeout)
	}
}

func TestTelegram_ConnectsWithGetMe(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	if tg.Username() != "ocr_bot" {
		t.Errorf("expected ocr_bot, got %s", tg.Username())
	}
	if f.count("getMe") != 1 {
		t.Errorf("expected 1 getMe call, got %d", f.count("getMe"))
	}
}

func TestTelegram_BadTokenFails(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handle("getMe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})
	_, err := NewTelegram(TelegramConfig{
		Token:       testToken,
		APIEndpoint: srv.URL + "/bot%s/%s",
		Logger:      testLogger(),
	})
	if err == nil {
		t.Fatal("expected error for rejected token")
	}
}

func TestTelegram_ResolveAndDownload(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handle("getFile", func(w http.ResponseWriter, r *http.Request) {
		if r.Form.Get("file_id") != "big" {
			t.Errorf("unexpected file_id %q", r.Form.Get("file_id"))
		}
		io.WriteString(w, `{"ok":true,"result":{"file_id":"big","file_unique_id":"b","file_size":4,"file_path":"photos/file_1.jpg"}}`)
	})
	f.handle("file", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/photos/file_1.jpg") {
			t.Errorf("unexpected file path %s", r.URL.Path)
		}
		w.Write([]byte{1, 2, 3, 4})
	})
	tg := newTestTelegram(t, srv)

	ctx := context.Background()
	rf, err := tg.ResolveFile(ctx, "big")
	if err != nil {
		t.Fatal(err)
	}
	if rf.Path != "photos/file_1.jpg" || rf.Size != 4 {
		t.Errorf("unexpected remote file %+v", rf)
	}
	body, err := tg.DownloadFile(ctx, rf)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if len(data) != 4 {
		t.Errorf("expected 4 bytes, got %d", len(data))
	}
}

func TestTelegram_DownloadErrorHidesToken(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handle("file", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	tg := newTestTelegram(t, srv)

	_, err := tg.DownloadFile(context.Background(), domain.RemoteFile{Path: "x.jpg"})
	if err == nil {
		t.Fatal("expected error on 404")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("error leaks token: %v", err)
	}
}

func TestTelegram_SendMessage(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)

	err := tg.SendMessage(context.Background(), domain.OutboundMessage{ConversationID: "42", Body: "hello *world*"})
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	form := f.forms["sendMessage"][0]
	f.mu.Unlock()
	if !strings.Contains(form, "chat_id=42") || !strings.Contains(form, "text=hello+%2Aworld%2A") {
		t.Errorf("unexpected form %s", form)
	}
	if strings.Contains(form, "parse_mode") {
		t.Errorf("replies must be plain text, got %s", form)
	}
}

func TestTelegram_SendMessageRetriesRateLimit(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	var n int
	f.handle("sendMessage", func(w http.ResponseWriter, r *http.Request) {
		n++
		if n == 1 {
			io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":0}}`)
			return
		}
		io.WriteString(w, `{"ok":true,"result":{"message_id":2,"date":0,"chat":{"id":42,"type":"private"}}}`)
	})
	tg := newTestTelegram(t, srv)

	if err := tg.SendMessage(context.Background(), domain.OutboundMessage{ConversationID: "42", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if f.count("sendMessage") != 2 {
		t.Errorf("expected 2 attempts, got %d", f.count("sendMessage"))
	}
}

func TestTelegram_SendMessageClientErrorNotRetried(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handle("sendMessage", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	})
	tg := newTestTelegram(t, srv)

	err := tg.SendMessage(context.Background(), domain.OutboundMessage{ConversationID: "42", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.count("sendMessage") != 1 {
		t.Errorf("expected 1 attempt, got %d", f.count("sendMessage"))
	}
}

func TestTelegram_SendMessageInvalidChat(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	err := tg.SendMessage(context.Background(), domain.OutboundMessage{ConversationID: "abc", Body: "x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestTelegram_SetWebhookParams(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)

	err := tg.SetWebhook(context.Background(), domain.WebhookSpec{
		URL:            "https://ocr.example.com/webhook/telegram",
		SecretToken:    "tok",
		AllowedUpdates: []string{"message", "channel_post"},
		MaxConnections: 40,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	form := f.forms["setWebhook"][0]
	f.mu.Unlock()
	for _, want := range []string{
		"url=https%3A%2F%2Focr.example.com%2Fwebhook%2Ftelegram",
		"secret_token=tok",
		"max_connections=40",
		"allowed_updates=%5B%22message%22%2C%22channel_post%22%5D",
	} {
		if !strings.Contains(form, want) {
			t.Errorf("form %s missing %s", form, want)
		}
	}
}

func TestTelegram_WebhookInfo(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	f.handle("getWebhookInfo", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true,"result":{"url":"https://x/y","has_custom_certificate":false,"pending_update_count":3,"max_connections":40}}`)
	})
	tg := newTestTelegram(t, srv)

	info, err := tg.WebhookInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.URL != "https://x/y" || info.PendingUpdateCount != 3 || info.MaxConnections != 40 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestTelegram_DeleteWebhook(t *testing.T) {
	f, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	if err := tg.DeleteWebhook(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	form := f.forms["deleteWebhook"][0]
	f.mu.Unlock()
	if !strings.Contains(form, "drop_pending_updates=true") {
		t.Errorf("unexpected form %s", form)
	}
}
