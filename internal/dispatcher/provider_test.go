package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProviderSender_Send(t *testing.T) {
	var got providerMessage
	var gotAuth, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Mailcadence-Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewHTTPProviderSender(ProviderConfig{
		URL:    srv.URL,
		APIKey: "secret-key",
		From:   "hello@mailcadence.dev",
	})

	result := sender.Send(context.Background(), SendRequest{
		To:             "ana@example.com",
		ToName:         "Ana",
		Subject:        "Hi Ana",
		Body:           "<p>Hello</p>",
		IdempotencyKey: "run:ana@example.com",
	})

	if !result.IsSuccess() {
		t.Fatalf("Send failed: status=%d err=%v", result.StatusCode, result.Error)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotKey != "run:ana@example.com" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if got.From != "hello@mailcadence.dev" || got.To != "ana@example.com" {
		t.Errorf("message addressing = %+v", got)
	}
	if got.Subject != "Hi Ana" || got.HTMLBody != "<p>Hello</p>" {
		t.Errorf("message content = %+v", got)
	}
}

func TestHTTPProviderSender_ProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewHTTPProviderSender(ProviderConfig{URL: srv.URL, APIKey: "k", From: "x@y.z"})
	result := sender.Send(context.Background(), SendRequest{To: "ana@example.com"})

	if result.IsSuccess() {
		t.Error("5xx reported as success")
	}
	if !result.IsRetryable() {
		t.Error("5xx should be retryable")
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", result.StatusCode)
	}
}

func TestHTTPProviderSender_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	sender := NewHTTPProviderSender(ProviderConfig{
		URL:     srv.URL,
		APIKey:  "k",
		From:    "x@y.z",
		Timeout: 50 * time.Millisecond,
	})
	result := sender.Send(context.Background(), SendRequest{To: "ana@example.com"})

	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if result.IsSuccess() {
		t.Error("timeout reported as success")
	}
}
