package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kursadbilgin/esp-dispatch/internal/domain"
)

func testSendRequest() SendRequest {
	return SendRequest{
		Recipient: domain.Recipient{Email: "jane@example.com", SubscriberID: "sub-1"},
		Message: domain.Message{
			From:       "news@brand.test",
			FromName:   "Brand",
			Subject:    "Spring sale",
			HTMLBody:   "<p>hello</p>",
			TextBody:   "hello",
			CampaignID: "cmp-42",
			Headers:    map[string]string{"X-Mailer": "esp-dispatch"},
		},
		Headers: map[string]string{"X-ESP-Provider": "relay"},
	}
}

func TestWebhookAdapterSendSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotBody webhookRequest
		gotAuth string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("X-Request-ID", "relay-msg-1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	a, err := NewWebhookAdapter("relay", server.URL, "secret")
	if err != nil {
		t.Fatalf("NewWebhookAdapter() error = %v", err)
	}

	req := testSendRequest()
	resp, err := a.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.MessageID != "relay-msg-1" {
		t.Fatalf("MessageID = %q, want %q", resp.MessageID, "relay-msg-1")
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if gotBody.To != req.Recipient.Email {
		t.Fatalf("request.to = %q, want %q", gotBody.To, req.Recipient.Email)
	}
	if gotBody.From != "Brand <news@brand.test>" {
		t.Fatalf("request.from = %q, want %q", gotBody.From, "Brand <news@brand.test>")
	}
	if gotBody.Headers["X-ESP-Provider"] != "relay" || gotBody.Headers["X-Mailer"] != "esp-dispatch" {
		t.Fatalf("request.headers = %v, want merged message and send headers", gotBody.Headers)
	}
}

func TestWebhookAdapterSendStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized is permanent", statusCode: http.StatusUnauthorized, wantTransient: false},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("relay failed"))
			}))
			defer server.Close()

			a, err := NewWebhookAdapter("relay", server.URL, "")
			if err != nil {
				t.Fatalf("NewWebhookAdapter() error = %v", err)
			}

			_, err = a.Send(context.Background(), testSendRequest())
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
			if got := IsPermanent(err); got == tc.wantTransient {
				t.Fatalf("IsPermanent() = %v, want %v", got, !tc.wantTransient)
			}

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.StatusCode != tc.statusCode {
				t.Fatalf("ProviderError.StatusCode = %d, want %d", providerErr.StatusCode, tc.statusCode)
			}
			if providerErr.Provider != "relay" {
				t.Fatalf("ProviderError.Provider = %q, want %q", providerErr.Provider, "relay")
			}
		})
	}
}

func TestWebhookAdapterSendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	a, err := NewWebhookAdapterWithClient("relay", server.URL, "", client)
	if err != nil {
		t.Fatalf("NewWebhookAdapterWithClient() error = %v", err)
	}

	_, err = a.Send(context.Background(), testSendRequest())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestWebhookAdapterRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	a, err := NewWebhookAdapter("relay", "http://127.0.0.1:1/hook", "")
	if err != nil {
		t.Fatalf("NewWebhookAdapter() error = %v", err)
	}

	req := testSendRequest()
	req.Recipient.Email = "not-an-email"

	_, err = a.Send(context.Background(), req)
	if !IsPermanent(err) {
		t.Fatalf("Send() error = %v, want permanent", err)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Send() error = %v, want wrapped ErrValidation", err)
	}
}

func TestNewWebhookAdapterValidation(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "   ", "not a url"} {
		if _, err := NewWebhookAdapter("relay", endpoint, ""); err == nil {
			t.Fatalf("NewWebhookAdapter(%q) error = nil, want error", endpoint)
		}
	}
}
