package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeliver_Success(t *testing.T) {
	var got struct {
		method      string
		contentType string
		deliveryID  string
		header      string
		body        string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.contentType = r.Header.Get("Content-Type")
		got.deliveryID = r.Header.Get("X-Delivery-ID")
		got.header = r.Header.Get("X-Custom")
		b, _ := io.ReadAll(r.Body)
		got.body = string(b)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(nil, nil)
	delivery, err := client.Deliver(context.Background(), &Request{
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "yes"},
		Body:    `{"hello":"world"}`,
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got.method != http.MethodPost {
		t.Fatalf("default method should be POST, got %s", got.method)
	}
	if got.contentType != "application/json" {
		t.Fatalf("unexpected content type %q", got.contentType)
	}
	if got.deliveryID == "" || got.deliveryID != delivery.ID {
		t.Fatalf("delivery id mismatch: header=%q result=%q", got.deliveryID, delivery.ID)
	}
	if got.header != "yes" {
		t.Fatalf("custom header not forwarded, got %q", got.header)
	}
	if got.body != `{"hello":"world"}` {
		t.Fatalf("unexpected body %q", got.body)
	}
	if delivery.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", delivery.StatusCode)
	}
	if delivery.Body != `{"ok":true}` {
		t.Fatalf("unexpected response body %q", delivery.Body)
	}
}

func TestDeliver_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(nil, nil)
	_, err := client.Deliver(context.Background(), &Request{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("error should carry status and body detail, got %v", err)
	}
}

func TestDeliver_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(nil, nil)
	start := time.Now()
	_, err := client.Deliver(context.Background(), &Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestDeliver_Validation(t *testing.T) {
	client := NewClient(nil, nil)

	if _, err := client.Deliver(context.Background(), nil); err == nil {
		t.Fatal("nil request should error")
	}
	if _, err := client.Deliver(context.Background(), &Request{}); err == nil {
		t.Fatal("empty url should error")
	}
	if _, err := client.Deliver(context.Background(), &Request{URL: "http://x", Method: "DELETE"}); err == nil {
		t.Fatal("DELETE should be rejected")
	}
}

func TestDeliver_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	client := NewClient(&Config{
		DefaultTimeout: time.Second,
		MaxBodyBytes:   16,
		UserAgent:      "test/1.0",
	}, nil)

	delivery, err := client.Deliver(context.Background(), &Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(delivery.Body) != 16 {
		t.Fatalf("response body must be capped at 16 bytes, got %d", len(delivery.Body))
	}
}
