package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDiscordSendPostsTaggedPayload(t *testing.T) {
	var gotUA string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	if err := d.Send(context.Background(), "Order filled", "BTC-USDT buy 0.5 @ 25000"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotUA != userAgent {
		t.Errorf("user agent = %q, want %q", gotUA, userAgent)
	}
	if gotBody["username"] != "hbot" {
		t.Errorf("username = %q, want hbot", gotBody["username"])
	}
	if !strings.HasPrefix(gotBody["content"], "**Order filled**\n") {
		t.Errorf("content = %q, want bold title prefix", gotBody["content"])
	}
}

func TestPostJSONSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := postJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"k": "v"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error %q does not name the status", err)
	}
}
