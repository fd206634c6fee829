package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

func notificationPayload(t *testing.T, n *alert.Notification) []byte {
	t.Helper()
	b, err := n.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPublish_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dist := 2.5
	payload := notificationPayload(t, &alert.Notification{
		NotificationID: "01JN123",
		ID:             "alert-1",
		SentAt:         "2026-03-01T12:00:00Z",
		Headline:       "Tornado Warning",
		Severity:       alert.SeverityCritical,
		Reason:         "severity critical >= moderate and 2.5 km within 5.0 km",
		PolicyMode:     "AND",
		DistanceKm:     &dist,
	})

	n := New(srv.URL, log.Nop())
	if err := n.Publish(context.Background(), "klaxon/alerts/critical", payload, 1, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	if len(blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Tornado Warning") {
		t.Errorf("header text = %q, want headline", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Error("header should contain red circle for critical severity")
	}

	fields := blocks[1].(map[string]any)["fields"].([]any)
	dtext := fields[1].(map[string]any)["text"].(string)
	if dtext != "*Distance:* 2.5 km" {
		t.Errorf("distance field = %q", dtext)
	}

	ctxText := blocks[3].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "klaxon/alerts/critical") || !strings.Contains(ctxText, "01JN123") {
		t.Errorf("context = %q, want topic and notification id", ctxText)
	}
}

func TestPublish_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Publish(context.Background(), "t", []byte("not json"), 1, false); err != nil {
		t.Fatalf("Publish with empty URL should be no-op, got: %v", err)
	}
}

func TestPublish_BadPayload(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Publish(context.Background(), "t", []byte("{"), 1, false); err == nil {
		t.Fatal("expected decode error")
	}
	if calls != 0 {
		t.Errorf("webhook called %d times for an undecodable payload", calls)
	}
}

func TestPublish_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Publish(context.Background(), "t", notificationPayload(t, &alert.Notification{ID: "a"}), 1, false)
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestPublish_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := New(srv.URL, log.Nop())
	if err := n.Publish(ctx, "t", notificationPayload(t, &alert.Notification{ID: "a"}), 1, false); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestBuildMessage_Defaults(t *testing.T) {
	t.Parallel()

	msg := buildMessage("klaxon/alerts/minor", &alert.Notification{ID: "x1", Severity: alert.SeverityMinor})
	blocks := msg["blocks"].([]map[string]any)

	headerText := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Alert x1") {
		t.Errorf("header = %q, want fallback to alert id", headerText)
	}
	reason := blocks[2]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(reason, "No reason recorded") {
		t.Errorf("reason = %q", reason)
	}
	dist := blocks[1]["fields"].([]map[string]any)[1]["text"].(string)
	if dist != "*Distance:* n/a" {
		t.Errorf("distance = %q", dist)
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity alert.Severity
		want     string
	}{
		{alert.SeverityCritical, "\U0001f534"},
		{alert.SeveritySevere, "\U0001f534"},
		{alert.SeverityModerate, "\U0001f7e1"},
		{alert.SeverityMinor, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxReasonLen+50)
	got := truncate(long, maxReasonLen)
	if len(got) != maxReasonLen || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate length = %d", len(got))
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must pass through")
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Tornado Warning", "critical", "within 5 km", "klaxon/alerts/critical")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "severe", "*bold* _italic_ ~strike~", "t")
	f.Add("alert\x00\x01\x02", "sev\nline", "reason\ttab", "a/b\x00")
	f.Add(strings.Repeat("A", 5000), "minor", strings.Repeat("x", 10000), "topic")

	f.Fuzz(func(t *testing.T, headline, severity, reason, topic string) {
		msg := buildMessage(topic, &alert.Notification{
			NotificationID: "fuzz-id",
			ID:             "fuzz",
			Headline:       headline,
			Severity:       alert.Severity(severity),
			Reason:         reason,
		})

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 4 {
			t.Fatalf("blocks = %v", decoded["blocks"])
		}
	})
}
