package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ermct/internal/session"
	"github.com/linnemanlabs/ermct/internal/status"
)

func level(n int) *int { return &n }

func TestNotify_PostsToWebhook(t *testing.T) {
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

	n := New(srv.URL, log.Nop())
	o := session.Outcome{
		SessionID:    "01JS123",
		RequestID:    "01JR456",
		FacilityID:   "H1",
		FacilityName: "서울대학교병원",
		Status:       status.Approved,
		Level:        level(2),
		Source:       "listener",
		At:           time.Date(2026, 5, 1, 8, 3, 0, 0, time.UTC),
	}

	if err := n.Notify(context.Background(), o); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, context = 5 blocks
	if len(blocks) != 5 {
		t.Errorf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "서울대학교병원") {
		t.Errorf("header text = %q, want to contain the facility name", headerText)
	}
	if !strings.Contains(headerText, "\U0001f7e2") {
		t.Errorf("header should contain green circle for approved")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	acuity := fields[1].(map[string]any)["text"].(string)
	if acuity != "*Acuity:* KTAS 2" {
		t.Errorf("acuity field = %q", acuity)
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JS123") || !strings.Contains(ctxText, "2026-05-01 08:03 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), session.Outcome{}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), session.Outcome{RequestID: "01JR789", Status: status.Completed})
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestBuildMessage_RejectedIncludesReason(t *testing.T) {
	t.Parallel()

	msg := buildMessage(session.Outcome{
		FacilityID: "H2",
		Status:     status.Rejected,
		Reason:     "병상 없음",
	})
	blocks := msg["blocks"].([]map[string]any)

	// header, divider, fields, reason, divider, context
	if len(blocks) != 6 {
		t.Fatalf("blocks count = %d, want 6", len(blocks))
	}
	reason := blocks[3]["text"].(map[string]any)["text"].(string)
	if reason != "*Reason*\n\n병상 없음" {
		t.Errorf("reason text = %q", reason)
	}
	header := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.HasSuffix(header, ": H2") {
		t.Errorf("header %q should fall back to the facility id", header)
	}
}

func TestBuildMessage_UnclassifiedAndNoRequest(t *testing.T) {
	t.Parallel()

	msg := buildMessage(session.Outcome{Status: status.Approved, Source: "fallback"})
	fields := msg["blocks"].([]map[string]any)[2]["fields"].([]map[string]any)

	if got := fields[1]["text"]; got != "*Acuity:* 미분류" {
		t.Errorf("acuity = %q", got)
	}
	if got := fields[3]["text"]; got != "*Request:* _none_" {
		t.Errorf("request = %q", got)
	}
}

func TestStatusEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status status.Status
		want   string
	}{
		{status.Waiting, "\U0001f7e1"},
		{status.Approved, "\U0001f7e2"},
		{status.Rejected, "\U0001f534"},
		{status.Transferring, "\U0001f691"},
		{status.Completed, "✅"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			if got := statusEmoji(tt.status); got != tt.want {
				t.Errorf("statusEmoji(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("병", 500) // 1500 bytes
	got := truncate(long, maxReasonLen)

	if len(got) > maxReasonLen {
		t.Errorf("len = %d, want <= %d", len(got), maxReasonLen)
	}
	if !utf8.ValidString(got) {
		t.Error("truncate split a multi-byte rune")
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("expected truncated text to end with ...")
	}
	if short := truncate("짧음", maxReasonLen); short != "짧음" {
		t.Errorf("short text changed to %q", short)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("서울대학교병원", "rejected", "병상 없음", 1)
	f.Add("", "", "", 0)
	f.Add("<@U123> mention", "approved", "*bold* _italic_ ~strike~", 3)
	f.Add("name\x00\x01\x02", "completed", "reason\ttab", 5)
	f.Add(strings.Repeat("병", 2000), "rejected", strings.Repeat("x", 10000), 2)

	f.Fuzz(func(t *testing.T, facility, st, reason string, lv int) {
		o := session.Outcome{
			SessionID:    "fuzz-session",
			RequestID:    "fuzz-request",
			FacilityName: facility,
			Status:       status.Status(st),
			Reason:       reason,
			Level:        &lv,
			At:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(o)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		want := 5
		if o.Status == status.Rejected {
			want = 6
		}
		if len(blocks) != want {
			t.Fatalf("blocks count = %d, want %d", len(blocks), want)
		}
	})
}
