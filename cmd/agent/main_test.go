package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lokutor-ai/lokutor-live/pkg/observability"
	"github.com/lokutor-ai/lokutor-live/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
	"github.com/lokutor-ai/lokutor-live/pkg/tools"
)

func TestServer(t *testing.T) {
	metrics := observability.NewMetrics("lokutor_live")
	metrics.BargeIns.Inc()
	healthy := true
	srv := newServer(":0", metrics, func() bool { return healthy })

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "lokutor_live_barge_ins_total 1") {
		t.Errorf("expected barge-in counter in metrics output")
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, orchestrator.Event{Type: orchestrator.TranscriptEvent, Data: orchestrator.Transcript{Role: protocol.RoleUser, Text: "hi"}})
	printEvent(&buf, orchestrator.Event{Type: orchestrator.TranscriptEvent, Data: orchestrator.Transcript{Role: protocol.RoleAssistant, Text: "hel", Provisional: true}})
	printEvent(&buf, orchestrator.Event{Type: orchestrator.BargeIn})
	printEvent(&buf, orchestrator.Event{Type: orchestrator.ToolCompleted, Data: tools.Result{Name: "getDateTool", Content: json.RawMessage(`{"year":2026}`)}})

	out := buf.String()
	for _, want := range []string{"[user] hi", "[assistant ...] hel", "[interrupted]", `[tool getDateTool] {"year":2026}`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRunRequiresURL(t *testing.T) {
	err := run(context.Background(), strings.NewReader(""), io.Discard, &options{textOnly: true, logLevel: "error", timezone: "UTC"})
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Errorf("expected missing url error, got %v", err)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"url", "api-key", "voice", "system-prompt", "text", "metrics-addr", "record", "log-level", "log-format"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}
}

func TestHandleCommand(t *testing.T) {
	history := orchestrator.NewHistory(0)
	history.Append(protocol.RoleUser, "what day is it?")
	history.Append(protocol.RoleAssistant, "Monday.")

	var buf bytes.Buffer
	if !handleCommand(&buf, history, "/history") {
		t.Fatal("expected /history to be handled")
	}
	if !strings.Contains(buf.String(), "user: what day is it?\nassistant: Monday.") {
		t.Errorf("unexpected history output:\n%s", buf.String())
	}

	buf.Reset()
	if !handleCommand(&buf, history, "/clear") || history.Len() != 0 {
		t.Error("expected /clear to empty the history")
	}
	if !strings.Contains(buf.String(), "cleared 2 messages") {
		t.Errorf("unexpected clear output: %s", buf.String())
	}

	if handleCommand(&buf, history, "hello") {
		t.Error("plain text must not be treated as a command")
	}
}
