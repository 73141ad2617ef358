package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ctrlplane/gateway/internal/agentclient"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger.NewLogger failed: %v", err)
	}
	return log
}

// ingestRecorder is a fake gateway that records every /api/ingest/event body.
type ingestRecorder struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *ingestRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/api/ingest/event" {
			var body map[string]interface{}
			_ = json.NewDecoder(req.Body).Decode(&body)
			r.mu.Lock()
			r.events = append(r.events, body)
			r.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}
}

func newTestWorker(t *testing.T, serverURL, sandboxRoot string) *Worker {
	t.Helper()
	run := &v1.Run{ID: "run-1", WorkerType: v1.WorkerType("claude-code"), CapabilityToken: "tok"}
	cfg := Config{Run: run, SandboxRoot: sandboxRoot, Isolation: "subprocess"}
	client := agentclient.New(serverURL, "shared-secret")
	return New(cfg, nil, client, nil, nil, nil, newTestLogger(t))
}

func TestEmitMarkerSendsValidJSON(t *testing.T) {
	rec := &ingestRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	w := newTestWorker(t, server.URL, "/sandbox")
	w.emitMarker("started", map[string]interface{}{"command": "claude"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one ingested event, got %d", len(rec.events))
	}

	data, ok := rec.events[0]["data"].(string)
	if !ok {
		t.Fatalf("expected ingested event to carry a string data field, got %T", rec.events[0]["data"])
	}

	// The data field must itself be valid JSON carrying an "event" key, the
	// way internal/gateway/api's parseMarker expects to decode it.
	var marker struct {
		Event   string `json:"event"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(data), &marker); err != nil {
		t.Fatalf("marker payload is not valid JSON: %v (data=%q)", err, data)
	}
	if marker.Event != "started" {
		t.Errorf("expected marker event %q, got %q", "started", marker.Event)
	}
	if marker.Command != "claude" {
		t.Errorf("expected marker command %q, got %q", "claude", marker.Command)
	}
}

func TestEmitMarkerFinishedCarriesExitCode(t *testing.T) {
	rec := &ingestRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	w := newTestWorker(t, server.URL, "/sandbox")
	w.emitMarker("finished", map[string]interface{}{"exitCode": 1})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	data := rec.events[0]["data"].(string)

	var marker struct {
		Event    string `json:"event"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.Unmarshal([]byte(data), &marker); err != nil {
		t.Fatalf("marker payload is not valid JSON: %v (data=%q)", err, data)
	}
	if marker.Event != "finished" || marker.ExitCode != 1 {
		t.Errorf("expected finished marker with exitCode 1, got %+v", marker)
	}
}

func TestApplyCdRejectsSandboxEscape(t *testing.T) {
	rec := &ingestRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	w := newTestWorker(t, server.URL, "/sandbox/root")

	cmd := &v1.Command{ID: "cmd-1", RunID: "run-1", Command: "cd ../../etc"}
	w.applyCd(cmd)

	if w.currentDir != "/sandbox/root" {
		t.Errorf("expected working directory to remain unchanged after an escape attempt, got %q", w.currentDir)
	}
}

func TestApplyCdAllowsNestedPath(t *testing.T) {
	rec := &ingestRecorder{}
	server := httptest.NewServer(rec.handler())
	defer server.Close()

	w := newTestWorker(t, server.URL, "/sandbox/root")

	cmd := &v1.Command{ID: "cmd-1", RunID: "run-1", Command: "cd subdir"}
	w.applyCd(cmd)

	if w.currentDir != "/sandbox/root/subdir" {
		t.Errorf("expected working directory to move into the sandbox subdir, got %q", w.currentDir)
	}
}
