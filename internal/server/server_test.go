package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/rtmt"
	"github.com/MrWong99/voxbridge/internal/server"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func newTestMiddleTier(t *testing.T, upstreamURL string) *rtmt.MiddleTier {
	t.Helper()
	if upstreamURL == "" {
		upstreamURL = "http://127.0.0.1:1"
	}
	mt, err := rtmt.New(upstreamURL, "gpt-4o-realtime-preview", nil, rtmt.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("rtmt.New: %v", err)
	}
	return mt
}

func startServer(t *testing.T, mt *rtmt.MiddleTier, opts ...server.Option) *httptest.Server {
	t.Helper()
	srv, err := server.New(":0", mt, opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(u string) string {
	return "ws" + strings.TrimPrefix(u, "http")
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_RequiresMiddleTier(t *testing.T) {
	t.Parallel()

	if _, err := server.New(":0", nil); err == nil {
		t.Fatal("nil middle tier should be rejected")
	}
}

// ── Voice control ─────────────────────────────────────────────────────────────

func TestUpdateVoice(t *testing.T) {
	t.Parallel()

	mt := newTestMiddleTier(t, "")
	ts := startServer(t, mt)

	resp, err := http.Post(ts.URL+"/update-voice", "application/json",
		strings.NewReader(`{"voice":"echo"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["voice"] != "echo" {
		t.Errorf("response voice = %q; want echo", body["voice"])
	}
	if mt.Voice() != "echo" {
		t.Errorf("mt.Voice() = %q; want echo", mt.Voice())
	}
}

func TestUpdateVoice_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestMiddleTier(t, ""))

	for name, body := range map[string]string{
		"empty voice": `{"voice":""}`,
		"invalid":     `{not json`,
	} {
		resp, err := http.Post(ts.URL+"/update-voice", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST(%s): %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d; want 400", name, resp.StatusCode)
		}
	}
}

func TestUpdateVoice_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestMiddleTier(t, ""))
	resp, err := http.Get(ts.URL + "/update-voice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d; want 405", resp.StatusCode)
	}
}

// ── Probes and metrics ────────────────────────────────────────────────────────

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	failing := health.Checker{
		Name:  "postgres",
		Check: func(context.Context) error { return errors.New("connection refused") },
	}
	ts := startServer(t, newTestMiddleTier(t, ""), server.WithHealthCheckers(failing))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d; want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d; want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), "postgres") {
		t.Errorf("/readyz body %s; want the failing check named", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestMiddleTier(t, ""))
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}
}

// ── Static assets ─────────────────────────────────────────────────────────────

func TestStaticDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ui</html>"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ts := startServer(t, newTestMiddleTier(t, ""), server.WithStaticDir(dir))

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ui") {
		t.Errorf("status = %d body = %s; want the index page", resp.StatusCode, body)
	}
}

// ── Realtime endpoint ─────────────────────────────────────────────────────────

func TestRealtimeEndpoint_RelaysToUpstream(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		data, _ := json.Marshal(map[string]any{"type": "session.created", "session": map[string]any{}})
		conn.Write(ctx, websocket.MessageText, data)
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(upstream.Close)

	ts := startServer(t, newTestMiddleTier(t, upstream.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, wsURL(ts.URL)+"/realtime", nil)
	if err != nil {
		t.Fatalf("dial /realtime: %v", err)
	}
	defer client.Close(websocket.StatusNormalClosure, "done")

	update, _ := json.Marshal(map[string]any{"type": "session.update", "session": map[string]any{}})
	if err := client.Write(ctx, websocket.MessageText, update); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt["type"] != "session.created" {
		t.Errorf("event = %v; want session.created relayed from the upstream", evt["type"])
	}
}

func TestRealtimeEndpoint_RejectsPost(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestMiddleTier(t, ""))
	resp, err := http.Post(ts.URL+"/realtime", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d; want 405", resp.StatusCode)
	}
}
