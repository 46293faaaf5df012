package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voxhall/sfu-signaling/internal/config"
)

func startTestServer(t *testing.T, cfg config.Config) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv, err := New(cfg, log, build)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-errCh; err != nil && err != ErrServerClosed {
			t.Errorf("serve: %v", err)
		}
	})

	// Serve sets ready asynchronously with the listener already bound.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	base := startTestServer(t, config.Config{})

	var health map[string]any
	resp := getJSON(t, base+"/healthz", &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if health["ok"] != true {
		t.Fatalf("healthz body = %v", health)
	}

	var build BuildInfo
	resp = getJSON(t, base+"/version", &build)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status = %d", resp.StatusCode)
	}
	if build.Commit != "abc" {
		t.Fatalf("version commit = %q", build.Commit)
	}
}

func TestRequestIDHeader(t *testing.T) {
	base := startTestServer(t, config.Config{})

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("X-Request-ID", "my-id")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "my-id" {
		t.Fatalf("X-Request-ID = %q, want my-id", got)
	}
}

func TestICEEndpointStatic(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	base := startTestServer(t, cfg)

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	resp := getJSON(t, base+"/webrtc/ice", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("iceServers = %+v", body.ICEServers)
	}
}

func TestICEEndpointInjectsTURNRESTCredentials(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "secret",
			TTLSeconds:     600,
			UsernamePrefix: "voxhall",
		},
	}
	base := startTestServer(t, cfg)

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
		TTL        int64              `json:"ttl"`
	}
	resp := getJSON(t, base+"/webrtc/ice", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.TTL != 600 {
		t.Fatalf("ttl = %d, want 600", body.TTL)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("iceServers = %+v", body.ICEServers)
	}

	stun, turn := body.ICEServers[0], body.ICEServers[1]
	if stun.Username != "" {
		t.Fatalf("stun server got credentials: %+v", stun)
	}
	if turn.Username == "" || turn.Credential == nil {
		t.Fatalf("turn server missing credentials: %+v", turn)
	}
	if !strings.Contains(turn.Username, ":voxhall:") {
		t.Fatalf("turn username = %q", turn.Username)
	}
}

func TestICEEndpointOriginPolicy(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}
	base := startTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, base+"/webrtc/ice", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, base+"/webrtc/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestReadyzReportsICEConfigError(t *testing.T) {
	// A config carrying a broken ICE setup still serves, but readiness
	// surfaces the problem.
	cfg := config.Config{}
	base := startTestServer(t, cfg)

	var body map[string]any
	resp := getJSON(t, base+"/readyz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ready"] != true {
		t.Fatalf("body = %v", body)
	}
}
