package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	stats   Stats
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() Stats {
	return m.stats
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}

	s := NewServer(cfg, provider, prometheus.NewRegistry())
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true}, nil)

	rec := serve(s, http.MethodGet, "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true}, nil)

	rec := serve(s, http.MethodPost, "/health")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	provider := &mockStatsProvider{
		running: true,
		stats: Stats{
			State:           "running",
			SessionID:       "0b6c1f4e-9a55-4f0e-8f53-3e1f3f0a7c11",
			SessionStarted:  started,
			LocalAddr:       "[::]:24600",
			PeersKnown:      2,
			Peers:           []string{"10.0.0.1", "10.0.0.2"},
			SessionsStarted: 3,
		},
	}
	s := NewServer(DefaultServerConfig(), provider, nil)

	rec := serve(s, http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if response["running"] != true {
		t.Errorf("expected running true, got %v", response["running"])
	}
	if response["state"] != "running" {
		t.Errorf("expected state 'running', got %v", response["state"])
	}
	if int(response["peers_known"].(float64)) != 2 {
		t.Errorf("expected peers_known 2, got %v", response["peers_known"])
	}
	if int(response["sessions_started"].(float64)) != 3 {
		t.Errorf("expected sessions_started 3, got %v", response["sessions_started"])
	}
	if response["session_started"] != "2026-01-02T03:04:05Z" {
		t.Errorf("expected session_started timestamp, got %v", response["session_started"])
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	provider := &mockStatsProvider{
		running: false,
		stats: Stats{
			State:           "waiting_for_control_plane",
			SessionsStarted: 1,
			LastFailure:     "control plane stream failed: event stream closed",
		},
	}
	s := NewServer(DefaultServerConfig(), provider, nil)

	rec := serve(s, http.MethodGet, "/healthz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", response["status"])
	}
	if response["state"] != "waiting_for_control_plane" {
		t.Errorf("expected waiting state, got %v", response["state"])
	}
	if response["last_failure"] == nil {
		t.Error("expected last_failure to be reported")
	}
	if _, ok := response["session_started"]; ok {
		t.Error("session_started should be omitted without a session")
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		running  bool
		wantCode int
		wantBody string
	}{
		{"ready", true, http.StatusOK, "READY\n"},
		{"not ready", false, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: tt.running}, nil)

			rec := serve(s, http.MethodGet, "/ready")

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if body := rec.Body.String(); body != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synapse_relay_test_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(7)

	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true}, reg)

	rec := serve(s, http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "synapse_relay_test_total 7") {
		t.Errorf("metrics output missing test counter:\n%s", rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatsProvider{running: true}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, &mockStatsProvider{running: true}, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)

	rec := serve(s, http.MethodGet, "/healthz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_Pprof(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true}, nil)

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/symbol"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(s, http.MethodGet, path)
			if rec.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
		})
	}
}
