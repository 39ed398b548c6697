package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	tests := []struct {
		name     string
		checkErr error
		want     map[string]int
	}{
		{
			name: "healthy",
			want: map[string]int{
				"/metrics": http.StatusOK,
				"/healthz": http.StatusOK,
				"/livez":   http.StatusOK,
				"/readyz":  http.StatusOK,
			},
		},
		{
			name:     "storage down",
			checkErr: errors.New("connection refused"),
			want: map[string]int{
				"/metrics": http.StatusOK,
				"/healthz": http.StatusServiceUnavailable,
				"/livez":   http.StatusOK,
				"/readyz":  http.StatusServiceUnavailable,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := findFreePort(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			healthHandler := healthcheck.NewHandler(version.GetVersion())
			healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error {
				return tt.checkErr
			}))
			srv := startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", "metrics"), healthHandler)
			if srv == nil {
				t.Fatal("startMetricsServer should not return nil")
			}
			waitForServer(t, port)

			for path, code := range tt.want {
				resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", port, path))
				if err != nil {
					t.Fatalf("GET %s: %v", path, err)
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()

				if resp.StatusCode != code {
					t.Errorf("%s: expected %d, got %d", path, code, resp.StatusCode)
				}
				if len(body) == 0 {
					t.Errorf("%s returned empty body", path)
				}
			}
		})
	}
}

func TestStartMetricsServer_Shutdown(t *testing.T) {
	port := findFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	startMetricsServer(ctx, fmt.Sprintf(":%d", port), log.WithField("test", "metrics-shutdown"), healthcheck.NewHandler("test"))
	waitForServer(t, port)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if _, err := http.Get(fmt.Sprintf("http://localhost:%d/livez", port)); err == nil {
		t.Error("server should be stopped after context cancellation")
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

func TestShutdownHTTP_WithServer(t *testing.T) {
	port := findFreePort(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	waitForServer(t, port)

	shutdownHTTP(srv, log.WithField("test", "http-shutdown"))

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get(fmt.Sprintf("http://localhost:%d/ping", port)); err == nil {
		t.Error("server should be stopped after shutdownHTTP")
	}
}

// waitForServer ждёт, пока порт начнёт принимать соединения.
func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not start", port)
}

// findFreePort находит свободный порт для тестов
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
