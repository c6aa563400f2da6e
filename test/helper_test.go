package tests

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForPort(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", addr)
}

func httpc() *http.Client { return &http.Client{Timeout: 5 * time.Second} }

// startUpstream serves h on addr until the test ends.
func startUpstream(t *testing.T, addr string, h http.Handler) {
	t.Helper()
	srv := &http.Server{Addr: addr, Handler: h}
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { _ = srv.Close() })
	waitForPort(t, addr)
}

// writeConfig writes content to config.yaml in dir.
func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	fp := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(fp, []byte(content), 0o644))
	return fp
}

// buildGateway compiles the gateway binary into dir.
func buildGateway(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "gateway")
	out, err := exec.Command("go", "build", "-o", bin, "../cmd/gateway").CombinedOutput()
	require.NoError(t, err, "build failed:\n%s", out)
	return bin
}

// startGateway builds and runs the gateway with configFile. The returned
// command has not been started when stdout is needed by the caller.
func startGateway(t *testing.T, dir, configFile string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(buildGateway(t, dir), "-config", configFile)
	cmd.Stderr = os.Stderr
	t.Cleanup(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})
	return cmd
}
