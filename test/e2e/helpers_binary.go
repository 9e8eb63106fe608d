//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-terminal-key"

// process is a running possync binary.
type process struct {
	cmd     *exec.Cmd
	address string
	logFile string
}

func (p *process) stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
		_ = p.cmd.Wait()
		p.cmd = nil
	}
}

func (p *process) baseURL() string {
	return fmt.Sprintf("http://%s", p.address)
}

// logs returns the process output, for failure messages.
func (p *process) logs() string {
	data, _ := os.ReadFile(p.logFile)
	return string(data)
}

func startProcess(t *testing.T, logFile string, env []string, args ...string) *process {
	t.Helper()
	requirePossync(t)

	cmd := exec.Command(possyncBin, args...)
	cmd.Env = append(os.Environ(), env...)

	lf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start possync %v: %v", args, err)
	}
	p := &process{cmd: cmd, logFile: logFile}
	t.Cleanup(func() {
		p.stop()
		lf.Close()
	})
	return p
}

// startLedger launches the reference backend on a fixed address so it can
// be stopped and started again under the agent.
func startLedger(t *testing.T, dataDir, address string) *process {
	t.Helper()
	p := startProcess(t, filepath.Join(dataDir, "ledger.log"), []string{"POSSYNC_LOG_LEVEL=debug"},
		"ledger", "--addr", address)
	p.address = address
	if err := waitStatus(p.baseURL()+"/api/v1/ping", 10*time.Second); err != nil {
		t.Fatalf("ledger not up: %v\n%s", err, p.logs())
	}
	return p
}

// terminalConfig writes an agent configuration with short probe intervals
// and the worker in a child process.
func terminalConfig(t *testing.T, dataDir, address, backendURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`server:
  address: %q
  shutdown_timeout: 10s
backend:
  url: %q
  timeout: 5s
  probe_timeout: 1s
store:
  path: %q
connectivity:
  fast_interval: 100ms
  stable_interval: 200ms
  hidden_interval: 500ms
  max_interval: 500ms
  threshold: 2
  probe_attempts: 1
  debounce: 50ms
  network_poll_interval: 0s
  channel_dir: %q
bridge:
  mode: process
  restart_delay: 100ms
snapshot:
  dir: %q
terminal:
  id: T-E2E
log:
  level: debug
`, address, backendURL, filepath.Join(dataDir, "possync.db"), filepath.Join(dataDir, "broadcast"), filepath.Join(dataDir, "snapshots"))

	path := filepath.Join(dataDir, "possync.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// startAgent launches the agent with the given config and waits for the
// worker handshake.
func startAgent(t *testing.T, dataDir, configPath, address string) *process {
	t.Helper()
	p := startProcess(t, filepath.Join(dataDir, "agent.log"), []string{"POSSYNC_API_KEY=" + e2eAPIKey},
		"--config", configPath)
	p.address = address

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		var health struct {
			Status   string `json:"status"`
			Terminal string `json:"terminal"`
		}
		if code, _ := call(p, http.MethodGet, "/health", nil, &health); code == http.StatusOK && health.Terminal == "T-E2E" {
			return p
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("agent not ready\n%s", p.logs())
	return nil
}

func waitStatus(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("%s not ready after %s", url, timeout)
}

// call sends a request to the local agent API and decodes the response.
func call(p *process, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, p.baseURL()+"/api/v1"+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func localAddr(t *testing.T) string {
	return fmt.Sprintf("127.0.0.1:%d", freePort(t))
}
