package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/comigor/voicecare/internal/emergency"
)

const sampleConfig = `
log:
  level: debug
  format: text
endpoint:
  url: wss://care.example.com/v1/conversation
  token: secret
transport:
  queue_size: 64
  reconnect:
    initial_delay: 250ms
    max_attempts: 3
audio:
  threshold: 0.05
  start_chunks: 3
  end_chunks: 6
session:
  response_timeout: 20s
emergency:
  keywords: ["I fell", "can't get up"]
  screening: degraded
history:
  enabled: true
  path: /tmp/care.db
server:
  port: "9090"
  tokens: ["a", "b"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

// TestLoad_File verifies that Load unmarshals every section and keeps
// defaults for keys the file leaves out.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Endpoint.Token != "secret" {
		t.Fatalf("unexpected token: %q", cfg.Endpoint.Token)
	}
	if cfg.Endpoint.HandshakeTimeout != 10*time.Second {
		t.Fatalf("default handshake timeout lost: %v", cfg.Endpoint.HandshakeTimeout)
	}
	b := cfg.Transport.Reconnect.Backoff()
	if b.InitialDelay != 250*time.Millisecond || b.MaxAttempts != 3 || b.Multiplier != 2 {
		t.Fatalf("unexpected backoff: %+v", b)
	}
	if d := cfg.Audio.Detector(); d.StartChunks != 3 || d.EndChunks != 6 || d.Threshold != 0.05 {
		t.Fatalf("unexpected detector: %+v", d)
	}
	if f := cfg.Audio.Format(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Fatalf("unexpected format: %+v", f)
	}
	if cfg.Session.ResponseTimeout != 20*time.Second {
		t.Fatalf("unexpected response timeout: %v", cfg.Session.ResponseTimeout)
	}
	m := cfg.Emergency.Monitor()
	if m.Screening != emergency.ScreenDegraded || len(m.Keywords) != 2 {
		t.Fatalf("unexpected emergency config: %+v", m)
	}
	if !cfg.History.Enabled || cfg.History.Path != "/tmp/care.db" {
		t.Fatalf("unexpected history config: %+v", cfg.History)
	}
	if cfg.Server.Addr() != "0.0.0.0:9090" || len(cfg.Server.Tokens) != 2 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))
	t.Setenv("VOICECARE_ENDPOINT_TOKEN", "from-env")
	t.Setenv("VOICECARE_SESSION_CONNECT_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Endpoint.Token != "from-env" {
		t.Fatalf("env override ignored: %q", cfg.Endpoint.Token)
	}
	if cfg.Session.ConnectTimeout != 2*time.Second {
		t.Fatalf("env duration ignored: %v", cfg.Session.ConnectTimeout)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	// Equivalent of t.Chdir (Go 1.24+) for older toolchains.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Transport.QueueSize != 256 || cfg.Session.ReorderWindow != 3 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Transport, cfg.Session)
	}
	if cfg.Emergency.Screening != string(emergency.ScreenAlways) {
		t.Fatalf("unexpected screening default: %q", cfg.Emergency.Screening)
	}
}

func TestLoadFile_MissingExplicitPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  url: http://wrong.example.com
audio:
  start_chunks: 4
  end_chunks: 2
emergency:
  screening: sometimes
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"endpoint.url", "audio.end_chunks", "emergency.screening"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
