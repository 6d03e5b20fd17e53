package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "autoscore.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := LoadWithEnv("", map[string]string{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
http_addr = ":7000"
log_level = "debug"

[pipeline]
url = "ws://vision:8765/results"
reconnect_min = "2s"
reconnect_max = "1m"
read_timeout = "20s"

[mqtt]
broker = "tcp://broker:1883"

[thresholds]
similarity_threshold = 0.02
max_darts_per_turn = 3
`)

	cfg, err := LoadWithEnv(path, map[string]string{
		"AUTOSCORE_HTTP_ADDR":                       ":7100",
		"AUTOSCORE_WEBRTC_STUN_SERVERS":             "stun:a:1,stun:b:2",
		"AUTOSCORE_THRESHOLDS_EMPTY_FRAMES_FOR_CLEAR": "2",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":7100" {
		t.Errorf("HTTPAddr = %q, env should win", cfg.HTTPAddr)
	}
	if cfg.LogLevel != logger.DEBUG {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.Pipeline.URL != "ws://vision:8765/results" || cfg.Pipeline.ReconnectMin != 2*time.Second || cfg.Pipeline.ReconnectMax != time.Minute || cfg.Pipeline.ReadTimeout != 20*time.Second {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "opendarts/autoscore" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if diff := cmp.Diff([]string{"stun:a:1", "stun:b:2"}, cfg.WebRTC.STUNServers); diff != "" {
		t.Errorf("stun servers (-want +got):\n%s", diff)
	}
	if cfg.Thresholds.Similarity != 0.02 || cfg.Thresholds.EmptyFramesForClear != 2 {
		t.Errorf("thresholds = %+v", cfg.Thresholds)
	}
	if cfg.Thresholds.Confidence != 0.1 {
		t.Errorf("unset threshold lost its default: %+v", cfg.Thresholds)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad toml":      `http_addr = `,
		"bad threshold": "[thresholds]\nmax_darts_per_turn = 0\n",
		"bad level":     `log_level = "loud"`,
		"bad backoff":   "[pipeline]\nreconnect_min = \"10s\"\nreconnect_max = \"1s\"\n",
		"bad timeout":   "[pipeline]\nread_timeout = \"-1s\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, dir, body)
			if _, err := LoadWithEnv(path, map[string]string{}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := LoadWithEnv(filepath.Join(dir, "missing.toml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `log_level = "info"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case cfg := <-changes:
			if cfg.LogLevel != logger.WARN {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte(`log_level = "warn"`), 0o644); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
