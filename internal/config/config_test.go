package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
rate_limit:
  policies:
    default:
      window_ms: 60000
      max_requests: 100
      block_sec: 300
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.BruteForce.Threshold != 5 || cfg.BruteForce.Window() != time.Hour {
		t.Errorf("brute force defaults = %+v", cfg.BruteForce)
	}
	if cfg.Anomaly.DefaultThreshold != 50 || cfg.Anomaly.Window() != 5*time.Minute {
		t.Errorf("anomaly defaults = %+v", cfg.Anomaly)
	}
	if got := cfg.Anomaly.ActionThresholds["login"]; got != 5 {
		t.Errorf("login threshold = %d", got)
	}
	if cfg.Intel.RefreshSec != 3600 || cfg.Intel.CacheCapacity != 50000 {
		t.Errorf("intel defaults = %+v", cfg.Intel)
	}
	if cfg.Audit.Buffer != 1024 {
		t.Errorf("audit buffer = %d", cfg.Audit.Buffer)
	}

	p := cfg.RateLimit.Policies["default"]
	if p.Window() != time.Minute || p.BlockDuration() != 5*time.Minute {
		t.Errorf("policy durations = %s / %s", p.Window(), p.BlockDuration())
	}
}

func TestLoadFullPolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
rate_limit:
  policies:
    login:
      window_ms: 60000
      max_requests: 10
      block_sec: 600
      escalations:
        - threshold: 15
          action: alert
        - threshold: 20
          action: block
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p := cfg.RateLimit.Policies["login"]
	if len(p.Escalations) != 2 {
		t.Fatalf("escalations = %+v", p.Escalations)
	}
	// Order as configured, not sorted by threshold.
	if p.Escalations[0].Action != "alert" || p.Escalations[1].Action != "block" {
		t.Errorf("escalation order = %+v", p.Escalations)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "no policies",
			body: `logging: {level: info}`,
			want: "at least one policy",
		},
		{
			name: "bad backend",
			body: "store: {backend: etcd}\n" + minimalConfig,
			want: "store.backend",
		},
		{
			name: "bad level",
			body: "logging: {level: trace}\n" + minimalConfig,
			want: "logging.level",
		},
		{
			name: "zero window",
			body: `
rate_limit:
  policies:
    bad: {window_ms: 0, max_requests: 10, block_sec: 60}
`,
			want: "window_ms",
		},
		{
			name: "bad escalation action",
			body: `
rate_limit:
  policies:
    bad:
      window_ms: 1000
      max_requests: 10
      block_sec: 60
      escalations:
        - {threshold: 20, action: nuke}
`,
			want: "escalations[0].action",
		},
		{
			name: "intel without feed url",
			body: "intel: {enabled: true}\n" + minimalConfig,
			want: "intel.feed_url",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.body))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("validate passed, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("load of missing file should error")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "rate_limit: [not a map")); err == nil {
		t.Fatal("malformed yaml should error")
	}
}
