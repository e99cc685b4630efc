package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Alerting.QueueThreshold != 50 {
		t.Fatalf("queue threshold = %d, want 50", cfg.Alerting.QueueThreshold)
	}
	if cfg.Alerting.FlaggedThreshold != 5 || cfg.Alerting.ErrorThreshold != 5 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Alerting)
	}
	if cfg.Alerting.Debounce != 60*time.Second {
		t.Fatalf("debounce = %s, want 60s", cfg.Alerting.Debounce)
	}
	if cfg.DebounceSeconds() != 60 {
		t.Fatalf("debounce seconds = %d", cfg.DebounceSeconds())
	}
	if cfg.Alerting.OwnerEmail != "alerts@example.com" {
		t.Fatalf("owner email = %q", cfg.Alerting.OwnerEmail)
	}
	if cfg.Settlement.AutoSettlementEnabled {
		t.Fatalf("auto settlement must default to disabled")
	}
	if !cfg.IsEVMNetwork("Polygon") || cfg.IsEVMNetwork("tron") {
		t.Fatalf("unexpected evm network classification: %v", cfg.Wallet.EVMNetworks)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"alerting:",
		"  queue_threshold: 7",
		"  debounce: 90s",
		"wallet:",
		"  evm_networks: [ethereum, tron-evm]",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OTCSETTLE_ALERTING_FLAGGED_THRESHOLD", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Alerting.QueueThreshold != 7 {
		t.Fatalf("queue threshold = %d, want 7", cfg.Alerting.QueueThreshold)
	}
	if cfg.Alerting.FlaggedThreshold != 9 {
		t.Fatalf("flagged threshold = %d, want 9 from env", cfg.Alerting.FlaggedThreshold)
	}
	if cfg.Alerting.Debounce != 90*time.Second {
		t.Fatalf("debounce = %s", cfg.Alerting.Debounce)
	}
	if !cfg.IsEVMNetwork("tron-evm") {
		t.Fatalf("expected file network list, got %v", cfg.Wallet.EVMNetworks)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Monitor:    MonitorConfig{Interval: time.Second},
			Settlement: SettlementConfig{Workers: 1, QueueSize: 1},
			Alerting: AlertingConfig{
				QueueThreshold:   1,
				FlaggedThreshold: 1,
				ErrorThreshold:   1,
				Debounce:         MinDebounce,
			},
			Export: ExportConfig{MaxDataPoints: 10},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "debounce floor", mutate: func(c *Config) { c.Alerting.Debounce = 4 * time.Second }, want: "alerting.debounce"},
		{name: "queue threshold", mutate: func(c *Config) { c.Alerting.QueueThreshold = 0 }, want: "queue_threshold"},
		{name: "flagged threshold", mutate: func(c *Config) { c.Alerting.FlaggedThreshold = 0 }, want: "flagged_threshold"},
		{name: "error threshold", mutate: func(c *Config) { c.Alerting.ErrorThreshold = 0 }, want: "error_threshold"},
		{name: "telegram token", mutate: func(c *Config) { c.Alerting.Telegram.Enabled = true }, want: "bot_token"},
		{name: "bot token", mutate: func(c *Config) { c.Bot.Enabled = true }, want: "bot.token"},
		{name: "workers", mutate: func(c *Config) { c.Settlement.Workers = 0 }, want: "settlement.workers"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	if got := cfg.ResolveMaxPoints(0); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
	if got := cfg.ResolveMaxPoints(5); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}
