package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const pingABI = `[{"anonymous":false,"inputs":[],"name":"Ping","type":"event"}]`

const watcherYAML = `
version: 1
global:
  db_path: ${DB_FILE}
watchers:
  - id: pingpong
    rpc_url: ${RPC_URL}
    contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    abi: pingpong.json
    event: Ping
    start_block: latest-100
    poll_interval: 3s
    sinks: ["console", "hook"]
sinks:
  - id: console
    type: log
  - id: hook
    type: slack
    webhook_url: ${SLACK_HOOK}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "pingpong.json"), []byte(pingABI), 0o644); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

// unsetEnv clears keys for the test and restores them afterwards.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		k := k
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, watcherYAML)

	t.Setenv("RPC_URL", "ws://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")
	t.Setenv("DB_FILE", "watcher.db")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	w := cfg.Watchers[0]
	if w.RPCURL != "ws://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", w.RPCURL)
	}
	if cfg.Global.DBPath != "watcher.db" {
		t.Fatalf("db_path not interpolated, got %q", cfg.Global.DBPath)
	}
	if d, _ := w.Interval(); d != 3*time.Second {
		t.Fatalf("poll interval = %s", d)
	}

	a, err := w.LoadABI()
	if err != nil {
		t.Fatalf("abi path should resolve beside config: %v", err)
	}
	if _, ok := a.Events["Ping"]; !ok {
		t.Fatalf("Ping event missing from loaded abi")
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, watcherYAML)
	unsetEnv(t, "RPC_URL", "SLACK_HOOK", "DB_FILE")

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("expected missing env to fail")
	}
	if !strings.Contains(err.Error(), "RPC_URL") {
		t.Fatalf("error should name the missing variable: %v", err)
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	cfgPath := writeConfig(t, watcherYAML)
	env := "RPC_URL=ws://from-dotenv\nSLACK_HOOK=https://hooks.slack.test\nDB_FILE=x.db\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv does not override variables that are already set.
	unsetEnv(t, "RPC_URL", "SLACK_HOOK", "DB_FILE")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Watchers[0].RPCURL != "ws://from-dotenv" {
		t.Fatalf("rpc_url = %q", cfg.Watchers[0].RPCURL)
	}
}

func TestValidateRejects(t *testing.T) {
	valid := func() Config {
		return Config{
			Version: 1,
			Watchers: []Watcher{{
				ID:       "w",
				RPCURL:   "ws://x",
				Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
				ABIJSON:  pingABI,
				Event:    "Ping",
				Sinks:    []string{"console"},
			}},
			Sinks: []Sink{{ID: "console", Type: "log"}},
		}
	}
	baseline := valid()
	if err := baseline.Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no version", func(c *Config) { c.Version = 0 }, "version"},
		{"no watchers", func(c *Config) { c.Watchers = nil }, "watcher"},
		{"bad contract", func(c *Config) { c.Watchers[0].Contract = "0x123" }, "hex address"},
		{"no abi", func(c *Config) { c.Watchers[0].ABIJSON = "" }, "abi"},
		{"no event", func(c *Config) { c.Watchers[0].Event = "" }, "event"},
		{"bad start", func(c *Config) { c.Watchers[0].StartBlock = "earliest" }, "start_block"},
		{"bad interval", func(c *Config) { c.Watchers[0].PollInterval = "-1s" }, "poll_interval"},
		{"empty fallback", func(c *Config) { c.Watchers[0].FallbackRPCURLs = []string{"ws://y", " "} }, "fallback_rpc_urls[1]"},
		{"unknown sink", func(c *Config) { c.Watchers[0].Sinks = []string{"missing"} }, "unknown sink"},
		{"dup watcher", func(c *Config) { c.Watchers = append(c.Watchers, c.Watchers[0]) }, "duplicate watcher"},
		{"nats subject", func(c *Config) { c.Sinks = append(c.Sinks, Sink{ID: "bus", Type: "nats"}) }, "subject"},
		{"sink type", func(c *Config) { c.Sinks[0].Type = "pager" }, "unsupported sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnvBuildsSingleWatcher(t *testing.T) {
	unsetEnv(t, "RPCS", "STARTING_BLOCK")
	t.Setenv("RPC_URL", "ws://localhost:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ABI_PATH", "abis/pingpong.json")
	t.Setenv("EVENT_NAME", "")
	t.Setenv("START_BLOCK", "latest")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("DB_PATH", "")

	cfg, err := LoadEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	w := cfg.Watchers[0]
	if w.Event != DefaultEvent {
		t.Fatalf("event = %q, want %q", w.Event, DefaultEvent)
	}
	if w.ID != "0x5fbdb2315678afecb367f032d93f642f64180aa3:Ping" {
		t.Fatalf("id = %q", w.ID)
	}
	if w.StartBlock != "latest" || len(w.Sinks) != 1 || cfg.Sinks[0].Type != "log" {
		t.Fatalf("unexpected watcher %+v sinks %+v", w, cfg.Sinks)
	}
}

func TestLoadEnvListsMissing(t *testing.T) {
	unsetEnv(t, "RPCS")
	t.Setenv("RPC_URL", "")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ABI_PATH", "")

	_, err := LoadEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "RPC_URL") || !strings.Contains(msg, "ABI_PATH") || strings.Contains(msg, "CONTRACT_ADDRESS") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestLoadEnvNamedProviders(t *testing.T) {
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ABI_PATH", "abis/pingpong.json")
	t.Setenv("RPC_alchemy", "wss://alchemy.test")
	t.Setenv("RPC_infura", "wss://infura.test")

	tests := []struct {
		name      string
		rpcURL    string
		rpcs      string
		primary   string
		fallbacks []string
	}{
		{"list_only", "", "alchemy, infura", "wss://alchemy.test", []string{"wss://infura.test"}},
		{"rpc_url_first", "ws://localhost:8545", "infura,alchemy", "ws://localhost:8545", []string{"wss://infura.test", "wss://alchemy.test"}},
		{"single", "", "infura", "wss://infura.test", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RPC_URL", tt.rpcURL)
			t.Setenv("RPCS", tt.rpcs)
			cfg, err := LoadEnv()
			if err != nil {
				t.Fatalf("load env: %v", err)
			}
			w := cfg.Watchers[0]
			if w.RPCURL != tt.primary {
				t.Fatalf("rpc_url = %q, want %q", w.RPCURL, tt.primary)
			}
			if strings.Join(w.FallbackRPCURLs, ",") != strings.Join(tt.fallbacks, ",") {
				t.Fatalf("fallbacks = %v, want %v", w.FallbackRPCURLs, tt.fallbacks)
			}
		})
	}
}

func TestLoadEnvReportsUnsetProvider(t *testing.T) {
	unsetEnv(t, "RPC_quicknode")
	t.Setenv("RPC_URL", "")
	t.Setenv("RPCS", "quicknode")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ABI_PATH", "abis/pingpong.json")

	_, err := LoadEnv()
	if err == nil || !strings.Contains(err.Error(), "RPC_quicknode") {
		t.Fatalf("expected RPC_quicknode to be reported, got %v", err)
	}
	if strings.Contains(err.Error(), "RPC_URL") {
		t.Fatalf("RPC_URL should not be required when RPCS is set: %v", err)
	}
}

func TestLoadEnvAcceptsStartingBlock(t *testing.T) {
	unsetEnv(t, "RPCS")
	t.Setenv("RPC_URL", "ws://localhost:8545")
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ABI_PATH", "abis/pingpong.json")

	tests := []struct {
		name     string
		start    string
		starting string
		want     string
	}{
		{"alias", "", "12345", "12345"},
		{"start_block_wins", "latest-10", "12345", "latest-10"},
		{"neither", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("START_BLOCK", tt.start)
			t.Setenv("STARTING_BLOCK", tt.starting)
			cfg, err := LoadEnv()
			if err != nil {
				t.Fatalf("load env: %v", err)
			}
			if got := cfg.Watchers[0].StartBlock; got != tt.want {
				t.Fatalf("start_block = %q, want %q", got, tt.want)
			}
		})
	}
}
