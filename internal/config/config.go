package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devblac/event-watcher/internal/source/evm"
)

// DefaultEvent is the event watched in env-only mode when EVENT_NAME is unset.
const DefaultEvent = "Ping"

// Config holds the YAML configuration.
type Config struct {
	Version  int          `yaml:"version"`
	Global   GlobalConfig `yaml:"global"`
	Watchers []Watcher    `yaml:"watchers"`
	Sinks    []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath string `yaml:"db_path"`
}

// Watcher describes one contract event subscription.
type Watcher struct {
	ID              string   `yaml:"id"`
	RPCURL          string   `yaml:"rpc_url"`
	FallbackRPCURLs []string `yaml:"fallback_rpc_urls"`
	Contract        string   `yaml:"contract"`
	ABI             string   `yaml:"abi"`
	ABIJSON         string   `yaml:"abi_json"`
	Event           string   `yaml:"event"`
	StartBlock      string   `yaml:"start_block"`
	PollInterval    string   `yaml:"poll_interval"`
	BackfillChunk   uint64   `yaml:"backfill_chunk"`
	Where           []string `yaml:"where"`
	Sinks           []string `yaml:"sinks"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
	NATSURL    string `yaml:"nats_url"`
	Subject    string `yaml:"subject"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates. Relative ABI
// paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	base := filepath.Dir(path)
	for i := range cfg.Watchers {
		w := &cfg.Watchers[i]
		if w.ABI != "" && !filepath.IsAbs(w.ABI) {
			w.ABI = filepath.Join(base, w.ABI)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadEnv builds a single-watcher config from the environment, after loading
// .env from the working directory if present. CONTRACT_ADDRESS and ABI_PATH
// are required, as is an endpoint: RPC_URL, or RPCS naming a comma separated
// list of RPC_<name> variables tried in order. START_BLOCK may also be given
// as STARTING_BLOCK.
func LoadEnv() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var missing []string
	get := func(name string, required bool) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" && required {
			missing = append(missing, name)
		}
		return v
	}
	rpcURL := get("RPC_URL", false)
	var fallbacks []string
	providers := splitList(os.Getenv("RPCS"))
	for _, name := range providers {
		if u := get("RPC_"+name, true); u != "" {
			fallbacks = append(fallbacks, u)
		}
	}
	if rpcURL == "" && len(providers) == 0 {
		missing = append(missing, "RPC_URL")
	}
	if rpcURL == "" && len(fallbacks) > 0 {
		rpcURL, fallbacks = fallbacks[0], fallbacks[1:]
	}
	contract := get("CONTRACT_ADDRESS", true)
	abiPath := get("ABI_PATH", true)
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	event := get("EVENT_NAME", false)
	if event == "" {
		event = DefaultEvent
	}
	start := get("START_BLOCK", false)
	if start == "" {
		start = get("STARTING_BLOCK", false)
	}

	cfg := &Config{
		Version: 1,
		Global:  GlobalConfig{DBPath: get("DB_PATH", false)},
		Watchers: []Watcher{{
			ID:              strings.ToLower(contract) + ":" + event,
			RPCURL:          rpcURL,
			FallbackRPCURLs: fallbacks,
			Contract:        contract,
			ABI:             abiPath,
			Event:           event,
			StartBlock:      start,
			PollInterval:    get("POLL_INTERVAL", false),
			Sinks:           []string{"console"},
		}},
		Sinks: []Sink{{ID: "console", Type: "log"}},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(envPath string) error {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Watchers) == 0 {
		return errors.New("at least one watcher is required")
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	watcherIDs := map[string]struct{}{}
	for i := range c.Watchers {
		w := &c.Watchers[i]
		if _, exists := watcherIDs[w.ID]; exists {
			return fmt.Errorf("duplicate watcher id: %s", w.ID)
		}
		watcherIDs[w.ID] = struct{}{}
		if err := w.Validate(sinkIDs); err != nil {
			return fmt.Errorf("watcher %s: %w", w.ID, err)
		}
	}

	return nil
}

func (w *Watcher) Validate(sinkIDs map[string]*Sink) error {
	if w.ID == "" {
		return errors.New("id is required")
	}
	if w.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	for i, u := range w.FallbackRPCURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("fallback_rpc_urls[%d] is empty", i)
		}
	}
	if !common.IsHexAddress(w.Contract) {
		return fmt.Errorf("contract %q is not a hex address", w.Contract)
	}
	if w.ABI == "" && w.ABIJSON == "" {
		return errors.New("abi or abi_json is required")
	}
	if w.ABI != "" && w.ABIJSON != "" {
		return errors.New("abi and abi_json are mutually exclusive")
	}
	if w.Event == "" {
		return errors.New("event is required")
	}
	if w.StartBlock != "" {
		if err := evm.ParseStartBlock(w.StartBlock); err != nil {
			return err
		}
	}
	if _, err := w.Interval(); err != nil {
		return err
	}
	for _, sinkID := range w.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	return nil
}

// Interval parses poll_interval. Zero means the watcher default.
func (w *Watcher) Interval() (time.Duration, error) {
	if w.PollInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(w.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("parse poll_interval %q: %w", w.PollInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_interval must be positive, got %s", w.PollInterval)
	}
	return d, nil
}

// LoadABI reads the watcher's ABI from its file or inline JSON.
func (w *Watcher) LoadABI() (*abi.ABI, error) {
	if w.ABIJSON != "" {
		a, err := evm.ParseABI([]byte(w.ABIJSON))
		if err != nil {
			return nil, fmt.Errorf("parse abi_json: %w", err)
		}
		return a, nil
	}
	return evm.LoadABIFile(w.ABI)
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "log":
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "nats":
		if s.Subject == "" {
			return errors.New("subject is required for nats sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
