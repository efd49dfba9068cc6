package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the operator configuration loaded from config.toml plus
// daemon.toml, with environment overrides applied on top.
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Sync     SyncConfig     `toml:"sync"`
	Search   SearchConfig   `toml:"search"`
	Accounts AccountsConfig `toml:"accounts"`
	Daemon   DaemonConfig   `toml:"-"`
	Google   GoogleConfig   `toml:"google"`

	perAcct map[string]AccountConfig
}

type GeneralConfig struct {
	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`
}

type SyncConfig struct {
	EmailIDLEEnabled         bool `toml:"email_idle_enabled"`
	EmailPollIntervalSecs    int  `toml:"email_poll_interval_secs"`
	CalendarPollIntervalSecs int  `toml:"calendar_poll_interval_secs"`
	MaxConcurrentFetches     int  `toml:"max_concurrent_fetches"`
	AttachmentMaxSizeMB      int  `toml:"attachment_max_size_mb"`
	BodyMaxChars             int  `toml:"body_max_chars"`
	BackfillIntervalSecs     int  `toml:"backfill_interval_secs"`
	HistoryYears             int  `toml:"history_years"`
}

type SearchConfig struct {
	EmbeddingModel string `toml:"embedding_model"`
	UseMetal       bool   `toml:"use_metal"`
	OllamaURL      string `toml:"ollama_url"`
	// Reserved; fusion is plain RRF regardless of these values.
	KeywordWeight float64 `toml:"keyword_weight"`
	VectorWeight  float64 `toml:"vector_weight"`
}

// AccountConfig holds per-account overrides from accounts.<email>.*
type AccountConfig struct {
	SyncEnabled     *bool    `toml:"sync_enabled"`
	Folders         []string `toml:"folders"`
	SyncAttachments *bool    `toml:"sync_attachments"`
}

type AccountsConfig struct {
	// Aliases maps a short name to a canonical address.
	Aliases map[string]string `toml:"aliases"`
}

// DaemonConfig comes from daemon.toml.
type DaemonConfig struct {
	StatusListenAddr string `toml:"status_listen_addr"`
}

type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// DefaultConfigDir resolves the configuration directory.
func DefaultConfigDir() string {
	if dir := os.Getenv("GROUNDEFFECT_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".groundeffect"
	}
	return filepath.Join(home, ".groundeffect")
}

// Load reads config.toml and daemon.toml from dir. Missing files are
// fine; defaults apply. A malformed file is a fatal configuration error.
func Load(dir string) (*Config, error) {
	// .env overrides are a dev convenience, same as the old backend.
	_ = godotenv.Load()

	cfg := defaults()

	raw := struct {
		General     GeneralConfig             `toml:"general"`
		Sync        SyncConfig                `toml:"sync"`
		Search      SearchConfig              `toml:"search"`
		Google      GoogleConfig              `toml:"google"`
		AccountsRaw map[string]toml.Primitive `toml:"accounts"`
	}{
		General: cfg.General,
		Sync:    cfg.Sync,
		Search:  cfg.Search,
		Google:  cfg.Google,
	}

	path := filepath.Join(dir, "config.toml")
	if data, err := os.ReadFile(path); err == nil {
		md, err := toml.Decode(string(data), &raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.General = raw.General
		cfg.Sync = raw.Sync
		cfg.Search = raw.Search
		cfg.Google = raw.Google
		for key, prim := range raw.AccountsRaw {
			if key == "aliases" {
				var aliases map[string]string
				if err := md.PrimitiveDecode(prim, &aliases); err == nil {
					cfg.Accounts.Aliases = aliases
				}
				continue
			}
			var ac AccountConfig
			if err := md.PrimitiveDecode(prim, &ac); err != nil {
				return nil, fmt.Errorf("parse %s: accounts.%s: %w", path, key, err)
			}
			cfg.perAcct[key] = ac
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dpath := filepath.Join(dir, "daemon.toml")
	if data, err := os.ReadFile(dpath); err == nil {
		if _, err := toml.Decode(string(data), &cfg.Daemon); err != nil {
			return nil, fmt.Errorf("parse %s: %w", dpath, err)
		}
	}

	applyEnv(cfg)
	clamp(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		General: GeneralConfig{LogLevel: "info"},
		Sync: SyncConfig{
			EmailIDLEEnabled:         true,
			EmailPollIntervalSecs:    300,
			CalendarPollIntervalSecs: 300,
			MaxConcurrentFetches:     8,
			AttachmentMaxSizeMB:      25,
			BodyMaxChars:             40000,
			BackfillIntervalSecs:     300,
			HistoryYears:             0,
		},
		Search: SearchConfig{
			EmbeddingModel: "nomic-embed-text",
			OllamaURL:      "http://localhost:11434",
			KeywordWeight:  0.5,
			VectorWeight:   0.5,
		},
		Accounts: AccountsConfig{Aliases: map[string]string{}},
		Daemon:   DaemonConfig{StatusListenAddr: "127.0.0.1:7391"},
		perAcct:  map[string]AccountConfig{},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GROUNDEFFECT_LOG_LEVEL"); v != "" {
		cfg.General.LogLevel = v
	}
	if v := os.Getenv("GROUNDEFFECT_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Search.OllamaURL = v
	}
	if v := os.Getenv("GROUNDEFFECT_STATUS_ADDR"); v != "" {
		cfg.Daemon.StatusListenAddr = v
	}
	if v := os.Getenv("GROUNDEFFECT_MAX_FETCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxConcurrentFetches = n
		}
	}
}

func clamp(cfg *Config) {
	cfg.Sync.EmailPollIntervalSecs = clampInt(cfg.Sync.EmailPollIntervalSecs, 60, 3600)
	cfg.Sync.CalendarPollIntervalSecs = clampInt(cfg.Sync.CalendarPollIntervalSecs, 60, 3600)
	cfg.Sync.MaxConcurrentFetches = clampInt(cfg.Sync.MaxConcurrentFetches, 1, 50)
	if cfg.Sync.BodyMaxChars <= 0 {
		cfg.Sync.BodyMaxChars = 40000
	}
	if cfg.Sync.BackfillIntervalSecs <= 0 {
		cfg.Sync.BackfillIntervalSecs = 300
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		cfg.General.LogLevel = "info"
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DataDir resolves the data root, honouring general.data_dir.
func (c *Config) DataDir() string {
	if c.General.DataDir != "" {
		return c.General.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "groundeffect-data"
	}
	return filepath.Join(home, ".local", "share", "groundeffect")
}

// StorePath is the SQLite database path under the data root.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir(), "lancedb", "groundeffect.db")
}

// SyncStateDir holds the per-account sync-state files.
func (c *Config) SyncStateDir() string {
	return filepath.Join(c.DataDir(), "cache", "sync_state")
}

// AttachmentsDir is the root for downloaded attachment content.
func (c *Config) AttachmentsDir() string {
	return filepath.Join(c.DataDir(), "attachments")
}

// LogsDir holds daemon.log and mcp.log.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

// TokensDir holds the per-account OAuth bundles.
func (c *Config) TokensDir(configDir string) string {
	return filepath.Join(configDir, "tokens")
}

// EmailPollInterval returns the polling cadence as a duration.
func (c *Config) EmailPollInterval() time.Duration {
	return time.Duration(c.Sync.EmailPollIntervalSecs) * time.Second
}

// CalendarPollInterval returns the calendar cadence as a duration.
func (c *Config) CalendarPollInterval() time.Duration {
	return time.Duration(c.Sync.CalendarPollIntervalSecs) * time.Second
}

// BackfillInterval returns the low-priority backfill cadence.
func (c *Config) BackfillInterval() time.Duration {
	return time.Duration(c.Sync.BackfillIntervalSecs) * time.Second
}

// AccountOverrides returns the per-account config for email, zero value
// when none is configured.
func (c *Config) AccountOverrides(email string) AccountConfig {
	return c.perAcct[email]
}
