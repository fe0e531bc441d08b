package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

// Config is the operator-facing configuration. Precedence: built-in
// defaults, then config.toml in the config dir, then ARENA_* environment
// overrides.
type Config struct {
	DBPath                string `toml:"db_path"`
	LogLevel              string `toml:"log_level"`
	TmuxSocket            string `toml:"tmux_socket"`
	MaxConcurrent         int    `toml:"max_concurrent"`
	DefaultTimeoutSeconds int    `toml:"default_timeout_seconds"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	WorktreeDir           string `toml:"worktree_dir"`
}

func Default() Config {
	return normalize(Config{})
}

// DefaultDir is where config.toml and the database live unless overridden.
func DefaultDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".arena")
	}
	return ".arena"
}

// Load reads config.toml from dir, writing the defaults there first if no
// file exists yet, then applies environment overrides.
func Load(dir string) (Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Config{}, err
	}

	path := filepath.Join(dir, configTOMLFileName)
	cfg := Config{}
	if b, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	} else if os.IsNotExist(err) {
		cfg = normalize(Config{DBPath: filepath.Join(dir, "arena.db")})
		if err := writeTOMLAtomically(path, cfg); err != nil {
			return Config{}, err
		}
	} else {
		return Config{}, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dir, "arena.db")
	}
	return normalize(applyEnv(cfg)), nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("ARENA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARENA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARENA_TMUX_SOCKET"); v != "" {
		cfg.TmuxSocket = v
	}
	if v := os.Getenv("ARENA_MAX_CONCURRENT"); v != "" {
		cfg.MaxConcurrent = atoiOrDefault(v, cfg.MaxConcurrent)
	}
	if v := os.Getenv("ARENA_DEFAULT_TIMEOUT_SECONDS"); v != "" {
		cfg.DefaultTimeoutSeconds = atoiOrDefault(v, cfg.DefaultTimeoutSeconds)
	}
	if v := os.Getenv("ARENA_POLL_INTERVAL_SECONDS"); v != "" {
		cfg.PollIntervalSeconds = atoiOrDefault(v, cfg.PollIntervalSeconds)
	}
	if v := os.Getenv("ARENA_WORKTREE_DIR"); v != "" {
		cfg.WorktreeDir = v
	}
	return cfg
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 1800
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	return cfg
}

func atoiOrDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
