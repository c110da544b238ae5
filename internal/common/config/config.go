// Package config loads and validates the supervisor configuration from
// TOML, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// Config holds all configuration sections for atlasbridge.
type Config struct {
	Telegram  TelegramConfig       `mapstructure:"telegram"`
	Slack     SlackConfig          `mapstructure:"slack"`
	Prompts   PromptsConfig        `mapstructure:"prompts"`
	Dashboard DashboardConfig      `mapstructure:"dashboard"`
	Policy    PolicyConfig         `mapstructure:"policy"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// TelegramConfig holds the Telegram channel configuration.
type TelegramConfig struct {
	BotToken     string  `mapstructure:"bot_token"`
	AllowedUsers []int64 `mapstructure:"allowed_users"`
}

// Enabled reports whether the Telegram channel is configured.
func (t *TelegramConfig) Enabled() bool { return t.BotToken != "" }

// SlackConfig holds the Slack channel configuration (Socket Mode).
type SlackConfig struct {
	BotToken     string   `mapstructure:"bot_token"`
	AppToken     string   `mapstructure:"app_token"`
	ChannelID    string   `mapstructure:"channel_id"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// Enabled reports whether the Slack channel is configured.
func (s *SlackConfig) Enabled() bool { return s.BotToken != "" }

// PromptsConfig holds prompt-routing timeouts, in seconds.
type PromptsConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
	StuckTimeoutSeconds int `mapstructure:"stuck_timeout_seconds"`
}

// DashboardConfig holds the loopback dashboard configuration.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// PolicyConfig points at the active policy file.
type PolicyConfig struct {
	Path            string `mapstructure:"path"`
	AllowChatTurns  bool   `mapstructure:"allow_chat_turns"`
	AllowInterrupts bool   `mapstructure:"allow_interrupts"`
}

var (
	telegramTokenPattern = regexp.MustCompile(`^\d{8,12}:[A-Za-z0-9_-]{35,}$`)
	slackUserPattern     = regexp.MustCompile(`^[UW][A-Z0-9]{6,}$`)
)

// forbiddenKeys are config fields that would let the supervisor answer
// prompts on its own without a policy decision. They are rejected outright
// so an old or hand-edited config cannot reintroduce silent autopilot.
var forbiddenKeys = []string{
	"yes_no_safe_default",
	"auto_yes",
	"auto_confirm",
	"default_reply",
}

// DefaultPath returns ~/.atlasbridge/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".atlasbridge", "config.toml")
	}
	return filepath.Join(home, ".atlasbridge", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prompts.timeout_seconds", 300)
	v.SetDefault("prompts.stuck_timeout_seconds", 3)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:8787")

	v.SetDefault("policy.path", "")
	v.SetDefault("policy.allow_chat_turns", false)
	v.SetDefault("policy.allow_interrupts", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads the config from the default path, the environment, and
// defaults. A missing file is not an error; a malformed one is.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given file. Empty means the
// default location.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix("ATLASBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = DefaultPath()
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
			}
		}
	} else {
		tightenPermissions(configPath)
	}

	if key := findForbiddenKey(v); key != "" {
		return nil, fmt.Errorf("config field %q is not supported: automatic replies are controlled by policy rules, not config", key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findForbiddenKey(v *viper.Viper) string {
	for _, key := range v.AllKeys() {
		base := key
		if i := strings.LastIndex(key, "."); i >= 0 {
			base = key[i+1:]
		}
		for _, forbidden := range forbiddenKeys {
			if base == forbidden {
				return key
			}
		}
	}
	return ""
}

// validate collects all problems instead of stopping at the first.
func (c *Config) validate() error {
	var problems []string

	if c.Telegram.Enabled() {
		if !telegramTokenPattern.MatchString(c.Telegram.BotToken) {
			problems = append(problems, "telegram.bot_token: does not look like a bot token (want <digits>:<secret>)")
		}
		if len(c.Telegram.AllowedUsers) == 0 {
			problems = append(problems, "telegram.allowed_users: required when telegram is configured")
		}
	}

	if c.Slack.Enabled() {
		if !strings.HasPrefix(c.Slack.BotToken, "xoxb-") {
			problems = append(problems, "slack.bot_token: must start with xoxb-")
		}
		if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
			problems = append(problems, "slack.app_token: must start with xapp- (Socket Mode requires an app token)")
		}
		if len(c.Slack.AllowedUsers) == 0 {
			problems = append(problems, "slack.allowed_users: required when slack is configured")
		}
		for _, u := range c.Slack.AllowedUsers {
			if !slackUserPattern.MatchString(u) {
				problems = append(problems, fmt.Sprintf("slack.allowed_users: %q is not a Slack user ID", u))
			}
		}
	}

	if c.Prompts.TimeoutSeconds < 30 || c.Prompts.TimeoutSeconds > 3600 {
		problems = append(problems, fmt.Sprintf("prompts.timeout_seconds: %d outside 30..3600", c.Prompts.TimeoutSeconds))
	}
	if c.Prompts.StuckTimeoutSeconds < 1 {
		problems = append(problems, "prompts.stuck_timeout_seconds: must be at least 1")
	}

	if c.Dashboard.Enabled {
		// SplitHostPort handles the bracketed IPv6 form ("[::1]:8787").
		host, _, err := net.SplitHostPort(c.Dashboard.Addr)
		if err != nil {
			problems = append(problems, fmt.Sprintf("dashboard.addr: %q is not host:port", c.Dashboard.Addr))
		} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			problems = append(problems, fmt.Sprintf("dashboard.addr: %q must bind loopback (127.0.0.1, localhost, or ::1)", c.Dashboard.Addr))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the config file with owner-only permissions. Tokens live in
// this file, so 0600 is not optional.
func Save(configPath string, content []byte) error {
	if configPath == "" {
		configPath = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	// WriteFile only applies the mode on create.
	return os.Chmod(configPath, 0o600)
}

// tightenPermissions chmods a group/world-readable config back to 0600.
func tightenPermissions(configPath string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(configPath)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		logger.Default().Warn("config file was readable by other users; tightening to 0600")
		_ = os.Chmod(configPath, 0o600)
	}
}
