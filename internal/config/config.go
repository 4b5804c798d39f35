package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultVisionProvider    = "openai"
	DefaultVisionBaseURL     = "https://api.groq.com/openai/v1"
	DefaultVisionModel       = "meta-llama/llama-4-scout-17b-16e-instruct"
	DefaultVisionTemperature = 0.3
	DefaultVisionMaxTokens   = 100
	DefaultVisionTimeout     = 30
	DefaultStoreDriver       = "sqlite"
	DefaultMongoDatabase     = "userdm"
	DefaultMongoCollection   = "ChatFight"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsAddr       = "127.0.0.1:18791"
	DefaultBufSize           = 100
	DefaultSweepSchedule     = "0 */10 * * * *"
	DefaultSweepMaxAge       = "10m"
	DefaultReportSchedule    = "0 0 * * * *"
	DefaultTelegramMode      = "user"
)

const (
	// TelegramModeUser logs in as a user account over MTProto. The game bot's
	// messages are only visible to user accounts.
	TelegramModeUser = "user"
	// TelegramModeBot uses the Bot API. Telegram never delivers messages from
	// other bots to a bot, so this mode only serves the chat commands.
	TelegramModeBot = "bot"

	VisionProviderOpenAI    = "openai"
	VisionProviderAnthropic = "anthropic"

	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Game        GameConfig        `json:"game"`
	Vision      VisionConfig      `json:"vision"`
	Store       StoreConfig       `json:"store"`
	Logging     LoggingConfig     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Mode        string  `json:"mode"`
	Token       string  `json:"token,omitempty"` // bot mode
	Proxy       string  `json:"proxy,omitempty"` // bot mode
	APIID       int     `json:"apiId,omitempty"` // user mode, from my.telegram.org
	APIHash     string  `json:"apiHash,omitempty"`
	Phone       string  `json:"phone,omitempty"`    // only needed for the first login
	Password    string  `json:"password,omitempty"` // two-step verification
	SessionFile string  `json:"sessionFile,omitempty"`
	AdminIDs    []int64 `json:"adminIds,omitempty"`
}

// GameConfig identifies the game bot and the group it posts challenges in.
type GameConfig struct {
	BotID   int64 `json:"botId"`
	GroupID int64 `json:"groupId"`
}

type VisionConfig struct {
	Provider    string  `json:"provider"` // "openai" (default, any compatible endpoint) or "anthropic"
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"` // openai provider defaults to DefaultVisionBaseURL
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Timeout     int     `json:"timeout"` // seconds
}

type StoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type MaintenanceConfig struct {
	DownloadDir    string `json:"downloadDir,omitempty"`
	SweepSchedule  string `json:"sweepSchedule"`
	SweepMaxAge    string `json:"sweepMaxAge"`
	ReportSchedule string `json:"reportSchedule,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Mode: DefaultTelegramMode,
		},
		Vision: VisionConfig{
			Provider:    DefaultVisionProvider,
			Model:       DefaultVisionModel,
			Temperature: DefaultVisionTemperature,
			MaxTokens:   DefaultVisionMaxTokens,
			Timeout:     DefaultVisionTimeout,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:  DefaultSweepSchedule,
			SweepMaxAge:    DefaultSweepMaxAge,
			ReportSchedule: DefaultReportSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatfight")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DefaultSQLitePath is where the sqlite store lives when no DSN is set.
func DefaultSQLitePath() string {
	return filepath.Join(ConfigDir(), "data", "chatfight.db")
}

// DefaultSessionFile is where the user-mode login is kept when no file is set.
func DefaultSessionFile() string {
	return filepath.Join(ConfigDir(), "session.json")
}

// DefaultDownloadDir is where attachments are materialized when no directory is set.
func DefaultDownloadDir() string {
	return filepath.Join(ConfigDir(), "downloads")
}

// loadDotEnv reads .env files without overriding variables already set.
func loadDotEnv() error {
	for _, path := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = DefaultTelegramMode
	}
	if cfg.Vision.Provider == "" {
		cfg.Vision.Provider = DefaultVisionProvider
	}
	if cfg.Vision.Model == "" {
		cfg.Vision.Model = DefaultVisionModel
	}
	if cfg.Vision.MaxTokens <= 0 {
		cfg.Vision.MaxTokens = DefaultVisionMaxTokens
	}
	if cfg.Vision.Timeout <= 0 {
		cfg.Vision.Timeout = DefaultVisionTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Maintenance.SweepSchedule == "" {
		cfg.Maintenance.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Maintenance.SweepMaxAge == "" {
		cfg.Maintenance.SweepMaxAge = DefaultSweepMaxAge
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if mode := os.Getenv("CHATFIGHT_TELEGRAM_MODE"); mode != "" {
		cfg.Telegram.Mode = strings.ToLower(strings.TrimSpace(mode))
	}
	for _, key := range []string{"API_ID", "CHATFIGHT_TELEGRAM_API_ID"} {
		if v := os.Getenv(key); v != "" {
			id, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			cfg.Telegram.APIID = id
		}
	}
	for _, key := range []string{"API_HASH", "CHATFIGHT_TELEGRAM_API_HASH"} {
		if v := os.Getenv(key); v != "" {
			cfg.Telegram.APIHash = v
		}
	}
	if phone := os.Getenv("CHATFIGHT_TELEGRAM_PHONE"); phone != "" {
		cfg.Telegram.Phone = phone
	}
	if password := os.Getenv("CHATFIGHT_TELEGRAM_PASSWORD"); password != "" {
		cfg.Telegram.Password = password
	}
	if path := os.Getenv("CHATFIGHT_TELEGRAM_SESSION"); path != "" {
		cfg.Telegram.SessionFile = path
	}
	if token := os.Getenv("CHATFIGHT_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if proxy := os.Getenv("CHATFIGHT_TELEGRAM_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}
	if v := os.Getenv("CHATFIGHT_BOT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse CHATFIGHT_BOT_ID: %w", err)
		}
		cfg.Game.BotID = id
	}
	if v := os.Getenv("CHATFIGHT_GROUP_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse CHATFIGHT_GROUP_ID: %w", err)
		}
		cfg.Game.GroupID = id
	}
	if v := os.Getenv("CHATFIGHT_ADMIN_IDS"); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("parse CHATFIGHT_ADMIN_IDS: %w", err)
		}
		cfg.Telegram.AdminIDs = ids
	}

	if key := os.Getenv("CHATFIGHT_VISION_API_KEY"); key != "" {
		cfg.Vision.APIKey = key
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" && cfg.Vision.APIKey == "" {
		cfg.Vision.APIKey = key
	}
	if provider := os.Getenv("CHATFIGHT_VISION_PROVIDER"); provider != "" {
		cfg.Vision.Provider = strings.ToLower(strings.TrimSpace(provider))
	}
	if url := os.Getenv("CHATFIGHT_VISION_BASE_URL"); url != "" {
		cfg.Vision.BaseURL = url
	}
	if model := os.Getenv("CHATFIGHT_VISION_MODEL"); model != "" {
		cfg.Vision.Model = model
	}
	if v := os.Getenv("CHATFIGHT_VISION_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Vision.Timeout = parsed
		}
	}

	if driver := os.Getenv("CHATFIGHT_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(driver))
	}
	if dsn := os.Getenv("CHATFIGHT_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" && cfg.Store.DSN == "" && cfg.Store.Driver == StoreDriverMongo {
		cfg.Store.DSN = uri
	}
	if url := os.Getenv("POSTGRES_URL"); url != "" && cfg.Store.DSN == "" && cfg.Store.Driver == StoreDriverPostgres {
		cfg.Store.DSN = url
	}

	if level := os.Getenv("CHATFIGHT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("CHATFIGHT_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if addr := os.Getenv("CHATFIGHT_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
		cfg.Metrics.Enabled = true
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks the settings the responder cannot start without.
func (c *Config) Validate() error {
	switch c.Telegram.Mode {
	case TelegramModeUser:
		if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
			return fmt.Errorf("telegram api id and api hash are required in user mode")
		}
	case TelegramModeBot:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram token is required in bot mode")
		}
	default:
		return fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode)
	}
	if c.Game.BotID == 0 {
		return fmt.Errorf("game bot id is required")
	}
	if c.Game.GroupID == 0 {
		return fmt.Errorf("game group id is required")
	}
	switch c.Vision.Provider {
	case VisionProviderOpenAI, VisionProviderAnthropic:
	default:
		return fmt.Errorf("unknown vision provider %q", c.Vision.Provider)
	}
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
