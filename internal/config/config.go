// Package config resolves client settings from flags, NOXCHAT_* environment
// variables, an optional .env file and an optional noxchat.yaml.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Keys shared between the config file, environment and command flags.
const (
	KeyAPIURL         = "api_url"
	KeyWSURL          = "ws_url"
	KeyTimeout        = "timeout"
	KeyPageSize       = "page_size"
	KeyDataDir        = "data_dir"
	KeyLogLevel       = "log_level"
	KeyLogJSON        = "log_json"
	KeyReconnect      = "reconnect"
	KeyHeartbeat      = "heartbeat"
	KeyTypingInterval = "typing_interval"
	KeyDedupTTL       = "dedup_ttl"
	KeyBridgeAddr     = "bridge_addr"
	KeySecret         = "secret"
	KeyTUI            = "tui"
	KeyNoColor        = "no_color"
)

const (
	EnvPrefix  = "NOXCHAT"
	configName = "noxchat"
)

// Config holds the resolved runtime settings.
type Config struct {
	APIURL         string
	WSURL          string
	Timeout        time.Duration
	PageSize       int
	DataDir        string
	LogLevel       string
	LogJSON        bool
	Reconnect      bool
	Heartbeat      time.Duration
	TypingInterval time.Duration
	DedupTTL       time.Duration
	BridgeAddr     string
	Secret         string
	UseTUI         bool
	NoColor        bool
}

// StorePath is the bbolt file holding the session and history cache.
func (c Config) StorePath() string {
	return filepath.Join(c.DataDir, "noxchat.db")
}

// LogPath is where interactive sessions write their logs.
func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, "noxchat.log")
}

// New returns a viper instance with defaults and environment binding applied.
// Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyAPIURL, "http://localhost:8080/api")
	v.SetDefault(KeyWSURL, "ws://localhost:8080/api/messages/websocket")
	v.SetDefault(KeyTimeout, 10*time.Second)
	v.SetDefault(KeyPageSize, 20)
	v.SetDefault(KeyDataDir, "noxchat-data")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeyReconnect, false)
	v.SetDefault(KeyHeartbeat, 10*time.Second)
	v.SetDefault(KeyTypingInterval, 2*time.Second)
	v.SetDefault(KeyDedupTTL, 10*time.Minute)
	v.SetDefault(KeyBridgeAddr, "")
	v.SetDefault(KeySecret, "")
	v.SetDefault(KeyTUI, false)
	v.SetDefault(KeyNoColor, false)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv reads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// Load reads the optional config file and resolves every key. The file is
// looked up in the data directory first, then in the working directory.
func Load(v *viper.Viper) (Config, error) {
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(v.GetString(KeyDataDir))
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	cfg := Config{
		APIURL:         strings.TrimRight(v.GetString(KeyAPIURL), "/"),
		WSURL:          v.GetString(KeyWSURL),
		Timeout:        v.GetDuration(KeyTimeout),
		PageSize:       v.GetInt(KeyPageSize),
		DataDir:        v.GetString(KeyDataDir),
		LogLevel:       v.GetString(KeyLogLevel),
		LogJSON:        v.GetBool(KeyLogJSON),
		Reconnect:      v.GetBool(KeyReconnect),
		Heartbeat:      v.GetDuration(KeyHeartbeat),
		TypingInterval: v.GetDuration(KeyTypingInterval),
		DedupTTL:       v.GetDuration(KeyDedupTTL),
		BridgeAddr:     v.GetString(KeyBridgeAddr),
		Secret:         v.GetString(KeySecret),
		UseTUI:         v.GetBool(KeyTUI),
		NoColor:        v.GetBool(KeyNoColor),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("api_url is required")
	case c.WSURL == "":
		return errors.New("ws_url is required")
	case c.Timeout <= 0:
		return errors.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.PageSize <= 0:
		return errors.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.DataDir == "":
		return errors.New("data_dir is required")
	}
	return nil
}

// EnsureDataDir creates the data directory.
func (c Config) EnsureDataDir() error {
	return errors.Wrap(os.MkdirAll(c.DataDir, 0o700), "create data dir")
}
