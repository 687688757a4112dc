package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/utils"
	"github.com/spf13/viper"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "MQTT_PERSISTENCE"
)

// Storage engines
const (
	EngineDisk   = "disk"
	EngineMemory = "memory"
	EngineMongo  = "mongo"
)

var (
	ErrConfigCreated   = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrBrokerIDMissing = errors.New("broker_id is empty, set it in the configuration file or MQTT_PERSISTENCE_BROKER_ID so the broker keeps owning its wills across restarts")
)

type StorageConfig struct {
	Engine             string `mapstructure:"engine"`
	Path               string `mapstructure:"path"`
	Prefix             string `mapstructure:"prefix"`
	CompactionInterval string `mapstructure:"compaction_interval"`
}

type DatabaseConfig struct {
	URI                string `mapstructure:"uri"`
	Host               string `mapstructure:"host"`
	Port               uint64 `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	UseTLS             bool   `mapstructure:"use_tls"`
	ConnectTimeout     string `mapstructure:"connect_timeout"`
	SocketTimeout      string `mapstructure:"socket_timeout"`
	ConnectIdleTimeout string `mapstructure:"connect_idle_timeout"`
	OperationTimeout   string `mapstructure:"operation_timeout"`
	Heartbeat          string `mapstructure:"heartbeat"`
	MinPoolSize        uint64 `mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `mapstructure:"max_pool_size"`
}

type Config struct {
	Storage   StorageConfig  `mapstructure:"storage"`
	Database  DatabaseConfig `mapstructure:"database"`
	BrokerID  string         `mapstructure:"broker_id"`
	DebugMode bool           `mapstructure:"debug_mode"`
	LogPath   string         `mapstructure:"log_path"`
	AppName   string         `mapstructure:"app_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.engine", EngineDisk)
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.compaction_interval", "60s")

	v.SetDefault("database.uri", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 27017)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "mqtt")
	v.SetDefault("database.use_tls", false)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.socket_timeout", "30s")
	v.SetDefault("database.connect_idle_timeout", "5m")
	v.SetDefault("database.operation_timeout", "5s")
	v.SetDefault("database.heartbeat", "10s")
	v.SetDefault("database.min_pool_size", 1)
	v.SetDefault("database.max_pool_size", 16)

	v.SetDefault("debug_mode", false)
	v.SetDefault("log_path", "logs")
	v.SetDefault("app_name", "mqtt-persistence")
}

// ReadConfig loads the JSON configuration at path. Every key can be overridden
// by an environment variable, e.g. MQTT_PERSISTENCE_STORAGE_ENGINE. A missing
// file is created with the defaults and ErrConfigCreated is returned.
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// broker_id has no default, bind it so the env override still unmarshals
	_ = v.BindEnv("broker_id")

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// generated once and written out, so the id survives restarts
		if v.GetString("broker_id") == "" {
			v.Set("broker_id", uuid.NewString())
		}
		if err := v.SafeWriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("error occured while creating configuration file: %w", err)
		}
		return nil, ErrConfigCreated
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("the configuration file contains invalid values: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the broker id, the engine name and every duration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BrokerID) == "" {
		return ErrBrokerIDMissing
	}
	switch c.Storage.Engine {
	case EngineDisk, EngineMemory, EngineMongo:
	default:
		return fmt.Errorf("unknown storage engine %q, expected %s, %s or %s", c.Storage.Engine, EngineDisk, EngineMemory, EngineMongo)
	}
	durations := map[string]string{
		"storage.compaction_interval":   c.Storage.CompactionInterval,
		"database.connect_timeout":      c.Database.ConnectTimeout,
		"database.socket_timeout":       c.Database.SocketTimeout,
		"database.connect_idle_timeout": c.Database.ConnectIdleTimeout,
		"database.operation_timeout":    c.Database.OperationTimeout,
		"database.heartbeat":            c.Database.Heartbeat,
	}
	for key, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
