package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file read from the config directory.
const FileName = "markerd.cfg.json"

// ControllerConfig holds marker transition settings.
type ControllerConfig struct {
	Stagger          time.Duration `json:"stagger" mapstructure:"stagger"`
	MinTrailDistance float64       `json:"minTrailDistance" mapstructure:"minTrailDistance"`
	SignalLimit      int           `json:"signalLimit" mapstructure:"signalLimit"`
	EvictOnHide      bool          `json:"evictOnHide" mapstructure:"evictOnHide"`
}

// FeedConfig holds friend-sync connection settings.
type FeedConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	SnapshotURL    string        `json:"snapshotUrl" mapstructure:"snapshotUrl"`
	Token          string        `json:"token" mapstructure:"token"`
	FriendIDs      []string      `json:"friendIds" mapstructure:"friendIds"`
	InitialBackoff time.Duration `json:"initialBackoff" mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff" mapstructure:"maxBackoff"`
	MaxReconnect   int           `json:"maxReconnect" mapstructure:"maxReconnect"`
	QueueSize      int           `json:"queueSize" mapstructure:"queueSize"`
}

// MemoryConfig holds in-memory journal settings.
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite journal settings. An empty Path keeps the database
// in memory; DumpPath then receives a snapshot on close.
type SQLiteConfig struct {
	Path          string        `json:"path" mapstructure:"path"`
	DumpPath      string        `json:"dumpPath" mapstructure:"dumpPath"`
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval"`
	BatchSize     int           `json:"batchSize" mapstructure:"batchSize"`
}

// PostgresConfig holds Postgres journal settings.
type PostgresConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          string        `json:"port" mapstructure:"port"`
	Username      string        `json:"username" mapstructure:"username"`
	Password      string        `json:"password" mapstructure:"password"`
	Database      string        `json:"database" mapstructure:"database"`
	SSLMode       string        `json:"sslMode" mapstructure:"sslMode"`
	FlushInterval time.Duration `json:"flushInterval" mapstructure:"flushInterval"`
	BatchSize     int           `json:"batchSize" mapstructure:"batchSize"`
}

// DSN returns the libpq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode)
}

// InfluxConfig holds InfluxDB journal settings.
type InfluxConfig struct {
	URL        string `json:"url" mapstructure:"url"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// RecorderConfig selects and configures the transition journal.
type RecorderConfig struct {
	Type       string         `json:"type" mapstructure:"type"`
	BufferSize int            `json:"bufferSize" mapstructure:"bufferSize"`
	Memory     MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite     SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres   PostgresConfig `json:"postgres" mapstructure:"postgres"`
	Influx     InfluxConfig   `json:"influx" mapstructure:"influx"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level          string `json:"level" mapstructure:"level"`
	Dir            string `json:"dir" mapstructure:"dir"`
	GraylogEnabled bool   `json:"graylogEnabled" mapstructure:"graylogEnabled"`
	GraylogAddress string `json:"graylogAddress" mapstructure:"graylogAddress"`
}

// SetDefaults registers the default value of every known key.
func SetDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", "./markerd-logs")
	viper.SetDefault("logging.graylogEnabled", false)
	viper.SetDefault("logging.graylogAddress", "localhost:12201")

	viper.SetDefault("controller.stagger", "50ms")
	viper.SetDefault("controller.minTrailDistance", 5.0)
	viper.SetDefault("controller.signalLimit", 16)
	viper.SetDefault("controller.evictOnHide", false)

	viper.SetDefault("feed.url", "ws://localhost:8080/ws/friends")
	viper.SetDefault("feed.snapshotUrl", "http://localhost:8080")
	viper.SetDefault("feed.token", "")
	viper.SetDefault("feed.friendIds", []string{})
	viper.SetDefault("feed.initialBackoff", "1s")
	viper.SetDefault("feed.maxBackoff", "30s")
	viper.SetDefault("feed.maxReconnect", 10)
	viper.SetDefault("feed.queueSize", 1024)

	viper.SetDefault("recorder.type", "memory")
	viper.SetDefault("recorder.bufferSize", 4096)
	viper.SetDefault("recorder.memory.outputDir", "./journals")
	viper.SetDefault("recorder.memory.compressOutput", true)
	viper.SetDefault("recorder.sqlite.path", "")
	viper.SetDefault("recorder.sqlite.dumpPath", "")
	viper.SetDefault("recorder.sqlite.flushInterval", "2s")
	viper.SetDefault("recorder.sqlite.batchSize", 500)
	viper.SetDefault("recorder.postgres.host", "localhost")
	viper.SetDefault("recorder.postgres.port", "5432")
	viper.SetDefault("recorder.postgres.username", "postgres")
	viper.SetDefault("recorder.postgres.password", "postgres")
	viper.SetDefault("recorder.postgres.database", "markerd")
	viper.SetDefault("recorder.postgres.sslMode", "disable")
	viper.SetDefault("recorder.postgres.flushInterval", "2s")
	viper.SetDefault("recorder.postgres.batchSize", 500)
	viper.SetDefault("recorder.influx.url", "http://localhost:8086")
	viper.SetDefault("recorder.influx.token", "")
	viper.SetDefault("recorder.influx.org", "markerd")
	viper.SetDefault("recorder.influx.bucket", "marker_transitions")
	viper.SetDefault("recorder.influx.backupPath", "./markerd-influx-backup.lp.gz")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "markerd")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetControllerConfig returns the marker transition settings.
func GetControllerConfig() ControllerConfig {
	return ControllerConfig{
		Stagger:          viper.GetDuration("controller.stagger"),
		MinTrailDistance: viper.GetFloat64("controller.minTrailDistance"),
		SignalLimit:      viper.GetInt("controller.signalLimit"),
		EvictOnHide:      viper.GetBool("controller.evictOnHide"),
	}
}

// GetFeedConfig returns the friend-sync connection settings.
func GetFeedConfig() FeedConfig {
	return FeedConfig{
		URL:            viper.GetString("feed.url"),
		SnapshotURL:    viper.GetString("feed.snapshotUrl"),
		Token:          viper.GetString("feed.token"),
		FriendIDs:      viper.GetStringSlice("feed.friendIds"),
		InitialBackoff: viper.GetDuration("feed.initialBackoff"),
		MaxBackoff:     viper.GetDuration("feed.maxBackoff"),
		MaxReconnect:   viper.GetInt("feed.maxReconnect"),
		QueueSize:      viper.GetInt("feed.queueSize"),
	}
}

// GetRecorderConfig returns the journal settings.
func GetRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Type:       viper.GetString("recorder.type"),
		BufferSize: viper.GetInt("recorder.bufferSize"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("recorder.memory.outputDir"),
			CompressOutput: viper.GetBool("recorder.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path:          viper.GetString("recorder.sqlite.path"),
			DumpPath:      viper.GetString("recorder.sqlite.dumpPath"),
			FlushInterval: viper.GetDuration("recorder.sqlite.flushInterval"),
			BatchSize:     viper.GetInt("recorder.sqlite.batchSize"),
		},
		Postgres: PostgresConfig{
			Host:          viper.GetString("recorder.postgres.host"),
			Port:          viper.GetString("recorder.postgres.port"),
			Username:      viper.GetString("recorder.postgres.username"),
			Password:      viper.GetString("recorder.postgres.password"),
			Database:      viper.GetString("recorder.postgres.database"),
			SSLMode:       viper.GetString("recorder.postgres.sslMode"),
			FlushInterval: viper.GetDuration("recorder.postgres.flushInterval"),
			BatchSize:     viper.GetInt("recorder.postgres.batchSize"),
		},
		Influx: InfluxConfig{
			URL:        viper.GetString("recorder.influx.url"),
			Token:      viper.GetString("recorder.influx.token"),
			Org:        viper.GetString("recorder.influx.org"),
			Bucket:     viper.GetString("recorder.influx.bucket"),
			BackupPath: viper.GetString("recorder.influx.backupPath"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetLoggingConfig returns the log output settings.
func GetLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:          viper.GetString("logging.level"),
		Dir:            viper.GetString("logging.dir"),
		GraylogEnabled: viper.GetBool("logging.graylogEnabled"),
		GraylogAddress: viper.GetString("logging.graylogAddress"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
