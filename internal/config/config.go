package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string  `yaml:"env" env:"ENV" env-default:"local"`
	Storage Storage `yaml:"storage"`
	Redis   Redis   `yaml:"redis"`
	Kafka   Kafka   `yaml:"kafka"`
	Metrics Metrics `yaml:"metrics"`
	Feed    Feed    `yaml:"feed"`
}

type Storage struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn" env:"STORAGE_DSN"`
}

type Redis struct {
	// Addr enables the snapshot cache when non-empty.
	Addr string        `yaml:"addr" env:"REDIS_ADDR"`
	TTL  time.Duration `yaml:"ttl" env:"REDIS_TTL" env-default:"10m"`
}

type Kafka struct {
	// Brokers enables the change relay when non-empty.
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"reservation_changes"`
}

type Metrics struct {
	Port int `yaml:"port" env:"METRICS_PORT" env-default:"9090"`
}

type Feed struct {
	// BufferSize is the per-listener event buffer; a listener further
	// behind than this is dropped.
	BufferSize int `yaml:"buffer_size" env:"FEED_BUFFER_SIZE" env-default:"64"`
}

// MustLoad reads configuration from the file named by --config or
// CONFIG_PATH, falling back to environment variables and defaults when
// no path is given. It panics on any error: without a config the
// application cannot start.
func MustLoad() *Config {
	var cfg Config

	configPath := fetchConfigPath()
	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("failed to read config from env: " + err.Error())
		}
		return &cfg
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

// fetchConfigPath fetches the config path from the command line flag
// or the CONFIG_PATH environment variable. Flag wins.
func fetchConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	return path
}
