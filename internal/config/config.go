// Package config loads server and client settings. Values come from the
// built-in defaults, then an optional YAML file, then environment
// variables. The binaries apply command line flags last.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/manpreetbhatti/sketchsync/internal/awareness"
	"github.com/manpreetbhatti/sketchsync/internal/command"
	"github.com/manpreetbhatti/sketchsync/internal/compaction"
	"github.com/manpreetbhatti/sketchsync/internal/session"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Redis struct {
	// Addr enables cross-node fan-out when set
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type RateLimit struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Server configures the relay and Room Service
type Server struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
	// PublicSocketURL is handed to clients; derived from the request
	// host when empty
	PublicSocketURL string            `yaml:"public_socket_url"`
	RateLimit       RateLimit         `yaml:"rate_limit"`
	Compaction      compaction.Config `yaml:"compaction"`
	Redis           Redis             `yaml:"redis"`
	Log             Log               `yaml:"log"`
}

func DefaultServer() Server {
	return Server{
		Addr:       ":8080",
		DBPath:     "./data/sketchsync.db",
		RateLimit:  RateLimit{MessagesPerSecond: 100, Burst: 200},
		Compaction: compaction.DefaultConfig(),
		Redis:      Redis{Prefix: "sketchsync:room:"},
		Log:        Log{Level: "info", Format: "console"},
	}
}

// Client configures a collaborating peer
type Client struct {
	ServiceURL string           `yaml:"service_url"`
	Username   string           `yaml:"username"`
	AvatarURL  string           `yaml:"avatar_url"`
	Session    session.Config   `yaml:"session"`
	Awareness  awareness.Config `yaml:"awareness"`
	CommandTTL time.Duration    `yaml:"command_ttl"`
	Log        Log              `yaml:"log"`
}

func DefaultClient() Client {
	return Client{
		ServiceURL: "http://localhost:8080",
		Username:   "anonymous",
		Session:    session.DefaultConfig(),
		Awareness:  awareness.DefaultConfig(),
		CommandTTL: command.DefaultTTL,
		Log:        Log{Level: "info", Format: "console"},
	}
}

func LoadServer(path string) (Server, error) {
	return loadServer(path, os.Getenv)
}

func loadServer(path string, getenv func(string) string) (Server, error) {
	cfg := DefaultServer()
	if err := readFile(path, &cfg); err != nil {
		return Server{}, err
	}

	if port := getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if dbPath := getenv("SKETCHSYNC_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if addr := getenv("SKETCHSYNC_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := getenv("SKETCHSYNC_PUBLIC_SOCKET_URL"); url != "" {
		cfg.PublicSocketURL = url
	}

	if cfg.Compaction.Interval <= 0 {
		return Server{}, errors.New("compaction interval must be positive")
	}
	if cfg.RateLimit.MessagesPerSecond <= 0 || cfg.RateLimit.Burst < 1 {
		return Server{}, errors.New("rate_limit needs a positive rate and burst")
	}
	return cfg, nil
}

func LoadClient(path string) (Client, error) {
	return loadClient(path, os.Getenv)
}

func loadClient(path string, getenv func(string) string) (Client, error) {
	cfg := DefaultClient()
	if err := readFile(path, &cfg); err != nil {
		return Client{}, err
	}

	if url := getenv("SKETCHSYNC_SERVICE_URL"); url != "" {
		cfg.ServiceURL = url
	}
	if name := getenv("SKETCHSYNC_USERNAME"); name != "" {
		cfg.Username = name
	}

	if cfg.Session.MaxAttempts < 1 {
		return Client{}, errors.New("session.max_attempts must be at least 1")
	}
	if cfg.Session.BaseDelay <= 0 || cfg.Session.MaxDelay < cfg.Session.BaseDelay {
		return Client{}, errors.New("session delays must satisfy 0 < base_delay <= max_delay")
	}
	return cfg, nil
}

// readFile overlays the YAML file at path onto v. An empty path is a
// no-op.
func readFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}
