package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	backendNone     = "none"
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendAzTables = "aztables"

	localFile   = "file"
	localSQLite = "sqlite"
	localMemory = "memory"
)

type config struct {
	ListenAddr              string        `yaml:"listenAddr"`
	Rooms                   []string      `yaml:"rooms"`
	LocalStore              string        `yaml:"localStore"`
	LocalStorePath          string        `yaml:"localStorePath"`
	RemoteBackend           string        `yaml:"remoteBackend"`
	RedisConnectionString   string        `yaml:"redisConnectionString"`
	StorageConnectionString string        `yaml:"storageConnectionString"`
	RoomsTable              string        `yaml:"roomsTable"`
	DeduperTTL              time.Duration `yaml:"deduperTtl"`
	Debounce                time.Duration `yaml:"debounce"`
	PollInterval            time.Duration `yaml:"pollInterval"`
	RemotePollInterval      time.Duration `yaml:"remotePollInterval"`
	SeedBoxes               int           `yaml:"seedBoxes"`
	Auth0Domain             string        `yaml:"auth0Domain"`
	Auth0Audience           string        `yaml:"auth0Audience"`
	LocalAuthSharedSecret   string        `yaml:"localAuthSharedSecret"`
	AuthDisabled            bool          `yaml:"authDisabled"`
	Debug                   bool          `yaml:"debug"`
	LogFormat               string        `yaml:"logFormat"`
	OtelTraces              string        `yaml:"otelTraces"`
}

func defaultConfig() config {
	return config{
		ListenAddr:         ":8080",
		Rooms:              []string{"main"},
		LocalStore:         localFile,
		LocalStorePath:     "data",
		RemoteBackend:      backendNone,
		RoomsTable:         "Rooms",
		DeduperTTL:         24 * time.Hour,
		RemotePollInterval: 2 * time.Second,
		SeedBoxes:          5,
	}
}

// loadConfig reads the optional CONFIG_FILE and then applies environment
// overrides on top of it.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := defaultConfig()
	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	env := envReader{getenv: getenv}
	env.str("LISTEN_ADDR", &cfg.ListenAddr)
	env.list("ROOMS", &cfg.Rooms)
	env.str("LOCAL_STORE", &cfg.LocalStore)
	env.str("LOCAL_STORE_PATH", &cfg.LocalStorePath)
	env.str("REMOTE_BACKEND", &cfg.RemoteBackend)
	env.str("REDIS_CONNECTION_STRING", &cfg.RedisConnectionString)
	env.str("STORAGE_CONNECTION_STRING", &cfg.StorageConnectionString)
	env.str("ROOMS_TABLE", &cfg.RoomsTable)
	env.duration("DEDUPER_TTL", &cfg.DeduperTTL)
	env.duration("DEBOUNCE", &cfg.Debounce)
	env.duration("POLL_INTERVAL", &cfg.PollInterval)
	env.duration("REMOTE_POLL_INTERVAL", &cfg.RemotePollInterval)
	env.integer("SEED_BOXES", &cfg.SeedBoxes)
	env.str("AUTH0_DOMAIN", &cfg.Auth0Domain)
	env.str("AUTH0_AUDIENCE", &cfg.Auth0Audience)
	env.str("LOCAL_AUTH_SHARED_SECRET", &cfg.LocalAuthSharedSecret)
	env.boolean("AUTH_DISABLED", &cfg.AuthDisabled)
	env.boolean("DEBUG", &cfg.Debug)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.str("OTEL_TRACES", &cfg.OtelTraces)
	if env.err != nil {
		return cfg, env.err
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("no rooms configured")
	}
	if c.SeedBoxes < 0 {
		return fmt.Errorf("invalid SEED_BOXES: must not be negative")
	}
	switch c.LocalStore {
	case localFile, localSQLite:
		if c.LocalStorePath == "" {
			return fmt.Errorf("missing LOCAL_STORE_PATH")
		}
	case localMemory, "":
	default:
		return fmt.Errorf("unknown LOCAL_STORE %q", c.LocalStore)
	}
	switch c.RemoteBackend {
	case backendNone, backendMemory, "":
	case backendRedis:
		if c.RedisConnectionString == "" {
			return fmt.Errorf("missing redis config")
		}
	case backendAzTables:
		if c.StorageConnectionString == "" || c.RoomsTable == "" {
			return fmt.Errorf("missing storage config")
		}
	default:
		return fmt.Errorf("unknown REMOTE_BACKEND %q", c.RemoteBackend)
	}
	if !c.AuthDisabled && c.LocalAuthSharedSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		return fmt.Errorf("missing Auth0 config")
	}
	return nil
}

// envReader applies set environment variables and keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != "" && e.err == nil
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.err = fmt.Errorf("invalid %s: %q", key, v)
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %v", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("invalid %s: %v", key, err)
		return
	}
	*dst = b
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by Azure Cache for Redis.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
