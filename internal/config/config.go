// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds.
const (
	EngineEcho = "echo"
	EngineXAI  = "xai"
	EngineGrpc = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	AllowedOrigins      []string
	Transcripts         bool
	TranscriptRetention time.Duration // 0 keeps archived turns forever
	Engine              EngineConfig
	Stream              StreamConfig
	Session             SessionConfig
	RateLimit           RateLimitConfig
}

// EngineConfig selects and tunes the generation engine.
type EngineConfig struct {
	Kind          string
	XAIAPIKey     string
	XAIModel      string
	XAIBaseURL    string
	PromptPath    string
	GrpcAddr      string
	MinChunk      int
	Timeout       time.Duration // 0 = wait for the engine indefinitely
	MaxConcurrent int           // 0 = unbounded
}

// StreamConfig controls the token relay and request limits.
type StreamConfig struct {
	RelayBuffer        int
	MaxRequestBodySize int64
}

// SessionConfig controls the optional idle-session sweep.
type SessionConfig struct {
	IdleTTL       time.Duration // 0 disables the sweep
	SweepInterval time.Duration
}

// RateLimitConfig limits question submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int // 0 disables rate limiting
	WindowDuration    time.Duration
}

// source resolves keys from the environment first, then from the optional
// YAML file named by CONFIG_FILE.
type source struct {
	file map[string]string
}

// Load reads configuration from environment variables, falling back to the
// YAML file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return src.load()
}

// readFile parses a flat YAML mapping of configuration keys to values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		if list, ok := v.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) load() (*Config, error) {
	engineKind := s.getEnv("ENGINE", "")
	if engineKind == "" {
		switch {
		case s.getEnv("XAI_API_KEY", "") != "":
			engineKind = EngineXAI
		case s.getEnv("ENGINE_GRPC_ADDR", "") != "":
			engineKind = EngineGrpc
		default:
			engineKind = EngineEcho
		}
	}

	cfg := &Config{
		Port:                s.getEnv("PORT", "8080"),
		FrontendURL:         s.getEnv("FRONTEND_URL", ""),
		DBPath:              s.getEnv("DB_PATH", "./data/yai.db"),
		AllowedOrigins:      s.getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Transcripts:         s.getEnvBool("TRANSCRIPTS_ENABLED", true),
		TranscriptRetention: s.getEnvDuration("TRANSCRIPT_RETENTION", 0),
		Engine: EngineConfig{
			Kind:          strings.ToLower(engineKind),
			XAIAPIKey:     s.getEnv("XAI_API_KEY", ""),
			XAIModel:      s.getEnv("XAI_MODEL", ""),
			XAIBaseURL:    s.getEnv("XAI_BASE_URL", ""),
			PromptPath:    s.getEnv("YAI_CHAT_INPUT_PATH", ""),
			GrpcAddr:      s.getEnv("ENGINE_GRPC_ADDR", ""),
			MinChunk:      s.getEnvInt("ENGINE_MIN_CHUNK", 10),
			Timeout:       s.getEnvDuration("ENGINE_TIMEOUT", 0),
			MaxConcurrent: s.getEnvInt("MAX_CONCURRENT_GENERATIONS", 0),
		},
		Stream: StreamConfig{
			RelayBuffer:        s.getEnvInt("RELAY_BUFFER", 256),
			MaxRequestBodySize: int64(s.getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Session: SessionConfig{
			IdleTTL:       s.getEnvDuration("SESSION_IDLE_TTL", 0),
			SweepInterval: s.getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: s.getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    s.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Engine.Kind {
	case EngineEcho:
	case EngineXAI:
		if c.Engine.XAIAPIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required for the xai engine")
		}
	case EngineGrpc:
		if c.Engine.GrpcAddr == "" {
			return fmt.Errorf("ENGINE_GRPC_ADDR is required for the grpc engine")
		}
	default:
		return fmt.Errorf("unknown ENGINE %q", c.Engine.Kind)
	}
	if c.TranscriptRetention < 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must be >= 0")
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("ENGINE_TIMEOUT must be >= 0")
	}
	if c.Engine.MaxConcurrent < 0 {
		return fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be >= 0")
	}
	if c.Stream.RelayBuffer <= 0 {
		return fmt.Errorf("RELAY_BUFFER must be > 0")
	}
	if c.Stream.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow > 0 && c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	if c.Session.IdleTTL > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0 when SESSION_IDLE_TTL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getEnvBool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) getEnvInt(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func (s source) getEnvList(key string, fallback []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
