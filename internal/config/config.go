package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// ErrNoTokenStore means an authenticated client has nowhere to keep its
// login token between runs.
var ErrNoTokenStore = errors.New("REDIS_ADDR is required when CHAT_AUTH is on")

type (
	// Client is the environment of cmd/client.
	Client struct {
		ServerURL      string        `env:"CHAT_SERVER_URL,default=http://localhost:3001" validate:"required,url"`
		ChannelURL     string        `env:"CHAT_CHANNEL_URL" validate:"omitempty,url"`
		Authenticated  bool          `env:"CHAT_AUTH,default=true"`
		RedisAddr      string        `env:"REDIS_ADDR,default=localhost:6379"`
		RedisPassword  string        `env:"REDIS_PASSWORD"`
		RedisDB        int           `env:"REDIS_DB,default=0" validate:"gte=0"`
		Profile        string        `env:"CHAT_PROFILE,default=default" validate:"required"`
		RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=10s" validate:"gt=0"`
		LogLevel       string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
		LogFile        string        `env:"LOG_FILE,default=chat_sync.log" validate:"required"`
	}

	// Server is the environment of cmd/server.
	Server struct {
		Addr          string        `env:"CHAT_ADDR,default=localhost:3001" validate:"required,hostname_port"`
		AuthRequired  bool          `env:"CHAT_AUTH,default=true"`
		JWTSecret     string        `env:"JWT_SECRET" validate:"required_if=AuthRequired true"`
		TokenTTL      time.Duration `env:"TOKEN_TTL,default=24h" validate:"gt=0"`
		MongoURI      string        `env:"MONGO_URI"`
		MongoDB       string        `env:"MONGO_DB,default=chat_sync" validate:"required"`
		RedisAddr     string        `env:"REDIS_ADDR"`
		RedisPassword string        `env:"REDIS_PASSWORD"`
		LogLevel      string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	}
)

// LoadClient reads the client environment, after loading .env if present.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if cfg.Authenticated && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("config error: %w", ErrNoTokenStore)
	}
	if cfg.ChannelURL == "" {
		channelURL, err := ChannelURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		cfg.ChannelURL = channelURL
	}
	return &cfg, nil
}

// LoadServer reads the server environment, after loading .env if present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return &cfg, nil
}

// ChannelURL derives the websocket endpoint served next to serverURL.
func ChannelURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath("/ws").String(), nil
}
