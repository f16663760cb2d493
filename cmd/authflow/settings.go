package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MrEthical07/authflow"
)

type settings struct {
	Listen  string `mapstructure:"listen"`
	BaseURL string `mapstructure:"base_url"`
	Log     struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Storage struct {
		Backend  string `mapstructure:"backend"`
		Persist  string `mapstructure:"persist"`
		Redis    string `mapstructure:"redis_url"`
		Postgres string `mapstructure:"postgres_dsn"`
		Dynamo   string `mapstructure:"dynamo_table"`
	} `mapstructure:"storage"`

	Challenge struct {
		TTL         time.Duration `mapstructure:"ttl"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		CodeLength  int           `mapstructure:"code_length"`
	} `mapstructure:"challenge"`

	Session struct {
		MaxAge time.Duration `mapstructure:"max_age"`
	} `mapstructure:"session"`

	Signing struct {
		Method string `mapstructure:"method"`
		// Key is base64: a 64-byte ed25519 private key or an HS256 secret.
		Key    string `mapstructure:"key"`
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"signing"`

	Cookie struct {
		Key    string `mapstructure:"key"`
		Secure bool   `mapstructure:"secure"`
		Domain string `mapstructure:"domain"`
	} `mapstructure:"cookie"`

	RateLimit struct {
		Max    int           `mapstructure:"max"`
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"ratelimit"`

	Audit struct {
		Enabled bool   `mapstructure:"enabled"`
		Sink    string `mapstructure:"sink"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"audit"`

	Delivery struct {
		// Mode is "stdout" for local development or "stream" for Redis Streams.
		Mode string `mapstructure:"mode"`
	} `mapstructure:"delivery"`

	Password struct {
		MinLength   int    `mapstructure:"min_length"`
		RequireName bool   `mapstructure:"require_name"`
		PhoneRegion string `mapstructure:"phone_region"`
	} `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.persist", "")
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.dynamo_table", "authflow")
	v.SetDefault("challenge.ttl", 10*time.Minute)
	v.SetDefault("challenge.max_attempts", 5)
	v.SetDefault("challenge.code_length", 6)
	v.SetDefault("session.max_age", 24*time.Hour)
	v.SetDefault("signing.method", "ed25519")
	v.SetDefault("signing.key", "")
	v.SetDefault("signing.issuer", "authflow")
	v.SetDefault("cookie.key", "")
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.domain", "")
	v.SetDefault("ratelimit.max", 0)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.topic", "authflow.audit")
	v.SetDefault("delivery.mode", "stdout")
	v.SetDefault("password.min_length", 8)
	v.SetDefault("password.require_name", false)
	v.SetDefault("password.phone_region", "US")
}

func loadSettings(v *viper.Viper, file string) (*settings, error) {
	setDefaults(v)
	v.SetEnvPrefix("AUTHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// authflowConfig converts settings into a validated authflow.Config.
func (s *settings) authflowConfig() (authflow.Config, error) {
	cfg := authflow.DefaultConfig()
	cfg.Challenge.TTL = s.Challenge.TTL
	cfg.Challenge.MaxAttempts = s.Challenge.MaxAttempts
	cfg.Challenge.CodeLength = s.Challenge.CodeLength
	cfg.Session.MaxAge = s.Session.MaxAge
	cfg.Signing.Method = s.Signing.Method
	cfg.Signing.Issuer = s.Signing.Issuer
	cfg.Cookie.Secure = s.Cookie.Secure
	cfg.Cookie.Domain = s.Cookie.Domain
	cfg.Cookie.SameSite = http.SameSiteLaxMode
	cfg.Audit.Enabled = s.Audit.Enabled

	key, err := decodeKey("signing.key", s.Signing.Key)
	if err != nil {
		return cfg, err
	}
	switch s.Signing.Method {
	case "ed25519":
		if len(key) != ed25519.PrivateKeySize {
			return cfg, errors.New("signing.key must be a base64 64-byte ed25519 private key")
		}
		cfg.Signing.PrivateKey = key
		cfg.Signing.PublicKey = ed25519.PrivateKey(key).Public().(ed25519.PublicKey)
	default:
		cfg.Signing.PrivateKey = key
	}

	if cfg.Cookie.Key, err = decodeKey("cookie.key", s.Cookie.Key); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func decodeKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required (generate one with `authflow keygen`)", name)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return raw, nil
}
