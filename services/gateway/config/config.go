// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the gateway's runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the gateway's full runtime configuration. Every knob has
// a default that works for a single-machine deployment over the
// embedded stores; only the weights directory has to exist.
type Config struct {
	// Port is the gateway's listen port.
	Port int `env:"KODIAK_PORT" env-default:"12400"`

	// TokenSecret signs access tokens. Empty selects a random
	// per-process secret, which invalidates all tokens on restart.
	TokenSecret string `env:"KODIAK_TOKEN_SECRET"`

	// TokenTTL bounds how long an issued token stays valid.
	TokenTTL time.Duration `env:"KODIAK_TOKEN_TTL" env-default:"8h"`

	// AnonymousUser is the identity unauthenticated requests run as.
	AnonymousUser string `env:"KODIAK_ANONYMOUS_USER" env-default:"system"`

	// CookieSecure marks the session cookie Secure. Disable only for
	// plain-HTTP local deployments.
	CookieSecure bool `env:"KODIAK_COOKIE_SECURE" env-default:"true"`

	// RedisURL selects Redis for chat state when set.
	RedisURL string `env:"KODIAK_REDIS_URL"`

	// PostgresDSN selects Postgres for users and chat refs when set.
	PostgresDSN string `env:"KODIAK_POSTGRES_DSN"`

	// DataDir holds the embedded Badger stores used when neither
	// external store is configured.
	DataDir string `env:"KODIAK_DATA_DIR" env-default:"./data"`

	// WeightsDir is scanned for *.gguf / *.bin model artifacts.
	WeightsDir string `env:"KODIAK_WEIGHTS_DIR" env-default:"./models"`

	// ModelCatalog optionally points at the curated model list.
	ModelCatalog string `env:"KODIAK_MODEL_CATALOG"`

	// LLMBackend selects the engine client: "llamacpp" or "openai".
	LLMBackend string `env:"KODIAK_LLM_BACKEND" env-default:"llamacpp"`

	// LLMURL is the engine server's base URL.
	LLMURL string `env:"KODIAK_LLM_URL" env-default:"http://localhost:8080"`

	// LLMAPIKey authenticates against OpenAI-compatible engines.
	LLMAPIKey string `env:"KODIAK_LLM_API_KEY"`

	// LLMModel names the served model for OpenAI-compatible engines,
	// which require one in every request.
	LLMModel string `env:"KODIAK_LLM_MODEL" env-default:"7B"`

	// EngineSlots bounds concurrent generations process-wide.
	EngineSlots int64 `env:"KODIAK_ENGINE_SLOTS" env-default:"1"`

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env (when present) and then the environment.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.LLMBackend {
	case "llamacpp", "openai":
	default:
		return fmt.Errorf("unknown llm backend %q (want llamacpp or openai)", c.LLMBackend)
	}
	if c.EngineSlots <= 0 {
		c.EngineSlots = 1
	}
	if c.TokenSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		c.TokenSecret = secret
		slog.Warn("KODIAK_TOKEN_SECRET is not set; using a random per-process secret, " +
			"all tokens invalidate on restart")
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
