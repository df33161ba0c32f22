// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kr777/mailbridge/internal/models"
)

var validate = validator.New()

// AliasConfig maps one recipient address to a processing mode.
type AliasConfig struct {
	Address        string      `validate:"required,email"`
	Mode           models.Mode `validate:"required,oneof=analyze_reply translate"`
	TargetLanguage string
	// FromAddress is the sender used on replies; defaults to Address.
	FromAddress string `validate:"omitempty,email"`
}

// AIConfig holds settings for the language model endpoint.
type AIConfig struct {
	APIURL string `validate:"required,url"`
	APIKey string
	// Optional OAuth2 client-credentials flow used instead of a static key.
	TokenURL     string
	ClientID     string
	ClientSecret string

	Model                string `validate:"required"`
	MaxTokens            int    `validate:"gt=0"`
	Temperature          float64
	TranslateTemperature float64
	Timeout              time.Duration `validate:"gt=0"`
	RetryBackoff         time.Duration
	RetryOnMalformed     bool
}

// SESConfig holds credentials for the primary delivery channel.
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	ConfigurationSet string
}

// SMTPConfig holds credentials for the secondary delivery channel.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	StartTLS  bool
	TLSVerify bool
}

// DeliveryConfig holds settings for both delivery channels.
type DeliveryConfig struct {
	PrimaryTimeout   time.Duration `validate:"gt=0"`
	SecondaryTimeout time.Duration `validate:"gt=0"`
	SES              SESConfig
	SMTP             SMTPConfig

	// Primary channel circuit breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Config holds all configuration for the service. It is built once at
// startup and never mutated.
type Config struct {
	Port         int `validate:"gt=0,lt=65536"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string `validate:"oneof=debug info warn error"`

	SignatureSecret string `validate:"required"`
	SignatureHeader string `validate:"required"`

	Aliases []AliasConfig `validate:"min=1,dive"`

	AI AIConfig

	DefaultTargetLanguage string   `validate:"required"`
	SupportedLanguages    []string `validate:"min=1"`

	Delivery DeliveryConfig

	MaxContentLength    int
	StripHeaderPrefixes []string

	// Postgres; empty selects the in-memory store.
	DatabaseURL string
	// Redis; empty selects the in-memory queue.
	RedisURL  string
	JobsQueue string
	DedupTTL  time.Duration

	Workers    int `validate:"gt=0"`
	JobTimeout time.Duration

	SignatureLines    []string
	TranslationFooter string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	LogLevel  string `yaml:"log_level"`
	Signature struct {
		Secret string `yaml:"secret"`
		Header string `yaml:"header"`
	} `yaml:"signature"`
	Aliases []struct {
		Address        string `yaml:"address"`
		Mode           string `yaml:"mode"`
		TargetLanguage string `yaml:"target_language"`
		FromAddress    string `yaml:"from_address"`
	} `yaml:"aliases"`
	AI struct {
		APIURL               string   `yaml:"api_url"`
		APIKey               string   `yaml:"api_key"`
		TokenURL             string   `yaml:"token_url"`
		ClientID             string   `yaml:"client_id"`
		ClientSecret         string   `yaml:"client_secret"`
		Model                string   `yaml:"model"`
		MaxTokens            int      `yaml:"max_tokens"`
		Temperature          *float64 `yaml:"temperature"`
		TranslateTemperature *float64 `yaml:"translate_temperature"`
		Timeout              string   `yaml:"timeout"`
		RetryBackoff         string   `yaml:"retry_backoff"`
		RetryOnMalformed     bool     `yaml:"retry_on_malformed"`
	} `yaml:"ai"`
	Translation struct {
		DefaultTarget string   `yaml:"default_target"`
		Supported     []string `yaml:"supported"`
	} `yaml:"translation"`
	Delivery struct {
		PrimaryTimeout   string `yaml:"primary_timeout"`
		SecondaryTimeout string `yaml:"secondary_timeout"`
		SES              struct {
			Region           string `yaml:"region"`
			AccessKeyID      string `yaml:"access_key_id"`
			SecretAccessKey  string `yaml:"secret_access_key"`
			Endpoint         string `yaml:"endpoint"`
			ConfigurationSet string `yaml:"configuration_set"`
		} `yaml:"ses"`
		SMTP struct {
			Host      string `yaml:"host"`
			Port      int    `yaml:"port"`
			Username  string `yaml:"username"`
			Password  string `yaml:"password"`
			StartTLS  *bool  `yaml:"starttls"`
			TLSVerify *bool  `yaml:"tls_verify"`
		} `yaml:"smtp"`
		Breaker struct {
			Failures uint32 `yaml:"failures"`
			Cooldown string `yaml:"cooldown"`
		} `yaml:"breaker"`
	} `yaml:"delivery"`
	Parser struct {
		MaxContentLength    int      `yaml:"max_content_length"`
		StripHeaderPrefixes []string `yaml:"strip_header_prefixes"`
	} `yaml:"parser"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL      string `yaml:"url"`
		Queue    string `yaml:"queue"`
		DedupTTL string `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Workers struct {
		Size       int    `yaml:"size"`
		JobTimeout string `yaml:"job_timeout"`
	} `yaml:"workers"`
	Reply struct {
		Signature         []string `yaml:"signature"`
		TranslationFooter string   `yaml:"translation_footer"`
	} `yaml:"reply"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from the given path.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// before unmarshalling.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:         firstNonZero(envOrDefaultInt("PORT", 0), raw.Server.Port, 7582),
		ReadTimeout:  parseDuration(raw.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: parseDuration(raw.Server.WriteTimeout, 15*time.Second),
		LogLevel:     strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.LogLevel, "info")),

		SignatureSecret: firstNonEmpty(raw.Signature.Secret, os.Getenv("INBOUND_SECRET")),
		SignatureHeader: firstNonEmpty(raw.Signature.Header, "X-Inbound-Signature"),

		AI: AIConfig{
			APIURL:               firstNonEmpty(raw.AI.APIURL, envOrDefault("AI_API_URL", "https://api.x.ai/v1/chat/completions")),
			APIKey:               firstNonEmpty(raw.AI.APIKey, os.Getenv("AI_API_KEY")),
			TokenURL:             raw.AI.TokenURL,
			ClientID:             raw.AI.ClientID,
			ClientSecret:         raw.AI.ClientSecret,
			Model:                firstNonEmpty(raw.AI.Model, envOrDefault("AI_MODEL", "grok-3")),
			MaxTokens:            firstNonZero(raw.AI.MaxTokens, 10000),
			Temperature:          floatOr(raw.AI.Temperature, 0.7),
			TranslateTemperature: floatOr(raw.AI.TranslateTemperature, 0.3),
			Timeout:              parseDuration(raw.AI.Timeout, envOrDefaultDuration("AI_TIMEOUT", 60*time.Second)),
			RetryBackoff:         parseDuration(raw.AI.RetryBackoff, 2*time.Second),
			RetryOnMalformed:     raw.AI.RetryOnMalformed,
		},

		DefaultTargetLanguage: strings.ToLower(firstNonEmpty(raw.Translation.DefaultTarget, "zh")),
		SupportedLanguages:    raw.Translation.Supported,

		Delivery: DeliveryConfig{
			PrimaryTimeout:   parseDuration(raw.Delivery.PrimaryTimeout, 30*time.Second),
			SecondaryTimeout: parseDuration(raw.Delivery.SecondaryTimeout, 30*time.Second),
			SES: SESConfig{
				Region:           firstNonEmpty(raw.Delivery.SES.Region, envOrDefault("AWS_REGION", "ap-southeast-2")),
				AccessKeyID:      firstNonEmpty(raw.Delivery.SES.AccessKeyID, os.Getenv("AWS_ACCESS_KEY_ID")),
				SecretAccessKey:  firstNonEmpty(raw.Delivery.SES.SecretAccessKey, os.Getenv("AWS_SECRET_ACCESS_KEY")),
				Endpoint:         raw.Delivery.SES.Endpoint,
				ConfigurationSet: raw.Delivery.SES.ConfigurationSet,
			},
			SMTP: SMTPConfig{
				Host:      firstNonEmpty(raw.Delivery.SMTP.Host, os.Getenv("SMTP_HOST")),
				Port:      firstNonZero(raw.Delivery.SMTP.Port, envOrDefaultInt("SMTP_PORT", 587)),
				Username:  firstNonEmpty(raw.Delivery.SMTP.Username, os.Getenv("SMTP_USERNAME")),
				Password:  firstNonEmpty(raw.Delivery.SMTP.Password, os.Getenv("SMTP_PASSWORD")),
				StartTLS:  boolOr(raw.Delivery.SMTP.StartTLS, true),
				TLSVerify: boolOr(raw.Delivery.SMTP.TLSVerify, true),
			},
			BreakerFailures: raw.Delivery.Breaker.Failures,
			BreakerCooldown: parseDuration(raw.Delivery.Breaker.Cooldown, time.Minute),
		},

		MaxContentLength:    firstNonZero(raw.Parser.MaxContentLength, 100000),
		StripHeaderPrefixes: raw.Parser.StripHeaderPrefixes,

		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		JobsQueue:   firstNonEmpty(raw.Redis.Queue, envOrDefault("JOBS_QUEUE", "mailbridge:inbound")),
		DedupTTL:    parseDuration(raw.Redis.DedupTTL, 24*time.Hour),

		Workers:    firstNonZero(envOrDefaultInt("WORKERS", 0), raw.Workers.Size, 8),
		JobTimeout: parseDuration(raw.Workers.JobTimeout, 5*time.Minute),

		SignatureLines:    raw.Reply.Signature,
		TranslationFooter: raw.Reply.TranslationFooter,
	}

	if cfg.Delivery.BreakerFailures == 0 {
		cfg.Delivery.BreakerFailures = 5
	}
	if len(cfg.SupportedLanguages) == 0 {
		cfg.SupportedLanguages = []string{"zh", "en", "ja", "ko", "fr", "de", "es", "ru"}
	}
	if len(cfg.StripHeaderPrefixes) == 0 {
		cfg.StripHeaderPrefixes = []string{"X-Inbound-", "X-Forwarded-", "X-Original-To"}
	}
	if len(cfg.SignatureLines) == 0 {
		cfg.SignatureLines = []string{"AI Assistant", "ai@kr777.top"}
	}

	for _, a := range raw.Aliases {
		ac := AliasConfig{
			Address:        strings.ToLower(strings.TrimSpace(a.Address)),
			Mode:           models.Mode(strings.TrimSpace(a.Mode)),
			TargetLanguage: strings.ToLower(strings.TrimSpace(a.TargetLanguage)),
			FromAddress:    strings.TrimSpace(a.FromAddress),
		}
		if ac.Address == "" {
			// Commented-out or empty entries in YAML.
			continue
		}
		if ac.FromAddress == "" {
			ac.FromAddress = ac.Address
		}
		if ac.Mode == models.ModeTranslate && ac.TargetLanguage == "" {
			ac.TargetLanguage = cfg.DefaultTargetLanguage
		}
		cfg.Aliases = append(cfg.Aliases, ac)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if len(c.Aliases) == 0 {
		return fmt.Errorf("no aliases configured, check config.yaml")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Aliases))
	for _, a := range c.Aliases {
		if seen[a.Address] {
			return fmt.Errorf("alias %s configured more than once", a.Address)
		}
		seen[a.Address] = true
		if a.Mode == models.ModeTranslate && !c.LanguageSupported(a.TargetLanguage) {
			return fmt.Errorf("alias %s: unsupported target language %q", a.Address, a.TargetLanguage)
		}
	}
	if !c.LanguageSupported(c.DefaultTargetLanguage) {
		return fmt.Errorf("default target language %q is not in the supported set", c.DefaultTargetLanguage)
	}
	return nil
}

// LanguageSupported reports whether lang is a configured translation target.
func (c *Config) LanguageSupported(lang string) bool {
	lang = strings.ToLower(lang)
	for _, l := range c.SupportedLanguages {
		if strings.ToLower(l) == lang {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func floatOr(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
