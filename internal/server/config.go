package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	Consult    ConsultConfig       `json:"consult" yaml:"consult"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
	Limits     RateLimitConfig     `json:"limits" yaml:"limits"`
	LLM        LLMConfig           `json:"llm" yaml:"llm"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// ConsultConfig governs the consultation pipeline.
type ConsultConfig struct {
	MaxParallel       int     `json:"max_parallel" yaml:"max_parallel"`
	DefaultTimeoutSec int     `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxQuestions      int     `json:"max_questions" yaml:"max_questions"`
	CoverageTarget    float64 `json:"coverage_target" yaml:"coverage_target"`
	Temperature       float64 `json:"temperature" yaml:"temperature"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type RateLimitConfig struct {
	ConsultRPM        int `json:"consult_rpm" yaml:"consult_rpm"`
	MaxActiveConsults int `json:"max_active_consults" yaml:"max_active_consults"`
}

// LLMConfig configures the optional summary-phrasing client. The clinical
// pipeline never depends on it; disabled means plain template summaries.
type LLMConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Model      string `json:"model" yaml:"model"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "consult_session",
		},
		Consult: ConsultConfig{
			MaxParallel:       2,
			DefaultTimeoutSec: 60,
			MaxQuestions:      3,
			CoverageTarget:    0.9,
			Temperature:       1,
		},
		Observer: ObservabilityConfig{
			ServiceName: "consult-api",
			SampleRatio: 1,
		},
		Limits: RateLimitConfig{
			ConsultRPM:        10,
			MaxActiveConsults: 8,
		},
		LLM: LLMConfig{
			BaseURL:    "http://localhost:11434/v1",
			Model:      "llama3",
			TimeoutSec: 30,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "consult_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Consult.MaxParallel <= 0 {
		cfg.Consult.MaxParallel = 2
	}
	if cfg.Consult.DefaultTimeoutSec <= 0 {
		cfg.Consult.DefaultTimeoutSec = 60
	}
	if cfg.Consult.MaxQuestions <= 0 {
		cfg.Consult.MaxQuestions = 3
	}
	if cfg.Consult.CoverageTarget <= 0 || cfg.Consult.CoverageTarget > 1 {
		cfg.Consult.CoverageTarget = 0.9
	}
	if cfg.Consult.Temperature <= 0 {
		cfg.Consult.Temperature = 1
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "consult-api"
	}
	if cfg.Limits.ConsultRPM <= 0 {
		cfg.Limits.ConsultRPM = 10
	}
	if cfg.Limits.MaxActiveConsults <= 0 {
		cfg.Limits.MaxActiveConsults = 8
	}
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		cfg.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = "llama3"
	}
	if cfg.LLM.TimeoutSec <= 0 {
		cfg.LLM.TimeoutSec = 30
	}
}
