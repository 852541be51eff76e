package config

import (
	"strings"
	"testing"
)

func validConfig() *GateConfig {
	cfg := &GateConfig{}
	cfg.SetDefaults()
	cfg.Policy.Path = "./policy.yaml"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.Server.HTTPAddr == "" || cfg.Store.Backend != "memory" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("bad log level must fail validation")
	}
	if !strings.Contains(err.Error(), "must be one of") {
		t.Errorf("error = %v", err)
	}
}

func TestValidate_SqliteRequiresDSN(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Store.Backend = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("sqlite backend without dsn must fail")
	}

	cfg.Store.DSN = "/var/lib/bastion/proposals.db"
	if err := cfg.Validate(); err != nil {
		t.Errorf("sqlite backend with dsn should validate: %v", err)
	}
}

func TestValidate_APIKeys(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Auth.APIKeys = []APIKeyConfig{
		{Principal: "identity:alice", Hash: strings.Repeat("ab", 32)},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("hex sha256 hash should validate: %v", err)
	}

	cfg.Auth.APIKeys[0].Hash = "$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHQ$aGFzaA"
	if err := cfg.Validate(); err != nil {
		t.Errorf("argon2id hash should validate: %v", err)
	}

	cfg.Auth.APIKeys[0].Hash = "plaintext-key"
	if err := cfg.Validate(); err == nil {
		t.Error("raw key material in config must fail validation")
	}

	cfg.Auth.APIKeys[0] = APIKeyConfig{Principal: "alice", Hash: strings.Repeat("ab", 32)}
	if err := cfg.Validate(); err == nil {
		t.Error("principal without the identity: prefix must fail")
	}
}

func TestSetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DevMode = true
	cfg.SetDevDefaults()
	if cfg.Server.LogLevel != "debug" {
		t.Error("dev mode forces debug logging")
	}

	prod := validConfig()
	prod.SetDevDefaults()
	if prod.Server.LogLevel != "info" {
		t.Error("non-dev config keeps its log level")
	}
}
