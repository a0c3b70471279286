package config

import (
	"testing"
)

func validConfig() Config {
	return Config{
		Network:              "testnet",
		Port:                 8080,
		AdminBootstrapSecret: "test-secret",
		BatchFeerateSatVB:    10,
	}
}

func TestValidate_ValidMainnet(t *testing.T) {
	cfg := validConfig()
	cfg.Network = "mainnet"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_ValidTestnet(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_InvalidNetwork(t *testing.T) {
	tests := []struct {
		name    string
		network string
	}{
		{"empty", ""},
		{"foobar", "foobar"},
		{"Mainnet case sensitive", "Mainnet"},
		{"devnet", "devnet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Network = tt.network
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error for network=%q, got nil", tt.network)
			}
		})
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero", 0},
		{"negative", -1},
		{"too high", 65536},
		{"way too high", 100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Port = tt.port
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error for port=%d, got nil", tt.port)
			}
		})
	}
}

func TestValidate_ValidPortBoundaries(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"minimum valid", 1},
		{"maximum valid", 65535},
		{"common port", 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Port = tt.port
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v for port=%d, want nil", err, tt.port)
			}
		})
	}
}

func TestValidate_MissingAdminBootstrapSecret(t *testing.T) {
	cfg := validConfig()
	cfg.AdminBootstrapSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for missing admin bootstrap secret, got nil")
	}
}

func TestValidate_NonPositiveFeerate(t *testing.T) {
	cfg := validConfig()
	cfg.BatchFeerateSatVB = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for zero feerate, got nil")
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	// Documents the expected defaults without calling Load() (which depends
	// on the environment); the actual defaulting is done by envconfig via
	// struct tags.
	cfg := validConfig()
	cfg.DBPath = "./data/bria.sqlite"
	cfg.LogLevel = "info"
	cfg.LogDir = "./logs"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on default-like config: %v", err)
	}
}
