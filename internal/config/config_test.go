package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		keyName string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid key",
			key:     "a-reasonably-long-gateway-key",
			keyName: "GATEWAY_API_KEY",
			wantErr: false,
		},
		{
			name:    "too short",
			key:     "short",
			keyName: "GATEWAY_API_KEY",
			wantErr: true,
			errMsg:  "must be at least 16 characters",
		},
		{
			name:    "empty",
			key:     "",
			keyName: "GATEWAY_API_KEY",
			wantErr: true,
			errMsg:  "must be at least 16 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key, tt.keyName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err != nil && tt.errMsg != "" {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateAPIKey() error message = %v, want containing %v", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func TestValidateTimeout(t *testing.T) {
	tests := []struct {
		name    string
		value   time.Duration
		min     time.Duration
		max     time.Duration
		wantErr bool
		errMsg  string
	}{
		{"valid - middle of range", 30 * time.Second, 5 * time.Second, 60 * time.Second, false, ""},
		{"valid - at min", 5 * time.Second, 5 * time.Second, 60 * time.Second, false, ""},
		{"valid - at max", 60 * time.Second, 5 * time.Second, 60 * time.Second, false, ""},
		{"too short", 1 * time.Second, 5 * time.Second, 60 * time.Second, true, "must be at least"},
		{"too long", 120 * time.Second, 5 * time.Second, 60 * time.Second, true, "must be at most"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTimeout("TEST_TIMEOUT", tt.value, tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTimeout() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err != nil && tt.errMsg != "" {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateTimeout() error message = %v, want containing %v", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func TestIsHotReloadable(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"LOG_LEVEL", "LOG_LEVEL", true},
		{"ENABLE_MCP_GUARDRAILS", "ENABLE_MCP_GUARDRAILS", true},
		{"CACHE_TTL_POLICY", "CACHE_TTL_POLICY", true},
		{"ENABLE_METRICS", "ENABLE_METRICS", true},
		{"non-existent key", "RANDOM_KEY", false},
		{"empty key", "", false},
		{"DATABASE_ABSTRACTOR_SERVICE_TOKEN", "DATABASE_ABSTRACTOR_SERVICE_TOKEN", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsHotReloadable(tt.key)
			if got != tt.want {
				t.Errorf("IsHotReloadable(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestHotReloadableFields(t *testing.T) {
	fields := HotReloadableFields()

	if len(fields) == 0 {
		t.Error("HotReloadableFields() returned empty slice")
	}

	for _, field := range fields {
		if !IsHotReloadable(field) {
			t.Errorf("Field %q from HotReloadableFields() is not hot-reloadable", field)
		}
	}
}

func TestConfig_Masked(t *testing.T) {
	cfg := &Config{
		RedisPassword:                  "secret-redis-password",
		GatewayAPIKey:                  "secret-gateway-key",
		DatabaseAbstractorServiceToken: "secret-db-token",
		ThreatBackendToken:             "secret-threat-token",
		RedisHost:                      "localhost",
		RedisPort:                      6379,
	}

	masked := cfg.Masked()

	if masked.RedisPassword != "***" {
		t.Errorf("Masked RedisPassword = %q, want ***", masked.RedisPassword)
	}
	if masked.GatewayAPIKey != "***" {
		t.Errorf("Masked GatewayAPIKey = %q, want ***", masked.GatewayAPIKey)
	}
	if masked.DatabaseAbstractorServiceToken != "***" {
		t.Errorf("Masked DatabaseAbstractorServiceToken = %q, want ***", masked.DatabaseAbstractorServiceToken)
	}
	if masked.ThreatBackendToken != "***" {
		t.Errorf("Masked ThreatBackendToken = %q, want ***", masked.ThreatBackendToken)
	}

	if masked.RedisHost != "localhost" {
		t.Errorf("Masked RedisHost = %q, want localhost", masked.RedisHost)
	}
	if masked.RedisPort != 6379 {
		t.Errorf("Masked RedisPort = %d, want 6379", masked.RedisPort)
	}

	if cfg.GatewayAPIKey != "secret-gateway-key" {
		t.Error("Masked() must not mutate the receiver")
	}
}

func TestConfig_RedisAddr(t *testing.T) {
	cfg := &Config{
		RedisHost: "localhost",
		RedisPort: 6379,
	}

	addr := cfg.RedisAddr()
	expected := "localhost:6379"

	if addr != expected {
		t.Errorf("RedisAddr() = %q, want %q", addr, expected)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			GatewayAPIKey:              "a-reasonably-long-gateway-key",
			ShutdownTimeout:            30 * time.Second,
			RequestTimeout:             30 * time.Second,
			RedisPoolSize:              10,
			RedisMinIdleConns:          2,
			CircuitBreakerFailureThreshold: 5,
			MetadataAuditorConcurrency: 5,
			LogLevel:                   "info",
			AuditBufferSize:            1000,
			CORSAllowedOrigins:         []string{"*"},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("tls enabled without cert path fails", func(t *testing.T) {
		cfg := base()
		cfg.TLSEnabled = true
		if err := cfg.Validate(); err == nil {
			t.Fatal("Validate() expected error for TLS without cert path")
		}
	})

	t.Run("invalid log level fails", func(t *testing.T) {
		cfg := base()
		cfg.LogLevel = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Fatal("Validate() expected error for invalid log level")
		}
	})

	t.Run("empty CORS origins fails", func(t *testing.T) {
		cfg := base()
		cfg.CORSAllowedOrigins = nil
		if err := cfg.Validate(); err == nil {
			t.Fatal("Validate() expected error for empty CORS origins")
		}
	})
}

func BenchmarkValidateAPIKey(b *testing.B) {
	key := "a-reasonably-long-gateway-key"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidateAPIKey(key, "GATEWAY_API_KEY")
	}
}

func BenchmarkIsHotReloadable(b *testing.B) {
	keys := []string{"LOG_LEVEL", "ENABLE_MCP_GUARDRAILS", "RANDOM_KEY"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, key := range keys {
			_ = IsHotReloadable(key)
		}
	}
}
