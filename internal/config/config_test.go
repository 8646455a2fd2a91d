package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"RULES_ENGINE_DB_HOST":     "localhost",
		"RULES_ENGINE_DB_PORT":     "5432",
		"RULES_ENGINE_DB_NAME":     "campaign_rules",
		"RULES_ENGINE_DB_USER":     "rules",
		"RULES_ENGINE_DB_PASSWORD": "rules",
	}
}

func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

func validProductionConfig() map[string]string {
	return map[string]string{
		"RULES_ENGINE_APP_ENV": "production",

		"RULES_ENGINE_DB_HOST":     "prod-db.example.com",
		"RULES_ENGINE_DB_PORT":     "5432",
		"RULES_ENGINE_DB_NAME":     "campaign_rules",
		"RULES_ENGINE_DB_USER":     "rules_engine",
		"RULES_ENGINE_DB_PASSWORD": "SuperSecure123!",
		"RULES_ENGINE_DB_SSL_MODE": "require",

		"RULES_ENGINE_REDIS_HOST":        "prod-redis.example.com",
		"RULES_ENGINE_REDIS_PORT":        "6379",
		"RULES_ENGINE_REDIS_PASSWORD":    "RedisSecure123!",
		"RULES_ENGINE_REDIS_TLS_ENABLED": "true",

		"RULES_ENGINE_SERVER_ADMIN_API_KEY_HASH":  "5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d",
		"RULES_ENGINE_SERVER_ADMIN_TLS_ENABLED":   "true",
		"RULES_ENGINE_SERVER_ADMIN_TLS_CERT_FILE": "/certs/admin-cert.pem",
		"RULES_ENGINE_SERVER_ADMIN_TLS_KEY_FILE":  "/certs/admin-key.pem",
	}
}

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name:    "Should use defaults when only the database is configured",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "rules-engine", cfg.App.Name)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "50051", cfg.Server.RPC.Port)
				assert.Equal(t, "8080", cfg.Server.Admin.Port)
				assert.Equal(t, 5*time.Second, cfg.Server.RPC.RequestTimeout)
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, "redis", cfg.PubSub.Driver)
				assert.Equal(t, 300*time.Second, cfg.Cache.ResultTTL)
				assert.Equal(t, 10000, cfg.Cache.MaxKeys)
				assert.Equal(t, 60*time.Second, cfg.Cache.SweepInterval)
				assert.Equal(t, 10, cfg.Evaluation.MaxDepth)
				assert.Equal(t, 500, cfg.Evaluation.MaxBatchSize)
				assert.True(t, cfg.Invalidation.Enabled)
				assert.Equal(t, 5*time.Second, cfg.Invalidation.Cooldown)
				assert.Equal(t, 500*time.Millisecond, cfg.Invalidation.ReconnectInitial)
				assert.Equal(t, 30*time.Second, cfg.Invalidation.ReconnectMax)
				assert.False(t, cfg.Warmer.Enabled)
				assert.Equal(t, "localhost:50051", cfg.Client.Target)
				assert.Equal(t, uint32(5), cfg.Client.FailureThreshold)
				assert.Equal(t, 30*time.Second, cfg.Client.OpenTimeout)
				assert.False(t, cfg.Telemetry.Enabled())
			},
		},
		{
			name: "Should load custom values",
			envVars: mergeEnvVars(map[string]string{
				"RULES_ENGINE_APP_LOG_LEVEL":               "debug",
				"RULES_ENGINE_APP_LOG_FORMAT":              "json",
				"RULES_ENGINE_SERVER_RPC_PORT":             "50052",
				"RULES_ENGINE_CACHE_RESULT_TTL":            "30s",
				"RULES_ENGINE_CACHE_MAX_KEYS":              "50",
				"RULES_ENGINE_EVAL_MAX_DEPTH":              "4",
				"RULES_ENGINE_PUBSUB_DRIVER":               "mqtt",
				"RULES_ENGINE_PUBSUB_CHANNEL_PREFIX":       "staging.",
				"RULES_ENGINE_WARMER_ENABLED":              "true",
				"RULES_ENGINE_CLIENT_FAILURE_THRESHOLD":    "2",
				"RULES_ENGINE_OTEL_SAMPLE_RATIO":           "0.25",
				"RULES_ENGINE_OTEL_EXPORTER_OTLP_ENDPOINT": "otel-collector:4318",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, "50052", cfg.Server.RPC.Port)
				assert.Equal(t, 30*time.Second, cfg.Cache.ResultTTL)
				assert.Equal(t, 50, cfg.Cache.MaxKeys)
				assert.Equal(t, 4, cfg.Evaluation.MaxDepth)
				assert.Equal(t, "mqtt", cfg.PubSub.Driver)
				assert.Equal(t, "staging.", cfg.PubSub.ChannelPrefix)
				assert.True(t, cfg.Warmer.Enabled)
				assert.Equal(t, uint32(2), cfg.Client.FailureThreshold)
				assert.InDelta(t, 0.25, cfg.Telemetry.SampleRatio, 1e-9)
				assert.True(t, cfg.Telemetry.Enabled())
			},
		},
		{
			name:    "Should use sqlite without postgres settings",
			envVars: map[string]string{"RULES_ENGINE_DB_DRIVER": "sqlite", "RULES_ENGINE_DB_SQLITE_PATH": ":memory:"},
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DatabaseDriverSQLite, cfg.Database.Driver)
				assert.Equal(t, ":memory:", cfg.Database.SQLitePath)
			},
		},
		{
			name:    "Should fail on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail on unknown database driver",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_DB_DRIVER": "mysql"}),
			wantErr: true,
		},
		{
			name:    "Should fail on unknown pubsub driver",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_PUBSUB_DRIVER": "kafka"}),
			wantErr: true,
		},
		{
			name:    "Should fail when max depth is zero",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_EVAL_MAX_DEPTH": "0"}),
			wantErr: true,
		},
		{
			name:    "Should fail when the sample ratio exceeds one",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_OTEL_SAMPLE_RATIO": "1.5"}),
			wantErr: true,
		},
		{
			name:    "Should fail on a non-numeric duration",
			envVars: mergeEnvVars(map[string]string{"RULES_ENGINE_CACHE_RESULT_TTL": "soon"}),
			wantErr: true,
		},
		{
			name:    "Should fail when database host is missing",
			envVars: map[string]string{"RULES_ENGINE_DB_PORT": "5432"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.envVars)

			cfg, err := Load()

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tt.want(t, cfg)
		})
	}
}

func TestLoad_Production(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]string
		errMsg   string
	}{
		{name: "Should accept a complete production configuration"},
		{
			name:     "Should require an API key hash",
			override: map[string]string{"RULES_ENGINE_SERVER_ADMIN_API_KEY_HASH": ""},
			errMsg:   "API key hash is required",
		},
		{
			name:     "Should reject a malformed API key hash",
			override: map[string]string{"RULES_ENGINE_SERVER_ADMIN_API_KEY_HASH": "not-a-hash"},
			errMsg:   "invalid API key hash",
		},
		{
			name:     "Should require admin TLS",
			override: map[string]string{"RULES_ENGINE_SERVER_ADMIN_TLS_ENABLED": "false"},
			errMsg:   "TLS must be enabled",
		},
		{
			name:     "Should require a secure SSL mode",
			override: map[string]string{"RULES_ENGINE_DB_SSL_MODE": "disable"},
			errMsg:   "SSL mode",
		},
		{
			name:     "Should require a strong database password",
			override: map[string]string{"RULES_ENGINE_DB_PASSWORD": "short"},
			errMsg:   "at least 12 characters",
		},
		{
			name:     "Should require redis TLS when invalidation uses redis",
			override: map[string]string{"RULES_ENGINE_REDIS_TLS_ENABLED": "false"},
			errMsg:   "redis TLS",
		},
		{
			name: "Should skip redis checks when invalidation is disabled",
			override: map[string]string{
				"RULES_ENGINE_REDIS_TLS_ENABLED":    "false",
				"RULES_ENGINE_INVALIDATION_ENABLED": "false",
			},
		},
		{
			name:     "Should reject sqlite",
			override: map[string]string{"RULES_ENGINE_DB_DRIVER": "sqlite"},
			errMsg:   "sqlite driver is not allowed",
		},
		{
			name: "Should require a TLS MQTT broker",
			override: map[string]string{
				"RULES_ENGINE_PUBSUB_DRIVER":   "mqtt",
				"RULES_ENGINE_MQTT_BROKER_URL": "tcp://broker:1883",
				"RULES_ENGINE_MQTT_PASSWORD":   "MqttSecure123!",
			},
			errMsg: "MQTT broker must use TLS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validProductionConfig()
			maps.Copy(env, tt.override)
			setEnv(t, env)

			cfg, err := Load()

			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, EnvironmentProduction, cfg.App.Environment)
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "Should prefer the explicit URL",
			cfg:  DatabaseConfig{URL: "postgres://u:p@db:5432/rules", Host: "ignored"},
			want: "postgres://u:p@db:5432/rules",
		},
		{
			name: "Should build a DSN from components",
			cfg:  DatabaseConfig{Host: "db", Port: "5432", Name: "rules", User: "u", Password: "p@ss", SSLMode: "disable"},
			want: "postgres://u:p%40ss@db:5432/rules?sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.ConnectionString())
		})
	}
}

func TestValidateHelpers(t *testing.T) {
	t.Parallel()

	t.Run("Should validate ports", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validatePort("8080", "test"))
		assert.Error(t, validatePort("", "test"))
		assert.Error(t, validatePort("abc", "test"))
		assert.Error(t, validatePort("70000", "test"))
	})

	t.Run("Should validate SHA-256 hashes", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validateSHA256Hash("5dec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d"))
		assert.Error(t, validateSHA256Hash("abc"))
		assert.Error(t, validateSHA256Hash("zzec7e1c36e8ec7f526cfa8ff6dc788daad76f6dd34467662eb47990dca6b55d"))
	})

	t.Run("Should validate redis URLs", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validateRedisURL("redis://localhost:6379/2"))
		assert.Error(t, validateRedisURL("http://localhost:6379"))
		assert.Error(t, validateRedisURL("redis://localhost:6379/99"))
	})

	t.Run("Should reject a reconnect window that is inverted", func(t *testing.T) {
		t.Parallel()
		cfg := InvalidationConfig{ReconnectInitial: time.Minute, ReconnectMax: time.Second}
		assert.Error(t, cfg.Validate())
	})
}
