package cmd

import (
	"fmt"
	"github.com/arcward/warden/warden"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WARDEN_DATABASE=/home/foo/warden.sqlite3
WARDEN_DATABASE_TYPE=sqlite
WARDEN_DATABASE_LOG_LEVEL=INFO
WARDEN_DATABASE_SLOW_THRESHOLD=200ms
WARDEN_LOG_LEVEL=INFO
WARDEN_STARTUP_TIMEOUT=30s
WARDEN_SHUTDOWN_TIMEOUT=60s
WARDEN_GUILD_CACHE_TTL=1h
WARDEN_DEVELOPMENT=true

# Discord bot config

WARDEN_DISCORD_TOKEN=your-discord-bot-token
WARDEN_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WARDEN_DISCORD_LOG_LEVEL=WARN
WARDEN_DISCORD_DISCORDGO_LOG_LEVEL=WARN
WARDEN_DISCORD_STARTUP_STATUS="on duty"
WARDEN_DISCORD_GATEWAY_INTENTS=37377
WARDEN_DISCORD_MOD_LOG_RATE_PER_SECOND=2
WARDEN_DISCORD_MOD_LOG_BURST=4

# Moderation config

WARDEN_MODERATION_DEFAULT_PREFIX=!
WARDEN_MODERATION_MAX_TIMEOUT=168h
WARDEN_MODERATION_MAX_PURGE=50
WARDEN_MODERATION_RETRY_BACKOFF=2s

# API server

WARDEN_API_LISTEN=127.0.0.1:5000
WARDEN_API_SECRET=your-api-secret
WARDEN_API_ADMIN_USERNAME=admin
WARDEN_API_ADMIN_PASSWORD_HASH=argon2-hash-here
WARDEN_API_LOG_LEVEL=DEBUG
WARDEN_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
WARDEN_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
WARDEN_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
WARDEN_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
WARDEN_API_CORS_ALLOW_CREDENTIALS=true
WARDEN_API_CORS_MAX_AGE=12h
WARDEN_API_READ_TIMEOUT=5s
WARDEN_API_READ_HEADER_TIMEOUT=5s
WARDEN_API_WRITE_TIMEOUT=10s
WARDEN_API_IDLE_TIMEOUT=30s
WARDEN_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/warden.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/warden.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, time.Hour, viper.GetDuration("guild_cache_ttl"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "on duty", viper.GetString("discord.startup_status"))
	assert.Equal(t, 37377, viper.GetInt("discord.gateway_intents"))
	assert.Equal(t, float64(2), viper.GetFloat64("discord.mod_log_rate_per_second"))
	assert.Equal(t, 4, viper.GetInt("discord.mod_log_burst"))

	assert.Equal(t, "!", viper.GetString("moderation.default_prefix"))
	assert.Equal(t, 168*time.Hour, viper.GetDuration("moderation.max_timeout"))
	assert.Equal(t, 50, viper.GetInt("moderation.max_purge"))
	assert.Equal(t, 2*time.Second, viper.GetDuration("moderation.retry_backoff"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.Equal(t, "admin", viper.GetString("api.admin_username"))
	assert.Equal(t, "argon2-hash-here", viper.GetString("api.admin_password_hash"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a warden.Config struct
	var config warden.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/warden.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, time.Hour, config.GuildCacheTTL)
	assert.True(t, config.Development)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "on duty", config.Discord.StartupStatus)
	assert.Equal(t, discordgo.Intent(37377), config.Discord.GatewayIntents)
	assert.Equal(t, float64(2), config.Discord.ModLogRatePerSecond)
	assert.Equal(t, 4, config.Discord.ModLogBurst)

	assert.Equal(t, "!", config.Moderation.DefaultPrefix)
	assert.Equal(t, 168*time.Hour, config.Moderation.MaxTimeout)
	assert.Equal(t, 50, config.Moderation.MaxPurge)
	assert.Equal(t, 2*time.Second, config.Moderation.RetryBackoff)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, "admin", config.API.AdminUsername)
	assert.Equal(t, "argon2-hash-here", config.API.AdminPasswordHash)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
