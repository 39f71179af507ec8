package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cweska/DiscordEventBot/eventbot"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv empties the environment, restoring it when the test finishes
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))
	return envFile
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)

	envFile := writeEnvFile(
		t, `
# General/database config

EB_DATABASE=/home/foo/eventbot.sqlite3
EB_DATABASE_TYPE=sqlite
EB_DATABASE_LOG_LEVEL=INFO
EB_DATABASE_SLOW_THRESHOLD=200ms
EB_LOG_LEVEL=INFO
EB_SCHEDULER_LOG_LEVEL=ERROR
EB_STARTUP_TIMEOUT=30s
EB_SHUTDOWN_TIMEOUT=60s

# Discord bot config

EB_DISCORD_TOKEN=your-discord-bot-token
EB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
EB_DISCORD_GUILD_ID=123456789012345678
EB_DISCORD_LOG_LEVEL=WARN
EB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
EB_DISCORD_GATEWAY_INTENTS=66177
EB_DISCORD_REGISTER_COMMANDS=false

# Forum posts, archiving and reminders

EB_FORUM_CHANNEL_ID=223456789012345678
EB_FORUM_ARCHIVE_DELAY_HOURS=12
EB_FORUM_REQUESTS_PER_SECOND=2.5
EB_FORUM_REQUEST_BURST=8
EB_FORUM_RECONCILE_SCHEDULE="*/15 * * * *"
EB_REMINDERS_CHANNEL_ID=323456789012345678
EB_REMINDERS_TIMES=1h,15m

# Meals and food fights

EB_MEAL_CHANNEL_ID=423456789012345678
EB_MEAL_STREAK_FILE=/var/lib/eventbot/streaks.json
EB_MEAL_HUMOR_FILE=/var/lib/eventbot/humor.txt
EB_MEAL_MODAL_TIMEOUT=10m
EB_FOOD_FIGHT_TALLY_FILE=/var/lib/eventbot/tallies.json

# API server

EB_API_ENABLED=true
EB_API_LISTEN=127.0.0.1:5000
EB_API_SSL_CERT_FILE=/etc/ssl/cert.pem
EB_API_SSL_KEY_FILE=/etc/ssl/key.pem
EB_API_SSL_TLS_MIN_VERSION=771
EB_API_SECRET=your-api-secret
EB_API_LOG_LEVEL=DEBUG
EB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
EB_API_CORS_ALLOW_METHODS=GET POST DELETE OPTIONS
EB_API_CORS_ALLOW_CREDENTIALS=true
EB_API_CORS_MAX_AGE=12h
EB_API_READ_TIMEOUT=5s
EB_API_READ_HEADER_TIMEOUT=5s
EB_API_WRITE_TIMEOUT=10s
EB_API_IDLE_TIMEOUT=30s
EB_API_SESSION_MAX_AGE=6h
EB_API_LOGIN_RATE_LIMIT=0.5
EB_API_LOGIN_RATE_BURST=3
`,
	)

	_, err := executeCommand(t, fmt.Sprintf("--config=%s", envFile), "version")
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/eventbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.GetString("database_log_level"))
	assertLogLevel(t, slog.LevelError, viper.GetString("scheduler_log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.GetString("discord.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.GetString("api.log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// the package config is populated by the root command's pre-run
	assert.Equal(t, "/home/foo/eventbot.sqlite3", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())

	var config eventbot.Config
	require.NoError(t, viper.Unmarshal(&config, configDecodeHook()))

	assert.Equal(t, "/home/foo/eventbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.SchedulerLogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "123456789012345678", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(66177), config.Discord.GatewayIntents)
	assert.False(t, config.Discord.RegisterCommands)

	assert.Equal(t, "223456789012345678", config.Forum.ChannelID)
	assert.Equal(t, 12, config.Forum.ArchiveDelayHours)
	assert.Equal(t, 12*time.Hour, config.Forum.ArchiveDelay())
	assert.Equal(t, 2.5, config.Forum.RequestsPerSecond)
	assert.Equal(t, 8, config.Forum.RequestBurst)
	assert.Equal(t, "*/15 * * * *", config.Forum.ReconcileSchedule)

	assert.Equal(t, "323456789012345678", config.Reminders.ChannelID)
	assert.Equal(t, "1h,15m", config.Reminders.Times)

	assert.Equal(t, "423456789012345678", config.Meal.ChannelID)
	assert.Equal(t, "/var/lib/eventbot/streaks.json", config.Meal.StreakFile)
	assert.Equal(t, "/var/lib/eventbot/humor.txt", config.Meal.HumorFile)
	assert.Equal(t, 10*time.Minute, config.Meal.ModalTimeout)
	assert.Equal(t, "/var/lib/eventbot/tallies.json", config.FoodFight.TallyFile)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.KeyFile)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.True(t, config.API.SSL.Enabled())
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "DELETE", "OPTIONS"}, config.API.CORS.AllowMethods)
	assert.Equal(t, eventbot.DefaultCORSAllowHeaders, config.API.CORS.AllowHeaders)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
	assert.Equal(t, 0.5, config.API.LoginRateLimit)
	assert.Equal(t, 3, config.API.LoginRateBurst)

	assert.NoError(t, config.Validate())
}

func TestLoadConfigLegacyEnvAliases(t *testing.T) {
	clearEnv(t)

	envFile := writeEnvFile(
		t, `
DISCORD_BOT_TOKEN=legacy-token
COMMAND_GUILD_ID=111111111111111111
FORUM_CHANNEL_ID=222222222222222222
ARCHIVE_DELAY_HOURS=6
REMINDER_CHANNEL_ID=333333333333333333
REMINDER_TIMES=30m
MEAL_CHANNEL_ID=444444444444444444

# the prefixed name wins over the alias
EB_FORUM_CHANNEL_ID=555555555555555555
`,
	)

	_, err := executeCommand(t, fmt.Sprintf("--config=%s", envFile), "version")
	require.NoError(t, err)

	assert.Equal(t, "legacy-token", viper.GetString("discord.token"))
	assert.Equal(t, "111111111111111111", viper.GetString("discord.guild_id"))
	assert.Equal(t, "555555555555555555", viper.GetString("forum.channel_id"))
	assert.Equal(t, 6, viper.GetInt("forum.archive_delay_hours"))
	assert.Equal(t, "333333333333333333", viper.GetString("reminders.channel_id"))
	assert.Equal(t, "30m", viper.GetString("reminders.times"))
	assert.Equal(t, "444444444444444444", viper.GetString("meal.channel_id"))

	assert.Equal(t, "legacy-token", cfg.Discord.Token)
	assert.Equal(t, "555555555555555555", cfg.Forum.ChannelID)
	assert.Equal(t, 6*time.Hour, cfg.Forum.ArchiveDelay())
}

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "INFO", want: slog.LevelInfo},
		{input: "Warn", want: slog.LevelWarn},
		{input: "ERROR", want: slog.LevelError},
		{input: "loud", want: slog.LevelInfo, wantErr: true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.want, lvl)
			},
		)
	}
}

func TestConfigDecodeHook(t *testing.T) {
	v := viper.New()
	v.Set("log_level", "DEBUG")
	v.Set("api.log_level", "warn")
	v.Set("discord.discordgo_log_level", "error")
	v.Set("startup_timeout", "45s")

	t.Run(
		"populated defaults", func(t *testing.T) {
			cfg := eventbot.DefaultConfig()
			apiLevel := cfg.API.LogLevel
			require.NoError(t, v.Unmarshal(cfg, configDecodeHook()))

			assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
			assert.Equal(t, slog.LevelWarn, cfg.API.LogLevel.Level())
			assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
			assert.Equal(t, 45*time.Second, cfg.StartupTimeout)
			assert.Same(t, apiLevel, cfg.API.LogLevel)
		},
	)

	t.Run(
		"zero config", func(t *testing.T) {
			cfg := &eventbot.Config{}
			require.NoError(t, v.Unmarshal(cfg, configDecodeHook()))
			require.NotNil(t, cfg.LogLevel)
			assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
			require.NotNil(t, cfg.API)
			assert.Equal(t, slog.LevelWarn, cfg.API.LogLevel.Level())
		},
	)

	t.Run(
		"invalid level", func(t *testing.T) {
			bad := viper.New()
			bad.Set("log_level", "loud")
			assert.Error(t, bad.Unmarshal(eventbot.DefaultConfig(), configDecodeHook()))
		},
	)
}
