package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/cweska/DiscordEventBot/eventbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = eventbot.DefaultConfig()
	configFile string
)

// legacyEnvAliases maps config keys to the unprefixed environment
// variables older deployments set
var legacyEnvAliases = map[string]string{
	"discord.token":             "DISCORD_BOT_TOKEN",
	"discord.guild_id":          "COMMAND_GUILD_ID",
	"forum.channel_id":          "FORUM_CHANNEL_ID",
	"forum.archive_delay_hours": "ARCHIVE_DELAY_HOURS",
	"reminders.channel_id":      "REMINDER_CHANNEL_ID",
	"reminders.times":           "REMINDER_TIMES",
	"meal.channel_id":           "MEAL_CHANNEL_ID",
}

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"scheduler_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "eventbot [flags]",
	Short: "Discord bot for scheduled-event forum posts, reminders, meal logging and food fights",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, configDecodeHook()); err != nil {
			log.Fatalln(err)
		}
	},
}

// configDecodeHook decodes durations, space-separated lists and level
// names from their string forms in the environment
func configDecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
			LevelToStringHookFunc(),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

var levelVarType = reflect.TypeOf((*slog.LevelVar)(nil)).Elem()

// LevelToStringHookFunc decodes level names into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// mapstructure dereferences non-nil struct pointer fields, so a
		// pre-populated *slog.LevelVar arrives here as the struct type
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", eventbot.DefaultDatabase)
	viper.SetDefault("database_type", eventbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", eventbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", eventbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("scheduler_log_level", eventbot.DefaultSchedulerLogLevel.String())
	viper.SetDefault("log_level", eventbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", eventbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", eventbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", eventbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", eventbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(eventbot.DefaultDiscordGatewayIntents))
	viper.SetDefault("discord.register_commands", true)

	// Forum posts and archiving
	viper.SetDefault("forum.channel_id", "")
	viper.SetDefault("forum.archive_delay_hours", eventbot.DefaultArchiveDelayHours)
	viper.SetDefault("forum.requests_per_second", eventbot.DefaultForumRequestsPerSec)
	viper.SetDefault("forum.request_burst", eventbot.DefaultForumRequestBurst)
	viper.SetDefault("forum.reconcile_schedule", eventbot.DefaultReconcileSchedule)

	viper.SetDefault("reminders.channel_id", "")
	viper.SetDefault("reminders.times", "")

	viper.SetDefault("meal.channel_id", "")
	viper.SetDefault("meal.streak_file", eventbot.DefaultStreakFile)
	viper.SetDefault("meal.humor_file", eventbot.DefaultHumorFile)
	viper.SetDefault("meal.modal_timeout", eventbot.DefaultMealModalTimeout)

	viper.SetDefault("food_fight.tally_file", eventbot.DefaultTallyFile)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", eventbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", eventbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", eventbot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", eventbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", eventbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", eventbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", eventbot.DefaultIdleTimeout)
	viper.SetDefault("api.login_rate_limit", eventbot.DefaultAPILoginRateLimit)
	viper.SetDefault("api.login_rate_burst", eventbot.DefaultAPILoginRateBurst)
	viper.SetDefault("api.ssl.tls_min_version", eventbot.DefaultAPITLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", eventbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", eventbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", eventbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", eventbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", eventbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(eventbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = eventbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed name is listed first, so it wins over the alias
	for key, alias := range legacyEnvAliases {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		fatalErr(viper.BindEnv(key, prefixed, alias))
	}

	for _, key := range levelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
