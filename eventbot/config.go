//nolint:lll // struct tags can't be split
package eventbot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "EVENTBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "EB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "eventbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout   = 60 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultArchiveDelayHours     = 24
	DefaultForumRequestsPerSec   = 2
	DefaultForumRequestBurst     = 4
	DefaultReconcileSchedule     = "@every 30m"
	DefaultStreakFile            = "data/meal_stats.json"
	DefaultTallyFile             = "data/food_fights.json"
	DefaultHumorFile             = "data/humor.txt"
	DefaultMealModalTimeout      = 180 * time.Second
	DefaultDiscordGatewayIntents = discordgo.IntentGuilds |
		discordgo.IntentGuildScheduledEvents |
		discordgo.IntentGuildMessageReactions |
		discordgo.IntentGuildEmojis

	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultSchedulerLogLevel     = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultAPISessionMaxAge      = 6 * time.Hour
	DefaultAPITLSMinVersion      = tls.VersionTLS12
	DefaultAPILoginRateLimit     = 1
	DefaultAPILoginRateBurst     = 5

	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// structValidator validates Config and API payloads using the `binding`
// struct tag, the same tag gin uses for request binding.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string (a file path for sqlite)
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// sqlite or postgres
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// Level for gorm's query logging
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than this are logged at warn
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Forum *ForumConfig `yaml:"forum" mapstructure:"forum" json:"forum" binding:"required"`

	Reminders *ReminderConfig `yaml:"reminders" mapstructure:"reminders" json:"reminders" binding:"required"`

	Meal *MealConfig `yaml:"meal" mapstructure:"meal" json:"meal" binding:"required"`

	// FoodFight configures where tally sessions are persisted
	FoodFight *FoodFightConfig `yaml:"food_fight" mapstructure:"food_fight" json:"food_fight" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// SchedulerLogLevel sets the log level for the archive and reminder
	// schedulers
	SchedulerLogLevel *slog.LevelVar `yaml:"scheduler_log_level" mapstructure:"scheduler_log_level" json:"scheduler_log_level"`

	// Level for the default logger and any component without its own
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Run fails if the database, stores and gateway aren't ready within
	// this long
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// How long Stop waits for in-flight actions and the API server
	// before closing the session and database anyway
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its `binding` tags
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Bot token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. If empty, the bot user ID reported on Ready
	// is used when registering commands.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// Guild slash commands are registered to. Empty registers them
	// globally, which can take a while to propagate.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Level for discordgo's own logger, separate from LogLevel
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Needs at least guilds, scheduled events and reactions
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// RegisterCommands overwrites the bot's slash commands on Ready
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	httpClient *http.Client
}

// ForumConfig configures the forum channel that event posts are created in
type ForumConfig struct {
	// ID of the forum channel
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required,numeric"`

	// Hours after an event's end at which its thread is archived
	ArchiveDelayHours int `yaml:"archive_delay_hours" mapstructure:"archive_delay_hours" json:"archive_delay_hours" binding:"min=0"`

	// RequestsPerSecond limits forum-related REST calls
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`

	// RequestBurst is the burst size for RequestsPerSecond
	RequestBurst int `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=1"`

	// ReconcileSchedule is a cron spec for re-processing existing scheduled
	// events. Leave empty to only reconcile on Ready.
	ReconcileSchedule string `yaml:"reconcile_schedule" mapstructure:"reconcile_schedule" json:"reconcile_schedule"`
}

// ArchiveDelay returns ArchiveDelayHours as a duration
func (f ForumConfig) ArchiveDelay() time.Duration {
	return time.Duration(f.ArchiveDelayHours) * time.Hour
}

// ReminderConfig configures event reminders. Reminders are disabled
// unless both a channel and at least one time are set.
type ReminderConfig struct {
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"omitempty,numeric"`

	// Comma-separated offsets before an event's start, ex: "1d,1h,10m"
	Times string `yaml:"times" mapstructure:"times" json:"times"`
}

// MealConfig configures the /cooked command
type MealConfig struct {
	// Channel meal posts are sent to. /cooked isn't registered without it.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"omitempty,numeric"`

	// Path to the meal streak file
	StreakFile string `yaml:"streak_file" mapstructure:"streak_file" json:"streak_file" binding:"required"`

	// Path to a file with one humor line per line. It's reloaded on change.
	HumorFile string `yaml:"humor_file" mapstructure:"humor_file" json:"humor_file"`

	// How long a pending photo waits for the modal to be submitted
	ModalTimeout time.Duration `yaml:"modal_timeout" mapstructure:"modal_timeout" json:"modal_timeout" binding:"min=1s"`
}

// FoodFightConfig configures team tally sessions
type FoodFightConfig struct {
	// Path to the tally file
	TallyFile string `yaml:"tally_file" mapstructure:"tally_file" json:"tally_file" binding:"required"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled determines if the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// host:port, or a socket path when ListenNetwork is unix
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Session cookies are signed with a key derived from this. A random
	// secret is generated when empty, so sessions won't survive a restart.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// http.Server timeouts
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Login attempts allowed per second, across all clients
	LoginRateLimit float64 `yaml:"login_rate_limit" mapstructure:"login_rate_limit" json:"login_rate_limit" binding:"gt=0"`

	// Burst size for LoginRateLimit
	LoginRateBurst int `yaml:"login_rate_burst" mapstructure:"login_rate_burst" json:"login_rate_burst" binding:"min=1"`

	// Enables pprof endpoints, and sets the SameSite attribute of the
	// session cookie to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// tls.VersionTLS12 by default
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled reports whether both a cert and key are configured
func (s SSLConfig) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

// DefaultCORSConfig returns the default CORS settings. The slices are
// copies, so callers can modify them.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		SchedulerLogLevel:     newLevelVar(DefaultSchedulerLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntents,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			RegisterCommands:  true,
		},
		Forum: &ForumConfig{
			ArchiveDelayHours: DefaultArchiveDelayHours,
			RequestsPerSecond: DefaultForumRequestsPerSec,
			RequestBurst:      DefaultForumRequestBurst,
			ReconcileSchedule: DefaultReconcileSchedule,
		},
		Reminders: &ReminderConfig{},
		Meal: &MealConfig{
			StreakFile:   DefaultStreakFile,
			HumorFile:    DefaultHumorFile,
			ModalTimeout: DefaultMealModalTimeout,
		},
		FoodFight: &FoodFightConfig{
			TallyFile: DefaultTallyFile,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			LoginRateLimit:    DefaultAPILoginRateLimit,
			LoginRateBurst:    DefaultAPILoginRateBurst,
			CORS:              DefaultCORSConfig(),
		},
	}
}
