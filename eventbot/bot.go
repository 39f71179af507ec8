package eventbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	defaultReconcileTimeout      = 5 * time.Minute
	discordGatewayEventTimeout   = 2 * time.Minute
	shutdownAnnouncementInterval = 10 * time.Second
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/cweska/DiscordEventBot/eventbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires the discord session, the stores, the schedulers and the admin
// API together.
type Bot struct {
	config *Config

	// Read-only GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes are serialized with a mutex.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	clock Clock

	// Handles discord integration, sessions
	discord *Discord

	// Admin API. Nil when the API is disabled.
	api *API

	archiveScheduler  *Scheduler
	reminderScheduler *Scheduler
	archives          *ArchiveScheduler
	reminders         *ReminderScheduler
	forum             *ForumManager
	events            *EventHandler
	reconciler        *Reconciler
	streaks           *StreakTracker
	tallies           *TallyEngine
	humor             *HumorLoader
	meals             *MealService
	foodFights        *FoodFightService
	router            *InteractionRouter

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Bot.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set. The API
	// rejects protected requests until they are.
	pendingSetup atomic.Bool

	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// runCtx and runtimeWG are set by Run, and used to track work started
	// from gateway handlers
	runCtx    context.Context
	runtimeWG *sync.WaitGroup
}

// New validates the config and returns a Bot ready to Run
func New(config *Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setDefaultLevels(config)

	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		clock:         SystemClock{},
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(
		config.Discord,
		slog.New(newLogHandler(defaultLogWriter, config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	disc.bot = b
	b.discord = disc

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// setDefaultLevels fills in any log levels left unset, so a partially
// populated Config can still be used
func setDefaultLevels(config *Config) {
	levels := []struct {
		v   **slog.LevelVar
		def slog.Level
	}{
		{&config.LogLevel, DefaultLogLevel},
		{&config.DatabaseLogLevel, DefaultDatabaseLogLevel},
		{&config.SchedulerLogLevel, DefaultSchedulerLogLevel},
		{&config.Discord.LogLevel, DefaultDiscordLogLevel},
		{&config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel},
		{&config.API.LogLevel, DefaultAPILogLevel},
	}
	for _, l := range levels {
		if *l.v == nil {
			*l.v = &slog.LevelVar{}
			(*l.v).Set(l.def)
		}
	}
}

// RuntimeConfig returns a copy of the current runtime config
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	if b.runtimeConfig == nil {
		return RuntimeConfig{}
	}
	return *b.runtimeConfig
}

// RegisterSlashCommands overwrites the bot's slash commands. /cooked is
// only registered when a meal channel is configured.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(b.config.Meal.ChannelID != "", options...)
}

// Stop signals a running bot to shut down gracefully. It doesn't wait
// for the shutdown to finish.
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
		// already signaled
	}
}

// Run initializes the database, stores and schedulers, connects to
// discord and starts the API. It blocks until ctx is canceled or Stop
// is called, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		b.closeDB()
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeDB()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}
	startCancel()

	b.runCtx = ctx
	b.runtimeWG = runtimeWG

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			b.shutdown(ctx, runtimeWG),
		)
	}

	if b.reconciler != nil {
		b.reconciler.Start()
		logger.InfoContext(ctx, "scheduled reconciliation started", "next", b.reconciler.Next())
	}

	if err := b.humor.Watch(ctx); err != nil {
		logger.WarnContext(ctx, "unable to watch humor file, changes won't be reloaded", tint.Err(err))
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads the JSON stores and builds the
// services. It doesn't connect to discord.
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	runtimeCfg, err := loadRuntimeConfig(ctx, b.db, b.writeDB)
	if err != nil {
		return err
	}
	b.cfgMu.Lock()
	b.runtimeConfig = &runtimeCfg
	b.cfgMu.Unlock()
	if runtimeCfg.pendingSetup() {
		b.pendingSetup.Store(true)
		if b.api != nil {
			b.logger.WarnContext(
				ctx,
				fmt.Sprintf("admin credentials not set, pending setup at: %s%s", b.config.API.Listen, apiPathSetup),
			)
		}
	}

	b.streaks = NewStreakTracker(b.config.Meal.StreakFile, b.clock, b.logger)
	if err = b.streaks.Load(); err != nil {
		return fmt.Errorf("error loading streaks: %w", err)
	}
	b.tallies = NewTallyEngine(b.config.FoodFight.TallyFile, b.clock, b.logger)
	if err = b.tallies.Load(); err != nil {
		return fmt.Errorf("error loading food fights: %w", err)
	}
	b.humor = NewHumorLoader(b.config.Meal.HumorFile, b.logger)

	if b.discord.session == nil {
		session, sessionErr := b.discord.newSession()
		if sessionErr != nil {
			return fmt.Errorf("error creating discord session: %w", sessionErr)
		}
		b.discord.session = session
	}
	session := b.discord.session

	schedulerLogger := slog.New(newLogHandler(defaultLogWriter, b.config.SchedulerLogLevel))
	recorder := newTaskRunRecorder(b.writeDB, b.logger)
	b.archiveScheduler = NewScheduler(taskGroupArchive, b.clock, schedulerLogger, recorder)
	b.reminderScheduler = NewScheduler(taskGroupReminder, b.clock, schedulerLogger, recorder)

	b.forum = NewForumManager(session, b.writeDB, b.config.Forum, b.logger)
	b.archives = NewArchiveScheduler(
		b.archiveScheduler,
		b.forum,
		b.config.Forum.ArchiveDelay(),
		schedulerLogger,
	)

	var channel NotificationChannel
	if b.config.Reminders.ChannelID != "" {
		channel = newDiscordChannel(session, b.config.Reminders.ChannelID)
	}
	b.reminders = NewReminderScheduler(
		b.reminderScheduler,
		channel,
		ParseReminderTimes(b.config.Reminders.Times, b.logger),
		schedulerLogger,
	)
	if !b.reminders.Enabled() {
		b.logger.InfoContext(ctx, "reminders disabled (no channel or times configured)")
	}

	b.events = NewEventHandler(session, b.forum, b.archives, b.reminders, b.logger)
	if schedule := b.config.Forum.ReconcileSchedule; schedule != "" {
		b.reconciler, err = NewReconciler(
			schedule,
			b.events,
			b.discord.GuildIDs,
			defaultReconcileTimeout,
			b.logger,
		)
		if err != nil {
			return err
		}
	}

	b.meals = NewMealService(session, b.config.Meal, b.streaks, b.tallies, b.humor, b.clock, b.logger)
	b.foodFights = NewFoodFightService(session, b.tallies, b.logger)
	b.router = NewInteractionRouter(b.meals, b.foodFights, b.logger)
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	handler := newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	db, err := openDatabase(ctx, b.config, handler)
	if err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType != dbTypeSQLite,
	)
	return nil
}

func (b *Bot) closeDB() {
	if b.db == nil {
		return
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.Error("error closing database", tint.Err(err))
	}
}

// initDiscordSession sets the gateway identify payload and adds the
// gateway handlers. Each handler does its work in a new goroutine
// tracked by runtimeWG.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		return errors.New("discord session not initialized")
	}
	session := b.discord.session
	logger := b.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerGuildCreate()),
		session.AddHandler(b.discord.handlerGuildDelete()),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildScheduledEventCreate) {
				b.dispatch(ctx, runtimeWG, "scheduled_event_create", func(ctx context.Context) error {
					return b.events.OnCreate(ctx, e.GuildScheduledEvent)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildScheduledEventUpdate) {
				b.dispatch(ctx, runtimeWG, "scheduled_event_update", func(ctx context.Context) error {
					return b.events.OnUpdate(ctx, e.GuildScheduledEvent)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildScheduledEventDelete) {
				b.dispatch(ctx, runtimeWG, "scheduled_event_delete", func(ctx context.Context) error {
					return b.events.OnDelete(ctx, e.GuildScheduledEvent)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildScheduledEventUserAdd) {
				b.dispatch(ctx, runtimeWG, "scheduled_event_user_add", func(ctx context.Context) error {
					return b.events.OnSubscribersChanged(ctx, e.GuildID, e.GuildScheduledEventID, e.UserID, true)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, e *discordgo.GuildScheduledEventUserRemove) {
				b.dispatch(ctx, runtimeWG, "scheduled_event_user_remove", func(ctx context.Context) error {
					return b.events.OnSubscribersChanged(ctx, e.GuildID, e.GuildScheduledEventID, e.UserID, false)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				b.dispatch(ctx, runtimeWG, "message_reaction_add", func(ctx context.Context) error {
					b.foodFights.HandleReactionAdd(ctx, r.MessageReaction)
					return nil
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if ctx.Err() != nil {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					ictx, cancel := context.WithTimeout(ctx, discordInteractionTokenLifespan)
					defer cancel()
					b.router.Handle(ictx, session, i)
				}()
			},
		),
	}
	return nil
}

// dispatch runs fn in a new goroutine tracked by runtimeWG, logging any
// error and recovering from panics
func (b *Bot) dispatch(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	name string,
	fn func(ctx context.Context) error,
) {
	if ctx.Err() != nil {
		return
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ctx, cancel := context.WithTimeout(ctx, discordGatewayEventTimeout)
		defer cancel()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		if err := fn(ctx); err != nil {
			contextLoggerOr(ctx, b.logger).ErrorContext(
				ctx,
				"error handling gateway event",
				"event", name,
				tint.Err(err),
			)
		}
	}()
}

// onReady registers commands (if enabled) and reconciles existing
// scheduled events, for every Ready, including reconnects.
func (b *Bot) onReady() {
	ctx, runtimeWG := b.runCtx, b.runtimeWG
	if ctx == nil || runtimeWG == nil {
		return
	}
	b.dispatch(ctx, runtimeWG, "ready", func(ctx context.Context) error {
		var errs []error
		if b.config.Discord.RegisterCommands {
			regCtx, cancel := context.WithTimeout(ctx, discordStartupOperationTimeout)
			created, err := b.RegisterSlashCommands(discordgo.WithContext(regCtx))
			cancel()
			if err != nil {
				errs = append(errs, fmt.Errorf("error registering commands: %w", err))
			} else {
				b.logger.InfoContext(ctx, "registered commands", "count", len(created))
			}
		}

		reconcileCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReconcileTimeout)
		defer cancel()
		if err := b.events.ProcessExistingEvents(WithLogger(reconcileCtx, b.logger), b.discord.GuildIDs()); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

// shutdown stops accepting new work, waits for in-flight handlers and
// tasks until the shutdown timeout, then closes the database.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	var errs []error

	if b.reconciler != nil {
		b.reconciler.Stop(closeCtx)
	}

	if b.api != nil {
		logger.InfoContext(ctx, "stopping api http server")
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			_ = b.api.httpServer.Close()
			errs = append(errs, fmt.Errorf("error stopping api server: %w", err))
		}
	}

	if b.discord.session != nil {
		logger.InfoContext(ctx, "closing discord session")
		if err := b.discord.session.Close(); err != nil {
			logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
		}
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		b.discord.connected.Store(false)
	}

	if b.meals != nil {
		b.meals.Close()
	}

	// wait for anything spawned by gateway handlers
	handlersDone := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(handlersDone)
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

waitHandlers:
	for {
		select {
		case <-handlersDone:
			logger.InfoContext(ctx, "finished handling in-flight events")
			break waitHandlers
		case <-announcementTicker.C:
			logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline).String()))
		case <-closeCtx.Done():
			logger.Warn("in-flight events did not finish in time")
			errs = append(errs, errors.New("in-flight events did not finish in time"))
			break waitHandlers
		}
	}

	for _, s := range []*Scheduler{b.archiveScheduler, b.reminderScheduler} {
		if s == nil {
			continue
		}
		if err := s.Close(closeCtx); err != nil && !errors.Is(err, ErrSchedulerClosed) {
			errs = append(errs, err)
		}
	}

	b.closeDB()

	shutdownEnded := time.Now()
	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_ended", shutdownEnded,
		"shutdown_duration", shutdownEnded.Sub(shutdownStart),
	)
	return errors.Join(errs...)
}
