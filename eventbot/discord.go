package eventbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandCooked               = "cooked"
	DiscordSlashCommandFoodFightStart       = "foodfight-start"
	DiscordSlashCommandFoodFightEnd         = "foodfight-end"
	DiscordSlashCommandFoodFightRetroactive = "foodfight-add-retroactive"
	cookedPhotoOption                       = "photo"
	foodFightMessageIDOption                = "message_id"
	foodFightChannelOption                  = "channel"
	foodFightEmojisOption                   = "emojis"
	foodFightIDOption                       = "fight_id"
	discordThreadNameMaxLength              = 100
	discordForumAutoArchiveMinutes          = 1440
	discordArchivedThreadSearchLimit        = 50
	discordScheduledEventUsersPageSize      = 100
	discordReactionsPageSize                = 100
	discordMaxMessageLength                 = 2000
	discordEmbedFieldMaxLength              = 1024
	discordInteractionTokenLifespan         = 15 * time.Minute
	discordStartupOperationTimeout          = 30 * time.Second
)

// Discord manages the discord session, gateway handlers and the slash
// commands the bot registers.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// botUserID is set from the Ready event, and used as the application
	// ID when one isn't configured
	botUserID atomic.Value

	// guildIDs are the guilds reported on Ready and GuildCreate
	guildMu  sync.RWMutex
	guildIDs map[string]struct{}

	discordgoRemoveHandlerFuncs []func()
	bot                         *Bot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		guildIDs:                    map[string]struct{}{},
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// ApplicationID returns the configured application ID, or the bot user ID
// reported on Ready if one isn't configured.
func (d *Discord) ApplicationID() string {
	if d.config.ApplicationID != "" {
		return d.config.ApplicationID
	}
	if v, ok := d.botUserID.Load().(string); ok {
		return v
	}
	return ""
}

// GuildIDs returns the IDs of guilds the bot has been seen in
func (d *Discord) GuildIDs() []string {
	d.guildMu.RLock()
	defer d.guildMu.RUnlock()
	ids := make([]string, 0, len(d.guildIDs))
	for id := range d.guildIDs {
		ids = append(ids, id)
	}
	return ids
}

func (d *Discord) addGuild(guildID string) bool {
	if guildID == "" {
		return false
	}
	d.guildMu.Lock()
	defer d.guildMu.Unlock()
	if _, ok := d.guildIDs[guildID]; ok {
		return false
	}
	d.guildIDs[guildID] = struct{}{}
	return true
}

func (d *Discord) removeGuild(guildID string) {
	d.guildMu.Lock()
	defer d.guildMu.Unlock()
	delete(d.guildIDs, guildID)
}

// appCommandCooked creates the /cooked command, which opens the meal
// logging modal
func (*Discord) appCommandCooked() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCooked,
		Description: "Log a cooked meal with a photo",
		Type:        discordgo.ChatApplicationCommand,
		Contexts:    &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        cookedPhotoOption,
				Description: "Photo of the dish",
				Required:    true,
			},
		},
	}
}

func foodFightEmojisCommandOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        foodFightEmojisOption,
		Description: "Comma-separated list of valid team emojis (e.g., 🐕,🐈 or :dog:,:cat:)",
		Required:    required,
	}
}

func foodFightMessageIDCommandOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        foodFightMessageIDOption,
		Description: "The message ID of the announcement",
		Required:    true,
	}
}

func adminCommandPermissions() *int64 {
	var perms int64 = discordgo.PermissionAdministrator
	return &perms
}

// appCommandFoodFightStart creates the /foodfight-start command
func (*Discord) appCommandFoodFightStart() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandFoodFightStart,
		Description:              "Start tracking a food fight",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 &contexts,
		DefaultMemberPermissions: adminCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			foodFightMessageIDCommandOption(),
			{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         foodFightChannelOption,
				Description:  "The channel where the announcement is (optional, uses current channel if not provided)",
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			},
			foodFightEmojisCommandOption(false),
		},
	}
}

// appCommandFoodFightEnd creates the /foodfight-end command
func (*Discord) appCommandFoodFightEnd() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandFoodFightEnd,
		Description:              "End a food fight and show results",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 &contexts,
		DefaultMemberPermissions: adminCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        foodFightIDOption,
				Description: "The fight ID (e.g., fight_123456789)",
				Required:    true,
			},
		},
	}
}

// appCommandFoodFightRetroactive creates the /foodfight-add-retroactive command
func (*Discord) appCommandFoodFightRetroactive() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandFoodFightRetroactive,
		Description:              "Add a retroactive food fight (admin only)",
		Type:                     discordgo.ChatApplicationCommand,
		Contexts:                 &contexts,
		DefaultMemberPermissions: adminCommandPermissions(),
		Options: []*discordgo.ApplicationCommandOption{
			foodFightMessageIDCommandOption(),
			{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         foodFightChannelOption,
				Description:  "The channel where the announcement is",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			},
			foodFightEmojisCommandOption(true),
		},
	}
}

// commands returns the slash commands to register. /cooked is only
// included when meal logging is enabled.
func (d *Discord) commands(mealEnabled bool) []*discordgo.ApplicationCommand {
	var cmds []*discordgo.ApplicationCommand
	if mealEnabled {
		cmds = append(cmds, d.appCommandCooked())
	}
	return append(
		cmds,
		d.appCommandFoodFightStart(),
		d.appCommandFoodFightEnd(),
		d.appCommandFoodFightRetroactive(),
	)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	mealEnabled bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID := d.ApplicationID()
	if appID == "" {
		return nil, fmt.Errorf("no application ID configured or received from discord")
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		d.commands(mealEnabled),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.botUserID.Store(r.User.ID)
		}
		for _, g := range r.Guilds {
			d.addGuild(g.ID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
		if d.bot != nil {
			d.bot.onReady()
		}
	}
}

func (d *Discord) handlerGuildCreate() func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		if d.addGuild(g.ID) {
			d.logger.Info("joined guild", "guild_id", g.ID, "guild_name", g.Name)
		}
	}
}

func (d *Discord) handlerGuildDelete() func(
	s *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil || g.Unavailable {
			return
		}
		d.removeGuild(g.ID)
		d.logger.Info("removed from guild", "guild_id", g.ID)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message for a deferred
	// interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEdit replaces the content of a message
	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage gets a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Channel gets a channel or thread
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ChannelEdit modifies a channel or thread
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ForumThreadStart creates a forum post, with content as its starter
	// message
	ForumThreadStart(
		channelID string,
		name string,
		archiveDuration int,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// GuildThreadsActive lists all active threads in a guild
	GuildThreadsActive(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)

	// ThreadsArchived lists public archived threads in a channel
	ThreadsArchived(
		channelID string,
		before *time.Time,
		limit int,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)

	// GuildScheduledEvents lists a guild's scheduled events
	GuildScheduledEvents(
		guildID string,
		userCount bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.GuildScheduledEvent, error)

	// GuildScheduledEvent gets a single scheduled event
	GuildScheduledEvent(
		guildID string,
		eventID string,
		userCount bool,
		options ...discordgo.RequestOption,
	) (*discordgo.GuildScheduledEvent, error)

	// GuildScheduledEventUsers gets one page of a scheduled event's
	// subscribers
	GuildScheduledEventUsers(
		guildID string,
		eventID string,
		limit int,
		withMember bool,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.GuildScheduledEventUser, error)

	// MessageReactions gets one page of users who reacted to a message
	// with the given emoji
	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.User, error)

	// GuildEmojis lists a guild's custom emojis
	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "command_id", c.ID)
	}

	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEdit(channelID, data, options...)
}

func (d DiscordSession) ForumThreadStart(
	channelID string,
	name string,
	archiveDuration int,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	thread, err := d.session.ForumThreadStart(
		channelID,
		name,
		archiveDuration,
		content,
		options...,
	)
	if err != nil {
		d.logger.Error(
			"error creating forum thread",
			tint.Err(err),
			"channel_id", channelID,
			"name", name,
		)
	} else {
		d.logger.Info(
			"created forum thread",
			"channel_id", channelID,
			"thread_id", thread.ID,
			"name", name,
		)
	}
	return thread, err
}

func (d DiscordSession) GuildThreadsActive(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.GuildThreadsActive(guildID, options...)
}

func (d DiscordSession) ThreadsArchived(
	channelID string,
	before *time.Time,
	limit int,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.ThreadsArchived(channelID, before, limit, options...)
}

func (d DiscordSession) GuildScheduledEvents(
	guildID string,
	userCount bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.GuildScheduledEvent, error) {
	return d.session.GuildScheduledEvents(guildID, userCount, options...)
}

func (d DiscordSession) GuildScheduledEvent(
	guildID string,
	eventID string,
	userCount bool,
	options ...discordgo.RequestOption,
) (*discordgo.GuildScheduledEvent, error) {
	return d.session.GuildScheduledEvent(guildID, eventID, userCount, options...)
}

func (d DiscordSession) GuildScheduledEventUsers(
	guildID string,
	eventID string,
	limit int,
	withMember bool,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.GuildScheduledEventUser, error) {
	return d.session.GuildScheduledEventUsers(
		guildID,
		eventID,
		limit,
		withMember,
		beforeID,
		afterID,
		options...,
	)
}

func (d DiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	return d.session.MessageReactions(
		channelID,
		messageID,
		emojiID,
		limit,
		beforeID,
		afterID,
		options...,
	)
}

func (d DiscordSession) GuildEmojis(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	return d.session.GuildEmojis(guildID, options...)
}

// discordChannel is a NotificationChannel that posts to a discord text
// channel
type discordChannel struct {
	session   DiscordSessionHandler
	channelID string
}

func newDiscordChannel(session DiscordSessionHandler, channelID string) *discordChannel {
	return &discordChannel{session: session, channelID: channelID}
}

func (c *discordChannel) Send(ctx context.Context, text string) error {
	_, err := c.session.ChannelMessageSend(
		c.channelID,
		truncate(text, discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return upstreamError("send channel message", "channel", c.channelID, err)
	}
	return nil
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// isGuildAdmin reports whether the interaction was sent by a guild member
// with the Administrator permission
func isGuildAdmin(i *discordgo.InteractionCreate) bool {
	if i.GuildID == "" || i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}
