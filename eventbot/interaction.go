package eventbot

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// interactionLogAttrs returns attributes identifying an interaction, for
// use in a log group
func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{
		slog.String("id", i.ID),
		slog.String("type", i.Type.String()),
		slog.String("guild_id", i.GuildID),
		slog.String("channel_id", i.ChannelID),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		attrs = append(attrs, slog.String("command", i.ApplicationCommandData().Name))
	case discordgo.InteractionModalSubmit:
		attrs = append(attrs, slog.String("custom_id", i.ModalSubmitData().CustomID))
	}
	if u := getDiscordUser(&i); u != nil {
		attrs = append(attrs, slog.String("user_id", u.ID), slog.String("username", u.Username))
	}
	return attrs
}

// respondMessage sends a message as the initial interaction response
func respondMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.Interaction,
	content string,
	ephemeral bool,
) error {
	data := &discordgo.InteractionResponseData{
		Content: truncate(content, discordMaxMessageLength),
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		contextLoggerOr(ctx, nil).ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

// respondDeferred acknowledges the interaction, to be followed up with
// followupMessage
func respondDeferred(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.Interaction,
	ephemeral bool,
) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return session.InteractionRespond(i, resp, discordgo.WithContext(ctx))
}

// followupMessage sends a followup message to a deferred interaction
func followupMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.Interaction,
	content string,
	ephemeral bool,
) error {
	params := &discordgo.WebhookParams{Content: truncate(content, discordMaxMessageLength)}
	if ephemeral {
		params.Flags = discordgo.MessageFlagsEphemeral
	}
	_, err := session.FollowupMessageCreate(i, true, params, discordgo.WithContext(ctx))
	if err != nil {
		contextLoggerOr(ctx, nil).ErrorContext(ctx, "error sending followup message", tint.Err(err))
	}
	return err
}

// InteractionRouter dispatches slash commands and modal submissions to
// the services that handle them.
type InteractionRouter struct {
	meals      *MealService
	foodFights *FoodFightService
	logger     *slog.Logger
}

func NewInteractionRouter(
	meals *MealService,
	foodFights *FoodFightService,
	logger *slog.Logger,
) *InteractionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionRouter{
		meals:      meals,
		foodFights: foodFights,
		logger:     logger.With(loggerNameKey, "interactions"),
	}
}

// Handle routes the interaction. Panics are recovered and logged.
func (r *InteractionRouter) Handle(ctx context.Context, session DiscordSessionHandler, i *discordgo.InteractionCreate) {
	logger := r.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	u := getDiscordUser(i)
	if u == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if u.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}
	logger.InfoContext(ctx, "received new interaction")

	switch i.Type {
	case discordgo.InteractionPing:
		_ = session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			discordgo.WithContext(ctx),
		)
	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		if r.meals != nil && r.meals.ownsModal(customID) {
			r.meals.HandleModalSubmit(ctx, i)
			return
		}
		logger.WarnContext(ctx, "unknown modal", "custom_id", customID)
	case discordgo.InteractionApplicationCommand:
		r.handleCommand(ctx, session, i)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (r *InteractionRouter) handleCommand(
	ctx context.Context,
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
) {
	name := i.ApplicationCommandData().Name
	switch name {
	case DiscordSlashCommandCooked:
		if r.meals != nil && r.meals.Enabled() {
			r.meals.HandleCommand(ctx, i)
			return
		}
	case DiscordSlashCommandFoodFightStart:
		r.foodFights.HandleStart(ctx, i, false)
		return
	case DiscordSlashCommandFoodFightRetroactive:
		r.foodFights.HandleStart(ctx, i, true)
		return
	case DiscordSlashCommandFoodFightEnd:
		r.foodFights.HandleEnd(ctx, i)
		return
	}
	contextLoggerOr(ctx, r.logger).WarnContext(ctx, "unknown command", "command", name)
	_ = respondMessage(ctx, session, i.Interaction, "Unknown command.", true)
}
