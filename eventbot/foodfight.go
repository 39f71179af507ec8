package eventbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	foodFightIDPrefix        = "fight_"
	foodFightTimeFormat      = "2006-01-02 15:04:05 UTC"
	foodFightResultsColor    = 0xF1C40F
	foodFightResultsTitle    = "🍽️ Food Fight Results"
	foodFightResultsFooter   = "Food Fight Results"
	foodFightStandingsField  = "🏆 Final Standings"
	foodFightBreakdownField  = "📊 Participant Breakdown"
	foodFightDurationField   = "⏰ Duration"
	foodFightAdminRequired   = "You need administrator permissions to use this command."
	foodFightInvalidMsgID    = "Invalid message ID. Please provide a valid numeric message ID."
	foodFightInvalidChannel  = "Please specify a text channel or use this command in a text channel."
	foodFightNoPermission    = "I don't have permission to read messages in that channel."
	foodFightNoEmojis        = "Please provide at least one valid team emoji."
	foodFightNoTeamReactions = "No valid team reactions found on the message. " +
		"Make sure users have reacted with the specified team emojis."
)

var foodFightMedals = []string{"🥇", "🥈", "🥉"}

// FoodFightID returns the session ID used for an announcement message
func FoodFightID(messageID string) string {
	return foodFightIDPrefix + messageID
}

// ParseTeamEmojis splits a comma-separated emoji list. Entries written
// as :name: are resolved to the guild's custom emoji with that name, if
// there is one.
func ParseTeamEmojis(s string, guildEmojis []*discordgo.Emoji) []string {
	var teams []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(part) > 2 && strings.HasPrefix(part, ":") && strings.HasSuffix(part, ":") {
			name := part[1 : len(part)-1]
			if idx := slices.IndexFunc(
				guildEmojis,
				func(e *discordgo.Emoji) bool { return e.Name == name },
			); idx >= 0 {
				part = guildEmojis[idx].MessageFormat()
			}
		}
		teams = append(teams, part)
	}
	return teams
}

// FoodFightResultsEmbed renders a session's final standings
func FoodFightResultsEmbed(t Tallies) *discordgo.MessageEmbed {
	ranked := t.Ranked()

	var standings strings.Builder
	for idx, team := range ranked.Teams {
		medal := fmt.Sprintf("%d.", idx+1)
		if idx < len(foodFightMedals) {
			medal = foodFightMedals[idx]
		}
		fmt.Fprintf(
			&standings,
			"%s %s Team: **%d** dishes (%d participants)\n",
			medal,
			team.Team,
			team.Total,
			len(team.Participants),
		)
	}

	var breakdown strings.Builder
	for _, team := range ranked.Teams {
		fmt.Fprintf(&breakdown, "\n**%s Team:**\n", team.Team)
		if len(team.Participants) == 0 {
			breakdown.WriteString("  No dishes logged\n")
			continue
		}
		for _, p := range team.Participants {
			fmt.Fprintf(
				&breakdown,
				"  • <@%s>: %d %s\n",
				p.SubjectID,
				p.Count,
				pluralize(p.Count, "dish", "dishes"),
			)
		}
	}

	ended := "Ongoing"
	if t.EndInstant != nil {
		ended = t.EndInstant.UTC().Format(foodFightTimeFormat)
	}

	fields := []*discordgo.MessageEmbedField{
		{
			Name:  foodFightStandingsField,
			Value: truncate(standings.String(), discordEmbedFieldMaxLength),
		},
	}
	if breakdown.Len() > 0 {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  foodFightBreakdownField,
				Value: truncate(breakdown.String(), discordEmbedFieldMaxLength),
			},
		)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{
			Name: foodFightDurationField,
			Value: fmt.Sprintf(
				"Started: %s\nEnded: %s",
				t.StartInstant.UTC().Format(foodFightTimeFormat),
				ended,
			),
		},
	)

	return &discordgo.MessageEmbed{
		Title:       foodFightResultsTitle,
		Description: fmt.Sprintf("**Fight ID:** `%s`", t.SessionID),
		Color:       foodFightResultsColor,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: foodFightResultsFooter},
	}
}

// FoodFightService handles the food fight slash commands, building
// team rosters from reactions on an announcement message.
type FoodFightService struct {
	session DiscordSessionHandler
	tallies *TallyEngine
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewFoodFightService(
	session DiscordSessionHandler,
	tallies *TallyEngine,
	logger *slog.Logger,
) *FoodFightService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FoodFightService{
		session: session,
		tallies: tallies,
		logger:  logger.With(loggerNameKey, "food_fight"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// foodFightRequest holds the validated options of a start or
// retroactive command
type foodFightRequest struct {
	MessageID string
	Channel   *discordgo.Channel
	Emojis    string
}

// replyError is a user-facing failure, sent back as-is
type replyError struct {
	msg string
}

func (e *replyError) Error() string {
	return e.msg
}

func replyErrorf(format string, args ...any) error {
	return &replyError{msg: fmt.Sprintf(format, args...)}
}

// HandleStart handles /foodfight-start and /foodfight-add-retroactive.
// The two differ only in their replies, and in the retroactive command
// requiring a channel.
func (f *FoodFightService) HandleStart(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	retroactive bool,
) {
	logger := contextLoggerOr(ctx, f.logger)
	if !isGuildAdmin(i) {
		_ = respondMessage(ctx, f.session, i.Interaction, foodFightAdminRequired, true)
		return
	}
	if err := respondDeferred(ctx, f.session, i.Interaction, true); err != nil {
		logger.ErrorContext(ctx, "error deferring food fight command", tint.Err(err))
		return
	}

	reply, err := f.start(ctx, i, retroactive)
	if err != nil {
		var re *replyError
		if errors.As(err, &re) {
			reply = re.msg
		} else {
			logger.ErrorContext(ctx, "error starting food fight", tint.Err(err))
			reply = fmt.Sprintf("An error occurred: %s", err)
		}
	}
	_ = followupMessage(ctx, f.session, i.Interaction, reply, true)
}

func (f *FoodFightService) start(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	retroactive bool,
) (string, error) {
	logger := contextLoggerOr(ctx, f.logger)
	req, err := f.request(ctx, i)
	if err != nil {
		return "", err
	}

	msg, err := f.session.ChannelMessage(req.Channel.ID, req.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusNotFound:
				return "", replyErrorf("Message %s not found in <#%s>.", req.MessageID, req.Channel.ID)
			case http.StatusForbidden:
				return "", replyErrorf(foodFightNoPermission)
			}
		}
		logger.ErrorContext(ctx, "error fetching message", "message_id", req.MessageID, tint.Err(err))
		return "", replyErrorf("Error fetching message: %s", err)
	}

	var guildEmojis []*discordgo.Emoji
	if strings.TrimSpace(req.Emojis) != "" {
		guildEmojis, err = f.session.GuildEmojis(i.GuildID, discordgo.WithContext(ctx))
		if err != nil {
			logger.WarnContext(ctx, "error listing guild emojis", tint.Err(err))
		}
	}
	teams := ParseTeamEmojis(req.Emojis, guildEmojis)
	if len(teams) == 0 {
		return "", replyErrorf(foodFightNoEmojis)
	}

	reactions := f.teamReactions(ctx, msg, teams)
	f.rngMu.Lock()
	roster := ResolveTeams(reactions, teams, f.rng)
	f.rngMu.Unlock()
	if len(roster) == 0 {
		return "", replyErrorf(foodFightNoTeamReactions)
	}

	sessionID := FoodFightID(req.MessageID)
	startInstant := msg.Timestamp.UTC()
	_, err = f.tallies.StartSession(
		StartSessionParams{
			SessionID:             sessionID,
			ValidTeams:            teams,
			Assignments:           roster,
			StartInstant:          startInstant,
			AnnouncementMessageID: req.MessageID,
			ChannelID:             req.Channel.ID,
		},
	)
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			if retroactive {
				return "", replyErrorf("A food fight with ID `%s` already exists.", sessionID)
			}
			return "", replyErrorf("A food fight with ID `%s` is already active.", sessionID)
		}
		if !errors.Is(err, ErrTransientIO) {
			return "", err
		}
		logger.WarnContext(ctx, "food fight started but not saved", "session_id", sessionID, tint.Err(err))
	}

	logger.InfoContext(
		ctx,
		"started food fight",
		"session_id", sessionID,
		"participants", len(roster),
		"teams", teams,
		"retroactive", retroactive,
	)

	started := startInstant.Format(foodFightTimeFormat)
	if retroactive {
		return fmt.Sprintf(
			"✅ Retroactive food fight added!\n"+
				"**Fight ID:** `%s`\n"+
				"**Participants:** %d users\n"+
				"**Teams:** %s\n"+
				"**Start time:** %s (message creation time)",
			sessionID,
			len(roster),
			strings.Join(teams, ", "),
			started,
		), nil
	}
	return fmt.Sprintf(
		"✅ Food fight started!\n"+
			"**Fight ID:** `%s`\n"+
			"**Participants:** %d users\n"+
			"**Teams:** %s\n"+
			"Tracking dishes logged via `/cooked` starting from %s",
		sessionID,
		len(roster),
		strings.Join(teams, ", "),
		started,
	), nil
}

// request validates the command options. The announcement channel
// defaults to the channel the command was used in.
func (f *FoodFightService) request(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (foodFightRequest, error) {
	var req foodFightRequest
	opts := discordInteractionOptions(i)

	if opt, ok := opts[foodFightMessageIDOption]; ok {
		req.MessageID = strings.TrimSpace(opt.StringValue())
	}
	if _, err := strconv.ParseUint(req.MessageID, 10, 64); err != nil {
		return req, replyErrorf(foodFightInvalidMsgID)
	}

	channelID := i.ChannelID
	if opt, ok := opts[foodFightChannelOption]; ok {
		channelID = opt.ChannelValue(nil).ID
	}
	if channelID == "" {
		return req, replyErrorf(foodFightInvalidChannel)
	}
	channel, err := f.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil || channel.Type != discordgo.ChannelTypeGuildText {
		if err != nil {
			contextLoggerOr(ctx, f.logger).WarnContext(
				ctx,
				"error getting channel",
				"channel_id", channelID,
				tint.Err(err),
			)
		}
		return req, replyErrorf(foodFightInvalidChannel)
	}
	req.Channel = channel

	if opt, ok := opts[foodFightEmojisOption]; ok {
		req.Emojis = opt.StringValue()
	}
	return req, nil
}

// teamReactions enumerates every non-bot user who reacted to the message
// with one of the team emojis. Failures for one emoji are logged and
// skipped.
func (f *FoodFightService) teamReactions(
	ctx context.Context,
	msg *discordgo.Message,
	teams []string,
) []Reaction {
	logger := contextLoggerOr(ctx, f.logger)
	var reactions []Reaction
	for _, r := range msg.Reactions {
		if r.Emoji == nil {
			continue
		}
		team := r.Emoji.MessageFormat()
		if !slices.Contains(teams, team) {
			continue
		}
		users, err := f.reactionUsers(ctx, msg.ChannelID, msg.ID, r.Emoji.APIName())
		if err != nil {
			logger.WarnContext(ctx, "error fetching users for reaction", "emoji", team, tint.Err(err))
			continue
		}
		for _, u := range users {
			if u.Bot {
				continue
			}
			reactions = append(reactions, Reaction{SubjectID: u.ID, Team: team})
		}
	}
	return reactions
}

func (f *FoodFightService) reactionUsers(
	ctx context.Context,
	channelID string,
	messageID string,
	emojiID string,
) ([]*discordgo.User, error) {
	var users []*discordgo.User
	afterID := ""
	for {
		page, err := f.session.MessageReactions(
			channelID,
			messageID,
			emojiID,
			discordReactionsPageSize,
			"",
			afterID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return users, upstreamError("list reactions", "message", messageID, err)
		}
		users = append(users, page...)
		if len(page) < discordReactionsPageSize {
			return users, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// HandleEnd handles /foodfight-end, posting the results publicly
func (f *FoodFightService) HandleEnd(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := contextLoggerOr(ctx, f.logger)
	if !isGuildAdmin(i) {
		_ = respondMessage(ctx, f.session, i.Interaction, foodFightAdminRequired, true)
		return
	}

	var sessionID string
	if opt, ok := discordInteractionOptions(i)[foodFightIDOption]; ok {
		sessionID = strings.TrimSpace(opt.StringValue())
	}

	_, err := f.tallies.EndSessionNow(sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = respondMessage(
				ctx,
				f.session,
				i.Interaction,
				fmt.Sprintf("Food fight `%s` not found or already ended.", sessionID),
				true,
			)
			return
		}
		if !errors.Is(err, ErrTransientIO) {
			logger.ErrorContext(ctx, "error ending food fight", tint.Err(err))
			_ = respondMessage(ctx, f.session, i.Interaction, fmt.Sprintf("An error occurred: %s", err), true)
			return
		}
		logger.WarnContext(ctx, "food fight ended but not saved", "session_id", sessionID, tint.Err(err))
	}

	tallies, err := f.tallies.GetTallies(sessionID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting tallies", "session_id", sessionID, tint.Err(err))
		_ = respondMessage(
			ctx,
			f.session,
			i.Interaction,
			fmt.Sprintf("Error retrieving tallies for food fight `%s`.", sessionID),
			true,
		)
		return
	}

	err = f.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{FoodFightResultsEmbed(tallies)},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending food fight results", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "ended food fight", "session_id", sessionID)
}

// HandleReactionAdd notes reactions added to an active announcement.
// Rosters are fixed when a session starts, so this only logs.
func (f *FoodFightService) HandleReactionAdd(ctx context.Context, r *discordgo.MessageReaction) {
	if r == nil || r.MessageID == "" {
		return
	}
	for _, s := range f.tallies.ActiveSessions() {
		if s.AnnouncementMessageID != r.MessageID {
			continue
		}
		if slices.Contains(s.ValidTeams, r.Emoji.MessageFormat()) {
			f.logger.DebugContext(
				ctx,
				"user reacted to food fight announcement",
				"user_id", r.UserID,
				"emoji", r.Emoji.MessageFormat(),
				"session_id", s.SessionID,
			)
		}
		return
	}
}
