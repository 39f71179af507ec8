package eventbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// EventPost is what gets rendered into an event's forum post.
type EventPost struct {
	EventID      string
	GuildID      string
	Name         string
	Description  string
	Start        time.Time
	End          time.Time
	CalendarLink string
	Participants []Subject
}

func (p EventPost) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("event_id", p.EventID),
		slog.String("guild_id", p.GuildID),
		slog.String("name", p.Name),
		slog.Int("participants", len(p.Participants)),
	)
}

// calendarLink generates a calendar link from the post's event details
func (p EventPost) calendarLink() string {
	return CalendarLink(p.Name, p.Description, p.Start, p.End)
}

// FormatEventContent renders the body of an event's forum post
func FormatEventContent(p EventPost) string {
	var parts []string

	if p.Description != "" {
		parts = append(parts, fmt.Sprintf("**Event Description:**\n%s\n", p.Description))
	}

	parts = append(parts, fmt.Sprintf("**Start Time:** <t:%d:F>", p.Start.Unix()))
	if p.End.IsZero() {
		parts = append(parts, "**End Time:** Not specified\n")
	} else {
		parts = append(parts, fmt.Sprintf("**End Time:** <t:%d:F>\n", p.End.Unix()))
	}

	if p.CalendarLink != "" {
		parts = append(
			parts,
			"📅 **Add to Calendar:**",
			fmt.Sprintf("[Click here to add to Google Calendar](%s)\n", p.CalendarLink),
		)
	}

	parts = append(parts, fmt.Sprintf("**Participants:** %d", len(p.Participants)))
	if len(p.Participants) > 0 {
		parts = append(parts, formatMentions(p.Participants, ", "))
	} else {
		parts = append(parts, "No participants yet. Join the event to be added!")
	}

	parts = append(
		parts,
		"\n---",
		"💬 **Use this space to:**",
		"• Share what you're planning to cook",
		"• Chat before the event starts",
		"• Post updates while cooking",
		"• Share photos of your finished meal",
		"• Give kudos to others!",
	)
	return strings.Join(parts, "\n")
}

// ForumManager creates and maintains one forum post per scheduled event,
// persisting the event to thread mapping in the forum_posts table.
type ForumManager struct {
	session   DiscordSessionHandler
	db        *gorm.DB
	writeDB   DBI
	channelID string
	limiter   *rate.Limiter
	logger    *slog.Logger

	// postMu serializes create/update for the same event, so concurrent
	// gateway events don't race to create duplicate threads
	postMu sync.Mutex
}

func NewForumManager(
	session DiscordSessionHandler,
	writeDB DBI,
	config *ForumConfig,
	logger *slog.Logger,
) *ForumManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForumManager{
		session:   session,
		db:        writeDB.DB(),
		writeDB:   writeDB,
		channelID: config.ChannelID,
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RequestBurst),
		logger:    logger.With(loggerNameKey, "forum_manager"),
	}
}

// ChannelID returns the forum channel posts are created in
func (f *ForumManager) ChannelID() string {
	return f.channelID
}

// Post returns the active (non-archived) post for the event
func (f *ForumManager) Post(ctx context.Context, eventID string) (ForumPost, bool, error) {
	var post ForumPost
	err := f.db.WithContext(ctx).
		Where(columnForumPostEventID+" = ?", eventID).
		Where(columnForumPostArchived+" = ?", false).
		Take(&post).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return post, false, nil
		}
		return post, false, fmt.Errorf("error getting forum post for event %s: %w", eventID, err)
	}
	return post, true, nil
}

// Posts returns all active posts
func (f *ForumManager) Posts(ctx context.Context) ([]ForumPost, error) {
	var posts []ForumPost
	err := f.db.WithContext(ctx).
		Where(columnForumPostArchived+" = ?", false).
		Order(columnForumPostEventID).
		Find(&posts).Error
	return posts, err
}

// CachedParticipants returns the last non-empty participant list seen for
// the event
func (f *ForumManager) CachedParticipants(ctx context.Context, eventID string) ([]Subject, bool) {
	post, ok, err := f.Post(ctx, eventID)
	if err != nil {
		f.logger.ErrorContext(ctx, "error reading cached participants", "event_id", eventID, tint.Err(err))
		return nil, false
	}
	if !ok || len(post.Participants) == 0 {
		return nil, false
	}
	return post.Participants, true
}

// LinkThread records an existing thread as the event's post, typically
// one found by FindExistingThread after a restart
func (f *ForumManager) LinkThread(ctx context.Context, p EventPost, threadID string) (ForumPost, error) {
	post := ForumPost{
		EventID:      p.EventID,
		ThreadID:     threadID,
		GuildID:      p.GuildID,
		Name:         p.Name,
		CalendarLink: p.CalendarLink,
		Participants: p.Participants,
	}
	if _, err := f.writeDB.Upsert(ctx, &post); err != nil {
		return post, fmt.Errorf("error linking thread %s to event %s: %w", threadID, p.EventID, err)
	}
	f.logger.InfoContext(ctx, "linked existing forum thread", "post", post)
	return post, nil
}

// CreatePost creates the forum post for an event. If the event already
// has an active post, that post is returned unchanged.
func (f *ForumManager) CreatePost(ctx context.Context, p EventPost) (ForumPost, error) {
	f.postMu.Lock()
	defer f.postMu.Unlock()
	return f.createPost(ctx, p)
}

func (f *ForumManager) createPost(ctx context.Context, p EventPost) (ForumPost, error) {
	logger := contextLoggerOr(ctx, f.logger)

	existing, ok, err := f.Post(ctx, p.EventID)
	if err != nil {
		return existing, err
	}
	if ok {
		logger.WarnContext(
			ctx,
			"forum post already exists for event, skipping creation",
			"event_id", p.EventID,
			"thread_id", existing.ThreadID,
		)
		return existing, nil
	}

	if err = f.limiter.Wait(ctx); err != nil {
		return existing, err
	}
	thread, err := f.session.ForumThreadStart(
		f.channelID,
		truncate(p.Name, discordThreadNameMaxLength),
		discordForumAutoArchiveMinutes,
		truncate(FormatEventContent(p), discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return existing, upstreamError("create forum post", "channel", f.channelID, err)
	}

	post := ForumPost{
		EventID:      p.EventID,
		ThreadID:     thread.ID,
		GuildID:      p.GuildID,
		Name:         p.Name,
		CalendarLink: p.CalendarLink,
		Participants: p.Participants,
	}
	if _, err = f.writeDB.Upsert(ctx, &post); err != nil {
		return post, fmt.Errorf("error saving forum post for event %s: %w", p.EventID, err)
	}
	logger.InfoContext(ctx, "created forum post", "post", post)
	return post, nil
}

// UpdatePost re-renders an event's post. The post is created if the event
// doesn't have one. An empty CalendarLink keeps the stored link (or
// generates one), and an empty participant list falls back to the last
// known participants.
func (f *ForumManager) UpdatePost(ctx context.Context, p EventPost) (ForumPost, error) {
	f.postMu.Lock()
	defer f.postMu.Unlock()

	logger := contextLoggerOr(ctx, f.logger)

	post, ok, err := f.Post(ctx, p.EventID)
	if err != nil {
		return post, err
	}
	if !ok {
		logger.WarnContext(ctx, "no forum post found for event, creating new one", "event_id", p.EventID)
		if p.CalendarLink == "" {
			p.CalendarLink = p.calendarLink()
		}
		return f.createPost(ctx, p)
	}

	if p.CalendarLink == "" {
		p.CalendarLink = post.CalendarLink
	}
	if p.CalendarLink == "" {
		p.CalendarLink = p.calendarLink()
	}

	if len(p.Participants) == 0 && len(post.Participants) > 0 {
		logger.WarnContext(
			ctx,
			"participant list is empty, using cached participants",
			"event_id", p.EventID,
			"cached", len(post.Participants),
		)
		p.Participants = post.Participants
	}

	if err = f.limiter.Wait(ctx); err != nil {
		return post, err
	}
	// a forum post's starter message shares the thread's ID
	_, err = f.session.ChannelMessageEdit(
		post.ThreadID,
		post.ThreadID,
		truncate(FormatEventContent(p), discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		err = upstreamError("edit forum post", "thread", post.ThreadID, err)
		if errors.Is(err, ErrNotFound) {
			logger.WarnContext(
				ctx,
				"forum thread no longer exists, recreating",
				"event_id", p.EventID,
				"thread_id", post.ThreadID,
			)
			if _, dropErr := f.writeDB.Updates(ctx, &post, map[string]any{columnForumPostArchived: true}); dropErr != nil {
				return post, errors.Join(err, dropErr)
			}
			return f.createPost(ctx, p)
		}
		return post, err
	}

	if _, err = f.writeDB.Updates(
		ctx,
		&post,
		ForumPost{CalendarLink: p.CalendarLink, Participants: p.Participants},
	); err != nil {
		return post, fmt.Errorf("error saving forum post for event %s: %w", p.EventID, err)
	}
	logger.InfoContext(ctx, "updated forum post", "event_id", p.EventID, "name", p.Name)
	return post, nil
}

// RenamePost renames the event's thread, truncating to Discord's
// thread name limit. Returns false if the event has no post.
func (f *ForumManager) RenamePost(ctx context.Context, eventID string, name string) (bool, error) {
	logger := contextLoggerOr(ctx, f.logger)
	post, ok, err := f.Post(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.WarnContext(ctx, "no forum thread found for event, cannot update thread name", "event_id", eventID)
		return false, nil
	}

	newName := truncate(name, discordThreadNameMaxLength)
	if newName != name {
		logger.WarnContext(ctx, "thread name exceeds limit, truncating", "name", name)
	}

	if err = f.limiter.Wait(ctx); err != nil {
		return false, err
	}
	_, err = f.session.ChannelEdit(
		post.ThreadID,
		&discordgo.ChannelEdit{Name: newName},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return false, upstreamError("rename forum thread", "thread", post.ThreadID, err)
	}

	if _, err = f.writeDB.Updates(ctx, &post, map[string]any{columnForumPostName: name}); err != nil {
		return true, fmt.Errorf("error saving forum post name for event %s: %w", eventID, err)
	}
	logger.InfoContext(ctx, "updated thread name", "event_id", eventID, "name", newName)
	return true, nil
}

// ArchivePost closes the event's thread and marks its mapping archived.
// A thread that no longer exists on Discord is treated as archived.
func (f *ForumManager) ArchivePost(ctx context.Context, eventID string) (bool, error) {
	logger := contextLoggerOr(ctx, f.logger)
	post, ok, err := f.Post(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.WarnContext(ctx, "no forum post found for event to close", "event_id", eventID)
		return false, nil
	}

	if err = f.limiter.Wait(ctx); err != nil {
		return false, err
	}
	archived := true
	_, err = f.session.ChannelEdit(
		post.ThreadID,
		&discordgo.ChannelEdit{Archived: &archived},
		discordgo.WithContext(ctx),
	)
	changed := true
	if err != nil {
		err = upstreamError("archive forum thread", "thread", post.ThreadID, err)
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
		logger.WarnContext(ctx, "forum thread already deleted", "event_id", eventID, "thread_id", post.ThreadID)
		changed = false
	}

	if _, err = f.writeDB.Updates(ctx, &post, map[string]any{columnForumPostArchived: true}); err != nil {
		return changed, fmt.Errorf("error marking forum post archived for event %s: %w", eventID, err)
	}
	logger.InfoContext(ctx, "closed forum post", "event_id", eventID)
	return changed, nil
}

// FindExistingThread looks for a thread in the forum channel with the
// given name, checking active threads first and then the most recently
// archived ones. Returns an empty string when nothing matches.
func (f *ForumManager) FindExistingThread(ctx context.Context, guildID string, name string) (string, error) {
	logger := contextLoggerOr(ctx, f.logger)
	threadName := truncate(name, discordThreadNameMaxLength)

	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	active, err := f.session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", upstreamError("list active threads", "guild", guildID, err)
	}
	for _, thread := range active.Threads {
		if thread.ParentID != f.channelID || thread.Name != threadName {
			continue
		}
		if thread.ThreadMetadata != nil && thread.ThreadMetadata.Archived {
			continue
		}
		return thread.ID, nil
	}

	if err = f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	archived, err := f.session.ThreadsArchived(
		f.channelID,
		nil,
		discordArchivedThreadSearchLimit,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusForbidden {
			logger.DebugContext(ctx, "missing permission to view archived threads", "channel_id", f.channelID)
			return "", nil
		}
		return "", upstreamError("list archived threads", "channel", f.channelID, err)
	}
	for _, thread := range archived.Threads {
		if thread.Name == threadName {
			return thread.ID, nil
		}
	}
	return "", nil
}
