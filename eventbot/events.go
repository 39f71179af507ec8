package eventbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const reconcileGuildConcurrency = 4

var errSubscriberPageStalled = errors.New("subscriber page had no user IDs to page after")

// scheduledEvent adapts a discord scheduled event to Entity. Subjects
// are fetched on demand, so a reminder reports the participants at the
// moment it's sent.
type scheduledEvent struct {
	event   *discordgo.GuildScheduledEvent
	session DiscordSessionHandler
}

func newScheduledEvent(session DiscordSessionHandler, event *discordgo.GuildScheduledEvent) *scheduledEvent {
	return &scheduledEvent{event: event, session: session}
}

func (e *scheduledEvent) ID() string {
	return e.event.ID
}

func (e *scheduledEvent) Name() string {
	return e.event.Name
}

func (e *scheduledEvent) Start() time.Time {
	return e.event.ScheduledStartTime
}

func (e *scheduledEvent) End() (time.Time, bool) {
	if e.event.ScheduledEndTime == nil || e.event.ScheduledEndTime.IsZero() {
		return time.Time{}, false
	}
	return *e.event.ScheduledEndTime, true
}

// Subjects pages through the event's subscribers, in user ID order
func (e *scheduledEvent) Subjects(ctx context.Context) ([]Subject, error) {
	subjects := []Subject{}
	afterID := ""
	for {
		users, err := e.session.GuildScheduledEventUsers(
			e.event.GuildID,
			e.event.ID,
			discordScheduledEventUsersPageSize,
			false,
			"",
			afterID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, upstreamError("list event subscribers", "scheduled_event", e.event.ID, err)
		}
		pageAfter := afterID
		for _, u := range users {
			if u.User == nil {
				continue
			}
			subjects = append(
				subjects,
				Subject{ID: u.User.ID, Name: u.User.Username, Bot: u.User.Bot},
			)
			afterID = u.User.ID
		}
		if len(users) < discordScheduledEventUsersPageSize {
			return subjects, nil
		}
		if afterID == pageAfter {
			// no user IDs on a full page, so there's nothing to page after
			return nil, upstreamError(
				"list event subscribers",
				"scheduled_event",
				e.event.ID,
				errSubscriberPageStalled,
			)
		}
	}
}

// post returns the forum post content for the event, without a
// calendar link or participants
func (e *scheduledEvent) post() EventPost {
	end, _ := e.End()
	return EventPost{
		EventID:     e.event.ID,
		GuildID:     e.event.GuildID,
		Name:        e.event.Name,
		Description: e.event.Description,
		Start:       e.event.ScheduledStartTime,
		End:         end,
	}
}

// EventHandler keeps forum posts, archive tasks and reminders in sync
// with a guild's scheduled events.
type EventHandler struct {
	session   DiscordSessionHandler
	forum     *ForumManager
	archives  *ArchiveScheduler
	reminders *ReminderScheduler
	logger    *slog.Logger

	// reconcileMu prevents overlapping ProcessExistingEvents runs
	reconcileMu sync.Mutex
}

func NewEventHandler(
	session DiscordSessionHandler,
	forum *ForumManager,
	archives *ArchiveScheduler,
	reminders *ReminderScheduler,
	logger *slog.Logger,
) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		session:   session,
		forum:     forum,
		archives:  archives,
		reminders: reminders,
		logger:    logger.With(loggerNameKey, "event_handler"),
	}
}

// participants fetches the event's subscribers, returning nil (and
// logging) if the list can't be retrieved
func (h *EventHandler) participants(ctx context.Context, event *scheduledEvent) []Subject {
	subjects, err := event.Subjects(ctx)
	if err != nil {
		contextLoggerOr(ctx, h.logger).ErrorContext(
			ctx,
			"error getting participants for event",
			"event_id", event.ID(),
			tint.Err(err),
		)
		return nil
	}
	return subjects
}

func (h *EventHandler) schedule(event *scheduledEvent) {
	h.archives.ScheduleArchive(event)
	h.reminders.ScheduleReminders(event)
}

// OnCreate creates the event's forum post, then schedules its archive
// and reminders. Events that already have a post are skipped.
func (h *EventHandler) OnCreate(ctx context.Context, ev *discordgo.GuildScheduledEvent) error {
	logger := contextLoggerOr(ctx, h.logger)
	logger.InfoContext(ctx, "event created", "event_id", ev.ID, "name", ev.Name)

	_, exists, err := h.forum.Post(ctx, ev.ID)
	if err != nil {
		return err
	}
	if exists {
		logger.InfoContext(ctx, "forum post already exists for event, skipping creation", "event_id", ev.ID)
		return nil
	}

	event := newScheduledEvent(h.session, ev)
	p := event.post()
	p.Participants = h.participants(ctx, event)
	p.CalendarLink = p.calendarLink()

	if _, err = h.forum.CreatePost(ctx, p); err != nil {
		return fmt.Errorf("failed to create forum post for event %s: %w", ev.ID, err)
	}
	h.schedule(event)
	logger.InfoContext(ctx, "set up forum post for event", "event_id", ev.ID)
	return nil
}

// OnUpdate renames the event's thread if needed, refreshes its post with
// a regenerated calendar link, and reschedules its archive and reminders.
func (h *EventHandler) OnUpdate(ctx context.Context, ev *discordgo.GuildScheduledEvent) error {
	logger := contextLoggerOr(ctx, h.logger)
	logger.InfoContext(ctx, "event updated", "event_id", ev.ID, "name", ev.Name)

	var errs []error
	post, exists, err := h.forum.Post(ctx, ev.ID)
	if err != nil {
		return err
	}
	if exists && post.Name != ev.Name {
		if _, err = h.forum.RenamePost(ctx, ev.ID, ev.Name); err != nil {
			logger.ErrorContext(ctx, "error renaming forum thread", "event_id", ev.ID, tint.Err(err))
			errs = append(errs, err)
		}
	}

	event := newScheduledEvent(h.session, ev)
	p := event.post()
	p.Participants = h.participants(ctx, event)
	p.CalendarLink = p.calendarLink()

	if _, err = h.forum.UpdatePost(ctx, p); err != nil {
		logger.ErrorContext(ctx, "error updating forum post", "event_id", ev.ID, tint.Err(err))
		errs = append(errs, err)
	}
	h.schedule(event)
	return errors.Join(errs...)
}

// OnDelete cancels the event's reminders and archives its post right away
func (h *EventHandler) OnDelete(ctx context.Context, ev *discordgo.GuildScheduledEvent) error {
	contextLoggerOr(ctx, h.logger).InfoContext(ctx, "event deleted", "event_id", ev.ID, "name", ev.Name)
	h.reminders.CancelReminders(ev.ID)
	h.archives.ArchiveNow(ev.ID, ev.Name)
	return nil
}

// OnSubscribersChanged refreshes the post's participant list after a user
// subscribes or unsubscribes. The existing calendar link is kept, and if
// the subscriber list can't be fetched, the cached list is used.
func (h *EventHandler) OnSubscribersChanged(
	ctx context.Context,
	guildID string,
	eventID string,
	userID string,
	subscribed bool,
) error {
	logger := contextLoggerOr(ctx, h.logger)
	logger.InfoContext(
		ctx,
		"event subscribers changed",
		"event_id", eventID,
		"user_id", userID,
		"subscribed", subscribed,
	)

	ev, err := h.session.GuildScheduledEvent(guildID, eventID, false, discordgo.WithContext(ctx))
	if err != nil {
		return upstreamError("get scheduled event", "scheduled_event", eventID, err)
	}

	event := newScheduledEvent(h.session, ev)
	p := event.post()
	p.Participants = h.participants(ctx, event)
	if p.Participants == nil {
		logger.WarnContext(ctx, "failed to fetch participants, using cached", "event_id", eventID)
		p.Participants, _ = h.forum.CachedParticipants(ctx, eventID)
	}

	if _, err = h.forum.UpdatePost(ctx, p); err != nil {
		return fmt.Errorf("error updating forum post for event %s: %w", eventID, err)
	}
	return nil
}

// ProcessExistingEvents reconciles every scheduled event in the given
// guilds: events without a post get one (reusing a thread with the same
// name if one exists), and events with a post are refreshed and
// rescheduled. Guilds are processed concurrently.
func (h *EventHandler) ProcessExistingEvents(ctx context.Context, guildIDs []string) error {
	if !h.reconcileMu.TryLock() {
		h.logger.WarnContext(ctx, "event reconciliation already running, skipping")
		return nil
	}
	defer h.reconcileMu.Unlock()

	h.logger.InfoContext(ctx, "processing existing scheduled events", "guilds", len(guildIDs))

	g := &errgroup.Group{}
	g.SetLimit(reconcileGuildConcurrency)

	var mu sync.Mutex
	var errs []error
	for _, guildID := range guildIDs {
		guildID := guildID
		g.Go(
			func() error {
				if err := h.processGuildEvents(ctx, guildID); err != nil {
					h.logger.ErrorContext(
						ctx,
						"error processing existing events for guild",
						"guild_id", guildID,
						tint.Err(err),
					)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (h *EventHandler) processGuildEvents(ctx context.Context, guildID string) error {
	events, err := h.session.GuildScheduledEvents(guildID, false, discordgo.WithContext(ctx))
	if err != nil {
		return upstreamError("list scheduled events", "guild", guildID, err)
	}

	var errs []error
	for _, ev := range events {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		if ev.GuildID == "" {
			ev.GuildID = guildID
		}
		if err = h.processEvent(ctx, guildID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *EventHandler) processEvent(
	ctx context.Context,
	guildID string,
	ev *discordgo.GuildScheduledEvent,
) error {
	_, exists, err := h.forum.Post(ctx, ev.ID)
	if err != nil {
		return err
	}

	if !exists {
		threadID, findErr := h.forum.FindExistingThread(ctx, guildID, ev.Name)
		if findErr != nil {
			h.logger.ErrorContext(ctx, "error finding existing thread", "event_id", ev.ID, tint.Err(findErr))
		}
		if threadID != "" {
			p := newScheduledEvent(h.session, ev).post()
			if _, err = h.forum.LinkThread(ctx, p, threadID); err != nil {
				return err
			}
			h.logger.InfoContext(
				ctx,
				"reconnected to existing forum post for event",
				"event_id", ev.ID,
				"thread_id", threadID,
			)
			exists = true
		}
	}

	if !exists {
		return h.OnCreate(ctx, ev)
	}
	return h.OnUpdate(ctx, ev)
}

// Reconciler periodically re-runs ProcessExistingEvents, to recover
// from missed gateway events
type Reconciler struct {
	cron     *cron.Cron
	handler  *EventHandler
	guildIDs func() []string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReconciler returns a Reconciler running on the given cron schedule.
// Each run is bounded by timeout.
func NewReconciler(
	schedule string,
	handler *EventHandler,
	guildIDs func() []string,
	timeout time.Duration,
	logger *slog.Logger,
) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "reconciler")
	cl := cronLogger{logger: logger}
	r := &Reconciler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		handler:  handler,
		guildIDs: guildIDs,
		timeout:  timeout,
		logger:   logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ctx = WithLogger(ctx, r.logger)
	if err := r.handler.ProcessExistingEvents(ctx, r.guildIDs()); err != nil {
		r.logger.ErrorContext(ctx, "scheduled reconciliation finished with errors", tint.Err(err))
	}
}

// Start begins running the schedule in the background
func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop stops the schedule, waiting for a running reconciliation until
// ctx is done
func (r *Reconciler) Stop(ctx context.Context) {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		r.logger.WarnContext(ctx, "timed out waiting for reconciliation to stop")
	}
}

// Next returns the time of the next scheduled run
func (r *Reconciler) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
