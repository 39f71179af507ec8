package eventbot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// maxListedParticipants caps the number of mentions in a reminder or
// forum post, to stay under Discord's message length limit.
const maxListedParticipants = 20

var reminderTimePattern = regexp.MustCompile(`(?i)^(\d+)([mhd])$`)

// ParseReminderTimes parses a comma-separated list of offsets such as
// "10m,12h,1d". Invalid entries are logged and skipped. The result is
// sorted longest first.
func ParseReminderTimes(s string, logger *slog.Logger) []time.Duration {
	if logger == nil {
		logger = slog.Default()
	}
	var offsets []time.Duration
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		m := reminderTimePattern.FindStringSubmatch(entry)
		if m == nil {
			logger.Warn(
				"invalid reminder time format, skipping. Use a format like '10m', '12h' or '1d'",
				"value", entry,
			)
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			logger.Warn("invalid reminder time value, skipping", "value", entry, tint.Err(err))
			continue
		}
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		if int64(n) > math.MaxInt64/int64(unit) {
			logger.Warn("reminder time out of range, skipping", "value", entry)
			continue
		}
		offsets = append(offsets, time.Duration(n)*unit)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	return offsets
}

// FormatReminderTimes renders offsets in the same notation accepted by
// ParseReminderTimes.
func FormatReminderTimes(offsets []time.Duration) string {
	parts := make([]string, 0, len(offsets))
	for _, d := range offsets {
		parts = append(parts, formatOffset(d))
	}
	return strings.Join(parts, ",")
}

func formatOffset(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0 && d != 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0 && d != 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}

// FormatTimeUntil describes the time between now and start, ex: "in 2 hours".
func FormatTimeUntil(now time.Time, start time.Time) string {
	seconds := int(start.Sub(now) / time.Second)
	switch {
	case seconds < 60:
		return fmt.Sprintf("in %d %s", seconds, pluralize(seconds, "second", "seconds"))
	case seconds < 3600:
		minutes := seconds / 60
		return fmt.Sprintf("in %d %s", minutes, pluralize(minutes, "minute", "minutes"))
	case seconds < 86400:
		hours := seconds / 3600
		return fmt.Sprintf("in %d %s", hours, pluralize(hours, "hour", "hours"))
	default:
		days := seconds / 86400
		return fmt.Sprintf("in %d %s", days, pluralize(days, "day", "days"))
	}
}

// FormatParticipants lists up to 20 subject mentions, followed by a count
// of the remainder.
func FormatParticipants(subjects []Subject) string {
	if len(subjects) == 0 {
		return "No participants yet"
	}
	return formatMentions(subjects, ", ")
}

func formatMentions(subjects []Subject, sep string) string {
	n := min(len(subjects), maxListedParticipants)
	mentions := make([]string, 0, n)
	for _, s := range subjects[:n] {
		mentions = append(mentions, s.Mention())
	}
	rv := strings.Join(mentions, sep)
	if len(subjects) > maxListedParticipants {
		rv += fmt.Sprintf(" and %d more", len(subjects)-maxListedParticipants)
	}
	return rv
}

// ReminderMessage builds the reminder text for an entity
func ReminderMessage(name string, timeUntil string, subjects []Subject) string {
	return fmt.Sprintf(
		"Reminder: **%s** happening %s. Current participants: %s. Sign up in the events tab!",
		name,
		timeUntil,
		FormatParticipants(subjects),
	)
}

// ReminderScheduler sends reminders to a channel at fixed offsets before
// an entity starts.
type ReminderScheduler struct {
	scheduler *Scheduler
	channel   NotificationChannel
	offsets   []time.Duration
	clock     Clock
	logger    *slog.Logger
}

// NewReminderScheduler returns a ReminderScheduler. Reminders are disabled
// when channel is nil or offsets is empty.
func NewReminderScheduler(
	scheduler *Scheduler,
	channel NotificationChannel,
	offsets []time.Duration,
	logger *slog.Logger,
) *ReminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderScheduler{
		scheduler: scheduler,
		channel:   channel,
		offsets:   offsets,
		clock:     scheduler.clock,
		logger:    logger.With(loggerNameKey, "reminder_scheduler"),
	}
}

// Enabled reports whether reminders will be scheduled at all
func (r *ReminderScheduler) Enabled() bool {
	return r.channel != nil && len(r.offsets) > 0
}

// Offsets returns the configured reminder offsets, longest first
func (r *ReminderScheduler) Offsets() []time.Duration {
	return append([]time.Duration(nil), r.offsets...)
}

// ScheduleReminders replaces any pending reminders for the entity with
// one per configured offset before its start. Offsets whose moment has
// passed are dropped.
func (r *ReminderScheduler) ScheduleReminders(entity Entity) []*TaskHandle {
	if !r.Enabled() {
		return nil
	}
	start := entity.Start()
	if start.IsZero() {
		r.scheduler.Cancel(entity.ID())
		r.logger.Warn("entity has no start time, cannot schedule reminders", "entity_id", entity.ID())
		return nil
	}

	actions := make([]OffsetAction, 0, len(r.offsets))
	for _, offset := range r.offsets {
		actions = append(
			actions,
			OffsetAction{
				Offset: offset,
				Label:  "reminder " + formatOffset(offset),
				Action: r.reminderAction(entity),
			},
		)
	}
	handles := r.scheduler.ScheduleMany(entity.ID(), start, actions)
	if len(handles) == 0 {
		r.logger.Info(
			"no reminders scheduled, all reminder times are in the past",
			"entity_id", entity.ID(),
			"name", entity.Name(),
		)
	}
	return handles
}

// CancelReminders drops every pending reminder for entityID.
func (r *ReminderScheduler) CancelReminders(entityID string) bool {
	canceled := r.scheduler.Cancel(entityID)
	if canceled {
		r.logger.Info("canceled all reminders", "entity_id", entityID)
	}
	return canceled
}

// Pending returns the scheduled reminder tasks, in fire order
func (r *ReminderScheduler) Pending() []TaskInfo {
	return r.scheduler.Entries()
}

func (r *ReminderScheduler) reminderAction(entity Entity) Action {
	return func(ctx context.Context) error {
		logger := contextLoggerOr(ctx, r.logger)
		now := r.clock.Now()
		start := entity.Start()
		if !now.Before(start) {
			logger.DebugContext(ctx, "entity already started, skipping reminder", "entity_id", entity.ID())
			return nil
		}

		subjects, err := entity.Subjects(ctx)
		if err != nil {
			logger.WarnContext(
				ctx,
				"unable to fetch participants for reminder",
				"entity_id", entity.ID(),
				tint.Err(err),
			)
			subjects = nil
		}

		msg := ReminderMessage(entity.Name(), FormatTimeUntil(now, start), subjects)
		if err = r.channel.Send(ctx, msg); err != nil {
			return fmt.Errorf("error sending reminder for %s: %w", entity.ID(), err)
		}
		logger.InfoContext(ctx, "sent reminder", "entity_id", entity.ID(), "name", entity.Name())
		return nil
	}
}
