// Package eventbot implements a Discord community bot that mirrors guild
// scheduled events into forum threads, and runs the community games built
// around them.
//
// Each scheduled event gets a forum post with its timing, a calendar link
// and the current participant list. Posts are kept in sync as the event
// changes and are archived a configurable delay after the event ends.
// Reminders are sent to a notification channel at configured offsets before
// the event starts.
//
// Key components of the package include:
//
//   - Bot: Wires the Discord session, stores, schedulers and API together.
//   - Scheduler: One-shot delayed tasks keyed by entity, with cancel and
//     reschedule semantics. ArchiveScheduler and ReminderScheduler are built
//     on it.
//   - JSONStore: Whole-file JSON persistence with atomic writes.
//   - StreakTracker: Per-user meal counts and consecutive-day streaks.
//   - TallyEngine: Team dish tallies for food fight sessions.
//   - ForumManager: Forum post creation, updates, renames and archiving.
//   - API: A backend API for inspecting schedules and game state.
//
// The bot supports these commands:
//
//   - /cooked: Log a meal with a photo, updating streaks and food fights.
//   - /foodfight-start: Start a food fight from an announcement's reactions.
//   - /foodfight-end: End a food fight and post the results.
//   - /foodfight-add-retroactive: Add a food fight that started in the past.
package eventbot
