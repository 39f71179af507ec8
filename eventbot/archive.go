package eventbot

import (
	"context"
	"log/slog"
	"time"
)

const defaultArchiveDelay = 24 * time.Hour

// ArchiveScheduler closes an entity's forum thread some time after the
// entity ends.
type ArchiveScheduler struct {
	scheduler *Scheduler
	forum     ForumCollaborator
	delay     time.Duration
	clock     Clock
	logger    *slog.Logger
}

func NewArchiveScheduler(
	scheduler *Scheduler,
	forum ForumCollaborator,
	delay time.Duration,
	logger *slog.Logger,
) *ArchiveScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveScheduler{
		scheduler: scheduler,
		forum:     forum,
		delay:     delay,
		clock:     scheduler.clock,
		logger:    logger.With(loggerNameKey, "archive_scheduler"),
	}
}

// Delay returns the time between an entity's end and its archive
func (a *ArchiveScheduler) Delay() time.Duration {
	return a.delay
}

// ScheduleArchive replaces any pending archive for the entity with one at
// end+delay. Entities without an end time are not scheduled. If the
// archive time has already passed, the archive runs immediately.
func (a *ArchiveScheduler) ScheduleArchive(entity Entity) *TaskHandle {
	end, ok := entity.End()
	if !ok {
		a.scheduler.Cancel(entity.ID())
		a.logger.Warn(
			"entity has no end time, cannot schedule archive",
			"entity_id", entity.ID(),
			"name", entity.Name(),
		)
		return nil
	}

	archiveAt := end.Add(a.delay)
	if !archiveAt.After(a.clock.Now()) {
		a.logger.Info(
			"entity ended before the archive delay elapsed, archiving immediately",
			"entity_id", entity.ID(),
			"end", end,
			"delay", a.delay,
		)
	}
	return a.scheduler.Schedule(
		entity.ID(),
		archiveAt,
		"archive",
		a.archiveAction(entity.ID(), entity.Name()),
	)
}

// CancelArchive drops the pending archive for entityID, if any.
func (a *ArchiveScheduler) CancelArchive(entityID string) bool {
	canceled := a.scheduler.Cancel(entityID)
	if canceled {
		a.logger.Info("canceled archive task", "entity_id", entityID)
	}
	return canceled
}

// ArchiveNow cancels any pending archive and closes the thread right away.
func (a *ArchiveScheduler) ArchiveNow(entityID string, name string) *TaskHandle {
	a.logger.Info("closing forum post immediately", "entity_id", entityID)
	return a.scheduler.RunNow(entityID, "archive", a.archiveAction(entityID, name))
}

// Pending returns the scheduled archive tasks, in fire order
func (a *ArchiveScheduler) Pending() []TaskInfo {
	return a.scheduler.Entries()
}

func (a *ArchiveScheduler) archiveAction(entityID string, name string) Action {
	return func(ctx context.Context) error {
		archived, err := a.forum.ArchivePost(ctx, entityID)
		if err != nil {
			return err
		}
		if !archived {
			a.logger.InfoContext(ctx, "no forum post to archive", "entity_id", entityID)
			return nil
		}
		a.logger.InfoContext(
			ctx,
			"archived forum post",
			"entity_id", entityID,
			"name", name,
		)
		return nil
	}
}
