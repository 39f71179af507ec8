package eventbot

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type eventHarness struct {
	session   *mockDiscordSession
	forum     *ForumManager
	archives  *ArchiveScheduler
	reminders *ReminderScheduler
	channel   *fakeChannel
	handler   *EventHandler
}

func newEventHarness(t testing.TB) *eventHarness {
	t.Helper()
	h := &eventHarness{
		session: newMockDiscordSession(),
		channel: &fakeChannel{},
	}
	h.forum = newTestForumManager(t, h.session)
	h.archives = newTestArchiveScheduler(t, SystemClock{}, h.forum, nil)
	h.reminders = newTestReminderScheduler(t, SystemClock{}, h.channel, "1d,1h", nil)
	h.handler = NewEventHandler(h.session, h.forum, h.archives, h.reminders, testLogger(t))
	return h
}

func testScheduledEvent(id string, name string, start time.Time, duration time.Duration) *discordgo.GuildScheduledEvent {
	ev := &discordgo.GuildScheduledEvent{
		ID:                 id,
		GuildID:            testGuildID,
		Name:               name,
		Description:        "Cook something",
		ScheduledStartTime: start,
	}
	if duration > 0 {
		end := start.Add(duration)
		ev.ScheduledEndTime = &end
	}
	return ev
}

func testUser(n int) *discordgo.User {
	return &discordgo.User{ID: fmt.Sprintf("2000000000000%05d", n), Username: fmt.Sprintf("user%d", n)}
}

func TestScheduledEvent_SubjectsPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	session := newMockDiscordSession()

	var users []*discordgo.User
	for i := 0; i < 150; i++ {
		users = append(users, testUser(i))
	}
	users = append(users, &discordgo.User{ID: "200000000000099999", Username: "bot", Bot: true})
	ev := testScheduledEvent("500", "Potluck", time.Now().Add(time.Hour), time.Hour)
	session.addEvent(ev, users...)

	subjects, err := newScheduledEvent(session, ev).Subjects(ctx)
	require.NoError(t, err)
	require.Len(t, subjects, 151)
	assert.Equal(t, testUser(0).ID, subjects[0].ID)
	assert.Equal(t, testUser(149).ID, subjects[149].ID)
	assert.True(t, subjects[150].Bot)

	missing := testScheduledEvent("501", "Gone", time.Now(), 0)
	_, err = newScheduledEvent(session, missing).Subjects(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

// subscriberPageSession serves GuildScheduledEventUsers from testify
// expectations and everything else from the in-memory session
type subscriberPageSession struct {
	*mockDiscordSession
	mock.Mock
}

func (s *subscriberPageSession) GuildScheduledEventUsers(
	guildID string,
	eventID string,
	limit int,
	withMember bool,
	beforeID string,
	afterID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.GuildScheduledEventUser, error) {
	args := s.Called(guildID, eventID, limit, afterID)
	return args.Get(0).([]*discordgo.GuildScheduledEventUser), args.Error(1)
}

func TestScheduledEvent_SubjectsStopsOnPageWithoutUsers(t *testing.T) {
	t.Parallel()
	session := &subscriberPageSession{mockDiscordSession: newMockDiscordSession()}

	page := make([]*discordgo.GuildScheduledEventUser, discordScheduledEventUsersPageSize)
	for i := range page {
		page[i] = &discordgo.GuildScheduledEventUser{GuildScheduledEventID: "500"}
	}
	session.On(
		"GuildScheduledEventUsers",
		testGuildID,
		"500",
		discordScheduledEventUsersPageSize,
		"",
	).Return(page, nil).Once()

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(time.Hour), time.Hour)
	subjects, err := newScheduledEvent(session, ev).Subjects(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, errSubscriberPageStalled)
	assert.Empty(t, subjects)
	session.AssertNumberOfCalls(t, "GuildScheduledEventUsers", 1)
	session.AssertExpectations(t)
}

func TestScheduledEvent_End(t *testing.T) {
	t.Parallel()
	start := time.Now().UTC()
	withEnd := newScheduledEvent(nil, testScheduledEvent("1", "a", start, time.Hour))
	end, ok := withEnd.End()
	assert.True(t, ok)
	assert.Equal(t, start.Add(time.Hour), end)

	withoutEnd := newScheduledEvent(nil, testScheduledEvent("2", "b", start, 0))
	_, ok = withoutEnd.End()
	assert.False(t, ok)
}

func TestEventHandler_OnCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), 2*time.Hour)
	h.session.addEvent(ev, testUser(1), testUser(2))

	require.NoError(t, h.handler.OnCreate(ctx, ev))

	post, ok, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, post.Participants, 2)
	assert.NotEmpty(t, post.CalendarLink)

	_, content, ok := h.session.thread(post.ThreadID)
	require.True(t, ok)
	assert.Contains(t, content, testUser(1).ID)
	assert.Contains(t, content, "Add to Calendar")

	archives := h.archives.Pending()
	require.Len(t, archives, 1)
	assert.WithinDuration(t, ev.ScheduledEndTime.Add(defaultArchiveDelay), archives[0].FireAt, 0)
	assert.Len(t, h.reminders.Pending(), 2)

	// a duplicate create event doesn't make a second thread
	require.NoError(t, h.handler.OnCreate(ctx, ev))
	assert.Len(t, h.session.threads(testForumChannel), 1)
}

func TestEventHandler_OnCreateSubscriberFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), 2*time.Hour)
	h.session.addEvent(ev, testUser(1))
	h.session.failOn("GuildScheduledEventUsers", restError(http.StatusInternalServerError))

	require.NoError(t, h.handler.OnCreate(ctx, ev))
	post, ok, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, post.Participants)
}

func TestEventHandler_OnUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	start := time.Now().Add(48 * time.Hour)
	ev := testScheduledEvent("500", "Potluck", start, 2*time.Hour)
	h.session.addEvent(ev, testUser(1))
	require.NoError(t, h.handler.OnCreate(ctx, ev))
	post, _, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)

	updated := testScheduledEvent("500", "Summer Potluck", start.Add(time.Hour), 3*time.Hour)
	h.session.addEvent(updated, testUser(1), testUser(2))
	require.NoError(t, h.handler.OnUpdate(ctx, updated))

	thread, content, ok := h.session.thread(post.ThreadID)
	require.True(t, ok)
	assert.Equal(t, "Summer Potluck", thread.Name)
	assert.Contains(t, content, testUser(2).ID)
	assert.Contains(t, content, fmt.Sprintf("<t:%d:F>", updated.ScheduledStartTime.Unix()))

	stored, _, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)
	assert.Equal(t, "Summer Potluck", stored.Name)
	assert.Equal(t, CalendarLink(updated.Name, updated.Description, updated.ScheduledStartTime, *updated.ScheduledEndTime), stored.CalendarLink)

	archives := h.archives.Pending()
	require.Len(t, archives, 1)
	assert.WithinDuration(t, updated.ScheduledEndTime.Add(defaultArchiveDelay), archives[0].FireAt, 0)
	assert.Len(t, h.reminders.Pending(), 2)
}

func TestEventHandler_OnUpdateWithoutPost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), 2*time.Hour)
	h.session.addEvent(ev)
	require.NoError(t, h.handler.OnUpdate(ctx, ev))

	_, ok, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)
	assert.True(t, ok, "update creates the missing post")
}

func TestEventHandler_OnDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), 2*time.Hour)
	h.session.addEvent(ev, testUser(1))
	require.NoError(t, h.handler.OnCreate(ctx, ev))
	post, _, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)

	require.NoError(t, h.handler.OnDelete(ctx, ev))
	assert.Empty(t, h.reminders.Pending())
	assert.Empty(t, h.archives.Pending())

	waitFor(
		t, 5*time.Second, func() bool {
			thread, _, _ := h.session.thread(post.ThreadID)
			return thread.ThreadMetadata != nil && thread.ThreadMetadata.Archived
		},
	)
	waitFor(
		t, 5*time.Second, func() bool {
			_, ok, _ := h.forum.Post(ctx, "500")
			return !ok
		},
	)
}

func TestEventHandler_OnSubscribersChanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), 2*time.Hour)
	h.session.addEvent(ev, testUser(1))
	require.NoError(t, h.handler.OnCreate(ctx, ev))
	post, _, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)

	h.session.addEvent(ev, testUser(1), testUser(2))
	require.NoError(t, h.handler.OnSubscribersChanged(ctx, testGuildID, "500", testUser(2).ID, true))
	_, content, _ := h.session.thread(post.ThreadID)
	assert.Contains(t, content, "**Participants:** 2")

	// the cached list is used when subscribers can't be fetched
	h.session.failOn("GuildScheduledEventUsers", restError(http.StatusBadGateway))
	require.NoError(t, h.handler.OnSubscribersChanged(ctx, testGuildID, "500", testUser(3).ID, true))
	_, content, _ = h.session.thread(post.ThreadID)
	assert.Contains(t, content, "**Participants:** 2")

	stored, _, err := h.forum.Post(ctx, "500")
	require.NoError(t, err)
	assert.Equal(t, post.CalendarLink, stored.CalendarLink)

	err = h.handler.OnSubscribersChanged(ctx, testGuildID, "404", testUser(3).ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventHandler_ProcessExistingEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)

	const otherGuild = "100000000000000002"
	start := time.Now().Add(48 * time.Hour)

	created := testScheduledEvent("500", "New Event", start, time.Hour)
	h.session.addEvent(created, testUser(1))

	// a thread left over from before a restart
	relinked := testScheduledEvent("501", "Old Event", start, time.Hour)
	h.session.addEvent(relinked, testUser(2))
	h.session.addThread("700", testGuildID, testForumChannel, "Old Event", false)

	// an event with no end time gets a post but no archive
	openEnded := &discordgo.GuildScheduledEvent{
		ID:                 "502",
		GuildID:            otherGuild,
		Name:               "Open Kitchen",
		ScheduledStartTime: start,
	}
	h.session.addEvent(openEnded)

	require.NoError(t, h.handler.ProcessExistingEvents(ctx, []string{testGuildID, otherGuild}))

	posts, err := h.forum.Posts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	byEvent := map[string]ForumPost{}
	for _, p := range posts {
		byEvent[p.EventID] = p
	}
	assert.Equal(t, "700", byEvent["501"].ThreadID)
	assert.NotEmpty(t, byEvent["500"].ThreadID)
	assert.NotEmpty(t, byEvent["502"].ThreadID)

	_, content, _ := h.session.thread("700")
	assert.Contains(t, content, testUser(2).ID, "relinked thread is refreshed")

	archives := h.archives.Pending()
	assert.Len(t, archives, 2)
	assert.Len(t, h.reminders.Pending(), 6)

	// a second pass doesn't create anything new
	require.NoError(t, h.handler.ProcessExistingEvents(ctx, []string{testGuildID, otherGuild}))
	assert.Len(t, h.session.threads(testForumChannel), 3)
}

func TestEventHandler_ProcessExistingEventsGuildFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newEventHarness(t)
	h.session.failOn("GuildScheduledEvents", restError(http.StatusServiceUnavailable))

	err := h.handler.ProcessExistingEvents(ctx, []string{testGuildID})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestReconciler(t *testing.T) {
	t.Parallel()
	h := newEventHarness(t)

	_, err := NewReconciler("not a schedule", h.handler, func() []string { return nil }, time.Minute, testLogger(t))
	assert.Error(t, err)

	ev := testScheduledEvent("500", "Potluck", time.Now().Add(48*time.Hour), time.Hour)
	h.session.addEvent(ev)

	r, err := NewReconciler(
		"@every 1h",
		h.handler,
		func() []string { return []string{testGuildID} },
		time.Minute,
		testLogger(t),
	)
	require.NoError(t, err)
	r.Start()
	assert.WithinDuration(t, time.Now().Add(time.Hour), r.Next(), time.Minute)

	r.run()
	_, ok, err := h.forum.Post(context.Background(), "500")
	require.NoError(t, err)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(ctx)
}
