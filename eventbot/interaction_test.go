package eventbot

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t testing.TB, mealChannel string) (*InteractionRouter, *mockDiscordSession) {
	t.Helper()
	session := newMockDiscordSession()
	session.addChannel(testMealChannel, testGuildID, discordgo.ChannelTypeGuildText)
	tallies := newTestTallyEngine(t, testDataPath(t, "tallies.json"))
	meals := NewMealService(
		session,
		&MealConfig{ChannelID: mealChannel, ModalTimeout: time.Minute},
		newTestStreakTracker(t, testDataPath(t, "streaks.json")),
		tallies,
		NewHumorLoader("", testLogger(t)),
		nil,
		testLogger(t),
	)
	t.Cleanup(meals.Close)
	return NewInteractionRouter(meals, NewFoodFightService(session, tallies, testLogger(t)), testLogger(t)), session
}

func TestInteractionRouter_Handle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"cooked opens modal", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(ctx, session, testCookedInteraction("1", testPhoto))
			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, discordgo.InteractionResponseModal, responses[0].Type)
			assert.Equal(t, 1, r.meals.PendingCount())
		},
	)

	t.Run(
		"cooked without meal channel", func(t *testing.T) {
			r, session := newTestRouter(t, "")
			r.Handle(ctx, session, testCookedInteraction("1", testPhoto))
			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, "Unknown command.", responses[0].Data.Content)
		},
	)

	t.Run(
		"modal submit", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(ctx, session, testCookedInteraction("1", testPhoto))
			customID := session.interactionResponses()[0].Data.CustomID

			r.Handle(ctx, session, testModalSubmit("1", customID, "Soup", ""))
			sent := session.sentMessages(testMealChannel)
			require.Len(t, sent, 1)
			assert.Contains(t, sent[0].Content, MealHumorMessage(HumorFallback, ""))
		},
	)

	t.Run(
		"unknown modal", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(ctx, session, testModalSubmit("1", "other:123", "Soup", ""))
			assert.Empty(t, session.interactionResponses())
			assert.Empty(t, session.followupMessages())
		},
	)

	t.Run(
		"food fight end", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(
				ctx,
				session,
				testCommandInteraction(
					DiscordSlashCommandFoodFightEnd,
					testGuildID,
					testAnnounceChannel,
					adminMember(),
					stringOption(foodFightIDOption, "fight_1"),
				),
			)
			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, "Food fight `fight_1` not found or already ended.", responses[0].Data.Content)
		},
	)

	t.Run(
		"unknown command", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(ctx, session, testCommandInteraction("nope", testGuildID, testMealChannel, adminMember()))
			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, "Unknown command.", responses[0].Data.Content)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)
		},
	)

	t.Run(
		"ping", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(
				ctx,
				session,
				&discordgo.InteractionCreate{
					Interaction: &discordgo.Interaction{
						ID:   "ping",
						Type: discordgo.InteractionPing,
						User: &discordgo.User{ID: "1"},
					},
				},
			)
			responses := session.interactionResponses()
			require.Len(t, responses, 1)
			assert.Equal(t, discordgo.InteractionResponsePong, responses[0].Type)
		},
	)

	t.Run(
		"bots ignored", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			i := testCommandInteraction("nope", testGuildID, testMealChannel, adminMember())
			i.Member.User.Bot = true
			r.Handle(ctx, session, i)
			assert.Empty(t, session.interactionResponses())
		},
	)

	t.Run(
		"no user", func(t *testing.T) {
			r, session := newTestRouter(t, testMealChannel)
			r.Handle(ctx, session, testCommandInteraction("nope", testGuildID, testMealChannel, nil))
			assert.Empty(t, session.interactionResponses())
		},
	)
}

func TestInteractionRouter_RecoversPanics(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	r := NewInteractionRouter(nil, nil, testLogger(t))
	assert.NotPanics(
		t, func() {
			r.Handle(
				context.Background(),
				session,
				testCommandInteraction(
					DiscordSlashCommandFoodFightEnd,
					testGuildID,
					testAnnounceChannel,
					adminMember(),
					stringOption(foodFightIDOption, "fight_1"),
				),
			)
		},
	)
}
