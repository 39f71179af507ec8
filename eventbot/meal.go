package eventbot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	HumorFallback = "Cooking achievement unlocked."

	mealModalTitle          = "Log a Meal"
	mealModalCustomIDPrefix = "meal:"
	mealDishInputID         = "dish_name"
	mealNoteInputID         = "note"
	mealDishMaxLength       = 200
	mealNoteMaxLength       = 500
	mealChefEmojiName       = "littlechef"
	mealDefaultChef         = "👨‍🍳"
	mealEmbedColor          = 0x5865F2

	mealNotImageMessage     = "Please attach an image file (png/jpg/gif/webp)."
	mealModalErrorMessage   = "Sorry, something went wrong opening the meal form."
	mealNoChannelMessage    = "I can't find the #meal-journal channel."
	mealSubmitErrorMessage  = "Sorry, something went wrong logging your meal."
	mealFormExpiredMessage  = "This meal form has expired. Run `/cooked` again to log your meal."
	mealUntitledDish        = "Untitled Dish"
	mealUnnamedDishFollowup = "your meal"
)

var mealImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// HumorLoader serves random lines from a text file, one per line. Blank
// lines are ignored, and a missing or empty file yields HumorFallback.
type HumorLoader struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	lines []string

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewHumorLoader(path string, logger *slog.Logger) *HumorLoader {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HumorLoader{
		path:   path,
		logger: logger.With(loggerNameKey, "humor_loader"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.Reload()
	return h
}

// Reload re-reads the humor file
func (h *HumorLoader) Reload() {
	lines, err := readHumorLines(h.path)
	switch {
	case err != nil:
		h.logger.Warn("failed to load humor lines, using fallback", "path", h.path, tint.Err(err))
	case len(lines) == 0:
		h.logger.Warn("humor file missing or empty, using fallback", "path", h.path)
	default:
		h.logger.Info("loaded humor lines", "path", h.path, "count", len(lines))
	}
	if len(lines) == 0 {
		lines = []string{HumorFallback}
	}
	h.mu.Lock()
	h.lines = lines
	h.mu.Unlock()
}

func readHumorLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// Lines returns the currently loaded lines
func (h *HumorLoader) Lines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.lines...)
}

// RandomLine returns one of the loaded lines at random
func (h *HumorLoader) RandomLine() string {
	h.mu.RLock()
	lines := h.lines
	h.mu.RUnlock()
	if len(lines) == 0 {
		return HumorFallback
	}
	h.rngMu.Lock()
	n := h.rng.Intn(len(lines))
	h.rngMu.Unlock()
	return lines[n]
}

// Watch reloads the humor file whenever it's written, created or
// replaced, until ctx is done. The parent directory is watched, so the
// file doesn't need to exist yet.
func (h *HumorLoader) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(h.path)
	if err = fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("error watching %s: %w", dir, err)
	}
	target := filepath.Clean(h.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				h.logger.Info("humor file changed", "path", ev.Name, "op", ev.Op.String())
				h.Reload()
			case watchErr, ok := <-fsw.Errors:
				if !ok {
					return
				}
				h.logger.Error("humor watcher error", tint.Err(watchErr))
			}
		}
	}()
	return nil
}

// isImageAttachment reports whether the attachment looks like an image,
// going by its content type if it has one, otherwise its file extension
func isImageAttachment(a *discordgo.MessageAttachment) bool {
	if a == nil {
		return false
	}
	if a.ContentType != "" {
		return strings.HasPrefix(a.ContentType, "image/")
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range mealImageExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// MealStatsLine renders a subject's meal count and streak
func MealStatsLine(r StreakRecord) string {
	return fmt.Sprintf(
		"**Meals: %d** 🍗 | **Streak: %d** 🔥 (Best: %d)",
		r.Count,
		r.StreakCurrent,
		r.StreakBest,
	)
}

// MealHumorMessage renders the line posted above a meal embed. chef is
// the custom emoji to use, if the guild has one.
func MealHumorMessage(line string, chef string) string {
	if chef == "" {
		chef = mealDefaultChef
	}
	return fmt.Sprintf("%s *%s*", chef, line)
}

// MealEmbed builds the card posted for a logged meal
func MealEmbed(
	dish string,
	note string,
	photoURL string,
	user *discordgo.User,
	stats StreakRecord,
) *discordgo.MessageEmbed {
	if dish == "" {
		dish = mealUntitledDish
	}
	description := MealStatsLine(stats)
	if note != "" {
		description = note + "\n\n" + description
	}
	embed := &discordgo.MessageEmbed{
		Title:       dish,
		Description: description,
		Color:       mealEmbedColor,
		Image:       &discordgo.MessageEmbedImage{URL: photoURL},
	}
	if user != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    user.Username,
			IconURL: user.AvatarURL(""),
		}
	}
	return embed
}

// pendingMeal is a photo waiting for its modal to be submitted
type pendingMeal struct {
	UserID   string
	PhotoURL string
	timer    *time.Timer
}

// MealService handles /cooked: the command opens a modal for the dish
// details, and the modal submission posts the meal to the meal channel
// and records it for streaks and any open tally sessions.
type MealService struct {
	session      DiscordSessionHandler
	channelID    string
	streaks      *StreakTracker
	tallies      *TallyEngine
	humor        *HumorLoader
	clock        Clock
	modalTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingMeal
}

// NewMealService returns a MealService. tallies may be nil.
func NewMealService(
	session DiscordSessionHandler,
	config *MealConfig,
	streaks *StreakTracker,
	tallies *TallyEngine,
	humor *HumorLoader,
	clock Clock,
	logger *slog.Logger,
) *MealService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &MealService{
		session:      session,
		channelID:    config.ChannelID,
		streaks:      streaks,
		tallies:      tallies,
		humor:        humor,
		clock:        clock,
		modalTimeout: config.ModalTimeout,
		logger:       logger.With(loggerNameKey, "meal_service"),
		pending:      map[string]*pendingMeal{},
	}
}

// Enabled reports whether a meal channel is configured
func (m *MealService) Enabled() bool {
	return m.channelID != ""
}

func (m *MealService) addPending(userID string, photoURL string) string {
	customID := mealModalCustomIDPrefix + uuid.NewString()
	p := &pendingMeal{UserID: userID, PhotoURL: photoURL}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.timer = time.AfterFunc(
		m.modalTimeout, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.pending[customID]; ok {
				delete(m.pending, customID)
				m.logger.Debug("meal form expired", "custom_id", customID, "user_id", userID)
			}
		},
	)
	m.pending[customID] = p
	return customID
}

func (m *MealService) takePending(customID string) (*pendingMeal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[customID]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(m.pending, customID)
	return p, true
}

// PendingCount returns the number of meal forms awaiting submission
func (m *MealService) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ownsModal reports whether the modal custom ID belongs to this service
func (*MealService) ownsModal(customID string) bool {
	return strings.HasPrefix(customID, mealModalCustomIDPrefix)
}

func mealModalResponse(customID string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: customID,
			Title:    mealModalTitle,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    mealDishInputID,
							Label:       "Dish name",
							Style:       discordgo.TextInputShort,
							Placeholder: "e.g., Spicy tofu stir fry",
							Required:    true,
							MaxLength:   mealDishMaxLength,
						},
					},
				},
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:  mealNoteInputID,
							Label:     "Optional note",
							Style:     discordgo.TextInputParagraph,
							Required:  false,
							MaxLength: mealNoteMaxLength,
						},
					},
				},
			},
		},
	}
}

// modalTextInputs returns the modal's text input values, keyed by custom ID
func modalTextInputs(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, component := range data.Components {
		actionsRow, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rowComponent := range actionsRow.Components {
			textInput, ok := rowComponent.(*discordgo.TextInput)
			if ok {
				values[textInput.CustomID] = textInput.Value
			}
		}
	}
	return values
}

// commandAttachment returns the attachment passed as the named option
func commandAttachment(i *discordgo.InteractionCreate, option string) *discordgo.MessageAttachment {
	opt, ok := discordInteractionOptions(i)[option]
	if !ok {
		return nil
	}
	attachmentID, ok := opt.Value.(string)
	if !ok {
		return nil
	}
	data := i.ApplicationCommandData()
	if data.Resolved == nil {
		return nil
	}
	return data.Resolved.Attachments[attachmentID]
}

// HandleCommand responds to /cooked by opening the meal modal
func (m *MealService) HandleCommand(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := contextLoggerOr(ctx, m.logger)

	photo := commandAttachment(i, cookedPhotoOption)
	if !isImageAttachment(photo) {
		_ = respondMessage(ctx, m.session, i.Interaction, mealNotImageMessage, true)
		return
	}

	user := getDiscordUser(i)
	customID := m.addPending(user.ID, photo.URL)
	err := m.session.InteractionRespond(
		i.Interaction,
		mealModalResponse(customID),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open meal modal", tint.Err(err))
		m.takePending(customID)
		_ = respondMessage(ctx, m.session, i.Interaction, mealModalErrorMessage, true)
		return
	}
	logger.InfoContext(ctx, "opened meal modal", "custom_id", customID)
}

// HandleModalSubmit logs the submitted meal
func (m *MealService) HandleModalSubmit(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := contextLoggerOr(ctx, m.logger)
	data := i.ModalSubmitData()

	if err := respondDeferred(ctx, m.session, i.Interaction, true); err != nil {
		logger.ErrorContext(ctx, "error deferring meal submission", tint.Err(err))
		return
	}

	pending, ok := m.takePending(data.CustomID)
	if !ok {
		_ = followupMessage(ctx, m.session, i.Interaction, mealFormExpiredMessage, true)
		return
	}

	values := modalTextInputs(data)
	dish := strings.TrimSpace(values[mealDishInputID])
	note := strings.TrimSpace(values[mealNoteInputID])

	if err := m.logMeal(ctx, i, pending, dish, note); err != nil {
		logger.ErrorContext(ctx, "error handling meal submission", tint.Err(err))
		reply := mealSubmitErrorMessage
		if errors.Is(err, ErrNotFound) {
			reply = mealNoChannelMessage
		}
		_ = followupMessage(ctx, m.session, i.Interaction, reply, true)
		return
	}

	if dish == "" {
		dish = mealUnnamedDishFollowup
	}
	_ = followupMessage(
		ctx,
		m.session,
		i.Interaction,
		fmt.Sprintf("Logged **%s** to <#%s>!", dish, m.channelID),
		true,
	)
}

func (m *MealService) logMeal(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	pending *pendingMeal,
	dish string,
	note string,
) error {
	logger := contextLoggerOr(ctx, m.logger)

	channel, err := m.session.Channel(m.channelID, discordgo.WithContext(ctx))
	if err != nil || channel.Type != discordgo.ChannelTypeGuildText {
		logger.ErrorContext(
			ctx,
			"meal channel not found or not a text channel",
			"channel_id", m.channelID,
			tint.Err(err),
		)
		return &NotFoundError{Kind: "channel", ID: m.channelID}
	}

	user := getDiscordUser(i)
	line := m.humor.RandomLine()
	now := m.clock.Now()

	stats, err := m.streaks.RecordActivity(user.ID, now)
	if err != nil {
		if !errors.Is(err, ErrTransientIO) {
			return fmt.Errorf("error recording meal: %w", err)
		}
		logger.WarnContext(ctx, "meal recorded but not saved", "user_id", user.ID, tint.Err(err))
	}

	if m.tallies != nil {
		sessionIDs, tallyErr := m.tallies.RecordActivity(user.ID, now)
		if tallyErr != nil {
			logger.ErrorContext(ctx, "error recording dish in food fight", tint.Err(tallyErr))
		} else if len(sessionIDs) > 0 {
			logger.InfoContext(ctx, "recorded dish in food fights", "sessions", sessionIDs)
		}
	}

	embed := MealEmbed(dish, note, pending.PhotoURL, user, stats)
	_, err = m.session.ChannelMessageSendComplex(
		m.channelID,
		&discordgo.MessageSend{
			Content: MealHumorMessage(line, m.chefEmoji(ctx, i.GuildID)),
			Embeds:  []*discordgo.MessageEmbed{embed},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return upstreamError("send meal post", "channel", m.channelID, err)
	}
	logger.InfoContext(
		ctx,
		"logged meal",
		"user_id", user.ID,
		"dish", dish,
		"count", stats.Count,
		"streak", stats.StreakCurrent,
	)
	return nil
}

// chefEmoji returns the guild's littlechef emoji, or an empty string if
// it doesn't have one
func (m *MealService) chefEmoji(ctx context.Context, guildID string) string {
	if guildID == "" {
		return ""
	}
	emojis, err := m.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		contextLoggerOr(ctx, m.logger).WarnContext(ctx, "error listing guild emojis", tint.Err(err))
		return ""
	}
	for _, e := range emojis {
		if e.Name == mealChefEmojiName {
			return e.MessageFormat()
		}
	}
	return ""
}

// Close drops pending meal forms
func (m *MealService) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
	}
}
