package eventbot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "hunter2hunter2"
)

// apiClient sends requests straight to the API's gin engine, carrying
// cookies between requests
type apiClient struct {
	t       testing.TB
	engine  *gin.Engine
	cookies []*http.Cookie
}

func newAPIClient(t testing.TB, b *Bot) *apiClient {
	t.Helper()
	gin.DefaultWriter = io.Discard
	require.NotNil(t, b.api)
	return &apiClient{t: t, engine: b.api.engine}
}

func (c *apiClient) do(method string, path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, body)
	require.NoError(c.t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	c.engine.ServeHTTP(w, req)
	if cookies := w.Result().Cookies(); len(cookies) > 0 {
		c.cookies = cookies
	}
	return w
}

func (c *apiClient) setup() {
	c.t.Helper()
	w := c.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{
			Username:        testAdminUsername,
			Password:        testAdminPassword,
			ConfirmPassword: testAdminPassword,
		},
	)
	require.Equal(c.t, http.StatusCreated, w.Code, w.Body.String())
}

func (c *apiClient) login() {
	c.t.Helper()
	w := c.do(http.MethodPost, apiPathLogin, userLogin{Username: testAdminUsername, Password: testAdminPassword})
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(c.t, c.cookies)
}

func decodeResponse[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// newLoggedInAPIClient returns a running bot and a client which has
// completed admin setup and logged in
func newLoggedInAPIClient(t testing.TB) (*Bot, *mockDiscordSession, *apiClient) {
	t.Helper()
	b, session, _ := newTestBot(t)
	client := newAPIClient(t, b)
	client.setup()
	client.login()
	return b, session, client
}

func TestAPI_AdminSetup(t *testing.T) {
	b, _, _ := newTestBot(t)
	client := newAPIClient(t, b)

	w := client.do(http.MethodGet, apiPathSetupStatus, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResponse[setupResponse](t, w).Required)

	w = client.do(http.MethodGet, apiPrefix+apiPathSchedules, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = client.do(http.MethodPost, apiPathLogin, userLogin{Username: testAdminUsername, Password: testAdminPassword})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = client.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: testAdminUsername, Password: "short", ConfirmPassword: "short"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: testAdminUsername, Password: testAdminPassword, ConfirmPassword: "mismatched!"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	client.setup()
	assert.False(t, b.pendingSetup.Load())
	assert.Equal(t, testAdminUsername, b.RuntimeConfig().AdminUsername)

	w = client.do(http.MethodGet, apiPathSetupStatus, nil)
	assert.False(t, decodeResponse[setupResponse](t, w).Required)

	w = client.do(
		http.MethodPost,
		apiPathSetup,
		adminSetupPayload{Username: "other", Password: testAdminPassword, ConfirmPassword: testAdminPassword},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPI_Login(t *testing.T) {
	b, _, _ := newTestBot(t)
	client := newAPIClient(t, b)
	client.setup()

	testCases := []struct {
		name     string
		login    userLogin
		expected int
	}{
		{name: "wrong username", login: userLogin{Username: "root", Password: testAdminPassword}, expected: http.StatusUnauthorized},
		{name: "wrong password", login: userLogin{Username: testAdminUsername, Password: "nope"}, expected: http.StatusUnauthorized},
		{name: "missing password", login: userLogin{Username: testAdminUsername}, expected: http.StatusBadRequest},
		{name: "valid", login: userLogin{Username: testAdminUsername, Password: testAdminPassword}, expected: http.StatusOK},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				w := client.do(http.MethodPost, apiPathLogin, tc.login)
				assert.Equal(t, tc.expected, w.Code, w.Body.String())
			},
		)
	}

	w := client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdminUsername, decodeResponse[loggedInResponse](t, w).Username)

	w = client.do(http.MethodPost, apiPathLogout, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	b, _, _ := newTestBot(t)
	client := newAPIClient(t, b)

	var codes []int
	for i := 0; i < DefaultAPILoginRateBurst+2; i++ {
		w := client.do(http.MethodPost, apiPathLogin, userLogin{Username: "x", Password: "y"})
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestAPI_Unauthorized(t *testing.T) {
	b, _, _ := newTestBot(t)
	client := newAPIClient(t, b)
	client.setup()

	for _, path := range []string{
		apiPathLoggedIn,
		apiPathSchedules,
		apiPathForumPosts,
		apiPathStreaks,
		apiPathFoodFights,
		apiPathTaskRuns,
	} {
		w := client.do(http.MethodGet, apiPrefix+path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	b, _, _ := newTestBot(t)
	waitFor(t, 10*time.Second, func() bool { return len(b.archives.Pending()) == 1 })

	client := newAPIClient(t, b)
	w := client.do(http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)

	health := decodeResponse[healthCheckResponse](t, w)
	assert.True(t, health.DiscordGatewayConnected)
	assert.Equal(t, 1, health.Guilds)
	assert.True(t, health.PendingSetup)
	assert.Equal(t, 1, health.PendingArchives)
	assert.Equal(t, 1, health.PendingReminders)
	assert.Nil(t, health.NextReconcile)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPI_Schedules(t *testing.T) {
	b, _, client := newLoggedInAPIClient(t)
	waitFor(t, 10*time.Second, func() bool { return len(b.archives.Pending()) == 1 })

	w := client.do(http.MethodGet, apiPrefix+apiPathSchedules, nil)
	require.Equal(t, http.StatusOK, w.Code)
	schedules := decodeResponse[schedulesResponse](t, w)
	require.Len(t, schedules.Archives, 1)
	require.Len(t, schedules.Reminders, 1)
	assert.Equal(t, testEventID, schedules.Archives[0].EntityID)
	assert.Equal(t, taskGroupArchive, schedules.Archives[0].Group)
	assert.Equal(t, "24h0m0s", schedules.ArchiveDelay)
	assert.Equal(t, "1h", schedules.ReminderOffsets)

	cancelPath := fmt.Sprintf("%s/schedules/archive/%s", apiPrefix, testEventID)
	w = client.do(http.MethodDelete, cancelPath, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, b.archives.Pending())

	w = client.do(http.MethodDelete, cancelPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_ForumPosts(t *testing.T) {
	b, session, client := newLoggedInAPIClient(t)
	waitFor(t, 10*time.Second, func() bool { return len(b.archives.Pending()) == 1 })

	w := client.do(http.MethodGet, apiPrefix+apiPathForumPosts, nil)
	require.Equal(t, http.StatusOK, w.Code)
	posts := decodeResponse[[]ForumPost](t, w)
	require.Len(t, posts, 1)
	assert.Equal(t, testEventID, posts[0].EventID)
	assert.Equal(t, session.threads(testForumChannel)[0].ID, posts[0].ThreadID)
	assert.Len(t, posts[0].Participants, 2)

	w = client.do(http.MethodPost, apiPrefix+apiPathReconcile, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "reconciled 1 guild", decodeResponse[httpReply](t, w).Message)
	assert.Len(t, session.threads(testForumChannel), 1)
}

func TestAPI_Streaks(t *testing.T) {
	b, _, client := newLoggedInAPIClient(t)

	w := client.do(http.MethodGet, apiPrefix+apiPathStreaks, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeResponse[[]SubjectStreak](t, w))

	_, err := b.streaks.RecordActivityNow("1")
	require.NoError(t, err)
	_, err = b.streaks.RecordActivityNow("2")
	require.NoError(t, err)
	_, err = b.streaks.RecordActivityNow("2")
	require.NoError(t, err)

	w = client.do(http.MethodGet, apiPrefix+apiPathStreaks, nil)
	require.Equal(t, http.StatusOK, w.Code)
	streaks := decodeResponse[[]SubjectStreak](t, w)
	require.Len(t, streaks, 2)
	assert.Equal(t, "2", streaks[0].SubjectID)
	assert.Equal(t, 2, streaks[0].Count)
}

func TestAPI_FoodFights(t *testing.T) {
	b, _, client := newLoggedInAPIClient(t)
	startTestSession(t, b.tallies, "fight_1")
	_, err := b.tallies.RecordActivity("1", time.Now())
	require.NoError(t, err)

	w := client.do(http.MethodGet, apiPrefix+apiPathFoodFights, nil)
	require.Equal(t, http.StatusOK, w.Code)
	fights := decodeResponse[foodFightsResponse](t, w)
	require.Len(t, fights.Active, 1)
	assert.Empty(t, fights.Completed)
	assert.Equal(t, "fight_1", fights.Active[0].SessionID)

	w = client.do(http.MethodGet, apiPrefix+"/foodfights/fight_1/tallies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tallies := decodeResponse[Tallies](t, w)
	assert.True(t, tallies.Active)
	require.Len(t, tallies.Teams, 2)
	assert.Equal(t, "A", tallies.Teams[0].Team)
	assert.Equal(t, 1, tallies.Teams[0].Total)

	w = client.do(http.MethodGet, apiPrefix+"/foodfights/fight_9/tallies", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = client.do(http.MethodPost, apiPrefix+"/foodfights/fight_1/end", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ended := decodeResponse[Tallies](t, w)
	assert.False(t, ended.Active)
	assert.NotNil(t, ended.EndInstant)

	w = client.do(http.MethodPost, apiPrefix+"/foodfights/fight_1/end", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = client.do(http.MethodGet, apiPrefix+apiPathFoodFights, nil)
	fights = decodeResponse[foodFightsResponse](t, w)
	assert.Empty(t, fights.Active)
	assert.Len(t, fights.Completed, 1)
}

func TestAPI_TaskRuns(t *testing.T) {
	b, session, client := newLoggedInAPIClient(t)
	waitFor(t, 10*time.Second, func() bool { return len(b.archives.Pending()) == 1 })

	handle := b.archives.ArchiveNow(testEventID, "Taco Night")
	require.NotNil(t, handle)

	query := fmt.Sprintf("%s%s?group=%s&entity_id=%s", apiPrefix, apiPathTaskRuns, taskGroupArchive, testEventID)
	var runs []TaskRun
	waitFor(
		t, 10*time.Second, func() bool {
			w := client.do(http.MethodGet, query, nil)
			if w.Code != http.StatusOK {
				return false
			}
			runs = decodeResponse[[]TaskRun](t, w)
			return len(runs) == 1
		},
	)
	assert.Equal(t, testEventID, runs[0].EntityID)
	assert.Equal(t, taskGroupArchive, runs[0].TaskGroup)
	assert.Empty(t, runs[0].Error)
	assert.GreaterOrEqual(t, runs[0].FinishedAt, runs[0].StartedAt)

	threadID := session.threads(testForumChannel)[0].ID
	thread, _, ok := session.thread(threadID)
	require.True(t, ok)
	assert.True(t, thread.ThreadMetadata.Archived)

	testCases := []struct {
		name     string
		query    string
		expected int
	}{
		{name: "default", query: "", expected: http.StatusOK},
		{name: "other group", query: "?group=reminder", expected: http.StatusOK},
		{name: "bad group", query: "?group=nope", expected: http.StatusBadRequest},
		{name: "limit too high", query: "?limit=1000", expected: http.StatusBadRequest},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				w := client.do(http.MethodGet, apiPrefix+apiPathTaskRuns+tc.query, nil)
				assert.Equal(t, tc.expected, w.Code, w.Body.String())
			},
		)
	}
}

func TestAPI_RegisterCommands(t *testing.T) {
	_, session, client := newLoggedInAPIClient(t)

	w := client.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, session.registeredCommands(), 4)

	session.failOn("ApplicationCommandBulkOverwrite", restError(http.StatusInternalServerError))
	w = client.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPI_Quit(t *testing.T) {
	b, session, wait := newTestBot(t)
	client := newAPIClient(t, b)
	client.setup()
	client.login()

	w := client.do(http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, wait())
	assert.True(t, session.closed)
}

func TestAPI_RequestMetrics(t *testing.T) {
	b, _, _ := newTestBot(t)
	client := newAPIClient(t, b)
	client.do(http.MethodGet, apiHealthCheck, nil)
	client.do(http.MethodGet, apiHealthCheck, nil)
	client.do(http.MethodGet, apiPrefix+apiPathSchedules, nil)

	metrics := b.api.RequestMetrics()
	assert.Equal(t, 2, metrics["GET "+apiHealthCheck])
	assert.Equal(t, 1, metrics["GET "+apiPrefix+apiPathSchedules])
}
