package eventbot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utcDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func newTestStreakTracker(t testing.TB, path string) *StreakTracker {
	t.Helper()
	tracker := NewStreakTracker(path, nil, testLogger(t))
	require.NoError(t, tracker.Load())
	return tracker
}

func TestStreakRecord_Advance(t *testing.T) {
	t.Parallel()
	jan1 := DateOf(utcDate(2025, 1, 1))
	testCases := []struct {
		name     string
		prior    StreakRecord
		date     CalendarDate
		expected StreakRecord
	}{
		{
			name:     "first activity",
			prior:    StreakRecord{},
			date:     jan1,
			expected: StreakRecord{Count: 1, StreakCurrent: 1, StreakBest: 1, LastActivityDate: jan1},
		},
		{
			name:     "same day",
			prior:    StreakRecord{Count: 4, StreakCurrent: 3, StreakBest: 5, LastActivityDate: jan1},
			date:     jan1,
			expected: StreakRecord{Count: 5, StreakCurrent: 3, StreakBest: 5, LastActivityDate: jan1},
		},
		{
			name:     "next day",
			prior:    StreakRecord{Count: 4, StreakCurrent: 5, StreakBest: 5, LastActivityDate: jan1},
			date:     jan1.AddDays(1),
			expected: StreakRecord{Count: 5, StreakCurrent: 6, StreakBest: 6, LastActivityDate: jan1.AddDays(1)},
		},
		{
			name:     "gap resets",
			prior:    StreakRecord{Count: 4, StreakCurrent: 3, StreakBest: 5, LastActivityDate: jan1},
			date:     jan1.AddDays(2),
			expected: StreakRecord{Count: 5, StreakCurrent: 1, StreakBest: 5, LastActivityDate: jan1.AddDays(2)},
		},
		{
			name:     "earlier date resets",
			prior:    StreakRecord{Count: 4, StreakCurrent: 3, StreakBest: 3, LastActivityDate: jan1},
			date:     jan1.AddDays(-1),
			expected: StreakRecord{Count: 5, StreakCurrent: 1, StreakBest: 3, LastActivityDate: jan1.AddDays(-1)},
		},
		{
			name:  "month and year boundary",
			prior: StreakRecord{Count: 1, StreakCurrent: 1, StreakBest: 1, LastActivityDate: DateOf(utcDate(2024, 12, 31))},
			date:  jan1,
			expected: StreakRecord{
				Count:            2,
				StreakCurrent:    2,
				StreakBest:       2,
				LastActivityDate: jan1,
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, tc.prior.Advance(tc.date))
			},
		)
	}
}

func TestStreakTracker_RecordActivitySequence(t *testing.T) {
	t.Parallel()
	tracker := newTestStreakTracker(t, testDataPath(t, "streaks.json"))

	activity := []time.Time{
		time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 23, 59, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 1, 0, 0, time.UTC),
		time.Date(2025, 1, 4, 12, 0, 0, 0, time.UTC),
	}
	var counts, current, best []int
	for _, at := range activity {
		rec, err := tracker.RecordActivity("42", at)
		require.NoError(t, err)
		counts = append(counts, rec.Count)
		current = append(current, rec.StreakCurrent)
		best = append(best, rec.StreakBest)
	}

	assert.Equal(t, []int{1, 2, 3, 4}, counts)
	assert.Equal(t, []int{1, 1, 2, 1}, current)
	assert.Equal(t, []int{1, 1, 2, 2}, best)
}

func TestStreakTracker_UsesUTCDate(t *testing.T) {
	t.Parallel()
	tracker := newTestStreakTracker(t, testDataPath(t, "streaks.json"))
	est := time.FixedZone("EST", -5*60*60)

	// 21:00 EST on Jan 1 is 02:00 UTC on Jan 2
	_, err := tracker.RecordActivity("1", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	rec, err := tracker.RecordActivity("1", time.Date(2025, 1, 1, 21, 0, 0, 0, est))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.StreakCurrent)
	assert.Equal(t, "2025-01-02", rec.LastActivityDate.String())
}

func TestStreakTracker_BestNeverBelowCurrent(t *testing.T) {
	t.Parallel()
	tracker := newTestStreakTracker(t, testDataPath(t, "streaks.json"))

	start := utcDate(2025, 3, 1)
	gaps := []int{0, 1, 1, 0, 3, 1, 1, 1, 1, 0, 2, 1}
	day := start
	prevBest := 0
	for _, gap := range gaps {
		day = day.AddDate(0, 0, gap)
		rec, err := tracker.RecordActivity("7", day)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.StreakBest, rec.StreakCurrent)
		assert.GreaterOrEqual(t, rec.StreakBest, prevBest)
		prevBest = rec.StreakBest
	}
	assert.Equal(t, 5, prevBest)
}

func TestStreakTracker_Persistence(t *testing.T) {
	t.Parallel()
	path := testDataPath(t, "streaks.json")
	tracker := newTestStreakTracker(t, path)

	_, err := tracker.RecordActivity("1", utcDate(2025, 1, 1))
	require.NoError(t, err)
	_, err = tracker.RecordActivity("2", utcDate(2025, 1, 1))
	require.NoError(t, err)
	_, err = tracker.RecordActivity("2", utcDate(2025, 1, 2))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(
		t,
		`{
			"1": {"count": 1, "streak_current": 1, "streak_best": 1, "last_activity_date": "2025-01-01"},
			"2": {"count": 2, "streak_current": 2, "streak_best": 2, "last_activity_date": "2025-01-02"}
		}`,
		string(data),
	)

	reloaded := newTestStreakTracker(t, path)
	rec, ok := reloaded.Get("2")
	require.True(t, ok)
	assert.Equal(t, 2, rec.StreakCurrent)
	_, ok = reloaded.Get("3")
	assert.False(t, ok)

	all := reloaded.All()
	require.Len(t, all, 2)
	assert.Equal(t, "2", all[0].SubjectID)
	assert.Equal(t, "1", all[1].SubjectID)

	fromFile, err := LoadStreakBook(path)
	require.NoError(t, err)
	assert.Equal(t, all, fromFile)
}

func TestStreakTracker_LoadsNullDate(t *testing.T) {
	t.Parallel()
	path := testDataPath(t, "streaks.json")
	require.NoError(
		t,
		os.WriteFile(
			path,
			[]byte(`{"5": {"count": 3, "streak_current": 0, "streak_best": 2, "last_activity_date": null}}`),
			0o644,
		),
	)
	tracker := newTestStreakTracker(t, path)
	rec, err := tracker.RecordActivity("5", utcDate(2025, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, StreakRecord{Count: 4, StreakCurrent: 1, StreakBest: 2, LastActivityDate: DateOf(utcDate(2025, 2, 1))}, rec)
}

func TestStreakTracker_ConcurrentSubjects(t *testing.T) {
	t.Parallel()
	tracker := newTestStreakTracker(t, testDataPath(t, "streaks.json"))

	const subjects = 5
	const perSubject = 20
	var wg sync.WaitGroup
	for i := 0; i < subjects; i++ {
		for j := 0; j < perSubject; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := tracker.RecordActivity(id, utcDate(2025, 1, 1))
				assert.NoError(t, err)
			}(fmt.Sprintf("%d", i))
		}
	}
	wg.Wait()

	for i := 0; i < subjects; i++ {
		rec, ok := tracker.Get(fmt.Sprintf("%d", i))
		require.True(t, ok)
		assert.Equal(t, perSubject, rec.Count)
		assert.Equal(t, 1, rec.StreakCurrent)
	}
}

func TestStreakTracker_SaveFailureReturnsRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "streaks.json")
	tracker := newTestStreakTracker(t, path)

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o755))

	rec, err := tracker.RecordActivity("1", utcDate(2025, 1, 1))
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.Equal(t, 1, rec.Count)

	got, ok := tracker.Get("1")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestCalendarDateJSON(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		input    string
		expected CalendarDate
	}{
		{name: "date", input: `"2025-01-04"`, expected: CalendarDate{2025, time.January, 4}},
		{name: "null", input: `null`, expected: CalendarDate{}},
		{name: "empty", input: `""`, expected: CalendarDate{}},
		{name: "timestamp", input: `"2025-01-04T23:30:00-05:00"`, expected: CalendarDate{2025, time.January, 5}},
		{name: "garbage", input: `"yesterday"`, expected: CalendarDate{}},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				var d CalendarDate
				require.NoError(t, json.Unmarshal([]byte(tc.input), &d))
				assert.Equal(t, tc.expected, d)
			},
		)
	}

	var d CalendarDate
	assert.Error(t, json.Unmarshal([]byte(`123`), &d))

	data, err := json.Marshal(CalendarDate{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
