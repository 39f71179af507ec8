package eventbot

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/lmittmann/tint"
)

const calendarDateLayout = "2006-01-02"

// CalendarDate is a UTC year-month-day, without a time of day. The zero
// value means "no date" and is encoded as JSON null.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the UTC calendar date of t.
func DateOf(t time.Time) CalendarDate {
	y, m, d := t.UTC().Date()
	return CalendarDate{Year: y, Month: m, Day: d}
}

// ParseCalendarDate parses a "YYYY-MM-DD" date. Full RFC 3339 timestamps
// are also accepted, and reduced to their UTC date.
func ParseCalendarDate(s string) (CalendarDate, error) {
	t, err := time.Parse(calendarDateLayout, s)
	if err != nil {
		ts, tsErr := time.Parse(time.RFC3339, s)
		if tsErr != nil {
			return CalendarDate{}, err
		}
		t = ts
	}
	return DateOf(t), nil
}

func (d CalendarDate) IsZero() bool {
	return d == CalendarDate{}
}

// Time returns midnight UTC at the start of the date
func (d CalendarDate) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days later (or earlier, for negative n)
func (d CalendarDate) AddDays(n int) CalendarDate {
	return DateOf(d.Time().AddDate(0, 0, n))
}

func (d CalendarDate) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(calendarDateLayout)
}

func (d CalendarDate) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a date string or null. A string that isn't a
// valid date decodes as the zero date, so one bad record doesn't
// invalidate the rest of the file.
func (d *CalendarDate) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*d = CalendarDate{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = CalendarDate{}
		return nil
	}
	parsed, err := ParseCalendarDate(s)
	if err != nil {
		*d = CalendarDate{}
		return nil
	}
	*d = parsed
	return nil
}

// StreakRecord is a subject's activity total and consecutive-day streak.
type StreakRecord struct {
	Count            int          `json:"count"`
	StreakCurrent    int          `json:"streak_current"`
	StreakBest       int          `json:"streak_best"`
	LastActivityDate CalendarDate `json:"last_activity_date"`
}

// Advance returns the record after an activity on the given date.
//
// Same-day activity leaves the streak alone, activity on the following
// day extends it, and anything else (including a date before the last
// activity) restarts it at 1. The total always increases by one.
func (r StreakRecord) Advance(date CalendarDate) StreakRecord {
	next := r
	next.Count++

	switch {
	case r.LastActivityDate.IsZero():
		next.StreakCurrent = 1
	case date == r.LastActivityDate:
	case date == r.LastActivityDate.AddDays(1):
		next.StreakCurrent++
	default:
		next.StreakCurrent = 1
	}
	next.StreakBest = max(next.StreakBest, next.StreakCurrent)
	next.LastActivityDate = date
	return next
}

// StreakBook is the persisted streak document, keyed by subject ID.
type StreakBook map[string]StreakRecord

func (b *StreakBook) normalize() {
	if *b == nil {
		*b = StreakBook{}
	}
}

func newStreakBook() StreakBook {
	return StreakBook{}
}

// SubjectStreak pairs a subject ID with its record.
type SubjectStreak struct {
	SubjectID string `json:"subject_id"`
	StreakRecord
}

// StreakTracker records activity per subject and persists the resulting
// streaks to a JSON file.
type StreakTracker struct {
	store  *JSONStore[StreakBook]
	clock  Clock
	logger *slog.Logger
}

// NewStreakTracker returns a tracker backed by the file at path. Call
// Load before use.
func NewStreakTracker(path string, clock Clock, logger *slog.Logger) *StreakTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	logger = logger.With(loggerNameKey, "streak_tracker")
	return &StreakTracker{
		store:  NewJSONStore(path, newStreakBook, logger),
		clock:  clock,
		logger: logger,
	}
}

// Load reads the streak file from disk
func (s *StreakTracker) Load() error {
	return s.store.Load()
}

// Path returns the streak file path
func (s *StreakTracker) Path() string {
	return s.store.Path()
}

// RecordActivity applies an activity at the given instant to the
// subject's record and persists it. If persisting fails, the updated
// record is still returned, along with a TransientIOError.
func (s *StreakTracker) RecordActivity(subjectID string, at time.Time) (StreakRecord, error) {
	date := DateOf(at)
	var updated StreakRecord
	err := s.store.Update(
		func(book *StreakBook) (bool, error) {
			updated = (*book)[subjectID].Advance(date)
			(*book)[subjectID] = updated
			return true, nil
		},
	)
	if err != nil {
		s.logger.Error(
			"unable to save streak",
			"subject_id", subjectID,
			"record", updated,
			tint.Err(err),
		)
		return updated, err
	}
	s.logger.Info(
		"recorded activity",
		"subject_id", subjectID,
		"count", updated.Count,
		"streak", updated.StreakCurrent,
	)
	return updated, nil
}

// RecordActivityNow records an activity at the tracker's current time
func (s *StreakTracker) RecordActivityNow(subjectID string) (StreakRecord, error) {
	return s.RecordActivity(subjectID, s.clock.Now())
}

// Get returns the record for subjectID, and false if there is none.
func (s *StreakTracker) Get(subjectID string) (StreakRecord, bool) {
	var rec StreakRecord
	var ok bool
	s.store.View(
		func(book StreakBook) {
			rec, ok = book[subjectID]
		},
	)
	return rec, ok
}

// All returns every record, ordered as a leaderboard: current streak,
// then best streak, then total, all descending.
func (s *StreakTracker) All() []SubjectStreak {
	var rv []SubjectStreak
	s.store.View(
		func(book StreakBook) {
			rv = make([]SubjectStreak, 0, len(book))
			for id, rec := range book {
				rv = append(rv, SubjectStreak{SubjectID: id, StreakRecord: rec})
			}
		},
	)
	sortStreaks(rv)
	return rv
}

func sortStreaks(streaks []SubjectStreak) {
	sort.Slice(
		streaks, func(i, j int) bool {
			a, b := streaks[i], streaks[j]
			if a.StreakCurrent != b.StreakCurrent {
				return a.StreakCurrent > b.StreakCurrent
			}
			if a.StreakBest != b.StreakBest {
				return a.StreakBest > b.StreakBest
			}
			if a.Count != b.Count {
				return a.Count > b.Count
			}
			return a.SubjectID < b.SubjectID
		},
	)
}

// LoadStreakBook reads a streak file without creating or modifying it.
func LoadStreakBook(path string) ([]SubjectStreak, error) {
	book, err := readJSONFile[StreakBook](path)
	if err != nil {
		return nil, err
	}
	rv := make([]SubjectStreak, 0, len(book))
	for id, rec := range book {
		rv = append(rv, SubjectStreak{SubjectID: id, StreakRecord: rec})
	}
	sortStreaks(rv)
	return rv, nil
}
