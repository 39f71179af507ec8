package eventbot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/lmittmann/tint"
)

// ErrInvalidSession is returned when a session's teams or assignments
// are inconsistent.
var ErrInvalidSession = errors.New("invalid session")

// Assignment places a subject on a team
type Assignment struct {
	SubjectID string `json:"subject_id"`
	Team      string `json:"team"`
}

// Roster is an ordered list of assignments. It encodes as a JSON object
// keyed by subject ID, keeping assignment order.
type Roster []Assignment

// Team returns the team for subjectID, and false if it isn't assigned.
func (r Roster) Team(subjectID string) (string, bool) {
	for _, a := range r {
		if a.SubjectID == subjectID {
			return a.Team, true
		}
	}
	return "", false
}

func (r Roster) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(a.SubjectID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a.Team)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Roster) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("roster: expected object, got %v", tok)
	}
	var roster Roster
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		subjectID, ok := tok.(string)
		if !ok {
			return fmt.Errorf("roster: expected subject id, got %v", tok)
		}
		var team string
		if err = dec.Decode(&team); err != nil {
			return fmt.Errorf("roster: team for %s: %w", subjectID, err)
		}
		roster = append(roster, Assignment{SubjectID: subjectID, Team: team})
	}
	if _, err = dec.Token(); err != nil {
		return err
	}
	*r = roster
	return nil
}

// TallySession is one team contest. Assignments are fixed at start.
// Counters only ever hold assigned subjects.
type TallySession struct {
	SessionID    string         `json:"session_id"`
	ValidTeams   []string       `json:"valid_teams"`
	Assignments  Roster         `json:"assignments"`
	Counters     map[string]int `json:"counters"`
	StartInstant time.Time      `json:"start_instant"`
	EndInstant   *time.Time     `json:"end_instant"`

	AnnouncementMessageID string `json:"announcement_message_id,omitempty"`
	ChannelID             string `json:"channel_id,omitempty"`
}

// Active reports whether the session hasn't been ended
func (s TallySession) Active() bool {
	return s.EndInstant == nil
}

func (s TallySession) clone() TallySession {
	c := s
	c.ValidTeams = slices.Clone(s.ValidTeams)
	c.Assignments = slices.Clone(s.Assignments)
	c.Counters = make(map[string]int, len(s.Counters))
	for k, v := range s.Counters {
		c.Counters[k] = v
	}
	if s.EndInstant != nil {
		end := *s.EndInstant
		c.EndInstant = &end
	}
	return c
}

func (s TallySession) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("session_id", s.SessionID),
		slog.Any("valid_teams", s.ValidTeams),
		slog.Int("participants", len(s.Assignments)),
		slog.Time("start_instant", s.StartInstant),
	}
	if s.EndInstant != nil {
		attrs = append(attrs, slog.Time("end_instant", *s.EndInstant))
	}
	return slog.GroupValue(attrs...)
}

// TallyBook is the persisted tally document.
type TallyBook struct {
	ActiveSessions    map[string]*TallySession `json:"active_sessions"`
	CompletedSessions map[string]*TallySession `json:"completed_sessions"`
}

func (b *TallyBook) normalize() {
	if b.ActiveSessions == nil {
		b.ActiveSessions = map[string]*TallySession{}
	}
	if b.CompletedSessions == nil {
		b.CompletedSessions = map[string]*TallySession{}
	}
	for _, sessions := range []map[string]*TallySession{b.ActiveSessions, b.CompletedSessions} {
		for id, s := range sessions {
			if s == nil {
				delete(sessions, id)
				continue
			}
			if s.Counters == nil {
				s.Counters = map[string]int{}
			}
		}
	}
}

func newTallyBook() TallyBook {
	return TallyBook{
		ActiveSessions:    map[string]*TallySession{},
		CompletedSessions: map[string]*TallySession{},
	}
}

// ParticipantCount is one subject's count within a team
type ParticipantCount struct {
	SubjectID string `json:"subject_id"`
	Count     int    `json:"count"`
}

// TeamTally is the aggregate for one team
type TeamTally struct {
	Team         string             `json:"team"`
	Total        int                `json:"total"`
	Participants []ParticipantCount `json:"participants"`
}

// Tallies is the per-team breakdown of a session. Teams are listed in
// valid_teams order and participants in assignment order; use Ranked
// for presentation order.
type Tallies struct {
	SessionID    string      `json:"session_id"`
	Active       bool        `json:"active"`
	StartInstant time.Time   `json:"start_instant"`
	EndInstant   *time.Time  `json:"end_instant"`
	Teams        []TeamTally `json:"teams"`
}

// Ranked returns a copy with teams ordered by total and participants by
// count, both descending. Ties keep their existing order.
func (t Tallies) Ranked() Tallies {
	rv := t
	rv.Teams = make([]TeamTally, len(t.Teams))
	for i, team := range t.Teams {
		team.Participants = slices.Clone(team.Participants)
		sort.SliceStable(
			team.Participants, func(a, b int) bool {
				return team.Participants[a].Count > team.Participants[b].Count
			},
		)
		rv.Teams[i] = team
	}
	sort.SliceStable(
		rv.Teams, func(a, b int) bool {
			return rv.Teams[a].Total > rv.Teams[b].Total
		},
	)
	return rv
}

// Team returns the tally for the named team
func (t Tallies) Team(name string) (TeamTally, bool) {
	for _, team := range t.Teams {
		if team.Team == name {
			return team, true
		}
	}
	return TeamTally{}, false
}

// StartSessionParams describes a new tally session
type StartSessionParams struct {
	SessionID             string
	ValidTeams            []string
	Assignments           Roster
	StartInstant          time.Time
	AnnouncementMessageID string
	ChannelID             string
}

func (p StartSessionParams) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidSession)
	}
	if len(p.ValidTeams) == 0 {
		return fmt.Errorf("%w: at least one team is required", ErrInvalidSession)
	}
	seen := make(map[string]struct{}, len(p.Assignments))
	for _, a := range p.Assignments {
		if !slices.Contains(p.ValidTeams, a.Team) {
			return fmt.Errorf(
				"%w: subject %s assigned to unknown team %q",
				ErrInvalidSession,
				a.SubjectID,
				a.Team,
			)
		}
		if _, dup := seen[a.SubjectID]; dup {
			return fmt.Errorf("%w: subject %s assigned twice", ErrInvalidSession, a.SubjectID)
		}
		seen[a.SubjectID] = struct{}{}
	}
	return nil
}

// TallyEngine manages tally sessions persisted to a JSON file.
type TallyEngine struct {
	store  *JSONStore[TallyBook]
	clock  Clock
	logger *slog.Logger
}

// NewTallyEngine returns an engine backed by the file at path. Call Load
// before use.
func NewTallyEngine(path string, clock Clock, logger *slog.Logger) *TallyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	logger = logger.With(loggerNameKey, "tally_engine")
	return &TallyEngine{
		store:  NewJSONStore(path, newTallyBook, logger),
		clock:  clock,
		logger: logger,
	}
}

// Load reads the tally file from disk
func (e *TallyEngine) Load() error {
	if err := e.store.Load(); err != nil {
		return err
	}
	e.store.View(
		func(book TallyBook) {
			e.logger.Info(
				"loaded tally sessions",
				"active", len(book.ActiveSessions),
				"completed", len(book.CompletedSessions),
			)
		},
	)
	return nil
}

// Path returns the tally file path
func (e *TallyEngine) Path() string {
	return e.store.Path()
}

// StartSession opens a session with every assigned subject's counter at
// zero. It returns a DuplicateSessionError if the id is already open. A
// completed session with the same id is replaced.
func (e *TallyEngine) StartSession(p StartSessionParams) (TallySession, error) {
	if err := p.validate(); err != nil {
		return TallySession{}, err
	}

	session := &TallySession{
		SessionID:             p.SessionID,
		ValidTeams:            slices.Clone(p.ValidTeams),
		Assignments:           slices.Clone(p.Assignments),
		Counters:              make(map[string]int, len(p.Assignments)),
		StartInstant:          p.StartInstant.UTC(),
		AnnouncementMessageID: p.AnnouncementMessageID,
		ChannelID:             p.ChannelID,
	}
	if session.Assignments == nil {
		session.Assignments = Roster{}
	}
	for _, a := range p.Assignments {
		session.Counters[a.SubjectID] = 0
	}

	err := e.store.Update(
		func(book *TallyBook) (bool, error) {
			if _, exists := book.ActiveSessions[p.SessionID]; exists {
				return false, &DuplicateSessionError{SessionID: p.SessionID}
			}
			if _, exists := book.CompletedSessions[p.SessionID]; exists {
				e.logger.Warn("restarting a completed session", "session_id", p.SessionID)
				delete(book.CompletedSessions, p.SessionID)
			}
			book.ActiveSessions[p.SessionID] = session
			return true, nil
		},
	)
	var dupErr *DuplicateSessionError
	if errors.As(err, &dupErr) {
		return TallySession{}, err
	}
	if err != nil {
		return session.clone(), err
	}
	e.logger.Info("started session", "session", session)
	return session.clone(), nil
}

// RecordActivity counts one activity for subjectID in every open session
// the subject is enrolled in and that started at or before at. It returns
// the ids of the sessions that were incremented, sorted.
func (e *TallyEngine) RecordActivity(subjectID string, at time.Time) ([]string, error) {
	at = at.UTC()
	var counted []string
	err := e.store.Update(
		func(book *TallyBook) (bool, error) {
			for id, session := range book.ActiveSessions {
				if _, enrolled := session.Assignments.Team(subjectID); !enrolled {
					continue
				}
				if at.Before(session.StartInstant) {
					continue
				}
				session.Counters[subjectID]++
				counted = append(counted, id)
			}
			return len(counted) > 0, nil
		},
	)
	sort.Strings(counted)
	if len(counted) > 0 {
		e.logger.Info(
			"recorded activity",
			"subject_id", subjectID,
			"sessions", counted,
		)
	}
	return counted, err
}

// EndSession closes the open session with the given id, stamping end.
// It returns a NotFoundError if no such session is open, including when
// the session was already ended.
func (e *TallyEngine) EndSession(sessionID string, end time.Time) (TallySession, error) {
	var ended *TallySession
	err := e.store.Update(
		func(book *TallyBook) (bool, error) {
			session, ok := book.ActiveSessions[sessionID]
			if !ok {
				return false, &NotFoundError{Kind: "active session", ID: sessionID}
			}
			endInstant := end.UTC()
			session.EndInstant = &endInstant
			delete(book.ActiveSessions, sessionID)
			book.CompletedSessions[sessionID] = session
			ended = session
			return true, nil
		},
	)
	if ended == nil {
		e.logger.Warn("session not found in active sessions", "session_id", sessionID)
		return TallySession{}, err
	}
	e.logger.Info("ended session", "session", *ended)
	return ended.clone(), err
}

// EndSessionNow ends the session at the engine's current time
func (e *TallyEngine) EndSessionNow(sessionID string) (TallySession, error) {
	return e.EndSession(sessionID, e.clock.Now())
}

// Session returns a copy of the open or completed session with the
// given id.
func (e *TallyEngine) Session(sessionID string) (TallySession, error) {
	var rv TallySession
	var found bool
	e.store.View(
		func(book TallyBook) {
			s, ok := book.ActiveSessions[sessionID]
			if !ok {
				s, ok = book.CompletedSessions[sessionID]
			}
			if ok {
				rv = s.clone()
				found = true
			}
		},
	)
	if !found {
		return TallySession{}, &NotFoundError{Kind: "session", ID: sessionID}
	}
	return rv, nil
}

// ActiveSessions returns copies of every open session, ordered by id
func (e *TallyEngine) ActiveSessions() []TallySession {
	var rv []TallySession
	e.store.View(func(book TallyBook) { rv = sessionList(book.ActiveSessions) })
	return rv
}

// CompletedSessions returns copies of every ended session, ordered by id
func (e *TallyEngine) CompletedSessions() []TallySession {
	var rv []TallySession
	e.store.View(func(book TallyBook) { rv = sessionList(book.CompletedSessions) })
	return rv
}

// GetTallies computes per-team totals for an open or completed session.
func (e *TallyEngine) GetTallies(sessionID string) (Tallies, error) {
	session, err := e.Session(sessionID)
	if err != nil {
		return Tallies{}, err
	}
	tallies, orphans := computeTallies(session)
	if len(orphans) > 0 {
		e.logger.Error(
			"session has counters for unassigned subjects",
			"session_id", sessionID,
			"subject_ids", orphans,
		)
	}
	return tallies, nil
}

func sessionList(sessions map[string]*TallySession) []TallySession {
	rv := make([]TallySession, 0, len(sessions))
	for _, s := range sessions {
		rv = append(rv, s.clone())
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].SessionID < rv[j].SessionID })
	return rv
}

// computeTallies builds the team breakdown for a session. It also returns
// any counter keys with no matching assignment, which should never exist.
func computeTallies(session TallySession) (Tallies, []string) {
	rv := Tallies{
		SessionID:    session.SessionID,
		Active:       session.Active(),
		StartInstant: session.StartInstant,
		EndInstant:   session.EndInstant,
		Teams:        make([]TeamTally, 0, len(session.ValidTeams)),
	}
	index := make(map[string]int, len(session.ValidTeams))
	for _, team := range session.ValidTeams {
		if _, dup := index[team]; dup {
			continue
		}
		index[team] = len(rv.Teams)
		rv.Teams = append(rv.Teams, TeamTally{Team: team, Participants: []ParticipantCount{}})
	}

	assigned := make(map[string]struct{}, len(session.Assignments))
	for _, a := range session.Assignments {
		assigned[a.SubjectID] = struct{}{}
		i, ok := index[a.Team]
		if !ok {
			continue
		}
		count := session.Counters[a.SubjectID]
		rv.Teams[i].Total += count
		rv.Teams[i].Participants = append(
			rv.Teams[i].Participants,
			ParticipantCount{SubjectID: a.SubjectID, Count: count},
		)
	}

	var orphans []string
	for subjectID := range session.Counters {
		if _, ok := assigned[subjectID]; !ok {
			orphans = append(orphans, subjectID)
		}
	}
	sort.Strings(orphans)
	return rv, orphans
}

// Reaction is one subject's reaction with a team symbol, as enumerated
// from an announcement message.
type Reaction struct {
	SubjectID string
	Team      string
}

// ResolveTeams builds a roster from reactions, in order of each
// subject's first reaction. Reactions with a team outside validTeams are
// ignored. A subject with more than one valid team gets one chosen
// uniformly at random from rng. A nil rng uses a time-seeded source.
func ResolveTeams(reactions []Reaction, validTeams []string, rng *rand.Rand) Roster {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var order []string
	choices := map[string][]string{}
	for _, r := range reactions {
		if !slices.Contains(validTeams, r.Team) {
			continue
		}
		teams, seen := choices[r.SubjectID]
		if !seen {
			order = append(order, r.SubjectID)
		}
		if !slices.Contains(teams, r.Team) {
			choices[r.SubjectID] = append(teams, r.Team)
		}
	}

	roster := make(Roster, 0, len(order))
	for _, subjectID := range order {
		teams := choices[subjectID]
		team := teams[0]
		if len(teams) > 1 {
			team = teams[rng.Intn(len(teams))]
		}
		roster = append(roster, Assignment{SubjectID: subjectID, Team: team})
	}
	return roster
}

// LoadTallyBook reads a tally file without creating or modifying it.
func LoadTallyBook(path string) (TallyBook, error) {
	book, err := readJSONFile[TallyBook](path)
	if err != nil {
		return TallyBook{}, err
	}
	book.normalize()
	return book, nil
}

// TalliesFor computes tallies for a session in a book loaded with
// LoadTallyBook.
func (b TallyBook) TalliesFor(sessionID string, logger *slog.Logger) (Tallies, error) {
	session, ok := b.ActiveSessions[sessionID]
	if !ok {
		session, ok = b.CompletedSessions[sessionID]
	}
	if !ok {
		return Tallies{}, &NotFoundError{Kind: "session", ID: sessionID}
	}
	tallies, orphans := computeTallies(*session)
	if len(orphans) > 0 && logger != nil {
		logger.Error(
			"session has counters for unassigned subjects",
			"session_id", sessionID,
			"subject_ids", orphans,
			tint.Err(ErrInvalidSession),
		)
	}
	return tallies, nil
}

// SessionIDs returns every session id in the book, active first
func (b TallyBook) SessionIDs() []string {
	active := sessionList(b.ActiveSessions)
	completed := sessionList(b.CompletedSessions)
	rv := make([]string, 0, len(active)+len(completed))
	for _, s := range active {
		rv = append(rv, s.SessionID)
	}
	for _, s := range completed {
		rv = append(rv, s.SessionID)
	}
	return rv
}
