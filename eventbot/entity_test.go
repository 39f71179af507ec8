package eventbot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// fakeEntity is an in-memory Entity
type fakeEntity struct {
	id       string
	name     string
	start    time.Time
	end      time.Time
	subjects []Subject
	err      error

	mu    sync.Mutex
	calls int
}

func (e *fakeEntity) ID() string       { return e.id }
func (e *fakeEntity) Name() string     { return e.name }
func (e *fakeEntity) Start() time.Time { return e.start }

func (e *fakeEntity) End() (time.Time, bool) {
	return e.end, !e.end.IsZero()
}

func (e *fakeEntity) Subjects(context.Context) ([]Subject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return append([]Subject(nil), e.subjects...), nil
}

// fakeForum records archive and rename calls
type fakeForum struct {
	mu       sync.Mutex
	archived []string
	renamed  map[string]string
	missing  bool
	err      error
}

func (f *fakeForum) ArchivePost(_ context.Context, entityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.missing {
		return false, nil
	}
	f.archived = append(f.archived, entityID)
	return true, nil
}

func (f *fakeForum) RenamePost(_ context.Context, entityID string, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.renamed == nil {
		f.renamed = map[string]string{}
	}
	f.renamed[entityID] = name
	return true, nil
}

func (f *fakeForum) archivedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.archived...)
}

type mockForum struct {
	mock.Mock
}

func (m *mockForum) ArchivePost(ctx context.Context, entityID string) (bool, error) {
	args := m.Called(ctx, entityID)
	return args.Bool(0), args.Error(1)
}

func (m *mockForum) RenamePost(ctx context.Context, entityID string, name string) (bool, error) {
	args := m.Called(ctx, entityID, name)
	return args.Bool(0), args.Error(1)
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Send(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

// fakeChannel keeps every message sent to it
type fakeChannel struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (c *fakeChannel) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, text)
	return nil
}

func (c *fakeChannel) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func TestSubjectMention(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<@1234>", Subject{ID: "1234"}.Mention())
}
