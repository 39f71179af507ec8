package eventbot

import (
	"context"
	"fmt"
	"time"
)

// Subject is a participant, identified by their Discord user ID.
type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Bot  bool   `json:"bot,omitempty"`
}

// Mention returns the Discord mention markup for the subject
func (s Subject) Mention() string {
	return fmt.Sprintf("<@%s>", s.ID)
}

// Entity is an external scheduled item that archive and reminder tasks
// are attached to.
type Entity interface {
	ID() string
	Name() string
	Start() time.Time
	// End returns the end instant, and false if the entity has none.
	End() (time.Time, bool)
	// Subjects enumerates the currently interested subjects. An error
	// means the list is unavailable, which is distinct from an empty list.
	Subjects(ctx context.Context) ([]Subject, error)
}

// ForumCollaborator manages the forum thread attached to an entity.
// Each method reports whether the thread was found and changed.
type ForumCollaborator interface {
	ArchivePost(ctx context.Context, entityID string) (bool, error)
	RenamePost(ctx context.Context, entityID string, name string) (bool, error)
}

// NotificationChannel delivers a plain text message.
type NotificationChannel interface {
	Send(ctx context.Context, text string) error
}
