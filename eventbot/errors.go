package eventbot

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrNotFound indicates an operation referenced an id with no
	// matching record.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSession indicates a tally session with the same id is
	// already open.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrTransientIO indicates a store read or write failure. The caller's
	// in-memory state is kept as last-known-good.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrUpstreamUnavailable indicates a Discord call failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// NotFoundError reports a missing record of the given kind.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DuplicateSessionError is returned when starting a session whose id
// is already open.
type DuplicateSessionError struct {
	SessionID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %q is already active", e.SessionID)
}

func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateSession
}

// TransientIOError wraps a filesystem failure from a JSONStore.
type TransientIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

func (e *TransientIOError) Is(target error) bool {
	return target == ErrTransientIO
}

// UpstreamUnavailableError wraps a failed Discord call.
type UpstreamUnavailableError struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

func (e *UpstreamUnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// upstreamError converts a discordgo REST error into an
// UpstreamUnavailableError. A 404 becomes a NotFoundError instead, so
// callers can tell a deleted thread from an outage.
func upstreamError(op string, kind string, id string, err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return &UpstreamUnavailableError{Op: op, Err: err}
}
