// Package session tracks the authentication state and listing cursor of each
// open connection.
package session

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a listing choice does not name an item of
// the session's last listing.
var ErrOutOfRange = errors.New("choice out of range")

// Session is the state bound to one connection.
type Session struct {
	ID         string
	RemoteAddr string

	username string
	listing  []string
}

// Username returns the bound account, or "" when unauthenticated.
func (s *Session) Username() string {
	return s.username
}

// Authenticated reports whether an account is bound to the session.
func (s *Session) Authenticated() bool {
	return s.username != ""
}

// Login binds username to the session. Any previous listing is forgotten.
func (s *Session) Login(username string) {
	s.username = username
	s.listing = nil
}

// Logout returns the session to the unauthenticated state.
func (s *Session) Logout() {
	s.username = ""
	s.listing = nil
}

// SetListing records the message identifiers of the latest listing, in
// display order.
func (s *Session) SetListing(ids []string) {
	s.listing = append([]string(nil), ids...)
}

// Resolve maps a 1-based choice against the latest listing.
func (s *Session) Resolve(choice int) (string, error) {
	if choice < 1 || choice > len(s.listing) {
		return "", fmt.Errorf("%w: %d (1-%d)", ErrOutOfRange, choice, len(s.listing))
	}
	return s.listing[choice-1], nil
}

// Table maps connection identifiers to sessions. It is not safe for
// concurrent use; the server's event loop is its only owner.
type Table struct {
	sessions map[string]*Session
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Open creates an unauthenticated session for id, replacing any existing one.
func (t *Table) Open(id, remoteAddr string) *Session {
	s := &Session{ID: id, RemoteAddr: remoteAddr}
	t.sessions[id] = s
	return s
}

// Get returns the session for id.
func (t *Table) Get(id string) (*Session, bool) {
	s, ok := t.sessions[id]
	return s, ok
}

// Close drops the session for id.
func (t *Table) Close(id string) {
	delete(t.sessions, id)
}

// Len returns the number of open sessions.
func (t *Table) Len() int {
	return len(t.sessions)
}

// Authenticated returns the number of sessions bound to an account.
func (t *Table) Authenticated() int {
	n := 0
	for _, s := range t.sessions {
		if s.Authenticated() {
			n++
		}
	}
	return n
}

// IDs returns the identifiers of every open session.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}
