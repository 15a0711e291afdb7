// Package disk implements store.Store on a plain directory tree:
//
//	<root>/<username>/password       credential record
//	<root>/<username>/INBOX/<id>     one file per message
//	<root>/LOST/<id>                 undeliverable messages
//
// Account creation and message writes are staged under <root>/.staging and
// renamed into place, so a half-written account or message is never visible.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/store"
)

const (
	passwordFile = "password"
	inboxDir     = "INBOX"
	stagingDir   = store.StagingDirName
)

var _ store.Store = (*Store)(nil)

// Store is the filesystem mailbox store.
type Store struct {
	root string
	now  func() time.Time
}

// New opens (creating if needed) a store rooted at root.
func New(root string) (*Store, error) {
	return NewWithClock(root, time.Now)
}

// NewWithClock is like New but stamps deliveries with now. Useful in tests
// that need a deterministic arrival order.
func NewWithClock(root string, now func() time.Time) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, store.LostDirName), filepath.Join(root, stagingDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, now: now}, nil
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) accountDir(username string) string {
	return filepath.Join(s.root, username)
}

func (s *Store) inboxDir(username string) string {
	return filepath.Join(s.root, username, inboxDir)
}

// CreateAccount implements store.Store.
func (s *Store) CreateAccount(_ context.Context, username, password string) error {
	taken := false
	if store.ValidUsername(username) {
		if _, err := os.Stat(s.accountDir(username)); err == nil {
			taken = true
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to check account %q: %w", username, err)
		}
	}
	if err := store.CheckRegistration(username, password, taken); err != nil {
		return err
	}

	record, err := store.HashPassword(password)
	if err != nil {
		return err
	}

	staged := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(filepath.Join(staged, inboxDir), 0o700); err != nil {
		return fmt.Errorf("failed to stage account: %w", err)
	}
	if err := writeSynced(filepath.Join(staged, passwordFile), []byte(record), 0o600); err != nil {
		os.RemoveAll(staged)
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	if err := os.Rename(staged, s.accountDir(username)); err != nil {
		os.RemoveAll(staged)
		if errors.Is(err, fs.ErrExist) {
			return &store.ValidationError{Errs: []error{store.ErrUsernameTaken}}
		}
		return fmt.Errorf("failed to create account %q: %w", username, err)
	}
	syncDir(s.root)

	slog.Debug("account created", "user", username)
	return nil
}

// Ping checks that the mail root is still a directory. It only reads and may
// be called from any goroutine.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("mail root unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mail root %s is not a directory", s.root)
	}
	return nil
}

// Authenticate implements store.Store.
func (s *Store) Authenticate(_ context.Context, username, password string) error {
	if !store.ValidUsername(username) {
		return store.ErrInvalidCredentials
	}
	record, err := os.ReadFile(filepath.Join(s.accountDir(username), passwordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrInvalidCredentials
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}
	return store.VerifyPassword(string(record), password)
}

// AccountExists implements store.Store.
func (s *Store) AccountExists(_ context.Context, username string) (bool, error) {
	if !store.ValidUsername(username) {
		return false, nil
	}
	info, err := os.Stat(s.inboxDir(username))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check account %q: %w", username, err)
	}
	return info.IsDir(), nil
}

type entry struct {
	name    string
	modTime time.Time
	size    int64
}

// entries lists the regular files of an inbox, newest first.
func (s *Store) entries(username string) ([]entry, error) {
	if !store.ValidUsername(username) {
		return nil, store.ErrNoSuchAccount
	}
	dirents, err := os.ReadDir(s.inboxDir(username))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNoSuchAccount
		}
		return nil, fmt.Errorf("failed to read inbox of %q: %w", username, err)
	}

	out := make([]entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", d.Name(), err)
		}
		out = append(out, entry{name: d.Name(), modTime: info.ModTime(), size: info.Size()})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.After(out[j].modTime)
		}
		return out[i].name > out[j].name
	})
	return out, nil
}

// ListInbox implements store.Store.
func (s *Store) ListInbox(_ context.Context, username string) ([]message.Message, error) {
	ents, err := s.entries(username)
	if err != nil {
		return nil, err
	}

	msgs := make([]message.Message, 0, len(ents))
	for _, e := range ents {
		msg, err := s.readFile(username, e.name)
		if err != nil {
			slog.Warn("skipping unreadable message", "user", username, "id", e.name, "error", err)
			continue
		}
		msgs = append(msgs, *msg)
	}
	return msgs, nil
}

// ReadMessage implements store.Store.
func (s *Store) ReadMessage(_ context.Context, username, id string) (*message.Message, error) {
	if !store.ValidUsername(username) {
		return nil, store.ErrNoSuchAccount
	}
	if !validID(id) {
		return nil, store.ErrNoSuchMessage
	}
	return s.readFile(username, id)
}

func (s *Store) readFile(username, id string) (*message.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.inboxDir(username), id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNoSuchMessage
		}
		return nil, fmt.Errorf("failed to read message %s: %w", id, err)
	}
	msg, err := message.Parse(data)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// Deliver implements store.Store.
func (s *Store) Deliver(ctx context.Context, username string, msg *message.Message) error {
	ok, err := s.AccountExists(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNoSuchAccount
	}

	arrival := s.now()
	id := message.NewID(msg.Sender, arrival, msg.Content)
	if err := s.place(s.inboxDir(username), id, msg.Marshal(), arrival); err != nil {
		return fmt.Errorf("failed to deliver to %q: %w", username, err)
	}
	msg.ID = id
	return nil
}

// DeliverToLost implements store.LostSink.
func (s *Store) DeliverToLost(_ context.Context, id string, msg *message.Message) error {
	dir := filepath.Join(s.root, store.LostDirName)
	name := message.SafeName(id)
	if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
		name += "_" + uuid.NewString()[:8]
	}
	if err := s.place(dir, name, msg.Marshal(), s.now()); err != nil {
		return fmt.Errorf("failed to keep lost message: %w", err)
	}
	msg.ID = name
	return nil
}

// Stats implements store.Store.
func (s *Store) Stats(_ context.Context, username string) (store.Stats, error) {
	ents, err := s.entries(username)
	if err != nil {
		return store.Stats{}, err
	}
	// count what ListInbox would show
	var st store.Stats
	for _, e := range ents {
		if _, err := s.readFile(username, e.name); err != nil {
			continue
		}
		st.Count++
		st.Size += e.size
	}
	return st, nil
}

// place writes data under the staging directory, stamps it with mtime and
// renames it into dir/name.
func (s *Store) place(dir, name string, data []byte, mtime time.Time) error {
	staged := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := writeSynced(staged, data, 0o600); err != nil {
		os.Remove(staged)
		return err
	}
	if err := os.Chtimes(staged, mtime, mtime); err != nil {
		os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, filepath.Join(dir, name)); err != nil {
		os.Remove(staged)
		return err
	}
	syncDir(dir)
	return nil
}

func writeSynced(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		slog.Debug("directory sync failed", "dir", dir, "error", err)
	}
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}
