package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shineum/glomail/internal/client"
	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/protocol"
	"github.com/shineum/glomail/internal/router"
	"github.com/shineum/glomail/internal/store"
	"github.com/shineum/glomail/internal/store/disk"
	"github.com/shineum/glomail/internal/wire"
)

const (
	testDomain   = "glo2000.ca"
	goodPassword = "Abcdefghij1"
)

// startServer runs a server on a loopback port backed by a fresh disk store.
func startServer(t *testing.T) (string, *disk.Store) {
	t.Helper()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, err := disk.NewWithClock(t.TempDir(), func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	srv := New(Config{WriteTimeout: 5 * time.Second}, NewDispatcher(st, router.New(testDomain, st, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return ln.Addr().String(), st
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mailTo(dest, subject, body string) protocol.EmailContentPayload {
	return protocol.EmailContentPayload{
		Sender:      "carol@" + testDomain,
		Destination: dest,
		Subject:     subject,
		Date:        "2024-03-01 12:30:00",
		Content:     body,
	}
}

// wantServerError fails unless err is an ERROR response containing substr.
func wantServerError(t *testing.T, err error, substr string) {
	t.Helper()
	var se *client.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ERROR response containing %q, got %v", substr, err)
	}
	if !strings.Contains(se.Message, substr) {
		t.Errorf("error message: got %q, want it to contain %q", se.Message, substr)
	}
}

func TestServer_RegisterTwice(t *testing.T) {
	t.Parallel()

	addr, st := startServer(t)
	ctx := testCtx(t)

	if err := dial(t, addr).Register(ctx, "alice", goodPassword); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := dial(t, addr).Register(ctx, "alice", goodPassword)
	wantServerError(t, err, store.ErrUsernameTaken.Error())

	dirents, err := os.ReadDir(st.Root())
	if err != nil {
		t.Fatal(err)
	}
	var accounts int
	for _, d := range dirents {
		if d.Name() != store.LostDirName && d.Name() != store.StagingDirName {
			accounts++
		}
	}
	if accounts != 1 {
		t.Errorf("account directories: got %d, want 1", accounts)
	}
}

func TestServer_RegisterWeakPassword(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	c := dial(t, addr)
	ctx := testCtx(t)

	wantServerError(t, c.Register(ctx, "alice", "abc"), "password must be at least 10 characters")

	// registration failure must not log the connection in
	_, err := c.ListInbox(ctx)
	wantServerError(t, err, msgAuthRequired)
}

func TestServer_LoginNonDistinguishing(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)
	if err := dial(t, addr).Register(ctx, "alice", goodPassword); err != nil {
		t.Fatal(err)
	}

	c := dial(t, addr)
	wrong := c.Login(ctx, "alice", "Wrongpass123")
	unknown := c.Login(ctx, "nobody", goodPassword)
	wantServerError(t, wrong, store.ErrInvalidCredentials.Error())
	if wrong.Error() != unknown.Error() {
		t.Errorf("wrong password %q and unknown user %q must be indistinguishable", wrong, unknown)
	}

	if err := c.Login(ctx, "alice", goodPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := c.ListInbox(ctx); err != nil {
		t.Errorf("list after login: %v", err)
	}
}

func TestServer_UnauthenticatedDataPlane(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	c := dial(t, addr)
	ctx := testCtx(t)

	_, err := c.ListInbox(ctx)
	wantServerError(t, err, msgAuthRequired)
	_, err = c.Read(ctx, 1)
	wantServerError(t, err, msgAuthRequired)
	wantServerError(t, c.Send(ctx, mailTo("bob@"+testDomain, "s", "b")), msgAuthRequired)
	_, err = c.Stats(ctx)
	wantServerError(t, err, msgAuthRequired)
}

func TestServer_SendListReadStats(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)

	bob := dial(t, addr)
	if err := bob.Register(ctx, "bob", goodPassword); err != nil {
		t.Fatal(err)
	}
	carol := dial(t, addr)
	if err := carol.Register(ctx, "carol", goodPassword); err != nil {
		t.Fatal(err)
	}

	first := mailTo("bob@"+testDomain, "first", "one")
	second := mailTo("bob@"+testDomain, "second", "two")
	for _, m := range []protocol.EmailContentPayload{first, second} {
		if err := carol.Send(ctx, m); err != nil {
			t.Fatalf("send %q: %v", m.Subject, err)
		}
	}

	lines, err := bob.ListInbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		protocol.SubjectLine(1, second.Sender, "second", second.Date),
		protocol.SubjectLine(2, first.Sender, "first", first.Date),
	}
	if len(lines) != len(want) {
		t.Fatalf("listing: got %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}

	text, err := bob.Read(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Subject: second") || !strings.HasSuffix(text, "two") {
		t.Errorf("read 1: got %q", text)
	}

	stats, err := bob.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var size int64
	for _, m := range []protocol.EmailContentPayload{first, second} {
		size += (&message.Message{
			Sender: m.Sender, Destination: m.Destination, Subject: m.Subject, Date: m.Date, Content: m.Content,
		}).Size()
	}
	if stats.Count != 2 || stats.Size != size {
		t.Errorf("stats: got %+v, want count 2 size %d", stats, size)
	}
}

func TestServer_ChoiceOutOfRange(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)

	c := dial(t, addr)
	if err := c.Register(ctx, "bob", goodPassword); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, mailTo("bob@"+testDomain, "only", "x")); err != nil {
		t.Fatal(err)
	}

	// no listing yet
	_, err := c.Read(ctx, 1)
	wantServerError(t, err, "out of range")

	lines, err := c.ListInbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, choice := range []int{0, len(lines) + 1} {
		_, err := c.Read(ctx, choice)
		wantServerError(t, err, "out of range")
	}

	// the connection is still usable
	if _, err := c.Read(ctx, 1); err != nil {
		t.Errorf("read 1 after range errors: %v", err)
	}
}

func TestServer_ConcurrentSessionsHaveOwnListing(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)

	alice, bob, carol := dial(t, addr), dial(t, addr), dial(t, addr)
	for name, c := range map[string]*client.Client{"alice": alice, "bob": bob, "carol": carol} {
		if err := c.Register(ctx, name, goodPassword); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := carol.Send(ctx, mailTo("alice@"+testDomain, "for alice", "a")); err != nil {
		t.Fatal(err)
	}
	if err := carol.Send(ctx, mailTo("bob@"+testDomain, "for bob", "b")); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.ListInbox(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.ListInbox(ctx); err != nil {
		t.Fatal(err)
	}

	aliceText, err := alice.Read(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	bobText, err := bob.Read(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(aliceText, "Subject: for alice") {
		t.Errorf("alice read %q", aliceText)
	}
	if !strings.Contains(bobText, "Subject: for bob") {
		t.Errorf("bob read %q", bobText)
	}
}

func TestServer_Routing(t *testing.T) {
	t.Parallel()

	addr, st := startServer(t)
	ctx := testCtx(t)

	c := dial(t, addr)
	if err := c.Register(ctx, "carol", goodPassword); err != nil {
		t.Fatal(err)
	}

	wantServerError(t, c.Send(ctx, mailTo("bob@otherdomain.com", "s", "b")), "external")
	wantServerError(t, c.Send(ctx, mailTo("not-an-address", "s", "b")), "malformed")

	lostDir := filepath.Join(st.Root(), store.LostDirName)
	if dirents, _ := os.ReadDir(lostDir); len(dirents) != 0 {
		t.Fatalf("lost area should be empty, has %d entries", len(dirents))
	}

	wantServerError(t, c.Send(ctx, mailTo("nosuchuser@"+testDomain, "s", "b")), "unknown recipient")
	dirents, err := os.ReadDir(lostDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirents) != 1 {
		t.Errorf("lost area entries: got %d, want 1", len(dirents))
	}
}

func TestServer_LogoutThenRelogin(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)

	c := dial(t, addr)
	if err := c.Register(ctx, "alice", goodPassword); err != nil {
		t.Fatal(err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	_, err := c.Stats(ctx)
	wantServerError(t, err, msgAuthRequired)

	if err := c.Login(ctx, "alice", goodPassword); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stats(ctx); err != nil {
		t.Errorf("stats after relogin: %v", err)
	}
}

// rawConn dials the server without the client library.
func rawConn(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, body string) *protocol.Message {
	t.Helper()
	if err := wire.WriteFrame(conn, []byte(body)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	resp, err := wire.ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	msg, err := protocol.Decode(resp)
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return msg
}

func errorText(t *testing.T, msg *protocol.Message) string {
	t.Helper()
	if msg.Header != protocol.Error {
		t.Fatalf("header: got %s, want ERROR", msg.Header)
	}
	var p protocol.ErrorPayload
	if err := msg.Bind(&p); err != nil {
		t.Fatal(err)
	}
	return p.ErrorMessage
}

func TestServer_UnknownHeaderAndMalformedPayload(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	conn := rawConn(t, addr)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown header", body: `{"header":"DELETE_EVERYTHING","payload":{}}`, want: msgUnknownRequest},
		{name: "missing header", body: `{"payload":{}}`, want: msgUnknownRequest},
		{name: "response header as request", body: `{"header":"OK"}`, want: msgUnknownRequest},
		{name: "not json", body: `hello`, want: "malformed request"},
		{name: "bad payload", body: `{"header":"AUTH_LOGIN","payload":"nope"}`, want: "invalid payload"},
		{name: "missing payload", body: `{"header":"AUTH_REGISTER"}`, want: "missing payload"},
	}
	for _, tt := range tests {
		got := errorText(t, roundTrip(t, conn, tt.body))
		if !strings.Contains(got, tt.want) {
			t.Errorf("%s: got %q, want it to contain %q", tt.name, got, tt.want)
		}
	}

	// the connection survives all of the above
	resp := roundTrip(t, conn, `{"header":"AUTH_LOGOUT"}`)
	if resp.Header != protocol.OK {
		t.Errorf("logout: got %s, want OK", resp.Header)
	}
}

func TestServer_ChoiceAsString(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	ctx := testCtx(t)

	c := dial(t, addr)
	if err := c.Register(ctx, "bob", goodPassword); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, mailTo("bob@"+testDomain, "hi", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListInbox(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Do(ctx, protocol.InboxReadingChoice, map[string]string{"choice": "1"})
	if err != nil {
		t.Fatalf("choice as string: %v", err)
	}
	if resp.Header != protocol.OK {
		t.Errorf("header: got %s, want OK", resp.Header)
	}
}

func TestServer_ByeClosesConnection(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	conn := rawConn(t, addr)

	if err := wire.WriteFrame(conn, []byte(`{"header":"BYE"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadFrame(conn, 0); !errors.Is(err, io.EOF) {
		t.Errorf("after BYE: got %v, want io.EOF", err)
	}

	// other clients are unaffected
	if err := dial(t, addr).Register(testCtx(t), "alice", goodPassword); err != nil {
		t.Errorf("register after another client left: %v", err)
	}
}

func TestServer_OversizedFrameDropsConnection(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	conn := rawConn(t, addr)

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], wire.DefaultMaxFrameSize+1)
	if _, err := conn.Write(prefix[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadFrame(conn, 0); err == nil {
		t.Error("expected the server to drop the connection")
	}

	if err := dial(t, addr).Register(testCtx(t), "alice", goodPassword); err != nil {
		t.Errorf("server should keep serving: %v", err)
	}
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()

	st, err := disk.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Config{}, NewDispatcher(st, router.New(testDomain, st, nil)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	<-srv.Ready()
	if srv.Addr() == "" {
		t.Error("Addr should be set once ready")
	}

	c := dial(t, srv.Addr())
	if err := c.Logout(testCtx(t)); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := c.Logout(testCtx(t)); err == nil || client.IsServerError(err) {
		t.Errorf("request after shutdown: got %v, want transport error", err)
	}
}
