package server

import (
	"context"
	"testing"
	"time"

	"github.com/shineum/glomail/internal/metrics"
	"github.com/shineum/glomail/internal/protocol"
	"github.com/shineum/glomail/internal/router"
	"github.com/shineum/glomail/internal/session"
	"github.com/shineum/glomail/internal/store/sqlite"
)

// newSQLiteDispatcher runs the dispatcher against the sqlite backend to show
// handlers do not depend on the filesystem layout.
func newSQLiteDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	d := NewDispatcher(st, router.New(testDomain, st, nil))
	d.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return d
}

func request(t *testing.T, h protocol.Header, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.New(h, payload)
	if err != nil {
		t.Fatalf("build %s: %v", h, err)
	}
	return msg
}

// mustOK dispatches req and fails the test unless the response is OK.
func mustOK(t *testing.T, d *Dispatcher, sess *session.Session, req *protocol.Message) *protocol.Message {
	t.Helper()
	resp := d.Dispatch(context.Background(), sess, req)
	if resp.Header != protocol.OK {
		t.Fatalf("%s: got %s, want %s", req.Header, resp.Header, protocol.OK)
	}
	return resp
}

func TestDispatch_RegisterLogsIn(t *testing.T) {
	d := newSQLiteDispatcher(t)
	sess := session.NewTable().Open("c1", "127.0.0.1:1")

	mustOK(t, d, sess, request(t, protocol.AuthRegister, protocol.AuthPayload{Username: "alice", Password: goodPassword}))
	if !sess.Authenticated() {
		t.Error("session not authenticated after register")
	}
	if got := sess.Username(); got != "alice" {
		t.Errorf("Username: got %q, want %q", got, "alice")
	}
}

func TestDispatch_SendFillsSenderAndDate(t *testing.T) {
	d := newSQLiteDispatcher(t)
	sess := session.NewTable().Open("c1", "127.0.0.1:1")

	mustOK(t, d, sess, request(t, protocol.AuthRegister, protocol.AuthPayload{Username: "alice", Password: goodPassword}))
	mustOK(t, d, sess, request(t, protocol.EmailSending, protocol.EmailContentPayload{
		Destination: "alice@" + testDomain,
		Subject:     "note to self",
		Content:     "remember",
	}))

	resp := mustOK(t, d, sess, request(t, protocol.InboxReadingRequest, nil))
	var list protocol.EmailListPayload
	if err := resp.Bind(&list); err != nil {
		t.Fatalf("bind listing: %v", err)
	}
	want := "#1 alice@glo2000.ca - note to self - 2024-05-06 07:08:09"
	if len(list.EmailList) != 1 || list.EmailList[0] != want {
		t.Errorf("listing: got %q, want [%q]", list.EmailList, want)
	}
}

func TestDispatch_EmptyInbox(t *testing.T) {
	d := newSQLiteDispatcher(t)
	sess := session.NewTable().Open("c1", "127.0.0.1:1")

	mustOK(t, d, sess, request(t, protocol.AuthRegister, protocol.AuthPayload{Username: "bob", Password: goodPassword}))

	resp := mustOK(t, d, sess, request(t, protocol.InboxReadingRequest, nil))
	var list protocol.EmailListPayload
	if err := resp.Bind(&list); err != nil {
		t.Fatalf("bind listing: %v", err)
	}
	if len(list.EmailList) != 0 {
		t.Errorf("listing: got %q, want empty", list.EmailList)
	}

	resp = mustOK(t, d, sess, request(t, protocol.StatsRequest, nil))
	var stats protocol.StatsPayload
	if err := resp.Bind(&stats); err != nil {
		t.Fatalf("bind stats: %v", err)
	}
	if stats != (protocol.StatsPayload{}) {
		t.Errorf("stats: got %+v, want zero", stats)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: metrics.OutcomeDelivered},
		{err: router.ErrUnknownRecipient, want: metrics.OutcomeLost},
		{err: router.ErrExternalUnsupported, want: metrics.OutcomeExternal},
		{err: router.ErrMalformedAddress, want: metrics.OutcomeMalformed},
		{err: router.ErrDeliveryFailed, want: metrics.OutcomeFailed},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}
