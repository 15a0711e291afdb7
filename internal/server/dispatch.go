package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/metrics"
	"github.com/shineum/glomail/internal/protocol"
	"github.com/shineum/glomail/internal/router"
	"github.com/shineum/glomail/internal/session"
	"github.com/shineum/glomail/internal/store"
)

// dateLayout is the format used when the server has to stamp a message date.
const dateLayout = "2006-01-02 15:04:05"

// Error texts sent to clients.
const (
	msgUnknownRequest = "unknown request"
	msgAuthRequired   = "authentication required"
	msgInternal       = "internal error"
	msgNoSuchMessage  = "message no longer exists"
)

// handler serves one request for sess and returns the response.
type handler func(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message

type route struct {
	handle       handler
	requiresAuth bool
}

// Dispatcher maps request headers to handlers. Handlers run one at a time on
// the server's event loop, so the store needs no locking.
type Dispatcher struct {
	store  store.Store
	router *router.Router
	now    func() time.Time
	routes map[protocol.Header]route
}

// NewDispatcher returns a Dispatcher serving st, routing mail through rt.
func NewDispatcher(st store.Store, rt *router.Router) *Dispatcher {
	d := &Dispatcher{store: st, router: rt, now: time.Now}
	d.routes = map[protocol.Header]route{
		protocol.AuthRegister:        {handle: d.handleRegister},
		protocol.AuthLogin:           {handle: d.handleLogin},
		protocol.AuthLogout:          {handle: d.handleLogout},
		protocol.InboxReadingRequest: {handle: d.handleList, requiresAuth: true},
		protocol.InboxReadingChoice:  {handle: d.handleChoice, requiresAuth: true},
		protocol.EmailSending:        {handle: d.handleSend, requiresAuth: true},
		protocol.StatsRequest:        {handle: d.handleStats, requiresAuth: true},
	}
	return d
}

// Dispatch runs the handler for req. BYE is not dispatched; the caller
// closes the connection instead.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	start := time.Now()
	header := req.Header.String()

	resp := d.dispatch(ctx, sess, req)

	result := metrics.ResultOK
	if resp.Header == protocol.Error {
		result = metrics.ResultError
	}
	metrics.RequestsTotal.WithLabelValues(header, result).Inc()
	metrics.RequestDuration.WithLabelValues(header).Observe(time.Since(start).Seconds())

	slog.Debug("request handled",
		"conn_id", sess.ID,
		"user", sess.Username(),
		"header", header,
		"result", result,
	)
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	rt, ok := d.routes[req.Header]
	if !ok {
		slog.Warn("unknown request header", "conn_id", sess.ID, "header", req.Header.String())
		return protocol.Errorf(msgUnknownRequest)
	}
	if rt.requiresAuth && !sess.Authenticated() {
		return protocol.Errorf(msgAuthRequired)
	}
	return rt.handle(ctx, sess, req)
}

func (d *Dispatcher) handleRegister(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	var p protocol.AuthPayload
	if err := req.Bind(&p); err != nil {
		return protocol.Errorf("%v", err)
	}

	if err := d.store.CreateAccount(ctx, p.Username, p.Password); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("register", metrics.ResultError).Inc()
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			return protocol.Errorf("%s", verr.Error())
		}
		slog.Error("account creation failed", "conn_id", sess.ID, "user", p.Username, "error", err)
		return protocol.Errorf(msgInternal)
	}

	metrics.AuthenticationAttempts.WithLabelValues("register", metrics.ResultOK).Inc()
	sess.Login(p.Username)
	slog.Info("account registered", "conn_id", sess.ID, "user", p.Username)
	return protocol.Okay(nil)
}

func (d *Dispatcher) handleLogin(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	var p protocol.AuthPayload
	if err := req.Bind(&p); err != nil {
		return protocol.Errorf("%v", err)
	}

	if err := d.store.Authenticate(ctx, p.Username, p.Password); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("login", metrics.ResultError).Inc()
		if errors.Is(err, store.ErrInvalidCredentials) {
			slog.Info("login failed", "conn_id", sess.ID, "remote", sess.RemoteAddr)
			return protocol.Errorf("%s", store.ErrInvalidCredentials.Error())
		}
		slog.Error("authentication error", "conn_id", sess.ID, "error", err)
		return protocol.Errorf(msgInternal)
	}

	metrics.AuthenticationAttempts.WithLabelValues("login", metrics.ResultOK).Inc()
	sess.Login(p.Username)
	slog.Info("user logged in", "conn_id", sess.ID, "user", p.Username)
	return protocol.Okay(nil)
}

func (d *Dispatcher) handleLogout(_ context.Context, sess *session.Session, _ *protocol.Message) *protocol.Message {
	if sess.Authenticated() {
		slog.Info("user logged out", "conn_id", sess.ID, "user", sess.Username())
	}
	sess.Logout()
	return protocol.Okay(nil)
}

func (d *Dispatcher) handleList(ctx context.Context, sess *session.Session, _ *protocol.Message) *protocol.Message {
	msgs, err := d.store.ListInbox(ctx, sess.Username())
	if err != nil {
		slog.Error("failed to list inbox", "conn_id", sess.ID, "user", sess.Username(), "error", err)
		return protocol.Errorf(msgInternal)
	}

	ids := make([]string, len(msgs))
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		lines[i] = protocol.SubjectLine(i+1, m.Sender, m.Subject, m.Date)
	}
	sess.SetListing(ids)

	return protocol.Okay(protocol.EmailListPayload{EmailList: lines})
}

func (d *Dispatcher) handleChoice(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	var p protocol.EmailChoicePayload
	if err := req.Bind(&p); err != nil {
		return protocol.Errorf("%v", err)
	}

	id, err := sess.Resolve(int(p.Choice))
	if err != nil {
		return protocol.Errorf("%v", err)
	}

	m, err := d.store.ReadMessage(ctx, sess.Username(), id)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return protocol.Errorf(msgNoSuchMessage)
		}
		slog.Error("failed to read message", "conn_id", sess.ID, "user", sess.Username(), "id", id, "error", err)
		return protocol.Errorf(msgInternal)
	}

	text := protocol.EmailText(m.Sender, m.Destination, m.Subject, m.Date, m.Content)
	return protocol.Okay(protocol.EmailPayload{Email: text})
}

func (d *Dispatcher) handleSend(ctx context.Context, sess *session.Session, req *protocol.Message) *protocol.Message {
	var p protocol.EmailContentPayload
	if err := req.Bind(&p); err != nil {
		return protocol.Errorf("%v", err)
	}

	msg := &message.Message{
		Sender:      p.Sender,
		Destination: p.Destination,
		Subject:     p.Subject,
		Date:        p.Date,
		Content:     p.Content,
	}
	if msg.Sender == "" {
		msg.Sender = sess.Username() + "@" + d.router.Domain()
	}
	if msg.Date == "" {
		msg.Date = d.now().UTC().Format(dateLayout)
	}

	err := d.router.Route(ctx, msg)
	metrics.DeliveriesTotal.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		metrics.DeliveredBytes.Add(float64(msg.Size()))
		return protocol.Okay(nil)
	}

	switch {
	case errors.Is(err, router.ErrMalformedAddress),
		errors.Is(err, router.ErrExternalUnsupported),
		errors.Is(err, router.ErrUnknownRecipient):
		return protocol.Errorf("%v", err)
	default:
		slog.Error("delivery failed", "conn_id", sess.ID, "user", sess.Username(), "destination", msg.Destination, "error", err)
		return protocol.Errorf("%s", router.ErrDeliveryFailed.Error())
	}
}

func (d *Dispatcher) handleStats(ctx context.Context, sess *session.Session, _ *protocol.Message) *protocol.Message {
	st, err := d.store.Stats(ctx, sess.Username())
	if err != nil {
		slog.Error("failed to compute stats", "conn_id", sess.ID, "user", sess.Username(), "error", err)
		return protocol.Errorf(msgInternal)
	}
	return protocol.Okay(protocol.StatsPayload{Count: st.Count, Size: st.Size})
}

// outcome labels a routing result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeDelivered
	case errors.Is(err, router.ErrUnknownRecipient):
		return metrics.OutcomeLost
	case errors.Is(err, router.ErrExternalUnsupported):
		return metrics.OutcomeExternal
	case errors.Is(err, router.ErrMalformedAddress):
		return metrics.OutcomeMalformed
	default:
		return metrics.OutcomeFailed
	}
}
