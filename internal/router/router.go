// Package router decides where an outgoing message goes: into a local inbox,
// into the lost-messages area, or nowhere at all when the domain is foreign.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/glomail/internal/message"
	"github.com/shineum/glomail/internal/store"
)

// Routing outcomes other than success.
var (
	ErrMalformedAddress    = errors.New("malformed destination address")
	ErrExternalUnsupported = errors.New("delivery to external domains is not supported")
	ErrUnknownRecipient    = errors.New("unknown recipient")
	ErrDeliveryFailed      = errors.New("delivery failed")
)

// Router routes messages for a single mail domain.
type Router struct {
	domain string
	store  store.Store
	lost   store.LostSink
}

// New returns a Router for domain. If lost is nil, undeliverable messages are
// kept by st itself.
func New(domain string, st store.Store, lost store.LostSink) *Router {
	if lost == nil {
		lost = st
	}
	return &Router{domain: domain, store: st, lost: lost}
}

// Domain returns the domain this router delivers for.
func (r *Router) Domain() string {
	return r.domain
}

// Route delivers msg according to its destination. A nil error means the
// message is in the recipient's inbox. ErrUnknownRecipient is returned after
// the message was handed to the lost sink.
func (r *Router) Route(ctx context.Context, msg *message.Message) error {
	local, domain, err := message.SplitAddress(msg.Destination)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrMalformedAddress, msg.Destination)
	}

	if !strings.EqualFold(domain, r.domain) {
		slog.Debug("refusing external delivery", "destination", msg.Destination)
		return fmt.Errorf("%w: %s", ErrExternalUnsupported, domain)
	}

	ok, err := r.store.AccountExists(ctx, local)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if !ok {
		id := message.LostID(local, msg.Date)
		if err := r.lost.DeliverToLost(ctx, id, msg); err != nil {
			slog.Error("failed to keep lost message", "recipient", local, "error", err)
		} else {
			slog.Info("message kept as lost", "recipient", local, "id", msg.ID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.Destination)
	}

	if err := r.store.Deliver(ctx, local, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	slog.Info("message delivered", "recipient", local, "id", msg.ID)
	return nil
}
