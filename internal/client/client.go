// Package client is a Go client for the glomail protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shineum/glomail/internal/protocol"
	"github.com/shineum/glomail/internal/wire"
)

// ServerError is an ERROR response from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// IsServerError reports whether err is an ERROR response, as opposed to a
// transport failure.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// Client holds one connection to a glomail server. It is not safe for
// concurrent use.
type Client struct {
	conn         net.Conn
	maxFrameSize int
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, maxFrameSize: wire.DefaultMaxFrameSize}
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one request and waits for its response. ERROR responses are
// returned as *ServerError.
func (c *Client) Do(ctx context.Context, h protocol.Header, payload any) (*protocol.Message, error) {
	req, err := protocol.New(h, payload)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}

	body, err := wire.ReadFrame(c.conn, c.maxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	resp, err := protocol.Decode(body)
	if err != nil {
		return nil, err
	}

	if resp.Header == protocol.Error {
		var p protocol.ErrorPayload
		if err := resp.Bind(&p); err != nil {
			return nil, err
		}
		return nil, &ServerError{Message: p.ErrorMessage}
	}
	if resp.Header != protocol.OK {
		return nil, fmt.Errorf("unexpected response %s", resp.Header)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req *protocol.Message) error {
	body, err := req.Encode()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	if err := wire.WriteFrame(c.conn, body); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Header, err)
	}
	return nil
}

// Register creates an account; the connection is logged in on success.
func (c *Client) Register(ctx context.Context, username, password string) error {
	_, err := c.Do(ctx, protocol.AuthRegister, protocol.AuthPayload{Username: username, Password: password})
	return err
}

// Login authenticates the connection.
func (c *Client) Login(ctx context.Context, username, password string) error {
	_, err := c.Do(ctx, protocol.AuthLogin, protocol.AuthPayload{Username: username, Password: password})
	return err
}

// Logout returns the connection to the unauthenticated state.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Do(ctx, protocol.AuthLogout, nil)
	return err
}

// ListInbox returns the numbered subject lines of the inbox, newest first.
func (c *Client) ListInbox(ctx context.Context) ([]string, error) {
	resp, err := c.Do(ctx, protocol.InboxReadingRequest, nil)
	if err != nil {
		return nil, err
	}
	var p protocol.EmailListPayload
	if err := resp.Bind(&p); err != nil {
		return nil, err
	}
	return p.EmailList, nil
}

// Read returns the rendered message number choice of the last listing.
func (c *Client) Read(ctx context.Context, choice int) (string, error) {
	resp, err := c.Do(ctx, protocol.InboxReadingChoice, protocol.EmailChoicePayload{Choice: protocol.Choice(choice)})
	if err != nil {
		return "", err
	}
	var p protocol.EmailPayload
	if err := resp.Bind(&p); err != nil {
		return "", err
	}
	return p.Email, nil
}

// Send submits a message for delivery.
func (c *Client) Send(ctx context.Context, email protocol.EmailContentPayload) error {
	_, err := c.Do(ctx, protocol.EmailSending, email)
	return err
}

// Stats returns the message count and byte size of the inbox.
func (c *Client) Stats(ctx context.Context) (protocol.StatsPayload, error) {
	resp, err := c.Do(ctx, protocol.StatsRequest, nil)
	if err != nil {
		return protocol.StatsPayload{}, err
	}
	var p protocol.StatsPayload
	if err := resp.Bind(&p); err != nil {
		return protocol.StatsPayload{}, err
	}
	return p, nil
}

// Bye tells the server the session is over and closes the connection.
func (c *Client) Bye(ctx context.Context) error {
	req, err := protocol.New(protocol.Bye, nil)
	if err != nil {
		return err
	}
	sendErr := c.send(ctx, req)
	closeErr := c.conn.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}
