package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/shineum/glomail/internal/client"
	"github.com/shineum/glomail/internal/protocol"
)

// dateLayout matches the date format the server stamps.
const dateLayout = "2006-01-02 15:04:05"

// bodyTerminator ends a message body typed at the prompt.
const bodyTerminator = "."

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type menu struct {
	client   *client.Client
	in       *bufio.Reader
	out      io.Writer
	domain   string
	username string
	now      func() time.Time

	// terminal is set when passwords can be read without echo.
	terminal bool
}

func newMenu(c *client.Client, in *bufio.Reader, out io.Writer, domain string) *menu {
	return &menu{
		client:   c,
		in:       in,
		out:      out,
		domain:   domain,
		now:      time.Now,
		terminal: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// run shows the menu until the user quits. Server-side errors are printed and
// the menu continues; transport errors end it.
func (m *menu) run(ctx context.Context) error {
	for {
		var (
			quit bool
			err  error
		)
		if m.username == "" {
			quit, err = m.welcome(ctx)
		} else {
			quit, err = m.main(ctx)
		}
		if err != nil {
			if !client.IsServerError(err) {
				return err
			}
			fmt.Fprintf(m.out, "\n%v\n", err)
		}
		if quit {
			return m.client.Bye(ctx)
		}
	}
}

func (m *menu) welcome(ctx context.Context) (bool, error) {
	choice, err := m.choose("Menu", "Create an account", "Log in", "Quit")
	if err != nil {
		return false, err
	}

	switch choice {
	case 1, 2:
		username, err := m.prompt("Username")
		if err != nil {
			return false, err
		}
		password, err := m.password()
		if err != nil {
			return false, err
		}
		if choice == 1 {
			err = m.client.Register(ctx, username, password)
		} else {
			err = m.client.Login(ctx, username, password)
		}
		if err != nil {
			return false, err
		}
		m.username = username
		fmt.Fprintf(m.out, "\nWelcome, %s@%s\n", username, m.domain)
	case 3:
		return true, nil
	}
	return false, nil
}

func (m *menu) main(ctx context.Context) (bool, error) {
	choice, err := m.choose("Main menu", "Read inbox", "Send a message", "Inbox statistics", "Log out", "Quit")
	if err != nil {
		return false, err
	}

	switch choice {
	case 1:
		return false, m.readInbox(ctx)
	case 2:
		return false, m.send(ctx)
	case 3:
		st, err := m.client.Stats(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(m.out, "\n%d message(s), %d bytes\n", st.Count, st.Size)
	case 4:
		if err := m.client.Logout(ctx); err != nil {
			return false, err
		}
		m.username = ""
	case 5:
		return true, nil
	}
	return false, nil
}

func (m *menu) readInbox(ctx context.Context) error {
	lines, err := m.client.ListInbox(ctx)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Fprintln(m.out, "\nYour inbox is empty.")
		return nil
	}

	fmt.Fprintln(m.out)
	for _, l := range lines {
		fmt.Fprintln(m.out, l)
	}
	raw, err := m.prompt("Message number")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(m.out, "\n%q is not a number\n", raw)
		return nil
	}

	text, err := m.client.Read(ctx, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "\n%s\n", text)
	return nil
}

func (m *menu) send(ctx context.Context) error {
	dest, err := m.prompt("To")
	if err != nil {
		return err
	}
	subject, err := m.prompt("Subject")
	if err != nil {
		return err
	}
	body, err := m.body()
	if err != nil {
		return err
	}

	err = m.client.Send(ctx, protocol.EmailContentPayload{
		Sender:      m.username + "@" + m.domain,
		Destination: dest,
		Subject:     subject,
		Date:        m.now().UTC().Format(dateLayout),
		Content:     body,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(m.out, "\nMessage sent.")
	return nil
}

// choose prints numbered options and reads a valid choice.
func (m *menu) choose(title string, options ...string) (int, error) {
	for {
		fmt.Fprintf(m.out, "\n%s\n", title)
		for i, o := range options {
			fmt.Fprintf(m.out, "%d. %s\n", i+1, o)
		}
		raw, err := m.prompt("Choice")
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(raw)
		if err == nil && n >= 1 && n <= len(options) {
			return n, nil
		}
		fmt.Fprintf(m.out, "Please enter a number between 1 and %d.\n", len(options))
	}
}

func (m *menu) prompt(label string) (string, error) {
	fmt.Fprintf(m.out, "%s: ", label)
	line, err := m.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", errors.Wrap(err, "read input")
	}
	return strings.TrimSpace(line), nil
}

// password reads without echo on a terminal and falls back to a plain line
// when stdin is redirected.
func (m *menu) password() (string, error) {
	if !m.terminal {
		return m.prompt("Password")
	}
	fmt.Fprint(m.out, "Password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(m.out)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(pw), nil
}

// body reads message lines until a line holding only the terminator.
func (m *menu) body() (string, error) {
	fmt.Fprintf(m.out, "Message (end with a line containing only %q):\n", bodyTerminator)
	var lines []string
	for {
		line, err := m.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == bodyTerminator {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if line != "" {
					lines = append(lines, line)
				}
				break
			}
			return "", errors.Wrap(err, "read message")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}
