// Package message defines the stored email record and its on-disk text form.
package message

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// Header prefixes of the serialized form, in the order they are written.
const (
	fromPrefix    = "FROM: "
	toPrefix      = "TO: "
	subjectPrefix = "SUBJECT: "
	datePrefix    = "DATE: "
)

// ErrMalformed is returned by Parse when the header block is not the
// expected FROM/TO/SUBJECT/DATE sequence followed by a blank line.
var ErrMalformed = errors.New("malformed stored message")

// Message is an email as stored in an inbox or in the lost area.
type Message struct {
	// ID is the store key. It is empty until the message is stored.
	ID          string
	Sender      string
	Destination string
	Subject     string
	Date        string
	Content     string
}

// Marshal returns the serialized form of the message.
func (m *Message) Marshal() []byte {
	var buf bytes.Buffer
	_ = m.Encode(&buf)
	return buf.Bytes()
}

// Encode writes the serialized form of the message to w.
func (m *Message) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(fromPrefix + headerValue(m.Sender) + "\n")
	bw.WriteString(toPrefix + headerValue(m.Destination) + "\n")
	bw.WriteString(subjectPrefix + headerValue(m.Subject) + "\n")
	bw.WriteString(datePrefix + headerValue(m.Date) + "\n")
	bw.WriteString("\n")
	bw.WriteString(m.Content)
	return bw.Flush()
}

// Parse decodes the serialized form produced by Encode.
func Parse(data []byte) (*Message, error) {
	rest := string(data)
	fields := make([]string, 0, 4)

	for _, prefix := range []string{fromPrefix, toPrefix, subjectPrefix, datePrefix} {
		line, tail, ok := strings.Cut(rest, "\n")
		if !ok {
			return nil, fmt.Errorf("%w: missing %q line", ErrMalformed, strings.TrimSpace(prefix))
		}
		value, found := strings.CutPrefix(line, prefix)
		if !found {
			return nil, fmt.Errorf("%w: expected %q, got %q", ErrMalformed, strings.TrimSpace(prefix), line)
		}
		fields = append(fields, value)
		rest = tail
	}

	body, ok := strings.CutPrefix(rest, "\n")
	if !ok {
		return nil, fmt.Errorf("%w: missing blank line before body", ErrMalformed)
	}

	return &Message{
		Sender:      fields[0],
		Destination: fields[1],
		Subject:     fields[2],
		Date:        fields[3],
		Content:     body,
	}, nil
}

// Size is the number of bytes the serialized message occupies.
func (m *Message) Size() int64 {
	return int64(len(m.Marshal()))
}

// NewID derives an inbox key from the sender and arrival time. A short digest
// of the content keeps two messages from the same sender in the same instant
// apart.
func NewID(sender string, arrival time.Time, content string) string {
	h := blake3.New(8, nil)
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(arrival.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return fmt.Sprintf("%s_%s_%s",
		SafeName(sender),
		arrival.UTC().Format("20060102T150405.000000000Z"),
		hex.EncodeToString(h.Sum(nil)),
	)
}

// LostID names a message kept in the lost area: recipient and the date the
// sender supplied.
func LostID(recipient, date string) string {
	return SafeName(recipient) + "_" + SafeName(strings.ReplaceAll(date, ":", "-"))
}

// SafeName maps s onto characters that are safe in a single path element.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '@', r == '.', r == '-', r == '_', r == '+':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return name
}

func headerValue(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
