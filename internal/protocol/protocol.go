// Package protocol defines the request/response vocabulary exchanged between
// the glomail client and server. Framing is handled by package wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Header identifies the kind of a protocol message.
type Header int

const (
	HeaderUnknown Header = iota
	OK
	Error
	Bye
	AuthRegister
	AuthLogin
	AuthLogout
	InboxReadingRequest
	InboxReadingChoice
	EmailSending
	StatsRequest
)

var headerNames = map[Header]string{
	OK:                  "OK",
	Error:               "ERROR",
	Bye:                 "BYE",
	AuthRegister:        "AUTH_REGISTER",
	AuthLogin:           "AUTH_LOGIN",
	AuthLogout:          "AUTH_LOGOUT",
	InboxReadingRequest: "INBOX_READING_REQUEST",
	InboxReadingChoice:  "INBOX_READING_CHOICE",
	EmailSending:        "EMAIL_SENDING",
	StatsRequest:        "STATS_REQUEST",
}

var headersByName = func() map[string]Header {
	m := make(map[string]Header, len(headerNames))
	for h, name := range headerNames {
		m[name] = h
	}
	return m
}()

// String returns the wire name of the header.
func (h Header) String() string {
	if name, ok := headerNames[h]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(h))
}

// MarshalText implements encoding.TextMarshaler.
func (h Header) MarshalText() ([]byte, error) {
	name, ok := headerNames[h]
	if !ok {
		return nil, fmt.Errorf("unknown header %d", int(h))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Names that are not part
// of the protocol decode to HeaderUnknown so that the server can answer them
// with a protocol error instead of failing the whole frame.
func (h *Header) UnmarshalText(text []byte) error {
	if v, ok := headersByName[string(text)]; ok {
		*h = v
		return nil
	}
	*h = HeaderUnknown
	return nil
}

// Message is the envelope of every frame.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a Message, encoding payload as JSON. A nil payload is omitted.
func New(h Header, payload any) (*Message, error) {
	msg := &Message{Header: h}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", h, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode parses a frame body into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Encode serializes the Message for a frame body.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Bind decodes the payload into v.
func (m *Message) Bind(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", m.Header)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", m.Header, err)
	}
	return nil
}

// Okay returns an OK message with an optional payload.
func Okay(payload any) *Message {
	msg, err := New(OK, payload)
	if err != nil {
		return Errorf("internal error")
	}
	return msg
}

// Errorf returns an ERROR message carrying the formatted text.
func Errorf(format string, args ...any) *Message {
	raw, _ := json.Marshal(ErrorPayload{ErrorMessage: fmt.Sprintf(format, args...)})
	return &Message{Header: Error, Payload: raw}
}
