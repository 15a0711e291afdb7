package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AuthPayload carries credentials for AUTH_REGISTER and AUTH_LOGIN.
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EmailChoicePayload selects one entry of the last inbox listing (1-based).
type EmailChoicePayload struct {
	Choice Choice `json:"choice"`
}

// Choice is a listing index. Clients that read it straight from a prompt send
// it as a string, so both JSON numbers and numeric strings are accepted.
type Choice int

// UnmarshalJSON implements json.Unmarshaler.
func (c *Choice) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Choice(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("choice must be a number")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("choice must be a number")
	}
	*c = Choice(n)
	return nil
}

// EmailContentPayload is an outgoing message as sent with EMAIL_SENDING.
type EmailContentPayload struct {
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	Content     string `json:"content"`
}

// EmailListPayload answers INBOX_READING_REQUEST.
type EmailListPayload struct {
	EmailList []string `json:"email_list"`
}

// EmailPayload answers INBOX_READING_CHOICE with the rendered message.
type EmailPayload struct {
	Email string `json:"email"`
}

// StatsPayload answers STATS_REQUEST.
type StatsPayload struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// ErrorPayload accompanies every ERROR response.
type ErrorPayload struct {
	ErrorMessage string `json:"error_message"`
}
