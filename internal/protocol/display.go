package protocol

import (
	"fmt"
	"strings"
)

// SubjectLine renders one numbered entry of an inbox listing.
func SubjectLine(number int, sender, subject, date string) string {
	return fmt.Sprintf("#%d %s - %s - %s", number, sender, subject, date)
}

// EmailText renders a full message for INBOX_READING_CHOICE.
func EmailText(sender, to, subject, date, body string) string {
	var b strings.Builder
	b.WriteString("From: " + sender + "\n")
	b.WriteString("To: " + to + "\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Date: " + date + "\n")
	b.WriteString("----------------------------------------\n")
	b.WriteString(body)
	return b.String()
}
