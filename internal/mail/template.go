// template.go
//
// HTML bodies for outbound mail. html/template escapes every field,
// so user-supplied names cannot inject markup.
package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"strings"
	"time"
)

var confirmationTmpl = template.Must(template.New("confirmation").Parse(
	`<p>Hi {{.Name}},</p>
<p>Thank-you for joining Pupil! To confirm your email address, please click the link below.</p>
<p><a href="{{.URL}}">Confirm email address</a> ({{.Link}})</p>
<p>This link expires in {{.ExpiresIn}}.</p>
<p>Thanks again,</p>
<p>The Pupil team</p>
`))

var resetTmpl = template.Must(template.New("reset").Parse(
	`<p>Hi {{.Name}},</p>
<p>You asked to reset your Pupil password. Click the link below to choose a new one.</p>
<p><a href="{{.URL}}">Reset password</a> ({{.Link}})</p>
<p>This link expires in {{.ExpiresIn}}. If you did not ask for a reset, you can ignore this email.</p>
`))

type bodyData struct {
	Name      string
	Link      string
	URL       string
	ExpiresIn string
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}

// headerSafe rejects values that would let a caller inject extra headers.
func headerSafe(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("header value contains a line break")
	}
	return nil
}

// buildMessage renders tmpl with data and wraps it in RFC 5322 headers.
func buildMessage(from, to, subject string, tmpl *template.Template, data bodyData, now time.Time) (string, error) {
	for _, v := range []string{from, to, subject} {
		if err := headerSafe(v); err != nil {
			return "", err
		}
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", tmpl.Name(), err)
	}

	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	msg.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.String(), nil
}
