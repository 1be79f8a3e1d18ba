// smtp_test.go
//
// Unit tests for message rendering + integration tests for SMTPMailer.
// Integration tests require real SMTP credentials and skip gracefully if unset.
package mail

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// --- Unit tests (no SMTP required) ---

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Minute, "1 minute"},
		{30 * time.Minute, "30 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{48 * time.Hour, "2 days"},
		{72 * time.Hour, "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("escapes user-supplied name", func(t *testing.T) {
		msg, err := buildMessage("founders@usepupil.us", "ada@example.com", "Confirm", confirmationTmpl, bodyData{
			Name: `<script>alert(1)</script>`,
			Link: "ABCDEFGHJKMNP",
			URL:  "https://usepupil.us/confirm/ABCDEFGHJKMNP",
		}, now)
		if err != nil {
			t.Fatalf("buildMessage: %v", err)
		}
		if strings.Contains(msg, "<script>") {
			t.Error("name was not escaped")
		}
		if !strings.Contains(msg, "&lt;script&gt;") {
			t.Error("expected escaped name in body")
		}
	})

	t.Run("writes headers and CRLF body", func(t *testing.T) {
		msg, err := buildMessage("founders@usepupil.us", "ada@example.com", "Confirm", confirmationTmpl, bodyData{
			Name: "Ada",
			URL:  "https://usepupil.us/confirm/ABCDEFGHJKMNP",
		}, now)
		if err != nil {
			t.Fatalf("buildMessage: %v", err)
		}
		for _, want := range []string{
			"From: founders@usepupil.us\r\n",
			"To: ada@example.com\r\n",
			"Content-Type: text/html; charset=UTF-8\r\n",
			"Date: Sun, 01 Mar 2026 12:00:00 +0000\r\n",
			`href="https://usepupil.us/confirm/ABCDEFGHJKMNP"`,
		} {
			if !strings.Contains(msg, want) {
				t.Errorf("message missing %q", want)
			}
		}
		if strings.Contains(strings.ReplaceAll(msg, "\r\n", ""), "\n") {
			t.Error("message contains bare LF")
		}
	})

	t.Run("rejects header injection", func(t *testing.T) {
		_, err := buildMessage("founders@usepupil.us", "ada@example.com\r\nBcc: evil@example.com", "Confirm", confirmationTmpl, bodyData{}, now)
		if err == nil {
			t.Fatal("expected error for CRLF in recipient")
		}
	})
}

func TestSMTPMailer_URLs(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{
		ConfirmURLBase: "https://usepupil.us/confirm/",
		ResetURLBase:   "https://usepupil.us/reset",
	})
	if got, want := m.confirmURL("ABCDEFGHJKMNP"), "https://usepupil.us/confirm/ABCDEFGHJKMNP"; got != want {
		t.Errorf("confirmURL = %q, want %q", got, want)
	}
	if got, want := m.resetURL("ABCDEFGHJKMNP"), "https://usepupil.us/reset?link=ABCDEFGHJKMNP"; got != want {
		t.Errorf("resetURL = %q, want %q", got, want)
	}
}

func TestSMTPMailer_SendUsesTransport(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{
		FromAddress:    "founders@usepupil.us",
		ConfirmURLBase: "https://usepupil.us/confirm",
		ResetURLBase:   "https://usepupil.us/reset",
	})
	var gotTo, gotMsg string
	m.send = func(_ context.Context, to, msg string) error {
		gotTo, gotMsg = to, msg
		return nil
	}

	if err := m.SendConfirmation(context.Background(), "ada@example.com", "Ada", "ABCDEFGHJKMNP", 24*time.Hour); err != nil {
		t.Fatalf("SendConfirmation: %v", err)
	}
	if gotTo != "ada@example.com" {
		t.Errorf("to: got %q", gotTo)
	}
	if !strings.Contains(gotMsg, "https://usepupil.us/confirm/ABCDEFGHJKMNP") || !strings.Contains(gotMsg, "1 day") {
		t.Errorf("confirmation body missing link or expiry:\n%s", gotMsg)
	}

	if err := m.SendPasswordReset(context.Background(), "ada@example.com", "Ada", "0123456789ABC", time.Hour); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if !strings.Contains(gotMsg, "https://usepupil.us/reset?link=0123456789ABC") || !strings.Contains(gotMsg, "1 hour") {
		t.Errorf("reset body missing link or expiry:\n%s", gotMsg)
	}

	sendErr := errors.New("421 try later")
	m.send = func(context.Context, string, string) error { return sendErr }
	if err := m.SendConfirmation(context.Background(), "ada@example.com", "Ada", "ABCDEFGHJKMNP", time.Hour); !errors.Is(err, sendErr) {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
}

// --- Integration tests (require SMTP credentials) ---

// smtpTestMailer returns a configured SMTPMailer and recipient, or skips if env vars are missing.
func smtpTestMailer(t *testing.T) (*SMTPMailer, string) {
	t.Helper()
	host := os.Getenv("SMTP_HOST")
	port := os.Getenv("SMTP_PORT")
	username := os.Getenv("SMTP_USERNAME")
	password := os.Getenv("SMTP_PASSWORD")
	from := os.Getenv("SMTP_FROM")
	to := os.Getenv("TEST_SMTP_TO")

	if host == "" || port == "" || username == "" || password == "" || from == "" || to == "" {
		t.Skip("smtp integration test: set SMTP_* env vars and TEST_SMTP_TO to run")
	}

	mailer := NewSMTPMailer(SMTPConfig{
		Host:           host,
		Port:           port,
		Username:       username,
		Password:       password,
		FromAddress:    from,
		ConfirmURLBase: "https://example.com/confirm",
		ResetURLBase:   "https://example.com/reset",
	})
	return mailer, to
}

func TestSMTPMailer_SendConfirmation_Integration(t *testing.T) {
	mailer, to := smtpTestMailer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mailer.SendConfirmation(ctx, to, "Integration Test", "ABCDEFGHJKMNP", 24*time.Hour); err != nil {
		t.Fatalf("SendConfirmation: %v", err)
	}
}
