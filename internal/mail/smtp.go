// smtp.go
//
// SMTPMailer: synchronous delivery over STARTTLS.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"
)

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host           string
	Port           string
	Username       string
	Password       string
	FromAddress    string
	ConfirmURLBase string
	ResetURLBase   string
}

// SMTPMailer sends transactional email via SMTP.
// Compatible with any SMTP provider: SES, Mailgun, Mailpit (local dev), etc.
type SMTPMailer struct {
	cfg  SMTPConfig
	now  func() time.Time
	send func(ctx context.Context, toEmail, msg string) error
}

// NewSMTPMailer creates an SMTPMailer with the given config.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	m := &SMTPMailer{cfg: cfg, now: time.Now}
	m.send = m.sendMail
	return m
}

// confirmURL returns <ConfirmURLBase>/<link>, matching the GET /confirm/{key} route.
func (m *SMTPMailer) confirmURL(link string) string {
	return strings.TrimRight(m.cfg.ConfirmURLBase, "/") + "/" + url.PathEscape(link)
}

// resetURL returns <ResetURLBase>?link=<link>.
func (m *SMTPMailer) resetURL(link string) string {
	return m.cfg.ResetURLBase + "?link=" + url.QueryEscape(link)
}

// sendMail dials the SMTP server, enforces STARTTLS (rejects plaintext sessions),
// authenticates, and delivers msg. The connection respects ctx cancellation.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	// Enforce STARTTLS -- reject the session if server does not advertise it.
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

// SendConfirmation emails an account-confirmation link to toEmail.
func (m *SMTPMailer) SendConfirmation(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	msg, err := buildMessage(m.cfg.FromAddress, toEmail, "Confirm your Pupil account", confirmationTmpl, bodyData{
		Name:      name,
		Link:      link,
		URL:       m.confirmURL(link),
		ExpiresIn: formatDuration(expiresIn),
	}, m.now())
	if err != nil {
		return fmt.Errorf("building confirmation email: %w", err)
	}
	if err := m.send(ctx, toEmail, msg); err != nil {
		return fmt.Errorf("sending confirmation email: %w", err)
	}
	return nil
}

// SendPasswordReset emails a password-reset link to toEmail.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	msg, err := buildMessage(m.cfg.FromAddress, toEmail, "Reset your Pupil password", resetTmpl, bodyData{
		Name:      name,
		Link:      link,
		URL:       m.resetURL(link),
		ExpiresIn: formatDuration(expiresIn),
	}, m.now())
	if err != nil {
		return fmt.Errorf("building password reset email: %w", err)
	}
	if err := m.send(ctx, toEmail, msg); err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	return nil
}
