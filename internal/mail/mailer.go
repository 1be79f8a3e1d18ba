// mailer.go
//
// Mailer interface.
// SMTPMailer (smtp.go) delivers synchronously; QueuedMailer (queue.go)
// defers delivery to a Redis-backed worker.
package mail

import (
	"context"
	"time"
)

// Mailer sends transactional emails.
// link is the raw link token; each implementation turns it into a full URL.
type Mailer interface {
	// SendConfirmation emails an account-confirmation link to a new user.
	SendConfirmation(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error

	// SendPasswordReset emails a password-reset link.
	SendPasswordReset(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error
}
