// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// jobs instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each job to the inner Mailer (SMTPMailer).
// Link tokens are sealed before they reach Redis.
package mail

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/chacha20poly1305"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "pupil:mail:queue"

// DefaultMaxQueueSize is the cap applied when creating a QueuedMailer via NewQueuedMailer.
// Prevents unbounded growth when the SMTP server is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by enqueue when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// job type constants identify which send method to invoke on dispatch.
const (
	jobConfirmation  = "confirmation"
	jobPasswordReset = "password_reset"
)

// EmailJob is the serialized payload pushed onto the queue.
type EmailJob struct {
	Type       string `json:"type"`
	ToEmail    string `json:"to_email"`
	Name       string `json:"name"`
	SealedLink []byte `json:"sealed_link"`
	ExpiresIn  int64  `json:"expires_in"` // nanoseconds; cast to time.Duration on dispatch
}

// QueuedMailer enqueues email jobs to Redis so the HTTP handler returns
// immediately without waiting for SMTP. StartWorker drains the queue
// asynchronously. Implements Mailer -- callers are unaware of async dispatch.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
	key          []byte
	popTimeout   time.Duration
}

// NewQueuedMailer wraps inner with a Redis-backed async queue.
// sealKey must be chacha20poly1305.KeySize bytes; it encrypts link tokens at rest.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, sealKey []byte) (*QueuedMailer, error) {
	if len(sealKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("mail queue key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &QueuedMailer{
		inner:        inner,
		rdb:          rdb,
		maxQueueSize: maxSize,
		key:          append([]byte(nil), sealKey...),
		popTimeout:   2 * time.Second,
	}, nil
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// sealToken encrypts plaintext with XChaCha20-Poly1305; output is nonce || ciphertext.
func sealToken(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openToken reverses sealToken.
func openToken(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed token too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// SendConfirmation enqueues an account-confirmation email job.
func (q *QueuedMailer) SendConfirmation(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	return q.enqueue(ctx, jobConfirmation, toEmail, name, link, expiresIn)
}

// SendPasswordReset enqueues a password-reset email job.
func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	return q.enqueue(ctx, jobPasswordReset, toEmail, name, link, expiresIn)
}

// enqueue seals the link, serializes the job, and appends it to the Redis queue.
// Returns ErrQueueFull if the queue has reached maxQueueSize.
func (q *QueuedMailer) enqueue(ctx context.Context, jobType, toEmail, name, link string, expiresIn time.Duration) error {
	sealed, err := sealToken(q.key, []byte(link))
	if err != nil {
		return fmt.Errorf("sealing link: %w", err)
	}
	data, err := json.Marshal(EmailJob{
		Type:       jobType,
		ToEmail:    toEmail,
		Name:       name,
		SealedLink: sealed,
		ExpiresIn:  int64(expiresIn),
	})
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to popTimeout then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, q.popTimeout, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("mail worker: queue pop failed", "err", err)
			// Back off so a Redis outage does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.popTimeout):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			slog.Error("mail worker: bad job payload", "err", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch calls the appropriate inner Mailer method based on job.Type.
// Errors are logged and dropped; the user can request a new link.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	link, err := openToken(q.key, job.SealedLink)
	if err != nil {
		slog.Error("mail worker: cannot open sealed link", "type", job.Type, "err", err)
		return
	}
	expiresIn := time.Duration(job.ExpiresIn)
	switch job.Type {
	case jobConfirmation:
		err = q.inner.SendConfirmation(ctx, job.ToEmail, job.Name, string(link), expiresIn)
	case jobPasswordReset:
		err = q.inner.SendPasswordReset(ctx, job.ToEmail, job.Name, string(link), expiresIn)
	default:
		slog.Error("mail worker: unknown job type", "type", job.Type)
		return
	}
	if err != nil {
		slog.Error("mail worker: send failed", "type", job.Type, "err", err)
	}
}
