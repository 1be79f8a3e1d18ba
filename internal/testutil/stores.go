// stores.go
//
// Shared mock implementations of auth.Store and mail.Mailer.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/cgm616/pupil/internal/store"
)

// MockStore implements auth.Store for tests.
//
// Always stateful: users and confirmations are maps, like a real store, and
// uniqueness and single use are enforced the same way.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	GetUserErr            error
	CreateUserErr         error
	CreateConfirmationErr error
	ConfirmUserErr        error
	ResetPasswordErr      error

	Users         map[int64]*store.User
	Confirmations map[string]*store.Confirmation // keyed by string(LinkHash)

	// Now stamps new confirmations. Defaults to time.Now.
	Now func() time.Time

	nextID int64
	mu     sync.Mutex
}

// NewMockStore returns a MockStore seeded with users. Zero IDs are assigned.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:         make(map[int64]*store.User),
		Confirmations: make(map[string]*store.Confirmation),
	}
	for _, u := range users {
		ms.nextID++
		if u.ID == 0 {
			u.ID = ms.nextID
		}
		ms.Users[u.ID] = u
	}
	return ms
}

func (m *MockStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MockStore) find(match func(*store.User) bool) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	return m.find(func(u *store.User) bool { return u.Username == username })
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	return m.find(func(u *store.User) bool { return u.Email == email })
}

func (m *MockStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	return m.find(func(u *store.User) bool { return u.ID == id })
}

func (m *MockStore) CreateUser(_ context.Context, nu store.NewUser) (*store.User, error) {
	if m.CreateUserErr != nil {
		return nil, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == nu.Email {
			return nil, &store.UniqueViolationError{Constraint: store.ConstraintUsersEmail}
		}
		if u.Username == nu.Username {
			return nil, &store.UniqueViolationError{Constraint: store.ConstraintUsersUsername}
		}
	}
	m.nextID++
	u := &store.User{
		ID:           m.nextID,
		Name:         nu.Name,
		Email:        nu.Email,
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		CreatedAt:    m.now(),
	}
	m.Users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MockStore) CreateConfirmation(_ context.Context, c store.Confirmation) error {
	if m.CreateConfirmationErr != nil {
		return m.CreateConfirmationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, old := range m.Confirmations {
		if old.UserID == c.UserID && old.Reset == c.Reset {
			delete(m.Confirmations, k)
		}
	}
	c.CreatedAt = m.now()
	m.Confirmations[string(c.LinkHash)] = &c
	return nil
}

// live returns the owner of a matching, unexpired confirmation. Caller holds mu.
func (m *MockStore) live(linkHash []byte, reset bool, notBefore time.Time) (*store.User, bool) {
	c, ok := m.Confirmations[string(linkHash)]
	if !ok || c.Reset != reset || c.CreatedAt.Before(notBefore) {
		return nil, false
	}
	u, ok := m.Users[c.UserID]
	return u, ok
}

// consume removes a matching confirmation and returns its owner. Caller holds mu.
func (m *MockStore) consume(linkHash []byte, reset bool, notBefore time.Time) (*store.User, bool) {
	u, ok := m.live(linkHash, reset, notBefore)
	if !ok {
		return nil, false
	}
	delete(m.Confirmations, string(linkHash))
	return u, true
}

func (m *MockStore) ConfirmUser(_ context.Context, linkHash []byte, notBefore time.Time) (*store.User, error) {
	if m.ConfirmUserErr != nil {
		return nil, m.ConfirmUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.consume(linkHash, false, notBefore)
	if !ok {
		return nil, store.ErrNotFound
	}
	u.Confirmed = true
	cp := *u
	return &cp, nil
}

// ResetPassword mirrors the Postgres store: the link is looked up, hashFor
// runs without mu held, and the link is consumed only once hashing succeeds.
func (m *MockStore) ResetPassword(_ context.Context, linkHash []byte, notBefore time.Time, hashFor func(*store.User) (string, error)) (*store.User, error) {
	if m.ResetPasswordErr != nil {
		return nil, m.ResetPasswordErr
	}
	m.mu.Lock()
	u, ok := m.live(linkHash, true, notBefore)
	var cp store.User
	if ok {
		cp = *u
	}
	m.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	hash, err := hashFor(&cp)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok = m.consume(linkHash, true, notBefore)
	if !ok || u.ID != cp.ID {
		return nil, store.ErrNotFound
	}
	u.PasswordHash = hash
	u.Confirmed = true
	cp = *u
	return &cp, nil
}

// User returns a copy of the stored user with id, or nil.
func (m *MockStore) User(id int64) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// SentMail is one message captured by MockMailer.
type SentMail struct {
	Kind      string // "confirmation" or "password_reset"
	ToEmail   string
	Name      string
	Link      string
	ExpiresIn time.Duration
}

// MockMailer implements mail.Mailer and records every message.
type MockMailer struct {
	SendErr error

	mu   sync.Mutex
	Sent []SentMail
}

func (m *MockMailer) record(kind, toEmail, name, link string, expiresIn time.Duration) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentMail{Kind: kind, ToEmail: toEmail, Name: name, Link: link, ExpiresIn: expiresIn})
	return nil
}

func (m *MockMailer) SendConfirmation(_ context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	return m.record("confirmation", toEmail, name, link, expiresIn)
}

func (m *MockMailer) SendPasswordReset(_ context.Context, toEmail, name, link string, expiresIn time.Duration) error {
	return m.record("password_reset", toEmail, name, link, expiresIn)
}

// Last returns the most recent message, or false when none was sent.
func (m *MockMailer) Last() (SentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentMail{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}

// Count returns how many messages were sent.
func (m *MockMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
