package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chat_sync/internal/apperr"
	"chat_sync/internal/token"
	"chat_sync/internal/utils/log"

	"go.uber.org/zap"
)

// TokenKey is the storage slot holding the persisted token.
const TokenKey = "jwtToken"

type (
	// Credential is the identity currently using the client. Token is empty
	// for an anonymous credential.
	Credential struct {
		Identity string
		Token    string
	}

	// Storage is a small key-value slot that survives restarts.
	Storage interface {
		Load(ctx context.Context, key string) (string, bool, error)
		Save(ctx context.Context, key, value string) error
		Remove(ctx context.Context, key string) error
	}

	// Observer is told about every issue and clear. A nil credential means
	// absent. Observers run synchronously and must not call Issue or Clear.
	Observer func(prev, next *Credential)

	Session struct {
		storage Storage

		// op serializes Issue and Clear including their notifications.
		op sync.Mutex

		mu        sync.RWMutex
		current   *Credential
		observers map[uint64]Observer
		nextID    uint64
	}
)

func (c Credential) Authenticated() bool {
	return c.Token != ""
}

func New(storage Storage) *Session {
	return &Session{
		storage:   storage,
		observers: make(map[uint64]Observer),
	}
}

// Restore adopts the token persisted by a previous run. A token that no
// longer decodes is dropped from storage.
func (s *Session) Restore(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	raw, ok, err := s.storage.Load(ctx, TokenKey)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}

	identity, err := token.Identity(raw)
	if err != nil {
		log.Info("dropping stored token", zap.Error(err))
		return s.storage.Remove(ctx, TokenKey)
	}

	s.replace(&Credential{Identity: identity, Token: raw})
	return nil
}

// Issue installs raw as the current credential, replacing any other one, and
// persists it. A token that cannot be decoded leaves the session unchanged.
func (s *Session) Issue(ctx context.Context, raw string) error {
	identity, err := token.Identity(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidCredential, err)
	}

	s.op.Lock()
	defer s.op.Unlock()

	if err := s.storage.Save(ctx, TokenKey, raw); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.replace(&Credential{Identity: identity, Token: raw})
	return nil
}

// IssueAnonymous installs an unauthenticated credential for identity. It is
// not persisted.
func (s *Session) IssueAnonymous(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("%w: empty identity", apperr.ErrInvalidCredential)
	}

	s.op.Lock()
	defer s.op.Unlock()

	s.replace(&Credential{Identity: identity})
	return nil
}

// Clear removes the credential. Observers are notified even when no
// credential was present.
func (s *Session) Clear(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	err := s.storage.Remove(ctx, TokenKey)
	s.replace(nil)
	if err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// Current returns a copy of the credential and whether one is present.
func (s *Session) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Credential{}, false
	}
	return *s.current, true
}

// Observe registers fn and returns a func that removes it.
func (s *Session) Observe(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) replace(next *Credential) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(clone(prev), clone(next))
	}
}

func clone(c *Credential) *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
