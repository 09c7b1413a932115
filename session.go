package omegachat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Credential stores
// ============================================================================

// CredentialStore persists the bearer token across restarts.
// Load returns "" when no token is stored.
// Implementations: MemoryStore, FileStore, RedisStore.
type CredentialStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryStore) Save(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// FileStore keeps the token in a TOML file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type credentialFile struct {
	Token string `toml:"token"`
}

// NewFileStore returns a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cannot read credentials: %w", err)
	}
	var f credentialFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("cannot parse credentials: %w", err)
	}
	return f.Token, nil
}

func (s *FileStore) Save(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	data, err := toml.Marshal(credentialFile{Token: token})
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove credentials: %w", err)
	}
	return nil
}

// ============================================================================
// Session
// ============================================================================

// Session holds the current credential and the authenticated user profile.
// It is constructed explicitly and passed to the Client, the realtime channel
// and the engine; there is no package-level session.
type Session struct {
	store CredentialStore

	mu    sync.RWMutex
	token string
	user  *User
}

// NewSession wraps store. A nil store means an in-memory one.
func NewSession(store CredentialStore) *Session {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Session{store: store}
}

// Restore loads a persisted token, if any. It reports whether one was found.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	token, err := s.store.Load(ctx)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token != "", nil
}

// Credential returns the bearer token and whether one is present.
func (s *Session) Credential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// SetCredential stores token in memory and in the backing store.
func (s *Session) SetCredential(ctx context.Context, token string) error {
	if err := s.store.Save(ctx, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// User returns a copy of the authenticated profile, or nil before Me/Login.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) SetUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		return
	}
	cp := *u
	s.user = &cp
}

// Clear forgets the token and the profile, locally and in the store.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()
	return s.store.Clear(ctx)
}
