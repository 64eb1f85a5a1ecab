package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. Broker
// state is security-sensitive, so unlike a file-backed store nothing is
// ever written to disk.
type MemoryStore struct {
	mu         sync.Mutex
	clients    map[string]*Client
	pkceStates map[string]*PKCEState
	authCodes  map[string]*AuthCode
	sessions   map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:    make(map[string]*Client),
		pkceStates: make(map[string]*PKCEState),
		authCodes:  make(map[string]*AuthCode),
		sessions:   make(map[string]*Session),
	}
}

func (s *MemoryStore) SaveClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *client
	s.clients[client.ClientID] = &copied
	return nil
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *client
	return &copied, nil
}

func (s *MemoryStore) SavePKCEState(_ context.Context, state *PKCEState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *state
	s.pkceStates[state.State] = &copied
	return nil
}

func (s *MemoryStore) ConsumePKCEState(_ context.Context, state string) (*PKCEState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.pkceStates[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.pkceStates, state)
	return record, nil
}

func (s *MemoryStore) SaveAuthCode(_ context.Context, code *AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *code
	s.authCodes[code.CodeHash] = &copied
	return nil
}

func (s *MemoryStore) ConsumeAuthCode(_ context.Context, codeHash string) (*AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.authCodes, codeHash)
	return record, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSessionByAccessToken(_ context.Context, accessHash string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.AccessTokenHash == accessHash {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetSessionByRefreshToken(_ context.Context, refreshHash string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if session.RefreshTokenHash == refreshHash {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RotateSessionTokens(_ context.Context, session *Session, oldRefreshHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok || current.RefreshTokenHash != oldRefreshHash {
		// A concurrent rotation already won.
		return ErrNotFound
	}
	copied := *session
	copied.UpdatedAt = time.Now()
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateSessionUpstream(_ context.Context, sessionID, encryptedAccess, encryptedRefresh string, upstreamExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.UpstreamAccessToken = encryptedAccess
	session.UpstreamRefreshToken = encryptedRefresh
	session.UpstreamExpiresAt = upstreamExpiresAt
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, state := range s.pkceStates {
		if now.After(state.ExpiresAt) {
			delete(s.pkceStates, key)
		}
	}
	for key, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, key)
		}
	}
	for key, session := range s.sessions {
		if now.After(session.RefreshTokenExpiresAt) {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
