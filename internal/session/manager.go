// Package session holds the authenticated user's token and identity and
// persists them between runs.
package session

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"noxchat/internal/crypto"
	"noxchat/internal/storage"
)

// User is the profile returned by the backend at login.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Store is the persistence the manager needs. *storage.Store satisfies it.
type Store interface {
	Get(key string) (string, error)
	PutAll(map[string]string) error
	Delete(keys ...string) error
}

// Manager is safe for concurrent use.
type Manager struct {
	store Store
	box   *crypto.Box

	mu    sync.RWMutex
	token string
	user  User
}

// NewManager loads any persisted session from store. box may be nil.
func NewManager(store Store, box *crypto.Box) (*Manager, error) {
	m := &Manager{store: store, box: box}
	if store == nil {
		return m, nil
	}
	sealed, err := store.Get(storage.KeyToken)
	if err != nil {
		return nil, errors.Wrap(err, "load token")
	}
	token, err := box.OpenString(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "open token")
	}
	rawUser, err := store.Get(storage.KeyUser)
	if err != nil {
		return nil, errors.Wrap(err, "load user")
	}
	var user User
	if rawUser != "" {
		if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
			return nil, errors.Wrap(err, "decode user")
		}
	}
	if user.ID == 0 {
		if raw, _ := store.Get(storage.KeyUserID); raw != "" {
			user.ID, _ = strconv.ParseInt(raw, 10, 64)
		}
	}
	m.token, m.user = token, user
	return m, nil
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *Manager) User() User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

func (m *Manager) UserID() int64 {
	return m.User().ID
}

func (m *Manager) Username() string {
	return m.User().Username
}

// Authenticated reports whether a token and user id are present.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != "" && m.user.ID != 0
}

// Save replaces the session and persists it.
func (m *Manager) Save(token string, user User) error {
	if token == "" {
		return errors.New("empty token")
	}
	if user.ID == 0 {
		if claims, err := ParseClaims(token); err == nil && claims.UserID != 0 {
			user.ID = claims.UserID
		}
	}
	m.mu.Lock()
	m.token, m.user = token, user
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	sealed, err := m.box.SealString(token)
	if err != nil {
		return errors.Wrap(err, "seal token")
	}
	rawUser, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "encode user")
	}
	return m.store.PutAll(map[string]string{
		storage.KeyToken:  sealed,
		storage.KeyUser:   string(rawUser),
		storage.KeyUserID: strconv.FormatInt(user.ID, 10),
	})
}

// Clear forgets the token, user and user id, in memory and on disk.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.token, m.user = "", User{}
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Delete(storage.KeyToken, storage.KeyUser, storage.KeyUserID)
}
