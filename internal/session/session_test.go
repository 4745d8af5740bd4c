package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noxchat/internal/crypto"
	"noxchat/internal/storage"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-only"))
	require.NoError(t, err)
	return tok
}

func TestParseClaimsWithoutKey(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.MapClaims{"sub": "alice@example.com", "userId": 42, "exp": exp.Unix()})

	claims, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Username)
	assert.True(t, claims.ExpiresAt.Equal(exp))
	assert.False(t, claims.Expired(time.Now()))
	assert.True(t, claims.Expired(exp.Add(time.Second)))

	_, err = ParseClaims("")
	assert.Error(t, err)
	_, err = ParseClaims("garbage")
	assert.Error(t, err)
}

func TestManagerPersistsSealedToken(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	box, err := crypto.NewBox("pw")
	require.NoError(t, err)

	m, err := NewManager(store, box)
	require.NoError(t, err)
	assert.False(t, m.Authenticated())

	tok := signed(t, jwt.MapClaims{"sub": "bob", "userId": 7})
	require.NoError(t, m.Save(tok, User{Username: "bob"}))
	assert.Equal(t, int64(7), m.UserID())

	raw, err := store.Get(storage.KeyToken)
	require.NoError(t, err)
	assert.NotEqual(t, tok, raw)

	reloaded, err := NewManager(store, box)
	require.NoError(t, err)
	assert.True(t, reloaded.Authenticated())
	assert.Equal(t, tok, reloaded.Token())
	assert.Equal(t, "bob", reloaded.Username())

	require.NoError(t, reloaded.Clear())
	assert.False(t, reloaded.Authenticated())
	for _, key := range []string{storage.KeyToken, storage.KeyUser, storage.KeyUserID} {
		v, err := store.Get(key)
		require.NoError(t, err)
		assert.Empty(t, v, key)
	}
}

func TestManagerWithoutStore(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Save("t", User{ID: 1, Username: "x"}))
	assert.True(t, m.Authenticated())
	require.NoError(t, m.Clear())
	assert.Empty(t, m.Token())
}
