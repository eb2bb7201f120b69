package state

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T, sealer *Sealer) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath, sealer)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealerHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Set(Durable, KeyAccessToken, "persist-me"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath, nil)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persist-me", v)
}

// --- Get / Set / Delete / Clear ---

func TestGet_MissingKey(t *testing.T) {
	s := testDB(t, nil)
	v, ok, err := s.Get(Durable, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "", v)
}

func TestSet_Overwrite(t *testing.T) {
	s := testDB(t, nil)
	require.NoError(t, s.Set(Durable, KeyAccessToken, "old"))
	require.NoError(t, s.Set(Durable, KeyAccessToken, "new"))

	v, _, err := s.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestLoadAt_SharedBetweenInstances(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	long, err := LoadAt(dbPath, nil)
	require.NoError(t, err)
	defer long.Close()

	require.NoError(t, long.Set(Durable, KeyAccessToken, "from-first"))

	// A second process opening the same file must not wait for the lock.
	start := time.Now()
	other, err := LoadAt(dbPath, nil)
	require.NoError(t, err)
	defer other.Close()
	assert.Less(t, time.Since(start), stateOpenTimeout)

	v, ok, err := other.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-first", v)

	require.NoError(t, other.Set(Durable, KeyRefreshToken, "from-second"))

	v, ok, err = long.Get(Durable, KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-second", v)
}

func TestClose_RejectsLaterOperations(t *testing.T) {
	s, err := LoadAt(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get(Durable, KeyAccessToken)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(Durable, KeyAccessToken, "x"), ErrClosed)
}

func TestSet_EmptyStringIsPresent(t *testing.T) {
	s := testDB(t, nil)
	require.NoError(t, s.Set(Session, KeyUser, ""))

	v, ok, err := s.Get(Session, KeyUser)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)

	sealed := testDB(t, testSealer(t))
	require.NoError(t, sealed.Set(Durable, KeyAccessToken, ""))

	v, ok, err = sealed.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestScopes_AreIsolated(t *testing.T) {
	s := testDB(t, nil)
	require.NoError(t, s.Set(Durable, "k", "durable"))
	require.NoError(t, s.Set(Session, "k", "session"))

	d, _, _ := s.Get(Durable, "k")
	ss, _, _ := s.Get(Session, "k")
	assert.Equal(t, "durable", d)
	assert.Equal(t, "session", ss)
}

func TestDelete_MultipleAndMissing(t *testing.T) {
	s := testDB(t, nil)
	require.NoError(t, s.Set(Session, KeyOAuthState, "st"))
	require.NoError(t, s.Set(Session, KeyCodeVerifier, "cv"))
	require.NoError(t, s.Set(Session, KeyUser, "{}"))

	require.NoError(t, s.Delete(Session, KeyOAuthState, KeyCodeVerifier, "never-set"))

	assert.Equal(t, 1, s.Len(Session))
	_, ok, _ := s.Get(Session, KeyUser)
	assert.True(t, ok)
}

func TestClear_OnlyAffectsScope(t *testing.T) {
	s := testDB(t, nil)
	require.NoError(t, s.Set(Durable, KeyAccessToken, "a"))
	require.NoError(t, s.Set(Durable, KeyRefreshToken, "r"))
	require.NoError(t, s.Set(Session, KeyUser, "{}"))

	require.NoError(t, s.Clear(Durable))
	assert.Equal(t, 0, s.Len(Durable))
	assert.Equal(t, 1, s.Len(Session))

	// Clearing twice is fine.
	require.NoError(t, s.Clear(Durable))

	// The bucket is usable after clearing.
	require.NoError(t, s.Set(Durable, KeyAccessToken, "b"))
	assert.Equal(t, 1, s.Len(Durable))
}

func TestUnknownScope(t *testing.T) {
	s := testDB(t, nil)
	_, _, err := s.Get(Scope(9), "k")
	assert.ErrorIs(t, err, ErrUnknownScope)
	assert.ErrorIs(t, s.Set(Scope(9), "k", "v"), ErrUnknownScope)
	assert.ErrorIs(t, s.Delete(Scope(9), "k"), ErrUnknownScope)
	assert.ErrorIs(t, s.Clear(Scope(9)), ErrUnknownScope)
	assert.Equal(t, 0, s.Len(Scope(9)))
}

func TestScope_String(t *testing.T) {
	assert.Equal(t, "durable", Durable.String())
	assert.Equal(t, "session", Session.String())
	assert.Equal(t, "scope(7)", Scope(7).String())
}

// --- Sealing ---

func TestSealed_RoundTrip(t *testing.T) {
	s := testDB(t, testSealer(t))
	require.NoError(t, s.Set(Durable, KeyRefreshToken, "refresh-secret"))

	v, ok, err := s.Get(Durable, KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "refresh-secret", v)
}

func TestSealed_NotPlaintextOnDisk(t *testing.T) {
	s := testDB(t, testSealer(t))
	require.NoError(t, s.Set(Durable, KeyAccessToken, "plaintext-token-value"))

	var raw []byte
	require.NoError(t, s.view(func(tx *bolt.Tx) error {
		raw = append([]byte(nil), tx.Bucket(durableBucket).Get([]byte(KeyAccessToken))...)
		return nil
	}))
	assert.False(t, bytes.Contains(raw, []byte("plaintext-token-value")))
}

func TestSealed_MovedValueFailsToOpen(t *testing.T) {
	s := testDB(t, testSealer(t))
	require.NoError(t, s.Set(Durable, KeyAccessToken, "a"))

	require.NoError(t, s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(durableBucket)
		return b.Put([]byte(KeyRefreshToken), b.Get([]byte(KeyAccessToken)))
	}))

	_, _, err := s.Get(Durable, KeyRefreshToken)
	assert.ErrorIs(t, err, ErrSealedValue)
}

func TestSealed_WrongKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath, testSealer(t))
	require.NoError(t, err)
	require.NoError(t, s1.Set(Durable, KeyAccessToken, "a"))
	require.NoError(t, s1.Close())

	other, err := NewSealerHex(strings.Repeat("cd", 32))
	require.NoError(t, err)

	s2, err := LoadAt(dbPath, other)
	require.NoError(t, err)
	defer s2.Close()

	_, _, err = s2.Get(Durable, KeyAccessToken)
	assert.ErrorIs(t, err, ErrSealedValue)
}

func TestNewSealerHex(t *testing.T) {
	s, err := NewSealerHex("")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewSealerHex("zz")
	assert.Error(t, err)

	_, err = NewSealerHex(hex.EncodeToString(make([]byte, 16)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestSealer_OpenShortInput(t *testing.T) {
	_, err := testSealer(t).Open([]byte("short"), nil)
	assert.ErrorIs(t, err, ErrSealedValue)
}

// --- Memory ---

func TestMemory_Contract(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(Durable, KeyAccessToken, "a"))
	require.NoError(t, m.Set(Session, KeyUser, "{}"))

	v, ok, err := m.Get(Durable, KeyAccessToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	require.NoError(t, m.Delete(Durable, KeyAccessToken, "missing"))
	assert.Equal(t, 0, m.Len(Durable))

	require.NoError(t, m.Clear(Session))
	assert.Equal(t, 0, m.Len(Session))

	assert.ErrorIs(t, m.Set(Scope(5), "k", "v"), ErrUnknownScope)
}
