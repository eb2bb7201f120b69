// Package state persists authentication state in a bbolt database.
// Values live in two buckets: durable (tokens, kept across runs) and
// session (in-flight handshake and cached profile, cleared on logout).
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.lifebuffer/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

// Scope selects the storage area a key lives in.
type Scope int

const (
	// Durable values survive restarts until logout.
	Durable Scope = iota
	// Session values belong to the current sign-in session only.
	Session
)

func (s Scope) String() string {
	switch s {
	case Durable:
		return "durable"
	case Session:
		return "session"
	}

	return fmt.Sprintf("scope(%d)", int(s))
}

// Storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyOAuthState   = "oauth_state"
	KeyCodeVerifier = "oauth_code_verifier"
	KeyUser         = "user"
)

var (
	durableBucket = []byte("durable")
	sessionBucket = []byte("session")
)

// ErrUnknownScope is returned for a Scope outside Durable and Session.
var ErrUnknownScope = errors.New("unknown storage scope")

func bucketFor(scope Scope) ([]byte, error) {
	switch scope {
	case Durable:
		return durableBucket, nil
	case Session:
		return sessionBucket, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownScope, int(scope))
}

// ErrClosed is returned by operations on a State after Close.
var ErrClosed = errors.New("state is closed")

// State is the bbolt-backed store for all persistent client state. The
// file is opened for each operation and closed again, so the lock is
// only held briefly and several lifebuffer processes can share it.
type State struct {
	path   string
	sealer *Sealer

	mu     sync.Mutex
	closed bool
}

// LoadAt prepares a state database at the given path, creating it and
// its buckets if they do not exist. A non-nil sealer encrypts every
// value before it is written.
func LoadAt(path string, sealer *Sealer) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &State{path: path, sealer: sealer}

	err := s.update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(durableBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(sessionBucket)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return s, nil
}

// Close waits for any running operation and rejects later ones.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// withDB opens the database, runs fn and closes it again. Operations in
// this process are serialized by mu; other processes wait on the file
// lock for up to stateOpenTimeout.
func (s *State) withDB(fn func(db *bolt.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	db, err := bolt.Open(s.path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}

	fnErr := fn(db)

	if err := db.Close(); err != nil && fnErr == nil {
		return fmt.Errorf("closing state db: %w", err)
	}

	return fnErr
}

func (s *State) view(fn func(tx *bolt.Tx) error) error {
	return s.withDB(func(db *bolt.DB) error { return db.View(fn) })
}

func (s *State) update(fn func(tx *bolt.Tx) error) error {
	return s.withDB(func(db *bolt.DB) error { return db.Update(fn) })
}

// Get returns the value stored under key. The boolean is false when the
// key is absent.
func (s *State) Get(scope Scope, key string) (string, bool, error) {
	name, err := bucketFor(scope)
	if err != nil {
		return "", false, err
	}

	var (
		raw   []byte
		found bool
	)

	err = s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(name).Get([]byte(key))
		if v != nil {
			found = true
			raw = append([]byte{}, v...)
		}

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading %s/%s: %w", scope, key, err)
	}

	if !found {
		return "", false, nil
	}

	if s.sealer != nil {
		raw, err = s.sealer.Open(raw, aad(name, key))
		if err != nil {
			return "", false, fmt.Errorf("unsealing %s/%s: %w", scope, key, err)
		}
	}

	return string(raw), true, nil
}

// Set stores value under key, replacing any previous value.
func (s *State) Set(scope Scope, key, value string) error {
	name, err := bucketFor(scope)
	if err != nil {
		return err
	}

	data := []byte(value)
	if s.sealer != nil {
		data = s.sealer.Seal(data, aad(name, key))
	}

	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(name).Put([]byte(key), data)
	})
}

// Delete removes keys from a scope. Missing keys are ignored.
func (s *State) Delete(scope Scope, keys ...string) error {
	name, err := bucketFor(scope)
	if err != nil {
		return err
	}

	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(name)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Clear removes every key in a scope.
func (s *State) Clear(scope Scope) error {
	name, err := bucketFor(scope)
	if err != nil {
		return err
	}

	return s.update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		_, err := tx.CreateBucket(name)

		return err
	})
}

// Len returns the number of keys in a scope.
func (s *State) Len(scope Scope) int {
	name, err := bucketFor(scope)
	if err != nil {
		return 0
	}

	count := 0
	_ = s.view(func(tx *bolt.Tx) error {
		count = tx.Bucket(name).Stats().KeyN
		return nil
	})

	return count
}

// aad binds a sealed value to the bucket and key it was written under,
// so a ciphertext copied to another key fails to open.
func aad(bucket []byte, key string) []byte {
	return append(append(append([]byte(nil), bucket...), 0), key...)
}

// DefaultPath returns ~/.lifebuffer/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".lifebuffer", "state.db"), nil
}
