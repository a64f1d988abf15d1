// Package auth authenticates transport clients with API keys and maps
// each key to the author recorded on their versions and annotations.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/officepro/historydb/internal/logging"
	"github.com/officepro/historydb/internal/operations"
)

var (
	ErrInvalidKey        = errors.New("invalid API key")
	ErrExpiredKey        = errors.New("API key expired")
	ErrKeyNotFound       = errors.New("API key not found")
	ErrInvalidPermission = errors.New("unknown permission")
	ErrMissingAuthor     = errors.New("API key needs an author")
)

const (
	anonymousAuthor operations.AuthorID = "local"

	// every issued secret starts with keyPrefix
	keyPrefix = "hdb_"

	keyFileVersion = 1
)

type Permission string

const (
	PermissionReadHistory    Permission = "read:history"
	PermissionWriteDocuments Permission = "write:documents"
	PermissionAll            Permission = "*"
)

func (p Permission) valid() bool {
	switch p {
	case PermissionReadHistory, PermissionWriteDocuments, PermissionAll:
		return true
	}
	return false
}

// APIKey is a stored key. Only the sha3 hash of the secret is kept.
type APIKey struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Hash        string              `json:"hash"`
	Author      operations.AuthorID `json:"author"`
	Permissions []Permission        `json:"permissions"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	LastUsed    *time.Time          `json:"-"`
}

func (k *APIKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// keyFile is the on-disk layout of HISTORYDB_AUTH_FILE.
type keyFile struct {
	Version       int                 `json:"version"`
	RequireAuth   bool                `json:"require_auth"`
	DefaultAuthor operations.AuthorID `json:"default_author"`
	Keys          []*APIKey           `json:"keys"`
}

// Identity is who a request acts as: the author stamped on versions and
// annotations it creates, and what it may do.
type Identity struct {
	AuthorID      operations.AuthorID
	KeyID         string
	Permissions   []Permission
	Authenticated bool
}

func (id *Identity) HasPermission(perm Permission) bool {
	for _, p := range id.Permissions {
		if p == PermissionAll || p == perm {
			return true
		}
	}
	return false
}

// Keyring holds the API keys of the transport, indexed by hash.
type Keyring struct {
	path          string
	required      bool
	defaultAuthor operations.AuthorID
	byHash        map[string]*APIKey
	mutex         sync.RWMutex
	logger        *logging.Logger
}

// NewKeyring loads the key file at path, creating it with auth disabled
// when missing. An empty path keeps keys in memory only.
func NewKeyring(path string) (*Keyring, error) {
	k := &Keyring{
		path:          path,
		defaultAuthor: anonymousAuthor,
		byHash:        make(map[string]*APIKey),
		logger:        logging.NewLogger("auth"),
	}
	if path == "" {
		return k, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		return k, k.persist()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if err := k.decode(data); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}

	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		k.logger.Warn("Key file is readable by other users", map[string]interface{}{
			"path": path,
			"mode": info.Mode().Perm().String(),
		})
	}
	return k, nil
}

func (k *Keyring) decode(data []byte) error {
	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != keyFileVersion {
		return fmt.Errorf("unsupported version %d", file.Version)
	}

	k.required = file.RequireAuth
	if file.DefaultAuthor != "" {
		k.defaultAuthor = file.DefaultAuthor
	}
	for _, key := range file.Keys {
		if err := checkKey(key.Author, key.Permissions); err != nil {
			return fmt.Errorf("key %s: %w", key.ID, err)
		}
		k.byHash[key.Hash] = key
	}
	return nil
}

func checkKey(author operations.AuthorID, permissions []Permission) error {
	if author == "" {
		return ErrMissingAuthor
	}
	for _, p := range permissions {
		if !p.valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	return nil
}

// Issue creates a key acting as author. The returned secret is the only
// copy; ttl <= 0 means the key never expires.
func (k *Keyring) Issue(name string, author operations.AuthorID, permissions []Permission, ttl time.Duration) (string, error) {
	if err := checkKey(author, permissions); err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	secret := keyPrefix + hex.EncodeToString(raw)
	hash := hashKey(secret)

	now := time.Now()
	key := &APIKey{
		ID:          hash[:12],
		Name:        name,
		Hash:        hash,
		Author:      author,
		Permissions: append([]Permission(nil), permissions...),
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	k.mutex.Lock()
	defer k.mutex.Unlock()

	k.byHash[hash] = key
	if err := k.persist(); err != nil {
		delete(k.byHash, hash)
		return "", err
	}
	return secret, nil
}

// Authenticate resolves a presented key to its identity.
func (k *Keyring) Authenticate(secret string) (*Identity, error) {
	if !strings.HasPrefix(secret, keyPrefix) {
		return nil, ErrInvalidKey
	}
	hash := hashKey(secret)

	k.mutex.Lock()
	defer k.mutex.Unlock()

	key, ok := k.byHash[hash]
	if !ok {
		return nil, ErrInvalidKey
	}
	now := time.Now()
	if key.expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrExpiredKey, key.ID)
	}
	key.LastUsed = &now

	return &Identity{
		AuthorID:      key.Author,
		KeyID:         key.ID,
		Permissions:   key.Permissions,
		Authenticated: true,
	}, nil
}

// Anonymous is the identity of requests while auth is not required.
func (k *Keyring) Anonymous() *Identity {
	k.mutex.RLock()
	defer k.mutex.RUnlock()

	return &Identity{
		AuthorID:    k.defaultAuthor,
		Permissions: []Permission{PermissionAll},
	}
}

func (k *Keyring) Required() bool {
	k.mutex.RLock()
	defer k.mutex.RUnlock()
	return k.required
}

func (k *Keyring) SetRequired(required bool) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	previous := k.required
	k.required = required
	if err := k.persist(); err != nil {
		k.required = previous
		return err
	}
	return nil
}

type KeySummary struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Author      operations.AuthorID `json:"author"`
	Permissions []Permission        `json:"permissions"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	LastUsed    *time.Time          `json:"last_used,omitempty"`
	Expired     bool                `json:"expired"`
}

// Keys lists the stored keys, oldest first.
func (k *Keyring) Keys() []KeySummary {
	k.mutex.RLock()
	defer k.mutex.RUnlock()

	now := time.Now()
	out := make([]KeySummary, 0, len(k.byHash))
	for _, key := range k.byHash {
		out = append(out, KeySummary{
			ID:          key.ID,
			Name:        key.Name,
			Author:      key.Author,
			Permissions: key.Permissions,
			CreatedAt:   key.CreatedAt,
			ExpiresAt:   key.ExpiresAt,
			LastUsed:    key.LastUsed,
			Expired:     key.expired(now),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (k *Keyring) Revoke(id string) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	for hash, key := range k.byHash {
		if key.ID == id {
			delete(k.byHash, hash)
			if err := k.persist(); err != nil {
				k.byHash[hash] = key
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
}

// persist writes the key file through a temporary file and rename so a
// crash never leaves a truncated file. Caller holds the lock.
func (k *Keyring) persist() error {
	if k.path == "" {
		return nil
	}

	file := keyFile{
		Version:       keyFileVersion,
		RequireAuth:   k.required,
		DefaultAuthor: k.defaultAuthor,
		Keys:          make([]*APIKey, 0, len(k.byHash)),
	}
	for _, key := range k.byHash {
		file.Keys = append(file.Keys, key)
	}
	sort.Slice(file.Keys, func(i, j int) bool { return file.Keys[i].ID < file.Keys[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(k.path), ".keys-*")
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}

func hashKey(secret string) string {
	sum := sha3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
