// Package creds owns the account sessions used against the booking platform.
// Other components only ever see read-only snapshots; all mutation funnels
// through the Store so that file writes stay atomic.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Account is one bookable identity on the platform.
type Account struct {
	Nickname  string    `json:"nickname"`
	Username  string    `json:"username,omitempty"`
	Cookie    string    `json:"cookie,omitempty"`
	Token     string    `json:"token,omitempty"`
	Password  string    `json:"password,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Invalid   bool      `json:"invalid,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Usable reports whether the account can be presented for a submission right
// now: it has session material, is not flagged invalid, and has not expired.
func (a Account) Usable(now time.Time) bool {
	if a.Invalid || (a.Cookie == "" && a.Token == "") {
		return false
	}
	if !a.ExpiresAt.IsZero() && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Store persists accounts to a single file, optionally sealed with a
// passphrase-derived key. Multiple job processes read the same file; writes
// go through a temp file + rename so a reader never sees a torn write.
type Store struct {
	path   string
	cipher *fileCipher

	mu sync.Mutex
}

func NewStore(path, passphrase string) *Store {
	return &Store{path: path, cipher: newFileCipher(passphrase)}
}

type fileShape struct {
	Accounts map[string]Account `json:"accounts"`
}

func (s *Store) load() (fileShape, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileShape{Accounts: map[string]Account{}}, nil
		}
		return fileShape{}, err
	}
	if s.cipher != nil {
		data, err = s.cipher.open(data)
		if err != nil {
			return fileShape{}, err
		}
	}
	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		return fileShape{}, fmt.Errorf("credential file %s: %w", s.path, err)
	}
	if fs.Accounts == nil {
		fs.Accounts = map[string]Account{}
	}
	return fs, nil
}

func (s *Store) save(fs fileShape) error {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	if s.cipher != nil {
		data, err = s.cipher.seal(data)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".creds-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// List returns snapshots of all accounts, sorted by nickname.
func (s *Store) List() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(fs.Accounts))
	for _, a := range fs.Accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out, nil
}

// Get returns a snapshot of one account by nickname.
func (s *Store) Get(nickname string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return Account{}, err
	}
	a, ok := fs.Accounts[nickname]
	if !ok {
		return Account{}, fmt.Errorf("%q: %w", nickname, ErrNotFound)
	}
	return a, nil
}

// Put inserts or replaces an account record.
func (s *Store) Put(a Account) error {
	if a.Nickname == "" {
		return fmt.Errorf("account needs a nickname")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()
	fs.Accounts[a.Nickname] = a
	return s.save(fs)
}

// UpdateSession refreshes the session material of an account in place,
// clearing any invalid flag. Keep-alive and re-login both land here.
func (s *Store) UpdateSession(nickname, cookie string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return err
	}
	a, ok := fs.Accounts[nickname]
	if !ok {
		return fmt.Errorf("%q: %w", nickname, ErrNotFound)
	}
	a.Cookie = cookie
	a.ExpiresAt = expiresAt
	a.Invalid = false
	a.UpdatedAt = time.Now().UTC()
	fs.Accounts[nickname] = a
	return s.save(fs)
}

// Invalidate flags an account whose session the platform rejected. The record
// is kept so the operator can re-login rather than re-enroll.
func (s *Store) Invalidate(nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return err
	}
	a, ok := fs.Accounts[nickname]
	if !ok {
		return fmt.Errorf("%q: %w", nickname, ErrNotFound)
	}
	a.Invalid = true
	a.UpdatedAt = time.Now().UTC()
	fs.Accounts[nickname] = a
	return s.save(fs)
}

// Delete removes an account.
func (s *Store) Delete(nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := fs.Accounts[nickname]; !ok {
		return fmt.Errorf("%q: %w", nickname, ErrNotFound)
	}
	delete(fs.Accounts, nickname)
	return s.save(fs)
}

// Usable returns the accounts that can be used for a submission now. When
// nicknames is non-empty, only those accounts are considered, in the given
// order; otherwise all usable accounts sorted by nickname.
func (s *Store) Usable(nicknames []string, now time.Time) ([]Account, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(nicknames) == 0 {
		out := make([]Account, 0, len(all))
		for _, a := range all {
			if a.Usable(now) {
				out = append(out, a)
			}
		}
		return out, nil
	}
	byName := make(map[string]Account, len(all))
	for _, a := range all {
		byName[a.Nickname] = a
	}
	var out []Account
	for _, n := range nicknames {
		if a, ok := byName[n]; ok && a.Usable(now) {
			out = append(out, a)
		}
	}
	return out, nil
}
