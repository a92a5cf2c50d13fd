// Package userstore provides the user directory and credential verifier
// consumed by the protocol servers.
//
// Accounts live in a line-delimited text file of "username:bcrypt-hash"
// entries (lines starting with '#' are comments), cached in memory the
// same way the filter gate caches its blacklists. The registration and
// administration surfaces that normally maintain this file are outside
// this repository; Add exists for provisioning and tests.
package userstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Store is a file-backed account store.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string // username -> bcrypt hash; nil means not loaded
}

// New creates a Store backed by the given credentials file. A missing
// file reads as an empty store.
func New(path string) *Store {
	return &Store{path: path}
}

// Exists reports whether the named user is registered.
func (s *Store) Exists(username string) bool {
	users, err := s.load()
	if err != nil {
		return false
	}
	_, ok := users[username]
	return ok
}

// Verify checks a username/secret pair against the stored bcrypt hash.
func (s *Store) Verify(username, secret string) bool {
	users, err := s.load()
	if err != nil {
		return false
	}
	hash, ok := users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Add registers a new user. It returns an error when the username is
// already taken or the file cannot be written.
func (s *Store) Add(username, secret string) error {
	if username == "" || strings.ContainsAny(username, ":\n") {
		return fmt.Errorf("invalid username: %q", username)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, exists := users[username]; exists {
		return fmt.Errorf("user %q already exists", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s:%s\n", username, hash); err != nil {
		return err
	}

	s.users = nil
	return nil
}

// Reload drops the cache so the next lookup rereads the file.
func (s *Store) Reload() {
	s.mu.Lock()
	s.users = nil
	s.mu.Unlock()
}

func (s *Store) load() (map[string]string, error) {
	s.mu.RLock()
	users := s.users
	s.mu.RUnlock()
	if users != nil {
		return users, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (map[string]string, error) {
	if s.users != nil {
		return s.users, nil
	}

	users := make(map[string]string)
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.users = users
			return users, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		users[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	s.users = users
	return users, nil
}
