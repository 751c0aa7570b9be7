// Package secrets keeps the host's API token in the OS keychain, with a JSON
// file fallback for machines that have no keyring service.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
)

const keyHostToken = "host-token"

// ErrNotFound is returned when no secret is stored.
var ErrNotFound = keyring.ErrNotFound

// Store wraps the OS keychain with an optional file fallback.
type Store struct {
	service      string
	fallbackPath string
	mu           sync.Mutex
}

// NewStore creates a keyring wrapper.
func NewStore(serviceName, fallbackPath string) *Store {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "ugc-runtime"
	}
	return &Store{service: serviceName, fallbackPath: fallbackPath}
}

func (s *Store) HostToken() (string, error) { return s.get(keyHostToken) }

func (s *Store) SetHostToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("secrets: token is empty")
	}
	return s.set(keyHostToken, token)
}

// DeleteHostToken removes the token from the keyring and the fallback file.
func (s *Store) DeleteHostToken() error {
	err := keyring.Delete(s.service, keyHostToken)
	ferr := s.deleteFallback(keyHostToken)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) && !isKeyringUnavailable(err) {
		return fmt.Errorf("secrets: keyring delete: %w", err)
	}
	return ferr
}

// EnsureHostToken returns the token the host should require. A configured
// token wins and is persisted; otherwise the stored one is used, and when
// there is none a new token is generated and stored. created reports the
// last case.
func (s *Store) EnsureHostToken(configured string) (token string, created bool, err error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, false, s.SetHostToken(configured)
	}
	token, err = s.HostToken()
	if err == nil {
		return token, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	token = strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.SetHostToken(token); err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *Store) set(key, value string) error {
	err := keyring.Set(s.service, key, value)
	if err == nil {
		return nil
	}
	if !isKeyringUnavailable(err) {
		return fmt.Errorf("secrets: keyring set %s: %w", key, err)
	}
	return s.setFallback(key, value)
}

func (s *Store) get(key string) (string, error) {
	val, err := keyring.Get(s.service, key)
	if err == nil {
		return val, nil
	}
	if !isKeyringUnavailable(err) && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("secrets: keyring get %s: %w", key, err)
	}

	fallback, ferr := s.getFallback(key)
	if ferr == nil {
		return fallback, nil
	}
	if errors.Is(err, keyring.ErrNotFound) || errors.Is(ferr, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return "", ferr
}

func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "secret service") ||
		strings.Contains(msg, "dbus") ||
		strings.Contains(msg, "no keychain") ||
		strings.Contains(msg, "keyring backend not available")
}

// fallbackSecrets maps service to key to value.
type fallbackSecrets map[string]map[string]string

func (s *Store) setFallback(key, value string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return errors.New("secrets: keyring unavailable and no fallback path configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return err
	}
	if data[s.service] == nil {
		data[s.service] = map[string]string{}
	}
	data[s.service][key] = value
	return s.writeFallbackUnlocked(data)
}

func (s *Store) getFallback(key string) (string, error) {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return "", errors.New("secrets: fallback path not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return "", err
	}
	val, ok := data[s.service][key]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return val, nil
}

func (s *Store) deleteFallback(key string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallbackUnlocked()
	if err != nil {
		return err
	}
	if _, ok := data[s.service][key]; !ok {
		return nil
	}
	delete(data[s.service], key)
	return s.writeFallbackUnlocked(data)
}

func (s *Store) readFallbackUnlocked() (fallbackSecrets, error) {
	out := fallbackSecrets{}
	raw, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("secrets: read fallback: %w", err)
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("secrets: decode fallback: %w", err)
	}
	return out, nil
}

func (s *Store) writeFallbackUnlocked(data fallbackSecrets) error {
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("secrets: mkdir fallback dir: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("secrets: encode fallback: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath, raw, 0o600); err != nil {
		return fmt.Errorf("secrets: write fallback: %w", err)
	}
	return nil
}
