// Package accounts persists the set of credentials the session runner can
// authenticate with (spec §6, "Persisted state layout") and applies the
// dedup rules an upsert must honor (spec §6, "Account matching rules";
// spec §8 invariant 5).
//
// Grounded on internal/auth/profiles.go's ProfileStore: load-or-create
// from a JSON file in a state directory, guard all mutation with a
// mutex, and persist with MarshalIndent at mode 0600. StoredAccount
// generalizes ProfileCredential's shape to the spec's three account
// modes instead of ProfileStore's generic provider/credential-type pair.
package accounts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	storeFilename = "accounts_store.json"
	storeVersion  = 1
)

// Mode identifies how an account authenticates (spec §6).
type Mode string

const (
	ApiKey            Mode = "ApiKey"
	ChatGPT           Mode = "ChatGPT"
	ChatgptAuthTokens Mode = "ChatgptAuthTokens"
)

var ErrAccountNotFound = errors.New("accounts: account not found")

// Tokens holds a ChatGPT OAuth token pair.
type Tokens struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Email        string `json:"email,omitempty"`
}

// StoredAccount is one persisted credential (spec §6).
type StoredAccount struct {
	ID           string    `json:"id"`
	Mode         Mode      `json:"mode"`
	Label        string    `json:"label,omitempty"`
	OpenAIAPIKey string    `json:"openai_api_key,omitempty"`
	Tokens       *Tokens   `json:"tokens,omitempty"`
	LastRefresh  time.Time `json:"last_refresh,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
}

// Store is the on-disk accounts_store.json schema (spec §6).
type Store struct {
	mu              sync.RWMutex
	Version         int             `json:"version"`
	ActiveAccountID string          `json:"active_account_id,omitempty"`
	Accounts        []StoredAccount `json:"accounts"`

	path string
}

// Load reads the store at stateDir/accounts_store.json, or codeHome's
// accounts.read_paths/write_path override when readPath/writePath are
// non-empty. A missing file yields an empty, version-1 store.
func Load(stateDir string, readPath, writePath string) (*Store, error) {
	path := writePath
	if path == "" {
		path = readPath
	}
	if path == "" {
		path = filepath.Join(stateDir, storeFilename)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{Version: storeVersion, path: path}, nil
		}
		return nil, err
	}

	s := &Store{path: path}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Version == 0 {
		s.Version = storeVersion
	}
	return s, nil
}

// Save persists the store to its load path, mode 0600 (spec §6).
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// sameAccount implements spec §6's matching rules: ChatGPT accounts match
// iff account_id matches AND case-insensitive normalized emails match
// (a missing account_id never coalesces two otherwise-similar accounts);
// API-key accounts match iff the stored key matches exactly.
func sameAccount(a, b StoredAccount) bool {
	if a.Mode != b.Mode {
		return false
	}
	switch a.Mode {
	case ChatGPT, ChatgptAuthTokens:
		if a.Tokens == nil || b.Tokens == nil {
			return false
		}
		if a.Tokens.AccountID == "" || b.Tokens.AccountID == "" {
			return false
		}
		return a.Tokens.AccountID == b.Tokens.AccountID &&
			strings.EqualFold(normalizeEmail(a.Tokens.Email), normalizeEmail(b.Tokens.Email))
	case ApiKey:
		return a.OpenAIAPIKey != "" && a.OpenAIAPIKey == b.OpenAIAPIKey
	default:
		return false
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Upsert inserts candidate, or updates and returns the existing matching
// account (spec §8 invariant 5: calling Upsert twice with the same input
// yields the same stored id). candidate.ID/CreatedAt are assigned when a
// new account is created; they are ignored for matching.
func (s *Store) Upsert(candidate StoredAccount) StoredAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i, existing := range s.Accounts {
		if sameAccount(existing, candidate) {
			merged := existing
			merged.Label = firstNonEmpty(candidate.Label, existing.Label)
			merged.OpenAIAPIKey = firstNonEmpty(candidate.OpenAIAPIKey, existing.OpenAIAPIKey)
			if candidate.Tokens != nil {
				merged.Tokens = candidate.Tokens
				merged.LastRefresh = now
			}
			merged.LastUsedAt = now
			s.Accounts[i] = merged
			return merged
		}
	}

	candidate.ID = uuid.NewString()
	candidate.CreatedAt = now
	candidate.LastUsedAt = now
	s.Accounts = append(s.Accounts, candidate)
	return candidate
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Get returns the account with the given id.
func (s *Store) Get(id string) (StoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.Accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return StoredAccount{}, ErrAccountNotFound
}

// List returns a copy of every stored account.
func (s *Store) List() []StoredAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StoredAccount(nil), s.Accounts...)
}

// Remove deletes the account with the given id, clearing ActiveAccountID
// if it pointed at it.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.Accounts {
		if a.ID == id {
			s.Accounts = append(s.Accounts[:i], s.Accounts[i+1:]...)
			if s.ActiveAccountID == id {
				s.ActiveAccountID = ""
			}
			return nil
		}
	}
	return ErrAccountNotFound
}

// SetActive marks id as the active account; it must already be stored.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Accounts {
		if a.ID == id {
			s.ActiveAccountID = id
			return nil
		}
	}
	return ErrAccountNotFound
}

// Active returns the active account, if any is set and still present.
func (s *Store) Active() (StoredAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ActiveAccountID == "" {
		return StoredAccount{}, false
	}
	for _, a := range s.Accounts {
		if a.ID == s.ActiveAccountID {
			return a, true
		}
	}
	return StoredAccount{}, false
}

// MarshalJSON and UnmarshalJSON let Store round-trip through encoding/json
// despite embedding a sync.RWMutex, matching the shape documented in
// spec §6 exactly ({version, active_account_id?, accounts}).
func (s *Store) MarshalJSON() ([]byte, error) {
	type shape struct {
		Version         int             `json:"version"`
		ActiveAccountID string          `json:"active_account_id,omitempty"`
		Accounts        []StoredAccount `json:"accounts"`
	}
	return json.Marshal(shape{Version: s.Version, ActiveAccountID: s.ActiveAccountID, Accounts: s.Accounts})
}

func (s *Store) UnmarshalJSON(data []byte) error {
	type shape struct {
		Version         int             `json:"version"`
		ActiveAccountID string          `json:"active_account_id,omitempty"`
		Accounts        []StoredAccount `json:"accounts"`
	}
	var v shape
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	s.Version = v.Version
	s.ActiveAccountID = v.ActiveAccountID
	s.Accounts = v.Accounts
	return nil
}
