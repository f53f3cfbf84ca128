package accounts

import (
	"path/filepath"
	"testing"
)

func TestUpsertChatGPTDedupeBySameAccountIDAndEmail(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}

	first := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{AccountID: "acct-1", Email: "user@example.com"}})
	second := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{AccountID: "acct-1", Email: "USER@EXAMPLE.COM"}})

	if first.ID != second.ID {
		t.Errorf("IDs differ: %q vs %q, want the same stored id (spec invariant 5)", first.ID, second.ID)
	}
	if len(s.List()) != 1 {
		t.Errorf("len(List()) = %d, want 1", len(s.List()))
	}
}

func TestUpsertChatGPTDifferentAccountIDSameEmailStaysDistinct(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}

	a := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{AccountID: "acct-1", Email: "user@example.com"}})
	b := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{AccountID: "acct-team", Email: "user@example.com"}})

	if a.ID == b.ID {
		t.Error("expected distinct ids for different account_id with identical email")
	}
	if len(s.List()) != 2 {
		t.Errorf("len(List()) = %d, want 2", len(s.List()))
	}
}

func TestUpsertMissingAccountIDNeverCoalesces(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}

	a := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{Email: "user@example.com"}})
	b := s.Upsert(StoredAccount{Mode: ChatGPT, Tokens: &Tokens{Email: "user@example.com"}})

	if a.ID == b.ID {
		t.Error("accounts with no account_id must never coalesce, even with identical email")
	}
}

func TestUpsertAPIKeyDedupesByExactKeyMatch(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}

	a := s.Upsert(StoredAccount{Mode: ApiKey, OpenAIAPIKey: "sk-abc"})
	b := s.Upsert(StoredAccount{Mode: ApiKey, OpenAIAPIKey: "sk-abc"})
	c := s.Upsert(StoredAccount{Mode: ApiKey, OpenAIAPIKey: "sk-xyz"})

	if a.ID != b.ID {
		t.Error("identical API keys must dedupe to the same account")
	}
	if a.ID == c.ID {
		t.Error("different API keys must remain distinct accounts")
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Version: storeVersion, path: filepath.Join(dir, storeFilename)}
	acct := s.Upsert(StoredAccount{Mode: ApiKey, OpenAIAPIKey: "sk-abc", Label: "default"})
	if err := s.SetActive(acct.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(dir, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.List()) != 1 {
		t.Fatalf("List() = %+v, want 1 account", reloaded.List())
	}
	if got, ok := reloaded.Active(); !ok || got.ID != acct.ID {
		t.Errorf("Active() = %+v, %v, want %q", got, ok, acct.ID)
	}
}

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir, "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.List()) != 0 {
		t.Errorf("List() = %+v, want empty", s.List())
	}
	if s.Version != storeVersion {
		t.Errorf("Version = %d, want %d", s.Version, storeVersion)
	}
}

func TestRemoveClearsActiveAccountID(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}
	acct := s.Upsert(StoredAccount{Mode: ApiKey, OpenAIAPIKey: "sk-abc"})
	_ = s.SetActive(acct.ID)

	if err := s.Remove(acct.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Active(); ok {
		t.Error("expected no active account after removing it")
	}
	if _, err := s.Get(acct.ID); err != ErrAccountNotFound {
		t.Errorf("Get after Remove: err = %v, want ErrAccountNotFound", err)
	}
}

func TestRemoveUnknownIDReturnsErrAccountNotFound(t *testing.T) {
	s := &Store{Version: storeVersion, path: filepath.Join(t.TempDir(), storeFilename)}
	if err := s.Remove("missing"); err != ErrAccountNotFound {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
