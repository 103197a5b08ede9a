package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"agentdesk/internal/domain"
)

func sampleRecord() domain.ProviderRecord {
	reset := time.UnixMilli(1700000060000)
	return domain.ProviderRecord{
		APIKeys:        []string{"key-one-aaaaaaaa", "key-two-bbbbbbbb"},
		ActiveKeyIndex: 1,
		KeyManagerState: &domain.KeyManagerState{
			Keys: []domain.APIKey{
				{Secret: "key-one-aaaaaaaa", Status: domain.KeyRateLimited, ResetTime: &reset, ErrorCount: 1},
				{Secret: "key-two-bbbbbbbb", Status: domain.KeyValid},
			},
			ActiveKeyIndex:   1,
			LastRotationTime: time.UnixMilli(1700000000000),
		},
		Model: "gemini-2.5-flash",
	}
}

// =============================================================================
// FileStore
// =============================================================================

func TestFileStore_Get_WhenFileMissing_ShouldReturnErrNotFound(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "providers.json"))

	_, err := s.Get(context.Background(), "gemini")

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFileStore_SetThenGet_ShouldRoundTripRecord(t *testing.T) {
	// Given a record with persisted key health
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "providers.json"))
	want := sampleRecord()

	// When written and read back
	if err := s.Set(context.Background(), "gemini", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(context.Background(), "gemini")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Then it is identical at millisecond precision
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStore_Set_ShouldPreserveOtherNamespaces(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "providers.json"))
	ctx := context.Background()
	_ = s.Set(ctx, "gemini", domain.ProviderRecord{APIKeys: []string{"g"}})
	_ = s.Set(ctx, "openai", domain.ProviderRecord{APIKeys: []string{"o"}})

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all["gemini"].APIKeys[0] != "g" || all["openai"].APIKeys[0] != "o" {
		t.Errorf("unexpected records: %+v", all)
	}
}

func TestFileStore_Set_ShouldWriteOwnerOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	s := NewFileStore(path)
	if err := s.Set(context.Background(), "gemini", sampleRecord()); err != nil {
		t.Fatalf("set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("want 0600, got %o", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not remain, stat err=%v", err)
	}
}

func TestFileStore_Get_WhenFileCorrupt_ShouldReturnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	os.WriteFile(path, []byte("{not json"), 0600)

	_, err := NewFileStore(path).Get(context.Background(), "gemini")

	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("want parse error, got %v", err)
	}
}

func TestFileStore_Set_WhenWriteFails_ShouldReturnError(t *testing.T) {
	orig := fileWriteFile
	fileWriteFile = func(string, []byte, os.FileMode) error { return errors.New("disk full") }
	defer func() { fileWriteFile = orig }()

	err := NewFileStore(filepath.Join(t.TempDir(), "p.json")).Set(context.Background(), "gemini", sampleRecord())

	if err == nil {
		t.Fatal("expected write error")
	}
}

func TestFileStore_Set_WhenRenameFails_ShouldRemoveTempFile(t *testing.T) {
	orig := fileRename
	fileRename = func(string, string) error { return errors.New("cross-device") }
	defer func() { fileRename = orig }()
	path := filepath.Join(t.TempDir(), "p.json")

	err := NewFileStore(path).Set(context.Background(), "gemini", sampleRecord())

	if err == nil {
		t.Fatal("expected rename error")
	}
	if _, statErr := os.Stat(path + ".tmp"); !os.IsNotExist(statErr) {
		t.Errorf("temp file should be cleaned up")
	}
}

func TestFileStore_Get_WhenContextCanceled_ShouldReturnContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileStore(filepath.Join(t.TempDir(), "p.json")).Get(ctx, "gemini")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

// =============================================================================
// EncryptedStore
// =============================================================================

func TestEncryptedStore_SetThenGet_ShouldRoundTripAndHideSecrets(t *testing.T) {
	// Given an encrypted store
	path := filepath.Join(t.TempDir(), "providers.enc")
	s, err := NewEncryptedStore(path, DeriveKey("test-passphrase"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want := sampleRecord()

	// When a record is written
	if err := s.Set(context.Background(), "gemini", want); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Then the raw file does not contain the secret
	raw, _ := os.ReadFile(path)
	if bytes.Contains(raw, []byte("key-one-aaaaaaaa")) {
		t.Error("secret found in plaintext on disk")
	}

	// And it decrypts back to the same record
	got, err := s.Get(context.Background(), "gemini")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestEncryptedStore_Get_WhenWrongKey_ShouldReturnDecryptError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.enc")
	a, _ := NewEncryptedStore(path, DeriveKey("a"))
	_ = a.Set(context.Background(), "gemini", sampleRecord())

	b, _ := NewEncryptedStore(path, DeriveKey("b"))
	_, err := b.Get(context.Background(), "gemini")

	if err == nil {
		t.Fatal("expected decrypt error with wrong key")
	}
}

func TestEncryptedStore_Get_WhenFileTruncated_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.enc")
	os.WriteFile(path, []byte("short"), 0600)
	s, _ := NewEncryptedStore(path, DeriveKey("k"))

	if _, err := s.Get(context.Background(), "gemini"); err == nil {
		t.Fatal("expected truncated error")
	}
}

func TestNewEncryptedStore_WhenKeyWrongSize_ShouldReturnError(t *testing.T) {
	if _, err := NewEncryptedStore("x", []byte("short")); err == nil {
		t.Fatal("expected key size error")
	}
}

func TestDefaultKeySource_WhenPassphraseSet_ShouldDeriveFromIt(t *testing.T) {
	t.Setenv(PassphraseEnv, "hunter2")
	key, err := DefaultKeySource()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(DeriveKey("hunter2"), key); diff != "" {
		t.Errorf("key mismatch: %s", diff)
	}
}

func TestDefaultKeySource_WhenMachineIDMissing_ShouldReturnError(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	orig := keySourceRead
	keySourceRead = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	defer func() { keySourceRead = orig }()

	if _, err := DefaultKeySource(); err == nil {
		t.Fatal("expected error without passphrase or machine-id")
	}
}

func TestDefaultKeySource_WhenMachineIDPresent_ShouldUseFirstLine(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	orig := keySourceRead
	keySourceRead = func(string) ([]byte, error) { return []byte("abc123\n"), nil }
	defer func() { keySourceRead = orig }()

	key, err := DefaultKeySource()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(DeriveKey("abc123"), key); diff != "" {
		t.Errorf("key mismatch: %s", diff)
	}
}
