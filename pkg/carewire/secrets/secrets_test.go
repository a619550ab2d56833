package secrets

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestVault(t *testing.T, password string) *Vault {
	t.Helper()
	v := NewVault(filepath.Join(t.TempDir(), VaultFile))
	if err := v.Create(password); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return v
}

func TestVault_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if v.Exists() {
		t.Fatal("vault should not exist before Create")
	}
	if err := v.Create("pass123"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := v.Set("GEMINI_API_KEY", "key-abc"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v.Lock()

	if v.IsUnlocked() {
		t.Error("vault should be locked after Lock")
	}

	reopened := NewVault(path)
	if !reopened.Exists() {
		t.Fatal("vault file should exist after Create")
	}
	if err := reopened.Unlock("pass123"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	got, err := reopened.Get("GEMINI_API_KEY")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "key-abc" {
		t.Errorf("got %q, want %q", got, "key-abc")
	}
}

func TestVault_WrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if err := v.Create("correct"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	v.Lock()

	err := NewVault(path).Unlock("incorrect")
	if err == nil {
		t.Fatal("Unlock with wrong password should fail")
	}
	if !strings.Contains(err.Error(), "wrong password") {
		t.Errorf("got %q, want wrong password error", err)
	}
}

func TestVault_CreateTwice(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Create("pass"); err == nil {
		t.Error("second Create should fail")
	}
}

func TestVault_GetMissing(t *testing.T) {
	v := newTestVault(t, "pass")

	got, err := v.Get("NOT_STORED")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestVault_LockedOperations(t *testing.T) {
	v := newTestVault(t, "pass")
	v.Lock()

	if err := v.Set("NAME", "value"); err == nil {
		t.Error("Set on locked vault should fail")
	}
	if _, err := v.Get("NAME"); err == nil {
		t.Error("Get on locked vault should fail")
	}
	if err := v.Delete("NAME"); err == nil {
		t.Error("Delete on locked vault should fail")
	}
	if names := v.List(); names != nil {
		t.Errorf("List on locked vault should be empty, got %v", names)
	}
}

func TestVault_Delete(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Set("NLU_API_TOKEN", "tok"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := v.Delete("NLU_API_TOKEN"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err := v.Get("NLU_API_TOKEN")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "" {
		t.Errorf("got %q after Delete, want empty string", got)
	}
}

func TestVault_ListExcludesVerifyEntry(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Set("GEMINI_API_KEY", "a"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := v.Set("STORAGE_DSN", "b"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	names := v.List()
	if len(names) != 2 {
		t.Fatalf("got %d names %v, want 2", len(names), names)
	}
	for _, name := range names {
		if name == verifyEntry {
			t.Errorf("List should not include %s", verifyEntry)
		}
	}
}

func TestVault_ChangePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)

	v := NewVault(path)
	if err := v.Create("old-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := v.Set("TELEPHONY_CLIENT_SECRET", "s3cret"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := v.ChangePassword("new-pass"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	v.Lock()

	if err := NewVault(path).Unlock("old-pass"); err == nil {
		t.Error("old password should no longer unlock the vault")
	}

	reopened := NewVault(path)
	if err := reopened.Unlock("new-pass"); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}
	got, err := reopened.Get("TELEPHONY_CLIENT_SECRET")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}
}

func TestVault_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFile)
	if err := NewVault(path).Create("pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("vault file mode = %o, want 600", perm)
	}
}

func TestVault_InjectEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	v := newTestVault(t, "pass")
	if err := v.Set("OPENAI_API_KEY", "sk-test"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := v.InjectEnv(); err != nil {
		t.Fatalf("InjectEnv failed: %v", err)
	}
	if got := os.Getenv("OPENAI_API_KEY"); got != "sk-test" {
		t.Errorf("got %q, want %q", got, "sk-test")
	}
}

func TestResolve_SourceOrder(t *testing.T) {
	t.Setenv("NLU_API_TOKEN", "env-token")

	v := newTestVault(t, "pass")
	if err := v.Set("NLU_API_TOKEN", "vault-token"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if got := Resolve(v, "NLU_API_TOKEN", "cfg-token"); got != "vault-token" {
		t.Errorf("unlocked vault: got %q, want vault-token", got)
	}

	v.Lock()
	if got := Resolve(v, "NLU_API_TOKEN", "cfg-token"); got != "env-token" {
		t.Errorf("locked vault: got %q, want env-token", got)
	}

	if got := Resolve(nil, "NLU_API_TOKEN", "cfg-token"); got != "env-token" {
		t.Errorf("nil vault: got %q, want env-token", got)
	}

	if got := Resolve(nil, "CAREWIRE_ABSENT_SECRET", "cfg-token"); got != "cfg-token" {
		t.Errorf("no source: got %q, want cfg-token", got)
	}
}

func TestKeyring_RoundTrip(t *testing.T) {
	if !KeyringAvailable() {
		t.Skip("no OS keyring available")
	}

	if err := StoreKeyring("CAREWIRE_KEYRING_TEST", "v1"); err != nil {
		t.Fatalf("StoreKeyring failed: %v", err)
	}
	defer DeleteKeyring("CAREWIRE_KEYRING_TEST")

	if got := GetKeyring("CAREWIRE_KEYRING_TEST"); got != "v1" {
		t.Errorf("got %q, want %q", got, "v1")
	}
}

func TestBootstrap_NoVault(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := Bootstrap(testLogger())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if v != nil {
		t.Error("Bootstrap without a vault file should return nil")
	}
}

func TestBootstrap_PasswordFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("GEMINI_API_KEY", "")

	v := NewVault(filepath.Join(dir, VaultFile))
	if err := v.Create("boot-pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := v.Set("GEMINI_API_KEY", "key-from-vault"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v.Lock()

	t.Setenv(VaultPasswordEnv, "boot-pass")

	unlocked, err := Bootstrap(testLogger())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if unlocked == nil || !unlocked.IsUnlocked() {
		t.Fatal("Bootstrap should return an unlocked vault")
	}
	if got := os.Getenv("GEMINI_API_KEY"); got != "key-from-vault" {
		t.Errorf("got %q, want key-from-vault", got)
	}
}

func TestBootstrap_NoPasswordNonInteractive(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := NewVault(filepath.Join(dir, VaultFile)).Create("pass"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Setenv(VaultPasswordEnv, "")

	v, err := Bootstrap(testLogger())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if v != nil {
		t.Error("Bootstrap without a password should skip the vault")
	}
}
