package broker

import "testing"

func TestCredentialStoreResolvesEnvRef(t *testing.T) {
	t.Setenv("TIGER_TEST_TOKEN", "secret-value")

	store, err := NewCredentialStore(map[string]string{"acct-1": "env:TIGER_TEST_TOKEN"})
	if err != nil {
		t.Fatal(err)
	}

	tok, err := store.Token("acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "secret-value" {
		t.Errorf("Token() = %q, want secret-value", tok)
	}
}

func TestCredentialStoreRejectsUnsetEnvVar(t *testing.T) {
	if _, err := NewCredentialStore(map[string]string{"acct-1": "env:TIGER_DOES_NOT_EXIST"}); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestCredentialStoreRejectsUnknownScheme(t *testing.T) {
	if _, err := NewCredentialStore(map[string]string{"acct-1": "vault:secret/path"}); err == nil {
		t.Fatal("expected error for unsupported ref scheme")
	}
}

func TestCredentialStoreTokenMissingAccount(t *testing.T) {
	store, err := NewCredentialStore(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Token("unknown"); err == nil {
		t.Fatal("expected error for unconfigured account")
	}
}
